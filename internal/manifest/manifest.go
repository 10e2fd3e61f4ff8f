package manifest

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileName is the name of the manifest document inside a repository
const FileName = "manifest.json"

// RepoInfo identifies a patch repository
type RepoInfo struct {
	Title string `json:"title"`
	UUID  string `json:"uuid"`
}

// RepoManifest describes the patches and resources a repository offers
type RepoManifest struct {
	Repo      RepoInfo           `json:"repo"`
	Patches   []PatchMetaData    `json:"patches"`
	Resources []ResourceMetaData `json:"resources"`
}

// PatchMetaData describes a single patch. UUID is the stable identity;
// Title and Filename may change between revisions.
type PatchMetaData struct {
	UUID        string         `json:"uuid"`
	Title       string         `json:"title"`
	Filename    string         `json:"filename"`
	Priority    int            `json:"priority"`
	Settings    map[string]any `json:"settings"`
	Description string         `json:"description"`
	Author      string         `json:"author"`
	SHA256      string         `json:"sha256"`
	ModDate     string         `json:"modDate"`
}

// ResourceMetaData describes a binary resource, identified by its filename
type ResourceMetaData struct {
	Filename string `json:"filename"`
	SHA256   string `json:"sha256"`
}

// Validate checks the identities and filenames a manifest declares
func (m *RepoManifest) Validate() error {
	if m.Repo.UUID == "" {
		return fmt.Errorf("repo.uuid is required")
	}
	if err := uuid.Validate(m.Repo.UUID); err != nil {
		return fmt.Errorf("invalid repo.uuid %q: %w", m.Repo.UUID, err)
	}

	seen := make(map[string]bool, len(m.Patches))
	for i, p := range m.Patches {
		if err := uuid.Validate(p.UUID); err != nil {
			return fmt.Errorf("patches[%d]: invalid uuid %q: %w", i, p.UUID, err)
		}
		if seen[p.UUID] {
			return fmt.Errorf("patches[%d]: duplicate uuid %s", i, p.UUID)
		}
		seen[p.UUID] = true

		if err := validateFilename(p.Filename); err != nil {
			return fmt.Errorf("patches[%d]: %w", i, err)
		}
	}

	for i, r := range m.Resources {
		if err := validateFilename(r.Filename); err != nil {
			return fmt.Errorf("resources[%d]: %w", i, err)
		}
	}

	return nil
}

// PatchByUUID returns the patch entry with the given uuid
func (m *RepoManifest) PatchByUUID(id string) (PatchMetaData, bool) {
	for _, p := range m.Patches {
		if p.UUID == id {
			return p, true
		}
	}
	return PatchMetaData{}, false
}

// ResourceByFilename returns the resource entry with the given filename
func (m *RepoManifest) ResourceByFilename(name string) (ResourceMetaData, bool) {
	for _, r := range m.Resources {
		if r.Filename == name {
			return r, true
		}
	}
	return ResourceMetaData{}, false
}

// validateFilename rejects names that would escape the cache directory
func validateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("filename is required")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("filename %q must be a bare file name", name)
	}
	return nil
}

// ManifestURL normalizes a repository url so it points at its manifest.json
func ManifestURL(url string) string {
	if strings.HasSuffix(url, FileName) {
		return url
	}
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	return url + FileName
}

// BaseURL returns the repository root for a manifest url, with a trailing slash
func BaseURL(manifestURL string) string {
	base := strings.TrimSuffix(manifestURL, FileName)
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}
