package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schaermu/apkpatcher/internal/catalog"
	"github.com/schaermu/apkpatcher/internal/manifest"
)

// PatchOverride pins the settings and priority of one patch
type PatchOverride struct {
	Title    string         `json:"title"`
	Filename string         `json:"filename"`
	Priority int            `json:"priority"`
	Settings map[string]any `json:"settings"`
}

// RepoOverride holds the patch overrides of one repository, keyed by patch uuid
type RepoOverride struct {
	Title    string                   `json:"title"`
	Settings map[string]PatchOverride `json:"settings"`
}

// Override is a settings-override document keyed by repository uuid.
// For every patch it lists, its settings and priority replace the manifest's.
type Override map[string]RepoOverride

// Load reads an override document from disk
func Load(path string) (Override, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var o Override
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}
	return o, nil
}

// Save writes the document as indented JSON, replacing path atomically
func (o Override) Save(path string) error {
	data, err := json.MarshalIndent(o, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create settings directory: %w", err)
		}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename settings: %w", err)
	}
	return nil
}

// Lookup returns the override for a patch of a repository
func (o Override) Lookup(repoUUID, patchUUID string) (PatchOverride, bool) {
	repo, ok := o[repoUUID]
	if !ok {
		return PatchOverride{}, false
	}
	p, ok := repo.Settings[patchUUID]
	return p, ok
}

// Resolve substitutes settings and priority in place for every selected
// patch the override lists under its repository. The selection itself is
// not changed. A nil override leaves everything as declared.
func Resolve(selections []catalog.Selection, o Override) {
	if o == nil {
		return
	}
	for i := range selections {
		patches := selections[i].Patches
		for j := range patches {
			p, ok := o.Lookup(selections[i].Repo.UUID, patches[j].UUID)
			if !ok {
				continue
			}
			patches[j].Settings = p.Settings
			patches[j].Priority = p.Priority
		}
	}
}

// Select picks the available patches of a repository that the override
// lists, keeping the catalog order. Used to replay a run without prompting.
func Select(repoUUID string, available []manifest.PatchMetaData, o Override) []manifest.PatchMetaData {
	var chosen []manifest.PatchMetaData
	for _, p := range available {
		if _, ok := o.Lookup(repoUUID, p.UUID); ok {
			chosen = append(chosen, p)
		}
	}
	return chosen
}

// Export builds an override document from a selection, capturing each
// patch's current settings and priority.
func Export(selections []catalog.Selection) Override {
	o := make(Override, len(selections))
	for _, sel := range selections {
		repo := RepoOverride{
			Title:    sel.Repo.Title,
			Settings: make(map[string]PatchOverride, len(sel.Patches)),
		}
		for _, p := range sel.Patches {
			repo.Settings[p.UUID] = PatchOverride{
				Title:    p.Title,
				Filename: p.Filename,
				Priority: p.Priority,
				Settings: p.Settings,
			}
		}
		o[sel.Repo.UUID] = repo
	}
	return o
}
