package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	patchesDir   = "patches"
	resourcesDir = "resources"
)

// Store reads and writes the per-repository cache directories under Root
type Store struct {
	Root string
}

// NewStore creates a store rooted at the given cache directory
func NewStore(root string) *Store {
	return &Store{Root: root}
}

// Normalize converts a repository uuid into its cache directory name.
// Every non-alphanumeric character becomes an underscore.
func Normalize(repoUUID string) string {
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return '_'
	}, repoUUID)
}

// Dir returns the cache directory of a repository
func (s *Store) Dir(repoUUID string) string {
	return filepath.Join(s.Root, Normalize(repoUUID))
}

// PatchesDir returns the directory holding downloaded patch files
func (s *Store) PatchesDir(repoUUID string) string {
	return filepath.Join(s.Dir(repoUUID), patchesDir)
}

// ResourcesDir returns the directory holding downloaded resources
func (s *Store) ResourcesDir(repoUUID string) string {
	return filepath.Join(s.Dir(repoUUID), resourcesDir)
}

// ManifestPath returns the path of the cached manifest.json
func (s *Store) ManifestPath(repoUUID string) string {
	return filepath.Join(s.Dir(repoUUID), FileName)
}

// Exists reports whether a cache directory for the repository exists
func (s *Store) Exists(repoUUID string) bool {
	info, err := os.Stat(s.Dir(repoUUID))
	return err == nil && info.IsDir()
}

// Create initializes the cache directory layout and persists the manifest
func (s *Store) Create(m *RepoManifest) error {
	for _, dir := range []string{s.PatchesDir(m.Repo.UUID), s.ResourcesDir(m.Repo.UUID)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	return s.Save(m)
}

// Load reads the cached manifest of a repository
func (s *Store) Load(repoUUID string) (*RepoManifest, error) {
	data, err := os.ReadFile(s.ManifestPath(repoUUID))
	if err != nil {
		return nil, err
	}

	var m RepoManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	return &m, nil
}

// Save replaces the cached manifest wholesale, writing through a temp file
func (s *Store) Save(m *RepoManifest) error {
	dir := s.Dir(m.Repo.UUID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".manifest-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, s.ManifestPath(m.Repo.UUID))
}

// ListPatchFiles returns the names of regular files present in patches/.
// A missing directory yields an empty set.
func (s *Store) ListPatchFiles(repoUUID string) (map[string]bool, error) {
	entries, err := os.ReadDir(s.PatchesDir(repoUUID))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, err
	}

	files := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			files[entry.Name()] = true
		}
	}
	return files, nil
}
