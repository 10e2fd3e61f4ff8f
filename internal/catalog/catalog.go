package catalog

import (
	"fmt"
	"sort"

	"github.com/schaermu/apkpatcher/internal/config"
	"github.com/schaermu/apkpatcher/internal/manifest"
)

// Selection is the set of patches chosen from one repository for a run
type Selection struct {
	Repo    config.Repository
	Patches []manifest.PatchMetaData
}

// Catalog lists the patches that can actually be applied from the local cache
type Catalog struct {
	store *manifest.Store
}

// New creates a catalog over the given manifest store
func New(store *manifest.Store) *Catalog {
	return &Catalog{store: store}
}

// Available returns the cached manifest's patches whose file exists in
// patches/, sorted by title. Entries without a file are left out silently.
func (c *Catalog) Available(repoUUID string) ([]manifest.PatchMetaData, error) {
	m, err := c.store.Load(repoUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest for %s: %w", repoUUID, err)
	}

	files, err := c.store.ListPatchFiles(repoUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list patch files for %s: %w", repoUUID, err)
	}

	available := make([]manifest.PatchMetaData, 0, len(m.Patches))
	for _, p := range m.Patches {
		if files[p.Filename] {
			available = append(available, p)
		}
	}

	sort.SliceStable(available, func(i, j int) bool {
		return available[i].Title < available[j].Title
	})
	return available, nil
}

// Find returns the first available patch with exactly the given title.
// A patch that is not available is reported with ok=false, not an error.
func (c *Catalog) Find(repoUUID, title string) (manifest.PatchMetaData, bool, error) {
	available, err := c.Available(repoUUID)
	if err != nil {
		return manifest.PatchMetaData{}, false, err
	}
	for _, p := range available {
		if p.Title == title {
			return p, true, nil
		}
	}
	return manifest.PatchMetaData{}, false, nil
}

// All returns one selection per registered repository holding every
// available patch, in registration order. Repositories that fail to load are
// passed to skip and left out.
func (c *Catalog) All(repos []config.Repository, skip func(config.Repository, error)) []Selection {
	selections := make([]Selection, 0, len(repos))
	for _, repo := range repos {
		patches, err := c.Available(repo.UUID)
		if err != nil {
			if skip != nil {
				skip(repo, err)
			}
			continue
		}
		selections = append(selections, Selection{Repo: repo, Patches: patches})
	}
	return selections
}
