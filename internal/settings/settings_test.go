package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/schaermu/apkpatcher/internal/catalog"
	"github.com/schaermu/apkpatcher/internal/config"
	"github.com/schaermu/apkpatcher/internal/manifest"
)

const (
	repoUUID  = "3f1c2a4e-9b7d-4c11-8e2f-5a6b7c8d9e01"
	otherRepo = "6d2e8f10-4a3b-4c5d-9e6f-7a8b9c0d1e2f"
	patchA    = "8a0e5d3c-1f2b-4a6c-9d7e-0b1c2d3e4f50"
	patchB    = "1b2c3d4e-5f60-4718-89ab-cdef01234567"
)

func testSelections() []catalog.Selection {
	return []catalog.Selection{
		{
			Repo: config.Repository{Title: "Main", UUID: repoUUID},
			Patches: []manifest.PatchMetaData{
				{UUID: patchA, Title: "A", Filename: "a.yaml", Priority: 1, Settings: map[string]any{"mode": "default"}},
				{UUID: patchB, Title: "B", Filename: "b.yaml", Priority: 2, Settings: map[string]any{"mode": "default"}},
			},
		},
	}
}

func TestResolve_OverridesListedPatches(t *testing.T) {
	sel := testSelections()
	o := Override{
		repoUUID: {
			Title: "Main",
			Settings: map[string]PatchOverride{
				patchB: {Title: "B", Priority: 0, Settings: map[string]any{"mode": "custom"}},
			},
		},
	}

	Resolve(sel, o)

	a, b := sel[0].Patches[0], sel[0].Patches[1]
	if a.Priority != 1 || a.Settings["mode"] != "default" {
		t.Errorf("patch without override changed: %+v", a)
	}
	// zero priority is a real value, not "unset"
	if b.Priority != 0 || b.Settings["mode"] != "custom" {
		t.Errorf("override not applied: %+v", b)
	}
	if len(sel[0].Patches) != 2 {
		t.Errorf("Resolve must not change the selection, got %d patches", len(sel[0].Patches))
	}
}

func TestResolve_ScopedByRepository(t *testing.T) {
	sel := testSelections()
	o := Override{
		otherRepo: {Settings: map[string]PatchOverride{patchA: {Priority: 99}}},
	}

	Resolve(sel, o)

	if sel[0].Patches[0].Priority != 1 {
		t.Error("override for another repository must not apply")
	}
}

func TestResolve_NilOverride(t *testing.T) {
	sel := testSelections()
	Resolve(sel, nil)
	if sel[0].Patches[0].Priority != 1 || sel[0].Patches[1].Priority != 2 {
		t.Errorf("nil override changed priorities: %+v", sel[0].Patches)
	}
}

func TestSelect(t *testing.T) {
	available := testSelections()[0].Patches
	o := Override{repoUUID: {Settings: map[string]PatchOverride{patchB: {}}}}

	chosen := Select(repoUUID, available, o)
	if len(chosen) != 1 || chosen[0].UUID != patchB {
		t.Errorf("unexpected selection: %+v", chosen)
	}

	if got := Select(otherRepo, available, o); len(got) != 0 {
		t.Errorf("expected nothing for an unlisted repository, got %+v", got)
	}
}

func TestExportSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	o := Export(testSelections())
	if err := o.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	repo, ok := loaded[repoUUID]
	if !ok || repo.Title != "Main" {
		t.Fatalf("repository missing from export: %+v", loaded)
	}
	p, ok := loaded.Lookup(repoUUID, patchB)
	if !ok || p.Filename != "b.yaml" || p.Priority != 2 || p.Settings["mode"] != "default" {
		t.Errorf("unexpected exported patch: %+v", p)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("expected parse error")
	}
}
