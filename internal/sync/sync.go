package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/schaermu/apkpatcher/internal/config"
	"github.com/schaermu/apkpatcher/internal/fetch"
	"github.com/schaermu/apkpatcher/internal/manifest"
)

var (
	// ErrUnreachableRepo is returned when a manifest cannot be fetched
	ErrUnreachableRepo = errors.New("repository unreachable")
	// ErrDuplicateRepo is returned when adding a repository that is already cached
	ErrDuplicateRepo = errors.New("repository already exists")
)

// Engine orchestrates adding and synchronizing patch repositories
type Engine struct {
	cfg        *config.Config
	configPath string
	store      *manifest.Store
	client     fetch.Client
	logger     *slog.Logger
	dryRun     bool
}

// NewEngine creates a new sync engine. configPath is where the registered
// repository list is persisted when a repository is added.
func NewEngine(cfg *config.Config, configPath string, store *manifest.Store, client fetch.Client, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:        cfg,
		configPath: configPath,
		store:      store,
		client:     client,
		logger:     logger,
		dryRun:     dryRun,
	}
}

// AddRepository registers a new repository and caches its manifest.
// Patch and resource files are fetched by a later sync.
func (e *Engine) AddRepository(ctx context.Context, rawURL string) (*config.Repository, error) {
	manifestURL := manifest.ManifestURL(rawURL)
	e.logger.Info("adding repository", "url", manifestURL)

	m, err := e.client.Manifest(ctx, manifestURL)
	if err != nil {
		if errors.Is(err, fetch.ErrUnreachable) {
			return nil, fmt.Errorf("failed to add repository %s: %w: %w", manifestURL, ErrUnreachableRepo, err)
		}
		return nil, fmt.Errorf("failed to add repository %s: %w", manifestURL, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest at %s: %w", manifestURL, err)
	}

	if e.store.Exists(m.Repo.UUID) {
		return nil, fmt.Errorf("repository %s (%s): %w, run `repo sync` to update it", m.Repo.Title, manifestURL, ErrDuplicateRepo)
	}

	if err := e.store.Create(m); err != nil {
		return nil, fmt.Errorf("failed to create repository cache: %w", err)
	}

	repo := config.Repository{
		Title: m.Repo.Title,
		UUID:  m.Repo.UUID,
		URL:   manifestURL,
	}
	if err := e.register(repo); err != nil {
		// an orphaned cache would make every retry fail as a duplicate
		if rmErr := os.RemoveAll(e.store.Dir(repo.UUID)); rmErr != nil {
			e.logger.Warn("failed to remove repository cache", "uuid", repo.UUID, "error", rmErr)
		}
		return nil, err
	}

	e.logger.Info("repository added", "title", repo.Title, "uuid", repo.UUID)
	return &repo, nil
}

// register appends repo to the configuration and saves it, leaving the
// in-memory list unchanged when saving fails.
func (e *Engine) register(repo config.Repository) error {
	prev := e.cfg.Repositories
	if err := e.cfg.AddRepository(repo); err != nil {
		return err
	}
	if err := e.cfg.Save(e.configPath); err != nil {
		e.cfg.Repositories = prev
		return fmt.Errorf("failed to save repository list: %w", err)
	}
	return nil
}

// SyncAll synchronizes every registered repository in registration order.
// A failing repository is logged and reported; the others still sync.
func (e *Engine) SyncAll(ctx context.Context) ([]Report, error) {
	if err := os.MkdirAll(e.store.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	reports := make([]Report, 0, len(e.cfg.Repositories))
	for _, repo := range e.cfg.Repositories {
		if err := ctx.Err(); err != nil {
			return reports, err
		}

		report, err := e.SyncRepository(ctx, repo)
		if err != nil {
			e.logger.Error("failed to update repository", "title", repo.Title, "url", repo.URL, "error", err)
			report.Err = err
		}
		reports = append(reports, report)
	}

	return reports, nil
}

// SyncRepository fetches the remote manifest of a registered repository,
// downloads every new, changed or missing file and replaces the cached manifest.
func (e *Engine) SyncRepository(ctx context.Context, repo config.Repository) (Report, error) {
	report := Report{Repo: repo.Title, UUID: repo.UUID}

	e.logger.Info("updating repository", "title", repo.Title, "dry_run", e.dryRun)

	newManifest, err := e.client.Manifest(ctx, repo.URL)
	if err != nil {
		if errors.Is(err, fetch.ErrUnreachable) {
			return report, fmt.Errorf("%w: %w", ErrUnreachableRepo, err)
		}
		return report, err
	}
	if err := newManifest.Validate(); err != nil {
		return report, fmt.Errorf("%w: invalid manifest: %w", ErrUnreachableRepo, err)
	}
	if newManifest.Repo.UUID != repo.UUID {
		return report, fmt.Errorf("%w: manifest uuid %s does not match registered uuid %s", ErrUnreachableRepo, newManifest.Repo.UUID, repo.UUID)
	}

	prevManifest, err := e.store.Load(repo.UUID)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Warn("failed to load cached manifest (will treat as fresh sync)", "title", repo.Title, "error", err)
		}
		prevManifest = &manifest.RepoManifest{Repo: newManifest.Repo}
	}

	plan := e.buildPlan(repo, prevManifest, newManifest)

	e.logger.Info("sync plan",
		"title", repo.Title,
		"patches", len(plan.Patches),
		"resources", len(plan.Resources))

	if e.dryRun {
		e.logPlanDetails(plan)
		e.logger.Info("dry-run complete, no changes applied", "title", repo.Title)
		return report, nil
	}

	for _, dir := range []string{e.store.PatchesDir(repo.UUID), e.store.ResourcesDir(repo.UUID)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return report, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	e.applyPlan(ctx, plan, &report)

	// The new manifest replaces the old one even when downloads failed.
	if err := e.store.Save(newManifest); err != nil {
		return report, fmt.Errorf("failed to save manifest: %w", err)
	}

	e.logger.Info("updated repository",
		"title", repo.Title,
		"downloaded", len(report.Downloaded),
		"failed", len(report.Failed))
	return report, nil
}

// buildPlan computes the downloads needed to bring the cache in line with
// newManifest. Patches are keyed by uuid, resources by filename.
func (e *Engine) buildPlan(repo config.Repository, prev, next *manifest.RepoManifest) *Plan {
	plan := &Plan{
		Patches:   make([]FileOp, 0),
		Resources: make([]FileOp, 0),
	}
	base := manifest.BaseURL(repo.URL)

	for _, p := range next.Patches {
		dest := filepath.Join(e.store.PatchesDir(repo.UUID), p.Filename)
		old, exists := prev.PatchByUUID(p.UUID)
		reason, needed := diffReason(exists, old.SHA256, p.SHA256, dest)
		if !needed {
			continue
		}
		plan.Patches = append(plan.Patches, FileOp{
			Kind:     KindPatch,
			Name:     p.Title,
			URL:      base + "patches/" + url.PathEscape(p.Filename),
			DestPath: dest,
			Hash:     p.SHA256,
			Reason:   reason,
		})
	}

	for _, r := range next.Resources {
		dest := filepath.Join(e.store.ResourcesDir(repo.UUID), r.Filename)
		old, exists := prev.ResourceByFilename(r.Filename)
		reason, needed := diffReason(exists, old.SHA256, r.SHA256, dest)
		if !needed {
			continue
		}
		plan.Resources = append(plan.Resources, FileOp{
			Kind:     KindResource,
			Name:     r.Filename,
			URL:      base + "resources/" + url.PathEscape(r.Filename),
			DestPath: dest,
			Hash:     r.SHA256,
			Reason:   reason,
		})
	}

	return plan
}

// diffReason decides whether an entry must be downloaded. Local disk is
// authoritative for presence: a matching hash does not help a missing file.
func diffReason(existed bool, oldHash, newHash, dest string) (Reason, bool) {
	switch {
	case !existed:
		return ReasonNew, true
	case oldHash != newHash:
		return ReasonChanged, true
	case !fileExists(dest):
		return ReasonMissing, true
	default:
		return "", false
	}
}

// applyPlan downloads each planned file in order. Failures are logged and
// recorded; they never stop the remaining downloads.
func (e *Engine) applyPlan(ctx context.Context, plan *Plan, report *Report) {
	ops := make([]FileOp, 0, plan.Len())
	ops = append(ops, plan.Patches...)
	ops = append(ops, plan.Resources...)

	for _, op := range ops {
		if _, err := e.client.Download(ctx, op.URL, op.DestPath); err != nil {
			e.logger.Error("failed to download file",
				"kind", op.Kind,
				"name", op.Name,
				"url", op.URL,
				"error", err)
			report.Failed = append(report.Failed, op)
			continue
		}
		e.logger.Info("updated file", "kind", op.Kind, "name", op.Name, "reason", op.Reason)
		report.Downloaded = append(report.Downloaded, op)
	}
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(plan *Plan) {
	for _, op := range plan.Patches {
		e.logger.Info("[dry-run] would download patch", "name", op.Name, "reason", op.Reason, "dest", op.DestPath)
	}
	for _, op := range plan.Resources {
		e.logger.Info("[dry-run] would download resource", "name", op.Name, "reason", op.Reason, "dest", op.DestPath)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
