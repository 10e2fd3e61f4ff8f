package patch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/schaermu/apkpatcher/internal/catalog"
	"github.com/schaermu/apkpatcher/internal/manifest"
)

// ErrAlreadyRun is returned when Run is called twice on the same engine
var ErrAlreadyRun = errors.New("engine has already run")

// State is the lifecycle of a run
type State int

const (
	StatePending State = iota
	StateRunning
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Engine applies selected patches in priority order, one run per engine
type Engine struct {
	registry *Registry
	store    *manifest.Store
	logger   *slog.Logger
	state    State
}

// NewEngine creates a pending engine
func NewEngine(registry *Registry, store *manifest.Store, logger *slog.Logger) *Engine {
	return &Engine{
		registry: registry,
		store:    store,
		logger:   logger,
		state:    StatePending,
	}
}

// State returns the current lifecycle state
func (e *Engine) State() State {
	return e.state
}

// Run applies the selections in order. Within a repository patches run by
// ascending priority, ties keeping the catalog order. Repositories run in
// the order given; priorities are never compared across repositories.
//
// A failing or panicking patch is recorded as failed and the run continues.
// The returned statuses are also left in pctx.Statuses. Run only returns an
// error when the engine was used before or ctx is canceled.
func (e *Engine) Run(ctx context.Context, pctx *Context, selections []catalog.Selection) ([]Status, error) {
	if e.state != StatePending {
		return nil, ErrAlreadyRun
	}
	e.state = StateRunning
	defer func() { e.state = StateCompleted }()

	for _, sel := range selections {
		if len(sel.Patches) == 0 {
			continue
		}

		patches := make([]manifest.PatchMetaData, len(sel.Patches))
		copy(patches, sel.Patches)
		sort.SliceStable(patches, func(i, j int) bool {
			return patches[i].Priority < patches[j].Priority
		})

		pctx.Enabled = append(pctx.Enabled, patches...)
		pctx.resourcesDir = e.store.ResourcesDir(sel.Repo.UUID)
		patchesDir := e.store.PatchesDir(sel.Repo.UUID)

		e.logger.Info("applying patches", "repo", sel.Repo.Title, "count", len(patches))

		for _, meta := range patches {
			if err := ctx.Err(); err != nil {
				return pctx.Statuses, err
			}

			ok := e.applyOne(patchesDir, meta, pctx)
			pctx.Statuses = append(pctx.Statuses, Status{
				Name:   meta.Title,
				UUID:   meta.UUID,
				Status: ok,
			})
		}
	}

	return pctx.Statuses, nil
}

// applyOne resolves and runs a single patch, turning every failure into false
func (e *Engine) applyOne(patchesDir string, meta manifest.PatchMetaData, pctx *Context) bool {
	p, err := e.registry.Resolve(patchesDir, meta)
	if err != nil {
		e.logger.Error("failed to load patch", "patch", meta.Title, "uuid", meta.UUID, "error", err)
		return false
	}

	ok, err := invoke(p, meta.Settings, pctx)
	if err != nil {
		e.logger.Error("error while applying patch",
			"patch", meta.Title,
			"uuid", meta.UUID,
			"settings", meta.Settings,
			"error", err)
		return false
	}
	if !ok {
		e.logger.Warn("patch reported failure", "patch", meta.Title, "uuid", meta.UUID)
		return false
	}

	e.logger.Info("applied patch", "patch", meta.Title, "priority", meta.Priority)
	return true
}

func invoke(p Patch, settings map[string]any, pctx *Context) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("patch panicked: %v", r)
		}
	}()
	return p.Apply(settings, pctx)
}

// AllSucceeded reports whether every status is a success
func AllSucceeded(statuses []Status) bool {
	for _, s := range statuses {
		if !s.Status {
			return false
		}
	}
	return true
}
