package patch

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/schaermu/apkpatcher/internal/manifest"
)

// ErrUnknownPatch is returned when no provider can load a patch
var ErrUnknownPatch = errors.New("no provider for patch")

// Patch is a single unit of modification. Apply reports success through its
// boolean result; any side effects go to the decompiled tree or ctx.
type Patch interface {
	Apply(settings map[string]any, ctx *Context) (bool, error)
}

// Func adapts an ordinary function to the Patch interface
type Func func(settings map[string]any, ctx *Context) (bool, error)

// Apply calls f(settings, ctx)
func (f Func) Apply(settings map[string]any, ctx *Context) (bool, error) {
	return f(settings, ctx)
}

// Loader builds a patch from a downloaded patch file
type Loader func(path string) (Patch, error)

// Registry maps patch identities to implementations. Compiled-in patches are
// registered by uuid; downloaded patch files are loaded by file extension.
type Registry struct {
	builtins map[string]Patch
	loaders  map[string]Loader
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		builtins: make(map[string]Patch),
		loaders:  make(map[string]Loader),
	}
}

// Register binds a compiled-in patch to a patch uuid
func (r *Registry) Register(uuid string, p Patch) {
	r.builtins[uuid] = p
}

// RegisterLoader binds a loader to a file extension such as ".yaml"
func (r *Registry) RegisterLoader(ext string, l Loader) {
	r.loaders[strings.ToLower(ext)] = l
}

// Resolve returns the implementation of a patch. A compiled-in patch wins
// over a loader for the file in patchesDir.
func (r *Registry) Resolve(patchesDir string, meta manifest.PatchMetaData) (Patch, error) {
	if p, ok := r.builtins[meta.UUID]; ok {
		return p, nil
	}

	ext := strings.ToLower(filepath.Ext(meta.Filename))
	loader, ok := r.loaders[ext]
	if !ok {
		return nil, fmt.Errorf("%w %s (%s)", ErrUnknownPatch, meta.Title, meta.Filename)
	}

	p, err := loader(filepath.Join(patchesDir, meta.Filename))
	if err != nil {
		return nil, fmt.Errorf("failed to load patch %s: %w", meta.Filename, err)
	}
	return p, nil
}
