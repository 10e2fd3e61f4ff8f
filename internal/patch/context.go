package patch

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/otiai10/copy"
	"github.com/schaermu/apkpatcher/internal/manifest"
	"github.com/schaermu/apkpatcher/internal/smali"
)

// Status records the outcome of one patch
type Status struct {
	Name   string `json:"name"`
	UUID   string `json:"uuid"`
	Status bool   `json:"status"`
}

// Context is the state shared by every patch of one run. It is created by
// the caller before Engine.Run and discarded once the results are reported.
type Context struct {
	APK           string
	PackageName   string
	VersionName   string
	VersionCode   int
	MinSDK        int
	TargetSDK     int
	DecompiledDir string

	// Enabled lists every patch selected for the run, in execution order
	// per repository. Appended before each repository's batch starts.
	Enabled []manifest.PatchMetaData
	// Statuses lists the result of every executed patch in order.
	Statuses []Status

	resourcesDir string
}

// ResourcePath returns the cached location of a resource of the repository
// whose patches are currently running.
func (c *Context) ResourcePath(name string) string {
	return filepath.Join(c.resourcesDir, name)
}

// Path resolves a path relative to the decompiled tree. Paths that would
// leave the tree are rejected.
func (c *Context) Path(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be relative to the decompiled directory", rel)
	}
	root := filepath.Clean(c.DecompiledDir)
	full := filepath.Join(root, rel)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the decompiled directory", rel)
	}
	return full, nil
}

// ClassFile locates the smali file of a dotted class name in the decompiled tree
func (c *Context) ClassFile(className string) (string, error) {
	return smali.FindClassFile(c.DecompiledDir, className)
}

// CopyResource copies a cached resource file or directory to dest inside
// the decompiled tree, merging into existing directories.
func (c *Context) CopyResource(name, dest string) error {
	if filepath.Base(name) != name || name == "." || name == ".." {
		return fmt.Errorf("resource %q must be a bare file name", name)
	}
	target, err := c.Path(dest)
	if err != nil {
		return err
	}

	opts := copy.Options{
		OnSymlink: func(string) copy.SymlinkAction { return copy.Skip },
	}
	if err := copy.Copy(c.ResourcePath(name), target, opts); err != nil {
		return fmt.Errorf("failed to copy resource %s: %w", name, err)
	}
	return nil
}
