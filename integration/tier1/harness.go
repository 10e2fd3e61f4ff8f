//go:build integration

package tier1

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/schaermu/apkpatcher/internal/manifest"
	"github.com/schaermu/apkpatcher/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the apkpatcher binary once and runs it inside a scratch
// working directory, so relative folder defaults land in the test tree.
type Harness struct {
	t        *testing.T
	binary   string
	workDir  string
	keepDirs bool
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	return &Harness{
		t:        t,
		keepDirs: os.Getenv("INTEGRATION_KEEP_WORKDIR") == "1",
	}
}

// BuildBinary compiles cmd/apkpatcher into a temporary directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	binDir, err := os.MkdirTemp("", "apkpatcher-tier1-bin-*")
	if err != nil {
		return fmt.Errorf("create bin dir: %w", err)
	}
	h.binary = filepath.Join(binDir, "apkpatcher")
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/apkpatcher")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Setup creates the working directory the binary runs in
func (h *Harness) Setup() error {
	h.t.Helper()
	dir, err := os.MkdirTemp("", "apkpatcher-tier1-work-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	h.workDir = dir
	return nil
}

// Cleanup removes the binary and working directory
func (h *Harness) Cleanup() {
	h.t.Helper()

	if h.keepDirs && h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_WORKDIR=1, keeping %s", h.workDir)
		return
	}

	if h.binary != "" {
		_ = os.RemoveAll(filepath.Dir(h.binary))
	}
	if h.workDir != "" {
		_ = os.RemoveAll(h.workDir)
	}
}

// Path returns an absolute path inside the working directory
func (h *Harness) Path(rel string) string {
	return filepath.Join(h.workDir, filepath.FromSlash(rel))
}

// Run executes the binary with the harness config file
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	args = append([]string{"--config", h.Path("config.yaml"), "--log-level", "debug"}, args...)
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = h.workDir
	cmd.Stdin = strings.NewReader("")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes the binary and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("run failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// WriteFile writes a file below the working directory
func (h *Harness) WriteFile(rel, content string) {
	h.t.Helper()
	path := h.Path(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		h.t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		h.t.Fatalf("write file: %v", err)
	}
}

// ReadFile reads a file below the working directory
func (h *Harness) ReadFile(rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(h.Path(rel))
	if err != nil {
		h.t.Fatalf("read file: %v", err)
	}
	return string(data)
}

// FileExists checks if a regular file exists below the working directory
func (h *Harness) FileExists(rel string) bool {
	info, err := os.Stat(h.Path(rel))
	return err == nil && info.Mode().IsRegular()
}

// RepoServer serves a patch repository over HTTP and records every request
type RepoServer struct {
	*httptest.Server

	mu        gosync.Mutex
	info      manifest.RepoInfo
	patches   []manifest.PatchMetaData
	resources []manifest.ResourceMetaData
	files     map[string]string
	requests  []string
}

// NewRepoServer starts an empty repository
func NewRepoServer(title, uuid string) *RepoServer {
	s := &RepoServer{
		info:  manifest.RepoInfo{Title: title, UUID: uuid},
		files: make(map[string]string),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// ManifestURL returns the repository url as users pass it to `repo add`
func (s *RepoServer) ManifestURL() string {
	return s.URL + "/" + manifest.FileName
}

// SetPatch adds or replaces a patch, keyed by uuid
func (s *RepoServer) SetPatch(p manifest.PatchMetaData, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.SHA256 = hash(content)
	s.files["/patches/"+p.Filename] = content
	for i, existing := range s.patches {
		if existing.UUID == p.UUID {
			s.patches[i] = p
			return
		}
	}
	s.patches = append(s.patches, p)
}

// SetResource adds or replaces a resource, keyed by filename
func (s *RepoServer) SetResource(name, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := manifest.ResourceMetaData{Filename: name, SHA256: hash(content)}
	s.files["/resources/"+name] = content
	for i, existing := range s.resources {
		if existing.Filename == name {
			s.resources[i] = r
			return
		}
	}
	s.resources = append(s.resources, r)
}

// Downloads returns the file requests seen since the last call
func (s *RepoServer) Downloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, r := range s.requests {
		if r != "/"+manifest.FileName {
			out = append(out, r)
		}
	}
	s.requests = nil
	return out
}

func (s *RepoServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, r.URL.Path)

	if r.URL.Path == "/"+manifest.FileName {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(manifest.RepoManifest{
			Repo:      s.info,
			Patches:   s.patches,
			Resources: s.resources,
		})
		return
	}

	content, ok := s.files[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = io.WriteString(w, content)
}

func hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
