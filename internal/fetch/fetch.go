package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/schaermu/apkpatcher/internal/manifest"
)

// maxManifestSize bounds how much of a manifest response is read
const maxManifestSize = 8 << 20

// ErrUnreachable is matched by every transport failure: network errors and
// non-2xx responses alike.
var ErrUnreachable = errors.New("remote unreachable")

// StatusError reports a non-2xx HTTP response
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("got response code %d from %s", e.StatusCode, e.URL)
}

// Is makes StatusError match ErrUnreachable
func (e *StatusError) Is(target error) bool {
	return target == ErrUnreachable
}

// Client provides remote access to repository manifests and files
type Client interface {
	// Manifest fetches and decodes a manifest.json
	Manifest(ctx context.Context, url string) (*manifest.RepoManifest, error)
	// Download streams url into dest, replacing it atomically
	Download(ctx context.Context, url, dest string) (int64, error)
}

// HTTPClient implements Client on top of net/http
type HTTPClient struct {
	client    *http.Client
	userAgent string
}

// NewHTTPClient creates a client. A nil http.Client uses http.DefaultClient.
func NewHTTPClient(client *http.Client, userAgent string) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{client: client, userAgent: userAgent}
}

// Manifest fetches and decodes a manifest.json
func (c *HTTPClient) Manifest(ctx context.Context, url string) (*manifest.RepoManifest, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest from %s: %w: %w", url, ErrUnreachable, err)
	}

	var m manifest.RepoManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest from %s: %w", url, err)
	}
	return &m, nil
}

// Download streams url into a temp file next to dest and renames it into place
func (c *HTTPClient) Download(ctx context.Context, url, dest string) (int64, error) {
	resp, err := c.get(ctx, url)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dest), ".apkpatcher-tmp-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	n, err := io.Copy(tmpFile, resp.Body)
	if err != nil {
		_ = tmpFile.Close()
		return n, fmt.Errorf("failed to stream %s: %w: %w", url, ErrUnreachable, err)
	}

	if err := tmpFile.Close(); err != nil {
		return n, err
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return n, err
	}

	return n, nil
}

// get issues a GET request and rejects non-2xx responses
func (c *HTTPClient) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w: %w", url, ErrUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	return resp, nil
}
