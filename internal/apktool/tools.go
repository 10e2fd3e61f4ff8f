package apktool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/schaermu/apkpatcher/internal/config"
	"github.com/schaermu/apkpatcher/internal/fetch"
)

// EnsureTools downloads every tool configured for the current OS that is
// missing from the tools folder. All tools are attempted; the failures are
// returned joined.
func EnsureTools(ctx context.Context, cfg *config.Config, client fetch.Client, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.Folders.Tools, 0755); err != nil {
		return fmt.Errorf("failed to create tools folder: %w", err)
	}

	var errs []error
	for _, tool := range cfg.ToolsForCurrentOS() {
		path := cfg.ToolPath(tool.Tool)

		if info, err := os.Stat(path); err == nil {
			if info.IsDir() {
				logger.Warn("tool path is a directory", "path", path)
			}
			continue
		}

		logger.Info("downloading tool", "tool", tool.Tool, "url", tool.URL)
		if _, err := client.Download(ctx, tool.URL, path); err != nil {
			logger.Error("failed to download tool", "tool", tool.Tool, "error", err)
			errs = append(errs, fmt.Errorf("tool %s: %w", tool.Tool, err))
			continue
		}

		if runtime.GOOS != "windows" {
			if err := os.Chmod(path, 0744); err != nil {
				errs = append(errs, fmt.Errorf("tool %s: %w", tool.Tool, err))
			}
		}
	}

	return errors.Join(errs...)
}
