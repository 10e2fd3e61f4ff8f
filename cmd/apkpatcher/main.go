package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/schaermu/apkpatcher/internal/catalog"
	"github.com/schaermu/apkpatcher/internal/config"
	"github.com/schaermu/apkpatcher/internal/fetch"
	"github.com/schaermu/apkpatcher/internal/manifest"
	"github.com/schaermu/apkpatcher/internal/settings"
	"github.com/schaermu/apkpatcher/internal/sync"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "apkpatcher",
	Short: "Apply community patch repositories to Android apps",
	Long: `apkpatcher mirrors remote patch repositories locally and applies a
selected, priority-ordered set of their patches to a decompiled APK.

Repositories are synchronized incrementally: only new, changed or missing
files are downloaded. The patched app is rebuilt, aligned and signed with
apktool, zipalign and apksigner.`,
	SilenceUsage: true,
}

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage patch repositories",
}

var repoAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Register a patch repository",
	Long: `Add fetches the repository manifest, creates its local cache and appends it
to the repositories list of the configuration file. Patch files are fetched
by the next "repo sync".`,
	Args: cobra.ExactArgs(1),
	RunE: runRepoAdd,
}

var repoSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch the latest version of every registered repository",
	Long: `Sync fetches each repository's manifest and downloads every patch or resource
that is new, whose hash changed, or whose file is missing locally. An
unreachable repository is reported and skipped.`,
	RunE: runRepoSync,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the patches available from the local cache",
	RunE:  runList,
}

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write a settings file covering every available patch",
	Long: `Export writes a settings-override document with the settings and priority of
every available patch. Edit it and pass it to "patch --settings" to replay
the selection without prompting.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("apkpatcher %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/apkpatcher/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Repo sync flags
	repoSyncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be downloaded without making changes")

	// Add commands
	repoCmd.AddCommand(repoAddCmd)
	repoCmd.AddCommand(repoSyncCmd)
	rootCmd.AddCommand(repoCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(patchCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(versionCmd)
}

func runRepoAdd(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	// A missing config file is fine here: the first add creates it
	cfg, configPath, err := loadConfig(logger, true)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger = configuredLogger(cmd, cfg, logger)

	engine := sync.NewEngine(cfg, configPath, manifest.NewStore(cfg.Folders.Cache), newFetchClient(), logger, false)

	repo, err := engine.AddRepository(ctx, args[0])
	if err != nil {
		logger.Error("failed to add repository", "error", err)
		return err
	}

	logger.Info("run `apkpatcher repo sync` to fetch its patches", "repo", repo.Title)
	return nil
}

func runRepoSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, configPath, err := loadConfig(logger, false)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger = configuredLogger(cmd, cfg, logger)

	engine := sync.NewEngine(cfg, configPath, manifest.NewStore(cfg.Folders.Cache), newFetchClient(), logger, dryRun)

	logger.Info("starting repository sync", "repositories", len(cfg.Repositories))
	reports, err := engine.SyncAll(ctx)
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	failed := 0
	for _, r := range reports {
		if r.Err != nil {
			failed++
			continue
		}
		if len(r.Failed) > 0 {
			logger.Warn("some files failed to download", "repo", r.Repo, "failed", len(r.Failed))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d repositories could not be synced", failed, len(reports))
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, _, err := loadConfig(logger, false)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger = configuredLogger(cmd, cfg, logger)

	cat := catalog.New(manifest.NewStore(cfg.Folders.Cache))
	selections := cat.All(cfg.Repositories, func(repo config.Repository, err error) {
		logger.Warn("skipping repository", "repo", repo.Title, "error", err)
	})

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, sel := range selections {
		_, _ = fmt.Fprintf(w, "%s (%s)\n", sel.Repo.Title, sel.Repo.UUID)
		for _, p := range sel.Patches {
			_, _ = fmt.Fprintf(w, "  %s\t%d\t%s\t%s\n", p.Title, p.Priority, p.Author, p.Description)
		}
	}
	return w.Flush()
}

func runExport(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, _, err := loadConfig(logger, false)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger = configuredLogger(cmd, cfg, logger)

	cat := catalog.New(manifest.NewStore(cfg.Folders.Cache))
	selections := cat.All(cfg.Repositories, func(repo config.Repository, err error) {
		logger.Warn("skipping repository", "repo", repo.Title, "error", err)
	})

	if err := settings.Export(selections).Save(args[0]); err != nil {
		return err
	}
	logger.Info("settings exported", "path", args[0], "repositories", len(selections))
	return nil
}

func newFetchClient() fetch.Client {
	return fetch.NewHTTPClient(nil, "apkpatcher/"+version)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// configuredLogger applies the config file's log_level unless --log-level was given
func configuredLogger(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) *slog.Logger {
	if cmd.Flags().Changed("log-level") || cfg.LogLevel == logLevel {
		return logger
	}
	logLevel = cfg.LogLevel
	return setupLogger()
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "apkpatcher", "config.yaml"), nil
}

// loadConfig loads the configuration and returns it with its path. With
// allowMissing, a nonexistent file yields the default configuration.
func loadConfig(logger *slog.Logger, allowMissing bool) (*config.Config, string, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		var err error
		if configPath, err = defaultConfigPath(); err != nil {
			return nil, "", err
		}
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		if allowMissing && errors.Is(err, os.ErrNotExist) {
			logger.Info("no configuration found, starting with defaults", "path", configPath)
			return config.Default(), configPath, nil
		}
		return nil, "", err
	}

	logger.Debug("configuration loaded",
		"repositories", len(cfg.Repositories),
		"cache", cfg.Folders.Cache,
		"apks", cfg.Folders.APKs,
		"decompiled", cfg.Folders.Decompiled)

	return cfg, configPath, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
