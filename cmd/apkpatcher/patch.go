package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/apkpatcher/internal/apktool"
	"github.com/schaermu/apkpatcher/internal/catalog"
	"github.com/schaermu/apkpatcher/internal/config"
	"github.com/schaermu/apkpatcher/internal/manifest"
	"github.com/schaermu/apkpatcher/internal/patch"
	"github.com/schaermu/apkpatcher/internal/patch/script"
	"github.com/schaermu/apkpatcher/internal/settings"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	// Patch command flags
	apkName      string
	settingsFile string
	reportFile   string
	patchTitles  []string
	allPatches   bool
	noDecompile  bool
	noCompile    bool
	assumeYes    bool
)

var patchCmd = &cobra.Command{
	Use:   "patch",
	Short: "Apply patches to an APK",
	Long: `Patch decompiles the APK, applies the selected patches repository by
repository in priority order, then rebuilds, aligns and signs the result.

Select patches by title with --patch, take every available patch with --all,
or replay an exported selection with --settings. A settings file also
overrides the settings and priority of the patches it lists.

When a patch fails, the run asks for confirmation before rebuilding. Without
a terminal it stops unless --yes is given.`,
	RunE: runPatch,
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign the patched APKs in the output folder",
	Long: `Sign zipaligns and signs every *-patched.apk in the output folder and removes
every other file there.`,
	RunE: runSign,
}

func init() {
	patchCmd.Flags().StringVar(&apkName, "apk", "", "apk file name in the apks folder (default: the only apk there)")
	patchCmd.Flags().StringVar(&settingsFile, "settings", "", "settings file produced by export")
	patchCmd.Flags().StringVar(&reportFile, "report", "", "write the per-patch results as JSON to this file")
	patchCmd.Flags().StringArrayVar(&patchTitles, "patch", nil, "title of a patch to apply (repeatable)")
	patchCmd.Flags().BoolVar(&allPatches, "all", false, "apply every available patch")
	patchCmd.Flags().BoolVar(&noDecompile, "no-decompile", false, "reuse the existing decompiled folder")
	patchCmd.Flags().BoolVar(&noCompile, "no-compile", false, "stop after applying patches")
	patchCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "continue without asking when a patch fails")
}

func runPatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, _, err := loadConfig(logger, false)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger = configuredLogger(cmd, cfg, logger)

	if err := apktool.EnsureTools(ctx, cfg, newFetchClient(), logger); err != nil {
		return fmt.Errorf("failed to prepare tools: %w", err)
	}
	if !noDecompile || !noCompile {
		line, err := apktool.CheckJava(ctx, cfg.Toolchain.Java)
		if err != nil {
			return err
		}
		logger.Info("found java", "version", line)
	}

	apk, err := selectAPK(cfg, apkName)
	if err != nil {
		return err
	}
	logger.Info("selected apk", "apk", apk)

	toolchain := apktool.NewShellClient(cfg)
	if !noDecompile {
		logger.Info("decompiling apk", "dest", cfg.Folders.Decompiled)
		if err := toolchain.Decompile(ctx, cfg.APKPath(apk), cfg.Folders.Decompiled); err != nil {
			return err
		}
	}

	info, err := apktool.ReadInfo(cfg.Folders.Decompiled)
	if err != nil {
		return err
	}

	store := manifest.NewStore(cfg.Folders.Cache)
	selections, err := selectPatches(cfg, store, logger)
	if err != nil {
		return err
	}

	pctx := &patch.Context{
		APK:           apk,
		PackageName:   info.PackageName,
		VersionName:   info.VersionName,
		VersionCode:   info.VersionCode,
		MinSDK:        info.MinSDK,
		TargetSDK:     info.TargetSDK,
		DecompiledDir: cfg.Folders.Decompiled,
	}

	registry := patch.NewRegistry()
	script.Register(registry)

	statuses, err := patch.NewEngine(registry, store, logger).Run(ctx, pctx, selections)
	if err != nil {
		return err
	}

	for _, s := range statuses {
		logger.Info("patch result", "patch", s.Name, "status", s.Status)
	}
	if reportFile != "" {
		if err := writeReport(reportFile, statuses); err != nil {
			return err
		}
	}

	if !patch.AllSucceeded(statuses) {
		interactive := term.IsTerminal(int(os.Stdin.Fd()))
		proceed, err := confirmContinue(os.Stdin, cmd.OutOrStdout(), assumeYes, interactive)
		if err != nil {
			return err
		}
		if !proceed {
			logger.Warn("not all patches were applied, stopping before compile (use --yes to continue anyway)")
			return nil
		}
	}

	if noCompile {
		logger.Info("finished")
		return nil
	}

	return buildAndSign(ctx, cfg, toolchain, apk, logger)
}

func buildAndSign(ctx context.Context, cfg *config.Config, toolchain apktool.Toolchain, apk string, logger *slog.Logger) error {
	if err := os.RemoveAll(cfg.Folders.Out); err != nil {
		return fmt.Errorf("failed to clean output folder: %w", err)
	}

	outAPK := filepath.Join(cfg.Folders.Out, patchedName(apk))
	logger.Info("compiling apk", "dest", outAPK)
	if err := toolchain.Compile(ctx, cfg.Folders.Decompiled, outAPK); err != nil {
		return err
	}

	if cfg.Toolchain.Keystore == "" {
		logger.Warn("toolchain.keystore is not configured, leaving apk unsigned", "apk", outAPK)
		return nil
	}

	logger.Info("aligning and signing apk", "apk", outAPK)
	if err := toolchain.Sign(ctx, outAPK); err != nil {
		return err
	}

	logger.Info("finished", "apk", outAPK)
	return nil
}

func runSign(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, _, err := loadConfig(logger, false)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger = configuredLogger(cmd, cfg, logger)

	return signOutputs(ctx, cfg, apktool.NewShellClient(cfg), logger)
}

// signOutputs signs every patched apk in the output folder and removes
// everything else there, such as leftovers of an interrupted build.
func signOutputs(ctx context.Context, cfg *config.Config, toolchain apktool.Toolchain, logger *slog.Logger) error {
	entries, err := os.ReadDir(cfg.Folders.Out)
	if err != nil {
		return fmt.Errorf("failed to read output folder: %w", err)
	}

	signed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(cfg.Folders.Out, entry.Name())

		if !strings.HasSuffix(entry.Name(), "-patched.apk") {
			logger.Debug("removing stray output file", "path", path)
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove %s: %w", path, err)
			}
			continue
		}

		logger.Info("aligning and signing apk", "apk", path)
		if err := toolchain.Sign(ctx, path); err != nil {
			return err
		}
		signed++
	}

	if signed == 0 {
		logger.Warn("no patched apk found", "folder", cfg.Folders.Out)
	}
	return nil
}

// selectAPK returns the requested apk, or the only apk in the apks folder
func selectAPK(cfg *config.Config, requested string) (string, error) {
	if requested != "" {
		if _, err := os.Stat(cfg.APKPath(requested)); err != nil {
			return "", fmt.Errorf("apk %s not found: %w", requested, err)
		}
		return requested, nil
	}

	entries, err := os.ReadDir(cfg.Folders.APKs)
	if err != nil {
		return "", fmt.Errorf("failed to list apks: %w", err)
	}

	var apks []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), ".apk") {
			apks = append(apks, entry.Name())
		}
	}

	switch len(apks) {
	case 0:
		return "", fmt.Errorf("no apk found in %s", cfg.Folders.APKs)
	case 1:
		return apks[0], nil
	default:
		return "", fmt.Errorf("multiple apks found in %s, choose one with --apk: %s", cfg.Folders.APKs, strings.Join(apks, ", "))
	}
}

// selectPatches builds the per-repository selections in registration order
// and applies the settings file, if any.
func selectPatches(cfg *config.Config, store *manifest.Store, logger *slog.Logger) ([]catalog.Selection, error) {
	var override settings.Override
	if settingsFile != "" {
		var err error
		if override, err = settings.Load(settingsFile); err != nil {
			return nil, err
		}
	}
	if len(patchTitles) == 0 && !allPatches && override == nil {
		return nil, fmt.Errorf("no patches selected: use --patch, --all or --settings")
	}

	cat := catalog.New(store)
	requested := make(map[string]bool, len(patchTitles))
	for _, title := range patchTitles {
		requested[title] = false
	}

	var selections []catalog.Selection
	for _, repo := range cfg.Repositories {
		available, err := cat.Available(repo.UUID)
		if err != nil {
			logger.Warn("skipping repository", "repo", repo.Title, "error", err)
			continue
		}

		var chosen []manifest.PatchMetaData
		switch {
		case allPatches:
			chosen = available
		case len(requested) > 0:
			// catalog order is kept so equal priorities run by title
			for _, p := range available {
				if _, ok := requested[p.Title]; ok {
					chosen = append(chosen, p)
					requested[p.Title] = true
				}
			}
		default:
			chosen = settings.Select(repo.UUID, available, override)
		}

		if len(chosen) > 0 {
			selections = append(selections, catalog.Selection{Repo: repo, Patches: chosen})
		}
	}

	for _, title := range patchTitles {
		if !requested[title] {
			logger.Warn("patch not available in any repository", "patch", title)
		}
	}
	if len(selections) == 0 {
		return nil, fmt.Errorf("none of the selected patches is available, run `apkpatcher list` to see them")
	}

	settings.Resolve(selections, override)
	return selections, nil
}

// confirmContinue decides whether to rebuild after a failed patch
func confirmContinue(in io.Reader, out io.Writer, assumeYes, interactive bool) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !interactive {
		return false, nil
	}

	_, _ = fmt.Fprint(out, "Not all patches were applied, continue? [y/N]: ")
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read answer: %w", err)
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

func writeReport(path string, statuses []patch.Status) error {
	if statuses == nil {
		statuses = []patch.Status{}
	}
	data, err := json.MarshalIndent(statuses, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func patchedName(apk string) string {
	return strings.TrimSuffix(apk, ".apk") + "-patched.apk"
}
