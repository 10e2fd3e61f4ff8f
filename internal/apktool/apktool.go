package apktool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/schaermu/apkpatcher/internal/config"
)

// Toolchain decompiles, rebuilds and signs APKs
type Toolchain interface {
	// Decompile unpacks apkPath into outDir, replacing its contents
	Decompile(ctx context.Context, apkPath, outDir string) error
	// Compile rebuilds srcDir into outAPK
	Compile(ctx context.Context, srcDir, outAPK string) error
	// Sign zipaligns and signs apkPath in place
	Sign(ctx context.Context, apkPath string) error
}

// runFunc executes a command and returns its combined output
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// ShellClient implements Toolchain by shelling out to java, zipalign and apksigner
type ShellClient struct {
	java         string
	apktoolJar   string
	zipalign     string
	apksigner    string
	keystore     string
	keyAlias     string
	passwordFile string
	run          runFunc
}

// NewShellClient creates a toolchain from the configured tool locations.
// Bare tool names are looked up in the tools folder first, then on PATH.
func NewShellClient(cfg *config.Config) *ShellClient {
	return &ShellClient{
		java:         cfg.Toolchain.Java,
		apktoolJar:   cfg.ToolPath(cfg.Toolchain.Apktool),
		zipalign:     resolveTool(cfg, cfg.Toolchain.Zipalign),
		apksigner:    resolveTool(cfg, cfg.Toolchain.Apksigner),
		keystore:     cfg.Toolchain.Keystore,
		keyAlias:     cfg.Toolchain.KeyAlias,
		passwordFile: cfg.Toolchain.PasswordFile,
		run:          runCommand,
	}
}

// Decompile runs apktool d
func (c *ShellClient) Decompile(ctx context.Context, apkPath, outDir string) error {
	if _, err := c.run(ctx, c.java, "-jar", c.apktoolJar, "d", "-f", "-o", outDir, apkPath); err != nil {
		return fmt.Errorf("apktool decompile failed: %w", err)
	}
	return nil
}

// Compile runs apktool b
func (c *ShellClient) Compile(ctx context.Context, srcDir, outAPK string) error {
	if err := os.MkdirAll(filepath.Dir(outAPK), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if _, err := c.run(ctx, c.java, "-jar", c.apktoolJar, "b", "-f", "-o", outAPK, srcDir); err != nil {
		return fmt.Errorf("apktool build failed: %w", err)
	}
	return nil
}

// Sign zipaligns apkPath into a sibling file, then signs it back over apkPath
func (c *ShellClient) Sign(ctx context.Context, apkPath string) error {
	if c.keystore == "" {
		return fmt.Errorf("toolchain.keystore is not configured")
	}

	aligned := strings.TrimSuffix(apkPath, ".apk") + "-aligned.apk"
	defer func() {
		_ = os.Remove(aligned)
	}()

	if _, err := c.run(ctx, c.zipalign, "-p", "-f", "4", apkPath, aligned); err != nil {
		return fmt.Errorf("zipalign failed: %w", err)
	}

	args := []string{"sign", "--ks", c.keystore, "--ks-key-alias", c.keyAlias}
	if c.passwordFile != "" {
		args = append(args, "--ks-pass", "file:"+c.passwordFile)
	}
	args = append(args, "--out", apkPath, aligned)

	if _, err := c.run(ctx, c.apksigner, args...); err != nil {
		return fmt.Errorf("apksigner failed: %w", err)
	}
	return nil
}

var javaVersionPattern = regexp.MustCompile(`version "(\d+)(?:\.(\d+))?`)

// CheckJava verifies that java 8 or newer is installed and returns its
// version line.
func CheckJava(ctx context.Context, java string) (string, error) {
	return checkJava(ctx, runCommand, java)
}

func checkJava(ctx context.Context, run runFunc, java string) (string, error) {
	output, err := run(ctx, java, "-version")
	if err != nil {
		return "", fmt.Errorf("java 8+ is not found: %w", err)
	}

	line := strings.TrimSpace(strings.SplitN(string(output), "\n", 2)[0])
	m := javaVersionPattern.FindStringSubmatch(line)
	if m == nil {
		return "", fmt.Errorf("cannot parse java version from %q", line)
	}

	major, _ := strconv.Atoi(m[1])
	// 1.8 style versions
	if major == 1 && m[2] != "" {
		major, _ = strconv.Atoi(m[2])
	}
	if major < 8 {
		return "", fmt.Errorf("java 8+ is required, found %q", line)
	}
	return line, nil
}

// resolveTool prefers a downloaded copy of a bare tool name
func resolveTool(cfg *config.Config, name string) string {
	if filepath.Base(name) != name {
		return name
	}
	if info, err := os.Stat(cfg.ToolPath(name)); err == nil && info.Mode().IsRegular() {
		return cfg.ToolPath(name)
	}
	return name
}

// runCommand executes a command and returns an error with its output on failure
func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return output, nil
}
