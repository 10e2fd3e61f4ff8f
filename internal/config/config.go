package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"gopkg.in/yaml.v3"
)

// Config represents the complete apkpatcher configuration
type Config struct {
	LogLevel     string       `yaml:"log_level"`
	Repositories []Repository `yaml:"repositories"`
	Folders      Folders      `yaml:"folders"`
	Tools        []Tool       `yaml:"tools"`
	Toolchain    Toolchain    `yaml:"toolchain"`
}

// Repository is an entry of the registered-repositories list.
// Its position in the list decides cross-repository execution order.
type Repository struct {
	Title string `yaml:"title" json:"title"`
	UUID  string `yaml:"uuid" json:"uuid"`
	URL   string `yaml:"url" json:"url"`
}

// Folders configures local filesystem paths
type Folders struct {
	Tools      string `yaml:"tools"`
	APKs       string `yaml:"apks"`
	Decompiled string `yaml:"decompiled"`
	Out        string `yaml:"out"`
	Cache      string `yaml:"cache"`
}

// Tool is an external binary downloaded on demand
type Tool struct {
	Tool string   `yaml:"tool"`
	URL  string   `yaml:"url"`
	OS   []string `yaml:"os"`
}

// Toolchain configures the external decompile/compile/sign tools
type Toolchain struct {
	Java         string `yaml:"java"`
	Apktool      string `yaml:"apktool"`
	Zipalign     string `yaml:"zipalign"`
	Apksigner    string `yaml:"apksigner"`
	Keystore     string `yaml:"keystore"`
	KeyAlias     string `yaml:"key_alias"`
	PasswordFile string `yaml:"password_file"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns an empty configuration with defaults applied, used before
// the first repository is added.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Save writes the configuration back to path, replacing it atomically
func (c *Config) Save(path string) error {
	path = os.ExpandEnv(path)

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config: %w", err)
	}

	return nil
}

// expandEnv expands environment variables in all path fields
func (c *Config) expandEnv() {
	c.Folders.Tools = os.ExpandEnv(c.Folders.Tools)
	c.Folders.APKs = os.ExpandEnv(c.Folders.APKs)
	c.Folders.Decompiled = os.ExpandEnv(c.Folders.Decompiled)
	c.Folders.Out = os.ExpandEnv(c.Folders.Out)
	c.Folders.Cache = os.ExpandEnv(c.Folders.Cache)
	c.Toolchain.Keystore = os.ExpandEnv(c.Toolchain.Keystore)
	c.Toolchain.PasswordFile = os.ExpandEnv(c.Toolchain.PasswordFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Folders.Tools == "" {
		c.Folders.Tools = "tools"
	}
	if c.Folders.APKs == "" {
		c.Folders.APKs = "apks"
	}
	if c.Folders.Decompiled == "" {
		c.Folders.Decompiled = "decompiled"
	}
	if c.Folders.Out == "" {
		c.Folders.Out = "out"
	}
	if c.Folders.Cache == "" {
		c.Folders.Cache = ".cache"
	}
	if c.Toolchain.Java == "" {
		c.Toolchain.Java = "java"
	}
	if c.Toolchain.Apktool == "" {
		c.Toolchain.Apktool = "apktool.jar"
	}
	if c.Toolchain.Zipalign == "" {
		c.Toolchain.Zipalign = "zipalign"
	}
	if c.Toolchain.Apksigner == "" {
		c.Toolchain.Apksigner = "apksigner"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	seen := make(map[string]bool, len(c.Repositories))
	for i, repo := range c.Repositories {
		if repo.UUID == "" {
			return fmt.Errorf("repositories[%d].uuid is required", i)
		}
		if repo.URL == "" {
			return fmt.Errorf("repositories[%d].url is required", i)
		}
		if seen[repo.UUID] {
			return fmt.Errorf("repositories[%d]: duplicate uuid %s", i, repo.UUID)
		}
		seen[repo.UUID] = true
	}

	for i, tool := range c.Tools {
		if tool.Tool == "" || tool.URL == "" {
			return fmt.Errorf("tools[%d]: tool and url are required", i)
		}
		if filepath.Base(tool.Tool) != tool.Tool {
			return fmt.Errorf("tools[%d]: tool %q must be a bare file name", i, tool.Tool)
		}
	}

	if c.Toolchain.Keystore != "" && c.Toolchain.KeyAlias == "" {
		return fmt.Errorf("toolchain.key_alias is required when toolchain.keystore is set")
	}

	return nil
}

// AddRepository appends a repository to the registered list
func (c *Config) AddRepository(repo Repository) error {
	if c.Repository(repo.UUID) != nil {
		return fmt.Errorf("repository %s is already registered", repo.UUID)
	}
	c.Repositories = append(c.Repositories, repo)
	return nil
}

// Repository returns the registered repository with the given uuid
func (c *Config) Repository(uuid string) *Repository {
	for i := range c.Repositories {
		if c.Repositories[i].UUID == uuid {
			return &c.Repositories[i]
		}
	}
	return nil
}

// ToolsForCurrentOS returns the tools that apply to the running platform
func (c *Config) ToolsForCurrentOS() []Tool {
	var tools []Tool
	for _, tool := range c.Tools {
		if len(tool.OS) == 0 || slices.Contains(tool.OS, runtime.GOOS) {
			tools = append(tools, tool)
		}
	}
	return tools
}

// ToolPath returns the location of a downloaded tool
func (c *Config) ToolPath(name string) string {
	return filepath.Join(c.Folders.Tools, name)
}

// APKPath returns the location of an input APK
func (c *Config) APKPath(name string) string {
	return filepath.Join(c.Folders.APKs, name)
}
