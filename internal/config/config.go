// Package config loads and defaults the supervisor's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const appDirName = "afk-supervisor"

// Config is the top-level supervisor configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Retry  RetryConfig  `yaml:"retry"`
	Runner RunnerConfig `yaml:"runner"`
	Paths  PathsConfig  `yaml:"paths"`
	Sleep  SleepConfig  `yaml:"sleep"`
}

// ServerConfig controls the optional local status server.
type ServerConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`
}

// RetryConfig seeds the default Retry Policy parameters.
type RetryConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Multiplier float64       `yaml:"multiplier"`
}

// RunnerConfig controls the Iteration Runner.
type RunnerConfig struct {
	AssistantPath    string        `yaml:"assistant_path"`
	AllowedTools     []string      `yaml:"allowed_tools"`
	IterationTimeout time.Duration `yaml:"iteration_timeout"`
	CompactAttempts  int           `yaml:"compact_attempts"`
}

// PathsConfig controls the persistent state layout.
type PathsConfig struct {
	DataDir     string `yaml:"data_dir"`
	LogsDir     string `yaml:"logs_dir"`
	RegistryDir string `yaml:"registry_dir"`
	ProgressDir string `yaml:"progress_dir"`
}

// SleepConfig controls the sleep-inhibitor lifecycle.
type SleepConfig struct {
	PreventSleep           bool `yaml:"prevent_sleep"`
	MinIterationsToInhibit int  `yaml:"min_iterations_to_inhibit"`
}

// Load reads and parses the YAML file at path, applying defaults first so
// unset fields retain sane values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns the default config if the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Default returns the supervisor's built-in defaults.
func Default() *Config {
	root := defaultStateRoot()
	return &Config{
		Server: ServerConfig{
			Enabled:        false,
			Host:           "127.0.0.1",
			Port:           8765,
			MaxConnections: 50,
		},
		Retry: RetryConfig{
			BaseDelay:  30 * time.Second,
			MaxDelay:   time.Hour,
			Multiplier: 2,
		},
		Runner: RunnerConfig{
			AssistantPath:    "claude",
			AllowedTools:     []string{"Bash", "Edit", "Read", "Write", "Grep", "Glob"},
			IterationTimeout: 5 * time.Minute,
			CompactAttempts:  5,
		},
		Paths: PathsConfig{
			DataDir:     filepath.Join(root, "data"),
			LogsDir:     filepath.Join(root, "logs"),
			RegistryDir: filepath.Join(root, "registry"),
			ProgressDir: filepath.Join(root, "progress"),
		},
		Sleep: SleepConfig{
			PreventSleep:           true,
			MinIterationsToInhibit: 5,
		},
	}
}

func defaultStateRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, "."+appDirName)
}

func defaultConfigDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return appDirName
	}
	return filepath.Join(home, ".config", appDirName)
}

// DefaultConfigPath returns the XDG-compliant default config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.yaml")
}

// EnsureDirs creates every directory the supervisor writes to, idempotently.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogsDir, c.Paths.RegistryDir, c.Paths.ProgressDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// SessionDBPath returns the path to the Session Store's backing file.
func (c *Config) SessionDBPath() string {
	return filepath.Join(c.Paths.DataDir, "sessions.db")
}

// Diff reports the fields that changed between old and new, for logging a
// SIGHUP-triggered reload.
func Diff(old, new *Config) []string {
	var changes []string

	if old.Server.Enabled != new.Server.Enabled {
		changes = append(changes, fmt.Sprintf("server.enabled: %v → %v", old.Server.Enabled, new.Server.Enabled))
	}
	if old.Server.Host != new.Server.Host {
		changes = append(changes, fmt.Sprintf("server.host: %q → %q", old.Server.Host, new.Server.Host))
	}
	if old.Server.Port != new.Server.Port {
		changes = append(changes, fmt.Sprintf("server.port: %d → %d", old.Server.Port, new.Server.Port))
	}

	if old.Retry.BaseDelay != new.Retry.BaseDelay {
		changes = append(changes, fmt.Sprintf("retry.base_delay: %v → %v", old.Retry.BaseDelay, new.Retry.BaseDelay))
	}
	if old.Retry.MaxDelay != new.Retry.MaxDelay {
		changes = append(changes, fmt.Sprintf("retry.max_delay: %v → %v", old.Retry.MaxDelay, new.Retry.MaxDelay))
	}
	if old.Retry.Multiplier != new.Retry.Multiplier {
		changes = append(changes, fmt.Sprintf("retry.multiplier: %v → %v", old.Retry.Multiplier, new.Retry.Multiplier))
	}

	if old.Runner.AssistantPath != new.Runner.AssistantPath {
		changes = append(changes, fmt.Sprintf("runner.assistant_path: %q → %q", old.Runner.AssistantPath, new.Runner.AssistantPath))
	}
	if old.Runner.IterationTimeout != new.Runner.IterationTimeout {
		changes = append(changes, fmt.Sprintf("runner.iteration_timeout: %v → %v", old.Runner.IterationTimeout, new.Runner.IterationTimeout))
	}
	if old.Runner.CompactAttempts != new.Runner.CompactAttempts {
		changes = append(changes, fmt.Sprintf("runner.compact_attempts: %d → %d", old.Runner.CompactAttempts, new.Runner.CompactAttempts))
	}
	if !stringsEqual(old.Runner.AllowedTools, new.Runner.AllowedTools) {
		changes = append(changes, fmt.Sprintf("runner.allowed_tools: %v → %v", old.Runner.AllowedTools, new.Runner.AllowedTools))
	}

	if old.Sleep.PreventSleep != new.Sleep.PreventSleep {
		changes = append(changes, fmt.Sprintf("sleep.prevent_sleep: %v → %v", old.Sleep.PreventSleep, new.Sleep.PreventSleep))
	}
	if old.Sleep.MinIterationsToInhibit != new.Sleep.MinIterationsToInhibit {
		changes = append(changes, fmt.Sprintf("sleep.min_iterations_to_inhibit: %d → %d", old.Sleep.MinIterationsToInhibit, new.Sleep.MinIterationsToInhibit))
	}

	return changes
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
