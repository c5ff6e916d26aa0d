// Package config loads and validates the remedy TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "30s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General  General    `toml:"general"`
	Check    Check      `toml:"check"`
	Lint     Lint       `toml:"lint"`
	Git      Git        `toml:"git"`
	Watch    Watch      `toml:"watch"`
	API      API        `toml:"api"`
	Temporal Temporal   `toml:"temporal"`
	Rules    []RuleSpec `toml:"rules"`
}

type General struct {
	LogLevel   string   `toml:"log_level"`
	StateDB    string   `toml:"state_db"`
	LockFile   string   `toml:"lock_file"`
	MaxRetries int      `toml:"max_retries"`
	RetryDelay Duration `toml:"retry_delay"`
}

// Check configures the quality check command the loop re-runs.
type Check struct {
	Command string      `toml:"command"`
	Timeout Duration    `toml:"timeout"`
	Backend string      `toml:"backend"` // "local", "docker"
	Docker  CheckDocker `toml:"docker"`
}

type CheckDocker struct {
	Image   string   `toml:"image"`
	WorkDir string   `toml:"workdir"`
	Env     []string `toml:"env"`
}

// Lint configures the lint collaborator that reports unused imports.
type Lint struct {
	Command string   `toml:"command"`
	Timeout Duration `toml:"timeout"`
}

type Git struct {
	Enabled      bool   `toml:"enabled"`
	Remote       string `toml:"remote"`
	Branch       string `toml:"branch"` // empty = current branch
	CommitPrefix string `toml:"commit_prefix"`
	Push         bool   `toml:"push"`
}

type Watch struct {
	Interval Duration `toml:"interval"`
}

type API struct {
	Bind  string `toml:"bind"` // empty = API disabled
	Token string `toml:"token"`
}

type Temporal struct {
	HostPort         string   `toml:"host_port"`
	Namespace        string   `toml:"namespace"`
	TaskQueue        string   `toml:"task_queue"`
	ScheduleInterval Duration `toml:"schedule_interval"` // 0 = no periodic schedule
}

// RuleSpec is a user-supplied classification rule. Validated rules are
// compiled ahead of the built-in pattern table so site-specific patterns
// win priority.
type RuleSpec struct {
	Pattern    string  `toml:"pattern"`
	ErrorType  string  `toml:"error_type"`
	Fix        string  `toml:"fix"`
	Confidence float64 `toml:"confidence"`
}

// Load reads and validates a remedy TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Reload loads a fresh config from path.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// LoadManager loads the config at path and wraps it in a manager.
func LoadManager(path string) (*RWMutexManager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewManager(cfg), nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "~/.remedy/state.db"
	}
	if cfg.General.MaxRetries == 0 {
		cfg.General.MaxRetries = 5
	}
	if cfg.General.RetryDelay.Duration == 0 {
		cfg.General.RetryDelay.Duration = 30 * time.Second
	}

	if cfg.Check.Timeout.Duration == 0 {
		cfg.Check.Timeout.Duration = 10 * time.Minute
	}
	if cfg.Check.Backend == "" {
		cfg.Check.Backend = "local"
	}
	if cfg.Check.Docker.WorkDir == "" {
		cfg.Check.Docker.WorkDir = "/workspace"
	}

	if cfg.Lint.Command == "" {
		cfg.Lint.Command = "flake8 --select=F401 ."
	}
	if cfg.Lint.Timeout.Duration == 0 {
		cfg.Lint.Timeout.Duration = 2 * time.Minute
	}

	if cfg.Git.Remote == "" {
		cfg.Git.Remote = "origin"
	}
	if cfg.Git.CommitPrefix == "" {
		cfg.Git.CommitPrefix = "auto-fix"
	}

	if cfg.Watch.Interval.Duration == 0 {
		cfg.Watch.Interval.Duration = 5 * time.Minute
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "127.0.0.1:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "remedy-task-queue"
	}
}

func validate(cfg *Config) error {
	if cfg.Check.Command == "" {
		return fmt.Errorf("check.command is required")
	}

	switch cfg.Check.Backend {
	case "local":
	case "docker":
		if cfg.Check.Docker.Image == "" {
			return fmt.Errorf("check.docker.image is required when check.backend is %q", cfg.Check.Backend)
		}
	default:
		return fmt.Errorf("unknown check.backend %q (supported backends: local, docker)", cfg.Check.Backend)
	}

	if cfg.General.MaxRetries < 0 {
		return fmt.Errorf("general.max_retries must not be negative")
	}
	if cfg.General.RetryDelay.Duration < 0 {
		return fmt.Errorf("general.retry_delay must not be negative")
	}

	for i, rule := range cfg.Rules {
		if rule.Pattern == "" {
			return fmt.Errorf("rules[%d] missing pattern", i)
		}
		if rule.ErrorType == "" {
			return fmt.Errorf("rules[%d] (%q) missing error_type", i, rule.Pattern)
		}
		if rule.Fix == "" {
			return fmt.Errorf("rules[%d] (%q) missing fix", i, rule.Pattern)
		}
		if rule.Confidence < 0 || rule.Confidence > 1 {
			return fmt.Errorf("rules[%d] (%q) confidence %v out of range [0,1]", i, rule.Pattern, rule.Confidence)
		}
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
