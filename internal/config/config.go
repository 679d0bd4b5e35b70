package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Assistant  AssistantConfig  `yaml:"assistant"`
	Paths      PathsConfig      `yaml:"paths"`
	Vaults     VaultsConfig     `yaml:"vaults"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Mounts     MountsConfig     `yaml:"mounts"`
	Intake     IntakeConfig     `yaml:"intake"`
	IPC        IPCConfig        `yaml:"ipc"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Stranger   StrangerConfig   `yaml:"stranger"`
	Registry   RegistryConfig   `yaml:"registry"`
	Transport  TransportConfig  `yaml:"transport"`
	Quarantine QuarantineConfig `yaml:"quarantine"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AssistantConfig struct {
	// Name is used for the default trigger pattern and reply prefix.
	Name string `yaml:"name"`
	// Trigger overrides the default trigger pattern (a regular expression).
	Trigger string `yaml:"trigger"`
	// MainChannel, when set, registers the main group on startup.
	MainChannel string `yaml:"main_channel"`
}

type PathsConfig struct {
	DataDir     string `yaml:"data_dir"`
	GroupsDir   string `yaml:"groups_dir"`
	StorePath   string `yaml:"store_path"`
	LogsDir     string `yaml:"logs_dir"`
	ProjectRoot string `yaml:"project_root"`
	GlobalDir   string `yaml:"global_dir"`
}

type VaultsConfig struct {
	Private VaultConfig `yaml:"private"`
	Shared  VaultConfig `yaml:"shared"`
}

type VaultConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type SandboxConfig struct {
	// Runtime selects the container runtime backend: cli or docker.
	Runtime string `yaml:"runtime"`
	// Binary is the container CLI used by the cli runtime (docker, podman).
	Binary string `yaml:"binary"`
	Image  string `yaml:"image"`
	// Command replaces the image's default command when set.
	Command []string `yaml:"command"`

	Timeout   string `yaml:"timeout"`
	MaxOutput string `yaml:"max_output"`

	// EnvAllowlist names the only variables copied into the sandbox env file.
	EnvAllowlist []string `yaml:"env_allowlist"`
	// EnvFile is an optional dotenv file read instead of the process env.
	EnvFile string `yaml:"env_file"`

	Verbose bool `yaml:"verbose"`
}

type MountsConfig struct {
	// Allowlist is read once at startup and is never mounted into a sandbox.
	Allowlist string `yaml:"allowlist"`
}

type IntakeConfig struct {
	PollInterval string `yaml:"poll_interval"`
}

type IPCConfig struct {
	PollInterval string `yaml:"poll_interval"`
	// SendPerMinute bounds message commands per namespace. Negative disables.
	SendPerMinute float64 `yaml:"send_per_minute"`
	SendBurst     int     `yaml:"send_burst"`
}

type SchedulerConfig struct {
	PollInterval string `yaml:"poll_interval"`
	Timezone     string `yaml:"timezone"`
}

type StrangerConfig struct {
	CacheTTL string `yaml:"cache_ttl"`
}

type RegistryConfig struct {
	CacheTTL string `yaml:"cache_ttl"`
	// Owner bootstraps the owner identity when none is registered.
	Owner     string `yaml:"owner"`
	OwnerName string `yaml:"owner_name"`
}

type TransportConfig struct {
	Kind   string `yaml:"kind"`
	Outbox string `yaml:"outbox"`
	Roster string `yaml:"roster"`
	// OutboxMaxSize is the size at which the outbox is rotated.
	OutboxMaxSize string `yaml:"outbox_max_size"`
	// OutboxBackups is how many rotated outbox files are kept.
	OutboxBackups int `yaml:"outbox_backups"`
}

type QuarantineConfig struct {
	// Retention is how long quarantined command files are kept.
	Retention string `yaml:"retention"`
	// Keep bounds the number of quarantined files regardless of age.
	Keep int `yaml:"keep"`
	// PurgeSchedule is a cron expression for the purge job.
	PurgeSchedule string `yaml:"purge_schedule"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Assistant.Name == "" {
		cfg.Assistant.Name = "Andy"
	}
	if cfg.Paths.DataDir == "" {
		cfg.Paths.DataDir = "/var/lib/kinshell"
	}
	if cfg.Paths.GroupsDir == "" {
		cfg.Paths.GroupsDir = filepath.Join(cfg.Paths.DataDir, "groups")
	}
	if cfg.Paths.StorePath == "" {
		cfg.Paths.StorePath = filepath.Join(cfg.Paths.DataDir, "kinshell.db")
	}
	if cfg.Paths.LogsDir == "" {
		cfg.Paths.LogsDir = filepath.Join(cfg.Paths.DataDir, "logs")
	}
	if cfg.Paths.GlobalDir == "" {
		cfg.Paths.GlobalDir = filepath.Join(cfg.Paths.GroupsDir, "global")
	}

	if cfg.Sandbox.Runtime == "" {
		cfg.Sandbox.Runtime = "cli"
	}
	if cfg.Sandbox.Binary == "" {
		cfg.Sandbox.Binary = "docker"
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "kinshell-agent:latest"
	}
	if cfg.Sandbox.Timeout == "" {
		cfg.Sandbox.Timeout = "5m"
	}
	if cfg.Sandbox.MaxOutput == "" {
		cfg.Sandbox.MaxOutput = "10MB"
	}
	if len(cfg.Sandbox.EnvAllowlist) == 0 {
		cfg.Sandbox.EnvAllowlist = []string{"CLAUDE_CODE_OAUTH_TOKEN", "ANTHROPIC_API_KEY"}
	}

	if cfg.Mounts.Allowlist == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Mounts.Allowlist = filepath.Join(home, ".config", "kinshell", "mount-allowlist.json")
		}
	}

	if cfg.Intake.PollInterval == "" {
		cfg.Intake.PollInterval = "2s"
	}
	if cfg.IPC.PollInterval == "" {
		cfg.IPC.PollInterval = "1s"
	}
	if cfg.IPC.SendPerMinute == 0 {
		cfg.IPC.SendPerMinute = 30
	}
	if cfg.IPC.SendBurst == 0 {
		cfg.IPC.SendBurst = 10
	}
	if cfg.Scheduler.PollInterval == "" {
		cfg.Scheduler.PollInterval = "1m"
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "Local"
	}
	if cfg.Stranger.CacheTTL == "" {
		cfg.Stranger.CacheTTL = "5m"
	}
	if cfg.Registry.CacheTTL == "" {
		cfg.Registry.CacheTTL = "30s"
	}

	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = "local"
	}
	if cfg.Transport.Outbox == "" {
		cfg.Transport.Outbox = filepath.Join(cfg.Paths.DataDir, "outbox.jsonl")
	}
	if cfg.Transport.Roster == "" {
		cfg.Transport.Roster = filepath.Join(cfg.Paths.DataDir, "roster.yaml")
	}
	if cfg.Transport.OutboxMaxSize == "" {
		cfg.Transport.OutboxMaxSize = "50MB"
	}
	if cfg.Transport.OutboxBackups == 0 {
		cfg.Transport.OutboxBackups = 3
	}

	if cfg.Quarantine.Retention == "" {
		cfg.Quarantine.Retention = "720h"
	}
	if cfg.Quarantine.Keep <= 0 {
		cfg.Quarantine.Keep = 500
	}
	if cfg.Quarantine.PurgeSchedule == "" {
		cfg.Quarantine.PurgeSchedule = "@daily"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KINSHELL_ASSISTANT_NAME"); v != "" {
		cfg.Assistant.Name = v
	}
	if v := os.Getenv("KINSHELL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("KINSHELL_DATA_DIR"); v != "" {
		cfg.Paths.DataDir = v
		cfg.Paths.GroupsDir = filepath.Join(v, "groups")
		cfg.Paths.StorePath = filepath.Join(v, "kinshell.db")
		cfg.Paths.LogsDir = filepath.Join(v, "logs")
		cfg.Paths.GlobalDir = filepath.Join(v, "groups", "global")
	}
	if v := os.Getenv("KINSHELL_SANDBOX_TIMEOUT"); v != "" {
		cfg.Sandbox.Timeout = v
	}
	if v := os.Getenv("KINSHELL_TZ"); v != "" {
		cfg.Scheduler.Timezone = v
	} else if v := os.Getenv("TZ"); v != "" && cfg.Scheduler.Timezone == "Local" {
		cfg.Scheduler.Timezone = v
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Sandbox.Runtime {
	case "cli", "docker":
	default:
		return fmt.Errorf("invalid sandbox.runtime %q", cfg.Sandbox.Runtime)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	if cfg.Transport.Kind != "local" {
		return fmt.Errorf("invalid transport.kind %q", cfg.Transport.Kind)
	}
	durations := map[string]string{
		"sandbox.timeout":         cfg.Sandbox.Timeout,
		"intake.poll_interval":    cfg.Intake.PollInterval,
		"ipc.poll_interval":       cfg.IPC.PollInterval,
		"scheduler.poll_interval": cfg.Scheduler.PollInterval,
		"stranger.cache_ttl":      cfg.Stranger.CacheTTL,
		"registry.cache_ttl":      cfg.Registry.CacheTTL,
		"quarantine.retention":    cfg.Quarantine.Retention,
	}
	for name, v := range durations {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if cfg.IPC.SendBurst < 0 {
		return fmt.Errorf("ipc.send_burst must be >= 0")
	}
	for name, v := range map[string]string{
		"sandbox.max_output":        cfg.Sandbox.MaxOutput,
		"transport.outbox_max_size": cfg.Transport.OutboxMaxSize,
	} {
		n, err := ParseByteSize(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		if n <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if cfg.Transport.OutboxBackups < 0 {
		return fmt.Errorf("transport.outbox_backups must be >= 0")
	}
	if _, err := cron.ParseStandard(cfg.Quarantine.PurgeSchedule); err != nil {
		return fmt.Errorf("parse quarantine.purge_schedule: %w", err)
	}
	if _, err := cfg.Location(); err != nil {
		return err
	}
	if cfg.Vaults.Private.Enabled && cfg.Vaults.Private.Path == "" {
		return fmt.Errorf("vaults.private.path is required when enabled")
	}
	if cfg.Vaults.Shared.Enabled && cfg.Vaults.Shared.Path == "" {
		return fmt.Errorf("vaults.shared.path is required when enabled")
	}
	return nil
}

// Location returns the scheduler time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler.timezone %q: %w", c.Scheduler.Timezone, err)
	}
	return loc, nil
}

// MustDuration parses a duration that validateConfig has already checked.
func MustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated duration %q: %v", s, err))
	}
	return d
}

// ParseByteSize reads sizes such as "512", "64KB" or "10MiB". KB, MB and
// GB are decimal; the KiB forms are binary. Underscores are ignored.
func ParseByteSize(s string) (int64, error) {
	in := strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	if strings.ContainsAny(in, "iI") {
		return units.RAMInBytes(in)
	}
	return units.FromHumanSize(in)
}

// MustByteSize parses a size that validateConfig has already checked.
func MustByteSize(s string) int64 {
	n, err := ParseByteSize(s)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated size %q: %v", s, err))
	}
	return n
}

// IPCDir is the root of the per-group command-channel namespaces.
func (c *Config) IPCDir() string { return filepath.Join(c.Paths.DataDir, "ipc") }

// SessionsDir is the root of the tier-scoped session directories.
func (c *Config) SessionsDir() string { return filepath.Join(c.Paths.DataDir, "sessions") }

// EnvDir holds the restricted env files handed to sandboxes.
func (c *Config) EnvDir() string { return filepath.Join(c.Paths.DataDir, "env") }
