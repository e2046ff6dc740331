package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Leases     LeasesConfig     `yaml:"leases"`
	Sketches   SketchesConfig   `yaml:"sketches"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Generation GenerationConfig `yaml:"generation"`
	Storage    StorageConfig    `yaml:"storage"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// LeasesConfig bounds globally concurrent sketch sessions.
type LeasesConfig struct {
	Cap int    `yaml:"cap"`
	TTL string `yaml:"ttl"`
}

type SketchesConfig struct {
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	Hostname          string `yaml:"hostname"`

	// EditableFile is the artifact rewritten by generation attempts.
	EditableFile string `yaml:"editable_file"`
	// ReferenceFiles are read-only artifacts handed to the generator as
	// context alongside the editable file.
	ReferenceFiles []string `yaml:"reference_files"`
	// PreviewPort is the port the live process serves on inside the sandbox.
	PreviewPort int `yaml:"preview_port"`
	// PreviewCommand starts the live process.
	PreviewCommand string `yaml:"preview_command"`
	WorkDir        string `yaml:"work_dir"`
}

// SandboxConfig points at the execution environment API.
type SandboxConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	Timeout string `yaml:"timeout"`

	RetryAttempts     int    `yaml:"retry_attempts"`
	RetryInitialDelay string `yaml:"retry_initial_delay"`
	RetryMaxDelay     string `yaml:"retry_max_delay"`
}

type GenerationConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	Timeout   string `yaml:"timeout"`
}

type StorageConfig struct {
	SQLitePath string   `yaml:"sqlite_path"`
	S3         S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // optional, for S3-compatible stores
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return LoadFromBytes(b)
}

func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the effective config with no file present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "0.0.0.0:8080"
	}
	if cfg.Server.ReadTimeout == "" {
		cfg.Server.ReadTimeout = "30s"
	}
	if cfg.Server.WriteTimeout == "" {
		cfg.Server.WriteTimeout = "5m"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Leases.Cap <= 0 {
		cfg.Leases.Cap = 20
	}
	if cfg.Leases.TTL == "" {
		cfg.Leases.TTL = "5m"
	}
	if cfg.Sketches.HeartbeatInterval == "" {
		cfg.Sketches.HeartbeatInterval = "60s"
	}
	if cfg.Sketches.EditableFile == "" {
		cfg.Sketches.EditableFile = "sketch.tsx"
	}
	if len(cfg.Sketches.ReferenceFiles) == 0 {
		cfg.Sketches.ReferenceFiles = []string{"index.html"}
	}
	if cfg.Sketches.PreviewPort == 0 {
		cfg.Sketches.PreviewPort = 5173
	}
	if cfg.Sketches.PreviewCommand == "" {
		cfg.Sketches.PreviewCommand = "npm run dev"
	}
	if cfg.Sketches.WorkDir == "" {
		cfg.Sketches.WorkDir = "/workspace"
	}
	if cfg.Sandbox.Timeout == "" {
		cfg.Sandbox.Timeout = "60s"
	}
	if cfg.Sandbox.RetryAttempts <= 0 {
		cfg.Sandbox.RetryAttempts = 3
	}
	if cfg.Sandbox.RetryInitialDelay == "" {
		cfg.Sandbox.RetryInitialDelay = "500ms"
	}
	if cfg.Sandbox.RetryMaxDelay == "" {
		cfg.Sandbox.RetryMaxDelay = "5s"
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Generation.MaxTokens <= 0 {
		cfg.Generation.MaxTokens = 8192
	}
	if cfg.Generation.Timeout == "" {
		cfg.Generation.Timeout = "120s"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "/var/lib/sketchd/sketchd.db"
	}
	if cfg.Storage.S3.Region == "" {
		cfg.Storage.S3.Region = "us-east-1"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SKETCHD_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SKETCHD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SKETCHD_DATA_DIR"); v != "" {
		cfg.Storage.SQLitePath = filepath.Join(v, "sketchd.db")
	}
	if v := os.Getenv("SKETCHD_SANDBOX_TOKEN"); v != "" {
		cfg.Sandbox.Token = v
	}
	if v := os.Getenv("SKETCHD_GENERATION_API_KEY"); v != "" {
		cfg.Generation.APIKey = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" && cfg.Storage.S3.AccessKeyID == "" {
		cfg.Storage.S3.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" && cfg.Storage.S3.SecretAccessKey == "" {
		cfg.Storage.S3.SecretAccessKey = v
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	for name, v := range map[string]string{
		"server.read_timeout":         cfg.Server.ReadTimeout,
		"server.write_timeout":        cfg.Server.WriteTimeout,
		"leases.ttl":                  cfg.Leases.TTL,
		"sketches.heartbeat_interval": cfg.Sketches.HeartbeatInterval,
		"sandbox.timeout":             cfg.Sandbox.Timeout,
		"sandbox.retry_initial_delay": cfg.Sandbox.RetryInitialDelay,
		"sandbox.retry_max_delay":     cfg.Sandbox.RetryMaxDelay,
		"generation.timeout":          cfg.Generation.Timeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
	}
	return nil
}

// MustDuration parses a duration string already vetted by validateConfig.
func MustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
