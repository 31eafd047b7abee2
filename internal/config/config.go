package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config models batchline.yml.
type Config struct {
	Database    DatabaseConfig    `yaml:"database" json:"database"`
	Emission    EmissionConfig    `yaml:"emission" json:"emission"`
	Queue       QueueConfig       `yaml:"queue" json:"queue"`
	Eligibility EligibilityConfig `yaml:"eligibility" json:"eligibility"`
	Scoring     ScoringConfig     `yaml:"scoring" json:"scoring"`
	Artifacts   ArtifactsConfig   `yaml:"artifacts" json:"artifacts"`
	Notify      NotifyConfig      `yaml:"notify" json:"notify"`
	Redis       RedisConfig       `yaml:"redis" json:"redis"`
	Auth        AuthConfig        `yaml:"auth" json:"-"`
	Log         LogConfig         `yaml:"log" json:"log"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" json:"driver" env:"BATCHLINE_DB_DRIVER"`
	DSN    string `yaml:"dsn" json:"-" env:"BATCHLINE_DB_DSN"`
}

type EmissionConfig struct {
	// Inline emits right after the completing commit instead of waiting for
	// the queue.
	Inline             bool          `yaml:"inline" json:"inline" env:"BATCHLINE_EMISSION_INLINE"`
	Grace              time.Duration `yaml:"grace" json:"grace" env:"BATCHLINE_EMISSION_GRACE"`
	Renderer           string        `yaml:"renderer" json:"renderer" env:"BATCHLINE_EMISSION_RENDERER"`
	MinEmergencyReason int           `yaml:"min_emergency_reason" json:"min_emergency_reason"`
}

type QueueConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval" json:"poll_interval" env:"BATCHLINE_QUEUE_POLL_INTERVAL"`
	BaseBackoff   time.Duration `yaml:"base_backoff" json:"base_backoff" env:"BATCHLINE_QUEUE_BASE_BACKOFF"`
	MaxBackoff    time.Duration `yaml:"max_backoff" json:"max_backoff" env:"BATCHLINE_QUEUE_MAX_BACKOFF"`
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts" env:"BATCHLINE_QUEUE_MAX_ATTEMPTS"`
	BatchSize     int           `yaml:"batch_size" json:"batch_size"`
	Concurrency   int           `yaml:"concurrency" json:"concurrency" env:"BATCHLINE_QUEUE_CONCURRENCY"`
	RatePerSecond float64       `yaml:"rate_per_second" json:"rate_per_second"`
	LockTTL       time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
}

type EligibilityConfig struct {
	MinIntervalDays int `yaml:"min_interval_days" json:"min_interval_days"`
}

type ScoringConfig struct {
	LowCut  float64 `yaml:"low_cut" json:"low_cut"`
	HighCut float64 `yaml:"high_cut" json:"high_cut"`
}

type ArtifactsConfig struct {
	// Backend is none, file or s3.
	Backend string   `yaml:"backend" json:"backend" env:"BATCHLINE_ARTIFACTS_BACKEND"`
	Dir     string   `yaml:"dir" json:"dir"`
	S3      S3Config `yaml:"s3" json:"s3"`
}

type S3Config struct {
	Bucket   string `yaml:"bucket" json:"bucket" env:"BATCHLINE_S3_BUCKET"`
	Region   string `yaml:"region" json:"region" env:"BATCHLINE_S3_REGION"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"BATCHLINE_S3_ENDPOINT"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

type NotifyConfig struct {
	Store        bool            `yaml:"store" json:"store"`
	RedisChannel string          `yaml:"redis_channel" json:"redis_channel"`
	Webhooks     []WebhookConfig `yaml:"webhooks" json:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"-"`
	Events         []string `yaml:"events" json:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr" env:"BATCHLINE_REDIS_ADDR"`
	Password string `yaml:"password" json:"-" env:"BATCHLINE_REDIS_PASSWORD"`
	DB       int    `yaml:"db" json:"db"`
	LockKey  string `yaml:"lock_key" json:"lock_key"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"BATCHLINE_JWT_SECRET"`
	Issuer    string        `yaml:"issuer" env:"BATCHLINE_JWT_ISSUER"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level" env:"BATCHLINE_LOG_LEVEL"`
	Format string `yaml:"format" json:"format" env:"BATCHLINE_LOG_FORMAT"`
}

// Load reads the workspace config, falling back to defaults when the file
// is missing, then applies environment overrides.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = Default()
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// ApplyEnv overrides fields from BATCHLINE_* variables. Unset variables keep
// the current value.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pq":
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver %q is not supported", c.Database.Driver)
	}
	switch c.Emission.Renderer {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.emission.renderer must be text or json")
	}
	if c.Emission.Grace < 0 {
		return fmt.Errorf("config.emission.grace must not be negative")
	}
	if c.Queue.MaxAttempts < 0 || c.Queue.Concurrency < 0 || c.Queue.BatchSize < 0 {
		return fmt.Errorf("config.queue values must not be negative")
	}
	if c.Queue.MaxBackoff > 0 && c.Queue.BaseBackoff > c.Queue.MaxBackoff {
		return fmt.Errorf("config.queue.base_backoff exceeds max_backoff")
	}
	if c.Scoring.LowCut != 0 || c.Scoring.HighCut != 0 {
		if c.Scoring.LowCut <= 0 || c.Scoring.HighCut <= c.Scoring.LowCut || c.Scoring.HighCut >= 100 {
			return fmt.Errorf("config.scoring cuts must satisfy 0 < low_cut < high_cut < 100")
		}
	}
	switch c.Artifacts.Backend {
	case "", "none", "file":
	case "s3":
		if c.Artifacts.S3.Bucket == "" {
			return fmt.Errorf("config.artifacts.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("config.artifacts.backend %q is not supported", c.Artifacts.Backend)
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "batchline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing
// sections keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `database:
  driver: sqlite

emission:
  inline: true
  grace: 1m
  renderer: text
  min_emergency_reason: 20

queue:
  poll_interval: 30s
  base_backoff: 30s
  max_backoff: 30m
  max_attempts: 5
  batch_size: 20
  concurrency: 4
  lock_ttl: 2m

eligibility:
  min_interval_days: 365

scoring:
  low_cut: 33
  high_cut: 66

artifacts:
  backend: none
  dir: .batchline/artifacts

notify:
  store: true
  redis_channel: batchline.events

log:
  level: info
  format: json

auth:
  issuer: batchline
  token_ttl: 12h
`
