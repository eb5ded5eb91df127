package core

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire Blackwall configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Detector   DetectorConfig   `yaml:"detector"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Policy     PolicyConfig     `yaml:"policy"`
	Escalation EscalationConfig `yaml:"escalation"`
	Audit      AuditConfig      `yaml:"audit"`
	Bus        BusConfig        `yaml:"bus"`
	Notify     NotifyConfig     `yaml:"notify"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds admin API server settings.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DetectorConfig holds pattern detector settings. Extra signatures are merged
// with the built-in tables at construction and are immutable afterwards.
type DetectorConfig struct {
	MaxBodyBytes    int                          `yaml:"max_body_bytes"`
	ExtraSignatures map[string][]SignatureConfig `yaml:"extra_signatures"`
}

// SignatureConfig describes one user-supplied detection signature.
type SignatureConfig struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`
	Severity string `yaml:"severity"`
}

// ScoringConfig maps finding severities to suspicion score deltas and defines
// the decay rate and action-eligibility thresholds.
type ScoringConfig struct {
	DeltaLow      float64       `yaml:"delta_low"`
	DeltaMedium   float64       `yaml:"delta_medium"`
	DeltaHigh     float64       `yaml:"delta_high"`
	DeltaCritical float64       `yaml:"delta_critical"`
	DecayPerHour  float64       `yaml:"decay_per_hour"`
	MonitorAt     float64       `yaml:"monitor_at"`    // T1
	RateLimitAt   float64       `yaml:"rate_limit_at"` // T2
	BlockAt       float64       `yaml:"block_at"`      // T3
	IdleTTL       time.Duration `yaml:"idle_ttl"`
}

// Delta returns the score delta for a finding severity.
func (s ScoringConfig) Delta(sev Severity) float64 {
	switch sev {
	case SeverityCritical:
		return s.DeltaCritical
	case SeverityHigh:
		return s.DeltaHigh
	case SeverityMedium:
		return s.DeltaMedium
	default:
		return s.DeltaLow
	}
}

// HorizonConfig is one sliding rate window.
type HorizonConfig struct {
	Window time.Duration `yaml:"window"`
	Limit  int           `yaml:"limit"`
}

// RateLimitConfig defines the three tracking horizons. The burst horizon is
// checked first since it is the cheapest and most likely to trip.
type RateLimitConfig struct {
	Burst  HorizonConfig `yaml:"burst"`
	Minute HorizonConfig `yaml:"minute"`
	Hour   HorizonConfig `yaml:"hour"`
}

// FallbackPolicy resolves escalations that never produced a verdict.
type FallbackPolicy string

const (
	FailOpen   FallbackPolicy = "fail_open"
	FailClosed FallbackPolicy = "fail_closed"
)

// PolicyConfig holds decision policy knobs. BlockOnHigh decides whether a
// HIGH finding alone is a confident block or passes through escalation; the
// original system never documented this, so it is explicit configuration.
type PolicyConfig struct {
	BlockOnHigh            bool            `yaml:"block_on_high"`
	Fallback               FallbackPolicy  `yaml:"fallback"`
	BlockDurations         []time.Duration `yaml:"block_durations"`
	PermanentAfterCritical int             `yaml:"permanent_after_critical"`
	RateViolationPenalty   float64         `yaml:"rate_violation_penalty"`
}

// BlockDuration returns the temporary block duration for a client with the
// given number of prior blocks (escalating ladder, capped at the last rung).
func (p PolicyConfig) BlockDuration(priorBlocks int) time.Duration {
	if len(p.BlockDurations) == 0 {
		return 15 * time.Minute
	}
	if priorBlocks >= len(p.BlockDurations) {
		priorBlocks = len(p.BlockDurations) - 1
	}
	if priorBlocks < 0 {
		priorBlocks = 0
	}
	return p.BlockDurations[priorBlocks]
}

// EscalationConfig holds the analysis backend settings. The API key may also
// come from the BLACKWALL_API_KEY environment variable.
type EscalationConfig struct {
	Enabled    bool          `yaml:"enabled"`
	APIBaseURL string        `yaml:"api_base_url"`
	Model      string        `yaml:"model"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
}

// AuditConfig selects the audit sinks. The in-memory ring is always on; file,
// database and bus sinks are opt-in.
type AuditConfig struct {
	MemorySize int             `yaml:"memory_size"`
	File       AuditFileConfig `yaml:"file"`
	Database   AuditDBConfig   `yaml:"database"`
	PublishBus bool            `yaml:"publish_bus"`
}

// AuditFileConfig holds rotating JSONL sink settings.
type AuditFileConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AuditDBConfig holds the SQLite audit store settings.
type AuditDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// BusConfig holds NATS decision stream settings.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// NotifyConfig holds operator webhook settings. When enabled, blocking
// decisions are pushed to the webhook URL with retries; a transient 503 from
// the receiver must not lose a block event.
type NotifyConfig struct {
	Enabled          bool              `yaml:"enabled"`
	URL              string            `yaml:"url"`
	Headers          map[string]string `yaml:"headers"`
	IncludeRateLimit bool              `yaml:"include_rate_limit"`
	MaxRetries       int               `yaml:"max_retries"`
	InitialBackoff   time.Duration     `yaml:"initial_backoff"`
	MaxBackoff       time.Duration     `yaml:"max_backoff"`
	QueueSize        int               `yaml:"queue_size"`
	Workers          int               `yaml:"workers"`
	BreakerThreshold int               `yaml:"breaker_threshold"`
	BreakerPause     time.Duration     `yaml:"breaker_pause"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sane defaults — zero-config works out
// of the box. Rate limits mirror the classic 60/min, 1000/hour, 10-burst
// defaults; thresholds are T1=10, T2=25, T3=50 with 5 points/hour decay.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 1780,
		},
		Detector: DetectorConfig{
			MaxBodyBytes: 100 * 1024,
		},
		Scoring: ScoringConfig{
			DeltaLow:      1,
			DeltaMedium:   5,
			DeltaHigh:     15,
			DeltaCritical: 40,
			DecayPerHour:  5,
			MonitorAt:     10,
			RateLimitAt:   25,
			BlockAt:       50,
			IdleTTL:       24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Burst:  HorizonConfig{Window: 10 * time.Second, Limit: 10},
			Minute: HorizonConfig{Window: time.Minute, Limit: 60},
			Hour:   HorizonConfig{Window: time.Hour, Limit: 1000},
		},
		Policy: PolicyConfig{
			BlockOnHigh:            false,
			Fallback:               FailOpen,
			BlockDurations:         []time.Duration{15 * time.Minute, time.Hour, 6 * time.Hour, 24 * time.Hour},
			PermanentAfterCritical: 3,
			RateViolationPenalty:   1,
		},
		Escalation: EscalationConfig{
			Enabled:    false,
			APIBaseURL: "https://generativelanguage.googleapis.com/v1beta/models",
			Model:      "gemini-flash-latest",
			Timeout:    5 * time.Second,
		},
		Audit: AuditConfig{
			MemorySize: 10000,
			File: AuditFileConfig{
				Enabled:    false,
				Path:       "./data/audit.jsonl",
				MaxSizeMB:  100,
				MaxBackups: 5,
				MaxAgeDays: 30,
			},
			Database: AuditDBConfig{
				Enabled: false,
				Path:    "./data/audit.db",
			},
		},
		Notify: NotifyConfig{
			Enabled:          false,
			MaxRetries:       5,
			InitialBackoff:   time.Second,
			MaxBackoff:       30 * time.Second,
			QueueSize:        1000,
			Workers:          2,
			BreakerThreshold: 5,
			BreakerPause:     time.Minute,
		},
		Bus: BusConfig{
			Enabled:  false,
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		cfg.applyEnv()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overlays environment variables onto the loaded config.
func (c *Config) applyEnv() {
	if c.Escalation.APIKey == "" {
		c.Escalation.APIKey = os.Getenv("BLACKWALL_API_KEY")
	}
	if len(c.Server.APIKeys) == 0 {
		if envKey := os.Getenv("BLACKWALL_ADMIN_KEY"); envKey != "" {
			c.Server.APIKeys = []string{envKey}
		}
	}
}

// Validate rejects configurations that would silently weaken the policy.
func (c *Config) Validate() error {
	switch c.Policy.Fallback {
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("policy.fallback must be %q or %q, got %q", FailOpen, FailClosed, c.Policy.Fallback)
	}
	if c.Scoring.MonitorAt > c.Scoring.RateLimitAt || c.Scoring.RateLimitAt > c.Scoring.BlockAt {
		return fmt.Errorf("scoring thresholds must be ordered: monitor_at <= rate_limit_at <= block_at")
	}
	for name, h := range map[string]HorizonConfig{"burst": c.RateLimit.Burst, "minute": c.RateLimit.Minute, "hour": c.RateLimit.Hour} {
		if h.Window <= 0 || h.Limit <= 0 {
			return fmt.Errorf("rate_limit.%s: window and limit must be positive", name)
		}
	}
	if c.Escalation.Enabled && c.Escalation.Timeout <= 0 {
		return fmt.Errorf("escalation.timeout must be positive when escalation is enabled")
	}
	if c.Notify.Enabled && c.Notify.URL == "" {
		return fmt.Errorf("notify.url is required when notifications are enabled")
	}
	return nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled returns true if admin API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// ValidateAPIKey checks if the provided key matches any configured API key.
// Uses constant-time comparison to prevent timing attacks.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}
