// Package config loads the control plane's configuration the way the
// teacher's pkg/config does: envdecode-tagged structs, a .env file loaded
// first via godotenv, then an optional YAML file for anything envdecode
// doesn't cover, with DATABASE_URL/REDIS_URL overrides applied last for
// deployment platforms that only hand out a connection URL.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig controls the relational store adapter (component 4).
type DatabaseConfig struct {
	DSN              string        `json:"dsn" env:"DATABASE_DSN"`
	Host             string        `json:"host" env:"DATABASE_HOST"`
	Port             int           `json:"port" env:"DATABASE_PORT"`
	User             string        `json:"user" env:"DATABASE_USER"`
	Password         string        `json:"password" env:"DATABASE_PASSWORD"`
	Name             string        `json:"name" env:"DATABASE_NAME"`
	SSLMode          string        `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns     int           `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns     int           `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime  time.Duration `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	StatementTimeout time.Duration `json:"statement_timeout" env:"DATABASE_STATEMENT_TIMEOUT"`
	MigrateOnStart   bool          `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// ConnectionString builds a PostgreSQL connection string from host
// parameters. DSN, when set, takes precedence over it at the call site.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig controls the key-value adapter (component 5).
type RedisConfig struct {
	Addr     string `json:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB"`
	PoolSize int    `json:"pool_size" env:"REDIS_POOL_SIZE"`
}

// LoggingConfig controls structured logging (§10.1).
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// DedupeConfig controls the intent service's dedupe-fingerprint secret and
// windowing (§4.1, §9 "dedupe secret absence").
type DedupeConfig struct {
	Secret     string        `json:"-" env:"DEDUPE_SECRET"`
	Window     time.Duration `json:"window" env:"DEDUPE_WINDOW"`
	MarkerTTL  time.Duration `json:"marker_ttl" env:"DEDUPE_MARKER_TTL"`
}

// TrustConfig controls the intent service's trust gate (§4.1 step 3).
type TrustConfig struct {
	DefaultMinLevel int            `json:"default_min_level" env:"TRUST_DEFAULT_MIN_LEVEL"`
	Gates           map[string]int `json:"gates"`
}

// EscalationConfig controls the escalation service's default SLA timer
// (§4.4) when a caller submits an escalation without one.
type EscalationConfig struct {
	DefaultTimeout string `json:"default_timeout" env:"ESCALATION_DEFAULT_TIMEOUT"`
}

// SchedulerConfig controls the scheduler's cron expressions, leader lease
// timing, and cleanup retention (component 13, §4.7).
type SchedulerConfig struct {
	TimeoutSweepCron string        `json:"timeout_sweep_cron" env:"SCHEDULER_TIMEOUT_SWEEP_CRON"`
	CleanupCron      string        `json:"cleanup_cron" env:"SCHEDULER_CLEANUP_CRON"`
	SweepLimit       int           `json:"sweep_limit" env:"SCHEDULER_SWEEP_LIMIT"`
	CleanupRetention time.Duration `json:"cleanup_retention" env:"SCHEDULER_CLEANUP_RETENTION"`
	LeaseDuration    time.Duration `json:"lease_duration" env:"SCHEDULER_LEASE_DURATION"`
	RenewInterval    time.Duration `json:"renew_interval" env:"SCHEDULER_RENEW_INTERVAL"`
	ProbeInterval    time.Duration `json:"probe_interval" env:"SCHEDULER_PROBE_INTERVAL"`
}

// Config is the top-level configuration structure (§10.3). It carries no
// server/transport/tracing sub-config: those concerns are out of scope
// (§1, §13) for a repo with no HTTP surface of its own.
type Config struct {
	Database   DatabaseConfig   `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	Logging    LoggingConfig    `json:"logging"`
	Dedupe     DedupeConfig     `json:"dedupe"`
	Trust      TrustConfig      `json:"trust"`
	Escalation EscalationConfig `json:"escalation"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
}

// New returns a configuration populated with defaults, mirroring each
// component's own DefaultConfig so Load only needs to layer overrides.
func New() *Config {
	return &Config{
		Database: DatabaseConfig{
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			StatementTimeout: 5 * time.Second,
			MigrateOnStart:  true,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "controlplane",
		},
		Dedupe: DedupeConfig{
			Window:    5 * time.Minute,
			MarkerTTL: 5 * time.Minute,
		},
		Trust: TrustConfig{},
		Escalation: EscalationConfig{
			DefaultTimeout: "PT24H",
		},
		Scheduler: SchedulerConfig{
			TimeoutSweepCron: "*/5 * * * *",
			CleanupCron:      "0 2 * * *",
			SweepLimit:       100,
			CleanupRetention: 30 * 24 * time.Hour,
			LeaseDuration:    20 * time.Second,
			RenewInterval:    7 * time.Second,
			ProbeInterval:    5 * time.Second,
		},
	}
}

// Load loads configuration from an optional YAML file, then layers
// environment variables and well-known URL overrides on top.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when none of the tagged fields are
		// present in the environment; treat that as "no overrides" so
		// local runs work without exporting anything.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyURLOverrides(cfg)

	return cfg, nil
}

// LoadFile reads configuration from a YAML file, skipping the environment
// and .env layers entirely. Used by tests that want a fixed config.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyURLOverrides lets a deployment platform hand out a single
// connection URL instead of discrete host/port/user fields, mirroring the
// teacher's DATABASE_URL override in cmd/appserver.
func applyURLOverrides(cfg *Config) {
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := strings.TrimSpace(os.Getenv("REDIS_URL")); addr != "" {
		cfg.Redis.Addr = addr
	}
}
