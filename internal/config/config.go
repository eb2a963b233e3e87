// Package config loads server settings from a YAML file and FLOWQ_*
// environment variables. Command-line flags are applied on top by the
// caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Server    ServerConfig    `yaml:"server"`
	Raft      RaftConfig      `yaml:"raft"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Events    EventsConfig    `yaml:"events"`
}

type ServerConfig struct {
	Bind            string        `yaml:"bind"`
	DataDir         string        `yaml:"data_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	// RESPBind enables the line protocol listener when set.
	RESPBind string `yaml:"resp_bind"`
}

type RaftConfig struct {
	NodeID            string        `yaml:"node_id"`
	Bind              string        `yaml:"bind"`
	Advertise         string        `yaml:"advertise"`
	Store             string        `yaml:"store"`
	Bootstrap         bool          `yaml:"bootstrap"`
	Join              string        `yaml:"join"`
	Durable           bool          `yaml:"durable"`
	ApplyTimeout      time.Duration `yaml:"apply_timeout"`
	MaxPending        int           `yaml:"max_pending"`
	SnapshotThreshold uint64        `yaml:"snapshot_threshold"`
	SQLiteMirror      bool          `yaml:"sqlite_mirror"`
}

type SchedulerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
	MaxStalledCount int           `yaml:"max_stalled_count"`
	KeepCompleted   time.Duration `yaml:"keep_completed"`
	KeepFailed      time.Duration `yaml:"keep_failed"`
}

type WorkerConfig struct {
	LeaseDuration time.Duration `yaml:"lease_duration"`
}

type AuthConfig struct {
	// JWTSecret enables HS256 bearer tokens when set.
	JWTSecret    string `yaml:"jwt_secret"`
	OIDCIssuer   string `yaml:"oidc_issuer"`
	OIDCClientID string `yaml:"oidc_client_id"`
}

type RateLimitConfig struct {
	Enabled    bool    `yaml:"enabled"`
	ReadRPS    float64 `yaml:"read_rps"`
	ReadBurst  int     `yaml:"read_burst"`
	WriteRPS   float64 `yaml:"write_rps"`
	WriteBurst int     `yaml:"write_burst"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

type EventsConfig struct {
	RedisURL     string `yaml:"redis_url"`
	StreamPrefix string `yaml:"stream_prefix"`
	StreamMaxLen int64  `yaml:"stream_max_len"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Bind:            ":8080",
			DataDir:         "data",
			ShutdownTimeout: 5 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Raft: RaftConfig{
			NodeID:       "node-1",
			Bind:         ":9400",
			Store:        "bolt",
			Bootstrap:    true,
			ApplyTimeout: 10 * time.Second,
			MaxPending:   4096,
			SQLiteMirror: true,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			Interval:        time.Second,
			ReclaimInterval: 5 * time.Second,
			MaxStalledCount: 1,
			KeepCompleted:   7 * 24 * time.Hour,
			KeepFailed:      14 * 24 * time.Hour,
		},
		Worker: WorkerConfig{LeaseDuration: 30 * time.Second},
		RateLimit: RateLimitConfig{
			Enabled:    true,
			ReadRPS:    2000,
			ReadBurst:  4000,
			WriteRPS:   1000,
			WriteBurst: 2000,
		},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Parse(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML into cfg, keeping values the document leaves out.
// Unknown keys are rejected.
func Parse(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Raft.Store {
	case "bolt", "badger", "pebble":
	default:
		return fmt.Errorf("raft.store must be bolt, badger or pebble, got %q", c.Raft.Store)
	}
	if c.Server.DataDir == "" {
		return fmt.Errorf("server.data_dir is required")
	}
	if c.Scheduler.MaxStalledCount < 0 {
		return fmt.Errorf("scheduler.max_stalled_count must be >= 0")
	}
	if c.RateLimit.Enabled && (c.RateLimit.ReadRPS <= 0 || c.RateLimit.WriteRPS <= 0) {
		return fmt.Errorf("rate_limit rps must be > 0 when enabled")
	}
	if (c.Auth.OIDCIssuer == "") != (c.Auth.OIDCClientID == "") {
		return fmt.Errorf("auth.oidc_issuer and auth.oidc_client_id must be set together")
	}
	return nil
}

// Marshal renders cfg as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
