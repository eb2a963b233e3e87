package config

import (
	"fmt"
	"strconv"
	"time"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type envBinding struct {
	key string
	set func(string) error
}

// ApplyEnv overrides cfg from FLOWQ_* variables.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	for _, b := range envBindings(cfg) {
		v, ok := lookup(b.key)
		if !ok || v == "" {
			continue
		}
		if err := b.set(v); err != nil {
			return fmt.Errorf("%s: %w", b.key, err)
		}
	}
	return nil
}

func envBindings(cfg *Config) []envBinding {
	return []envBinding{
		{"FLOWQ_LOG_LEVEL", setString(&cfg.LogLevel)},
		{"FLOWQ_BIND", setString(&cfg.Server.Bind)},
		{"FLOWQ_DATA_DIR", setString(&cfg.Server.DataDir)},
		{"FLOWQ_SHUTDOWN_TIMEOUT", setDuration(&cfg.Server.ShutdownTimeout)},
		{"FLOWQ_RESP_BIND", setString(&cfg.Server.RESPBind)},
		{"FLOWQ_NODE_ID", setString(&cfg.Raft.NodeID)},
		{"FLOWQ_RAFT_BIND", setString(&cfg.Raft.Bind)},
		{"FLOWQ_RAFT_ADVERTISE", setString(&cfg.Raft.Advertise)},
		{"FLOWQ_RAFT_STORE", setString(&cfg.Raft.Store)},
		{"FLOWQ_BOOTSTRAP", setBool(&cfg.Raft.Bootstrap)},
		{"FLOWQ_JOIN", setString(&cfg.Raft.Join)},
		{"FLOWQ_DURABLE", setBool(&cfg.Raft.Durable)},
		{"FLOWQ_SCHEDULER_ENABLED", setBool(&cfg.Scheduler.Enabled)},
		{"FLOWQ_MAX_STALLED_COUNT", setInt(&cfg.Scheduler.MaxStalledCount)},
		{"FLOWQ_KEEP_COMPLETED", setDuration(&cfg.Scheduler.KeepCompleted)},
		{"FLOWQ_KEEP_FAILED", setDuration(&cfg.Scheduler.KeepFailed)},
		{"FLOWQ_LEASE_DURATION", setDuration(&cfg.Worker.LeaseDuration)},
		{"FLOWQ_JWT_SECRET", setString(&cfg.Auth.JWTSecret)},
		{"FLOWQ_OIDC_ISSUER", setString(&cfg.Auth.OIDCIssuer)},
		{"FLOWQ_OIDC_CLIENT_ID", setString(&cfg.Auth.OIDCClientID)},
		{"FLOWQ_RATE_LIMIT_ENABLED", setBool(&cfg.RateLimit.Enabled)},
		{"FLOWQ_TRACING_ENABLED", setBool(&cfg.Tracing.Enabled)},
		{"FLOWQ_TRACING_ENDPOINT", setString(&cfg.Tracing.Endpoint)},
		{"FLOWQ_REDIS_URL", setString(&cfg.Events.RedisURL)},
	}
}

func setString(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}
