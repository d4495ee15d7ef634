// Package config loads forged's static configuration from YAML with
// environment-variable overrides, mirroring the teacher's preference
// for plain structs decoded with gopkg.in/yaml.v3 over a config
// framework.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forge-cluster/forge/internal/types"
)

// Config is the full set of spec §6 configuration knobs for a node.
type Config struct {
	NodeID               string        `yaml:"node_id"`
	BindAddr             string        `yaml:"bind_addr"`
	DataDir              string        `yaml:"data_dir"`
	JoinAddr             string        `yaml:"join_addr"`
	JoinToken            string        `yaml:"join_token"`
	Ephemeral            bool          `yaml:"ephemeral"`
	AutoApproveEphemeral bool          `yaml:"auto_approve_ephemeral"`
	AutoApproveTags      []string      `yaml:"auto_approve_tags"`
	HeartbeatIntervalMs  int64         `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs   int64         `yaml:"heartbeat_timeout_ms"`
	EphemeralCleanupTTLMs int64        `yaml:"ephemeral_cleanup_ttl_ms"`
	SchedulerTieBreak    string        `yaml:"scheduler_tie_break"`
	ConditionTimeoutMs   int64         `yaml:"condition_timeout_ms"`

	RetryDefaultMaxRetries       int     `yaml:"retry_default_max_retries"`
	RetryDefaultBackoffMs        int64   `yaml:"retry_default_backoff_ms"`
	RetryDefaultBackoffMultiplier float64 `yaml:"retry_default_backoff_multiplier"`
	RetryDefaultRetryable        bool    `yaml:"retry_default_retryable"`

	ElectionTimeoutMinMs int64 `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMs int64 `yaml:"election_timeout_max_ms"`

	DispatchStreamBufferBytes int64 `yaml:"dispatch_stream_buffer_bytes"`

	LogLevel    string        `yaml:"log_level"`
	LogJSON     bool          `yaml:"log_json"`
	MetricsAddr string        `yaml:"metrics_addr"`
	HealthAddr  string        `yaml:"health_addr"`
	PluginDir   string        `yaml:"plugin_dir"`
	Plugins     []PluginEntry `yaml:"plugins"`
}

// PluginEntry describes one plugin configured for the loader. Kind
// selects which registered Factory builds it; Path is carried for
// plugins that load external resources (scripts, binaries) but is not
// interpreted by the loader itself.
type PluginEntry struct {
	Name    string            `yaml:"name"`
	Kind    string            `yaml:"kind"`
	Path    string            `yaml:"path"`
	Enabled bool              `yaml:"enabled"`
	Options map[string]string `yaml:"options,omitempty"`
}

// Default returns a Config populated with the spec's documented
// defaults.
func Default() Config {
	return Config{
		BindAddr:              "0.0.0.0:7780",
		DataDir:               "/var/lib/forged",
		HeartbeatIntervalMs:   2000,
		HeartbeatTimeoutMs:    10000,
		EphemeralCleanupTTLMs: 300000,
		SchedulerTieBreak:     "lexicographic",
		ConditionTimeoutMs:    100,

		RetryDefaultMaxRetries:        3,
		RetryDefaultBackoffMs:         1000,
		RetryDefaultBackoffMultiplier: 2.0,
		RetryDefaultRetryable:         true,

		ElectionTimeoutMinMs: 150,
		ElectionTimeoutMaxMs: 500,

		DispatchStreamBufferBytes: 1 << 20,

		LogLevel:    "info",
		MetricsAddr: "127.0.0.1:9780",
		HealthAddr:  "127.0.0.1:9781",
	}
}

// Load reads a YAML config file, applies FORGE_-prefixed environment
// overrides on top, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	strField := func(env string, dst *string) {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}
	boolField := func(env string, dst *bool) {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}
	int64Field := func(env string, dst *int64) {
		if v, ok := os.LookupEnv(env); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	intField := func(env string, dst *int) {
		if v, ok := os.LookupEnv(env); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	floatField := func(env string, dst *float64) {
		if v, ok := os.LookupEnv(env); ok {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = n
			}
		}
	}

	strField("FORGE_NODE_ID", &cfg.NodeID)
	strField("FORGE_BIND_ADDR", &cfg.BindAddr)
	strField("FORGE_DATA_DIR", &cfg.DataDir)
	strField("FORGE_JOIN_ADDR", &cfg.JoinAddr)
	strField("FORGE_JOIN_TOKEN", &cfg.JoinToken)
	boolField("FORGE_EPHEMERAL", &cfg.Ephemeral)
	boolField("FORGE_AUTO_APPROVE_EPHEMERAL", &cfg.AutoApproveEphemeral)
	int64Field("FORGE_HEARTBEAT_INTERVAL_MS", &cfg.HeartbeatIntervalMs)
	int64Field("FORGE_HEARTBEAT_TIMEOUT_MS", &cfg.HeartbeatTimeoutMs)
	int64Field("FORGE_EPHEMERAL_CLEANUP_TTL_MS", &cfg.EphemeralCleanupTTLMs)
	strField("FORGE_SCHEDULER_TIE_BREAK", &cfg.SchedulerTieBreak)
	int64Field("FORGE_CONDITION_TIMEOUT_MS", &cfg.ConditionTimeoutMs)
	intField("FORGE_RETRY_DEFAULT_MAX_RETRIES", &cfg.RetryDefaultMaxRetries)
	int64Field("FORGE_RETRY_DEFAULT_BACKOFF_MS", &cfg.RetryDefaultBackoffMs)
	floatField("FORGE_RETRY_DEFAULT_BACKOFF_MULTIPLIER", &cfg.RetryDefaultBackoffMultiplier)
	boolField("FORGE_RETRY_DEFAULT_RETRYABLE", &cfg.RetryDefaultRetryable)
	int64Field("FORGE_ELECTION_TIMEOUT_MIN_MS", &cfg.ElectionTimeoutMinMs)
	int64Field("FORGE_ELECTION_TIMEOUT_MAX_MS", &cfg.ElectionTimeoutMaxMs)
	int64Field("FORGE_DISPATCH_STREAM_BUFFER_BYTES", &cfg.DispatchStreamBufferBytes)
	strField("FORGE_LOG_LEVEL", &cfg.LogLevel)
	boolField("FORGE_LOG_JSON", &cfg.LogJSON)
	strField("FORGE_METRICS_ADDR", &cfg.MetricsAddr)
	strField("FORGE_HEALTH_ADDR", &cfg.HealthAddr)
	if v, ok := os.LookupEnv("FORGE_AUTO_APPROVE_TAGS"); ok && v != "" {
		cfg.AutoApproveTags = strings.Split(v, ",")
	}
}

// Validate checks the config for the minimum set of fields needed to
// start a node.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.HeartbeatTimeoutMs <= c.HeartbeatIntervalMs {
		return fmt.Errorf("config: heartbeat_timeout_ms must exceed heartbeat_interval_ms")
	}
	return nil
}

// HeartbeatInterval returns the configured heartbeat interval as a
// time.Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// HeartbeatTimeout returns the configured heartbeat timeout as a
// time.Duration.
func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}

// ConditionTimeout returns the configured condition-evaluation timeout.
func (c Config) ConditionTimeout() time.Duration {
	if c.ConditionTimeoutMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.ConditionTimeoutMs) * time.Millisecond
}

// EphemeralCleanupTTL returns the grace period an ephemeral node may
// stay offline before membership removes it outright, rather than
// waiting for an operator to approve rejoin.
func (c Config) EphemeralCleanupTTL() time.Duration {
	return time.Duration(c.EphemeralCleanupTTLMs) * time.Millisecond
}

// RetryDefault returns the retry policy applied to submitted tasks and
// workflow task definitions that don't specify their own.
func (c Config) RetryDefault() types.RetryPolicy {
	return types.RetryPolicy{
		MaxRetries:        c.RetryDefaultMaxRetries,
		BackoffMs:         c.RetryDefaultBackoffMs,
		BackoffMultiplier: c.RetryDefaultBackoffMultiplier,
		Retryable:         c.RetryDefaultRetryable,
	}
}

// ElectionTimeoutMin returns the lower bound of the Raft election
// timeout range.
func (c Config) ElectionTimeoutMin() time.Duration {
	return time.Duration(c.ElectionTimeoutMinMs) * time.Millisecond
}

// ElectionTimeoutMax returns the upper bound of the Raft election
// timeout range.
func (c Config) ElectionTimeoutMax() time.Duration {
	return time.Duration(c.ElectionTimeoutMaxMs) * time.Millisecond
}
