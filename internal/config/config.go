// Package config is the central configuration struct for a groupcast
// node: JSON file plus environment-variable overrides, the same
// DefaultConfig/LoadFromFile/LoadFromEnv layering the teacher uses.
//
// Adapted from the teacher's internal/config/config.go: the
// Firecracker/Docker/Auth/RateLimit/Secrets/OutputCapture/Executor
// sections (all Nova FaaS product surface) are dropped, replaced with
// RPCConfig, PersistConfig, and GMSConfig sized for this module's
// domain; TracingConfig/MetricsConfig/LoggingConfig keep the teacher's
// shape verbatim since logging/metrics/tracing are ambient concerns
// this module carries unchanged.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// GMSConfig holds group-membership-service settings.
type GMSConfig struct {
	NodeID              string        `json:"node_id"`
	Address             string        `json:"address"`               // RPC front-door address advertised to peers
	PostgresDSN         string        `json:"postgres_dsn"`           // empty: in-memory-only membership
	RedisAddr           string        `json:"redis_addr"`             // empty: no cross-process view-change fan-out
	HeartbeatInterval   time.Duration `json:"heartbeat_interval"`     // default: 10s
	HealthCheckInterval time.Duration `json:"health_check_interval"`  // default: 30s
	HeartbeatTimeout    time.Duration `json:"heartbeat_timeout"`      // default: 60s
}

// RPCConfig holds the gRPC transport front door's settings.
type RPCConfig struct {
	ListenAddr string `json:"listen_addr"` // default: 0.0.0.0:7170
	HTTPAddr   string `json:"http_addr"`   // metrics endpoint, default: 0.0.0.0:7171
}

// PersistConfig holds the persistent log's segment/address-space sizing.
type PersistConfig struct {
	MaxLogs           int64 `json:"max_logs"`            // number of log-count slots, default: 16384
	SegmentBytes      int64 `json:"segment_bytes"`       // bytes per segment, default: 8MiB
	AddressSpaceBytes int64 `json:"address_space_bytes"` // total address space, default: 1TiB
}

// ArchiveConfig holds optional S3 cold-archive settings for persist/log tails.
type ArchiveConfig struct {
	Enabled    bool   `json:"enabled"` // default: false
	Bucket     string `json:"bucket"`
	Prefix     string `json:"prefix"`
	MaxRetries int    `json:"max_retries"` // default: 3
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`      // Default: false
	Exporter    string  `json:"exporter"`     // otlp-http (alias otlp), stdout
	Endpoint    string  `json:"endpoint"`     // localhost:4318
	ServiceName string  `json:"service_name"` // groupcast
	SampleRate  float64 `json:"sample_rate"`  // 1.0
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled"`           // Default: true
	Namespace        string    `json:"namespace"`         // groupcast
	HistogramBuckets []float64 `json:"histogram_buckets"` // Latency buckets in ms
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level          string `json:"level"`            // debug, info, warn, error
	Format         string `json:"format"`           // text, json
	IncludeTraceID bool   `json:"include_trace_id"` // Correlate with traces
}

// ObservabilityConfig holds all observability-related settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	GMS           GMSConfig           `json:"gms"`
	RPC           RPCConfig           `json:"rpc"`
	Persist       PersistConfig       `json:"persist"`
	Archive       ArchiveConfig       `json:"archive"`
	Observability ObservabilityConfig `json:"observability"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		GMS: GMSConfig{
			HeartbeatInterval:   10 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			HeartbeatTimeout:    60 * time.Second,
		},
		RPC: RPCConfig{
			ListenAddr: "0.0.0.0:7170",
			HTTPAddr:   "0.0.0.0:7171",
		},
		Persist: PersistConfig{
			MaxLogs:           16384,
			SegmentBytes:      8 << 20,
			AddressSpaceBytes: 1 << 40,
		},
		Archive: ArchiveConfig{
			Enabled:    false,
			MaxRetries: 3,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "groupcast",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "groupcast",
				HistogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			Logging: LoggingConfig{
				Level:          "info",
				Format:         "text",
				IncludeTraceID: true,
			},
		},
	}
}

// LoadFromFile loads configuration from a JSON file, starting from
// DefaultConfig so an omitted section keeps its default.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("GROUPCAST_NODE_ID"); v != "" {
		cfg.GMS.NodeID = v
	}
	if v := os.Getenv("GROUPCAST_ADDRESS"); v != "" {
		cfg.GMS.Address = v
	}
	if v := os.Getenv("GROUPCAST_PG_DSN"); v != "" {
		cfg.GMS.PostgresDSN = v
	}
	if v := os.Getenv("GROUPCAST_REDIS_ADDR"); v != "" {
		cfg.GMS.RedisAddr = v
	}
	if v := os.Getenv("GROUPCAST_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.GMS.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("GROUPCAST_HEALTH_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.GMS.HealthCheckInterval = d
		}
	}
	if v := os.Getenv("GROUPCAST_HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.GMS.HeartbeatTimeout = d
		}
	}

	if v := os.Getenv("GROUPCAST_LISTEN_ADDR"); v != "" {
		cfg.RPC.ListenAddr = v
	}
	if v := os.Getenv("GROUPCAST_HTTP_ADDR"); v != "" {
		cfg.RPC.HTTPAddr = v
	}

	if v := os.Getenv("GROUPCAST_PERSIST_MAX_LOGS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Persist.MaxLogs = n
		}
	}
	if v := os.Getenv("GROUPCAST_PERSIST_SEGMENT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Persist.SegmentBytes = n
		}
	}
	if v := os.Getenv("GROUPCAST_PERSIST_ADDRESS_SPACE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Persist.AddressSpaceBytes = n
		}
	}

	if v := os.Getenv("GROUPCAST_ARCHIVE_ENABLED"); v != "" {
		cfg.Archive.Enabled = parseBool(v)
	}
	if v := os.Getenv("GROUPCAST_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("GROUPCAST_ARCHIVE_PREFIX"); v != "" {
		cfg.Archive.Prefix = v
	}
	if v := os.Getenv("GROUPCAST_ARCHIVE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Archive.MaxRetries = n
		}
	}

	// Observability overrides
	if v := os.Getenv("GROUPCAST_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("GROUPCAST_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("GROUPCAST_TRACING_EXPORTER"); v != "" {
		cfg.Observability.Tracing.Exporter = v
	}
	if v := os.Getenv("GROUPCAST_TRACING_SERVICE_NAME"); v != "" {
		cfg.Observability.Tracing.ServiceName = v
	}
	if v := os.Getenv("GROUPCAST_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("GROUPCAST_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("GROUPCAST_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := os.Getenv("GROUPCAST_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("GROUPCAST_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("GROUPCAST_LOG_INCLUDE_TRACE_ID"); v != "" {
		cfg.Observability.Logging.IncludeTraceID = parseBool(v)
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
