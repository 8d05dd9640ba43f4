// Package types - configuration data structures for the routing engine.
package types

import "time"

// Folders is the directory layout spec.md §6 requires: every path the
// engine reads from or writes into.
type Folders struct {
	Incoming   string `yaml:"incoming"`
	Outgoing   string `yaml:"outgoing"`
	Processing string `yaml:"processing"`
	Discard    string `yaml:"discard"`
	Studies    string `yaml:"studies"`
	Error      string `yaml:"error"`
}

// Config is the read-only configuration snapshot handed to the routing
// controller for one invocation (Design Notes item: "snapshot per
// invocation", carried by pkg/hotreload between invocations, never mutated
// mid-invocation).
type Config struct {
	Folders Folders           `yaml:"folders"`
	Rules   map[string]Rule   `yaml:"rules"`
	Targets map[string]Target `yaml:"targets"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
	Notify    NotifyConfig    `yaml:"notify"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Server    ServerConfig    `yaml:"server"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
}

// ServerConfig configures the daemon's small operational HTTP surface
// (health, metrics, manual trigger) — never a business-facing API.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// TelemetryConfig configures the event sink: always logs, optionally also
// fans events out to Kafka.
type TelemetryConfig struct {
	Kafka KafkaTelemetryConfig `yaml:"kafka"`
}

// KafkaTelemetryConfig configures the optional Kafka telemetry fan-out.
type KafkaTelemetryConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Brokers     []string `yaml:"brokers"`
	Topic       string   `yaml:"topic"`
	SASLUser    string   `yaml:"sasl_user"`
	SASLSecret  string   `yaml:"sasl_secret_ref"`
	Compression string   `yaml:"compression"` // "none", "snappy", "lz4"
}

// NotifyConfig configures the webhook notification sender.
type NotifyConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	RateLimitRPS  float64       `yaml:"rate_limit_rps"`
	BreakerFailN  int           `yaml:"breaker_fail_threshold"`
	BreakerReset  time.Duration `yaml:"breaker_reset"`
	DLQDirectory  string        `yaml:"dlq_directory"`
}

// CleanupConfig configures the retention sweep over staging folders and the
// minimum free-space floor the stager requires before creating one.
type CleanupConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	DiscardTTL        time.Duration `yaml:"discard_ttl"`
	ProcessingTTL     time.Duration `yaml:"processing_ttl"`
	ErrorTTL          time.Duration `yaml:"error_ttl"`
	MinFreeBytes      uint64        `yaml:"min_free_bytes"`
	ArchiveOverBytes  int64         `yaml:"archive_over_bytes"`
}

// DispatchConfig configures fan-out concurrency and the ingest worker pool.
type DispatchConfig struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	DedupeWindow   time.Duration `yaml:"dedupe_window"`
}

// DispatcherStats mirrors the teacher's operational statistics shape,
// adapted from per-log-entry counters to per-series fan-out counters.
type DispatcherStats struct {
	SeriesRouted    int64     `json:"series_routed"`
	SeriesDiscarded int64     `json:"series_discarded"`
	SeriesErrored   int64     `json:"series_errored"`
	LastRoutedAt    time.Time `json:"last_routed_at"`
}
