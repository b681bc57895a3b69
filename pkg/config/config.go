// Package config loads and validates the nexus configuration from a config
// directory (nexus.yaml + .env) with environment expansion and built-in
// defaults merged underneath user values.
package config

import "time"

// Config is the umbrella configuration object returned by Initialize and
// passed to every component at wiring time.
type Config struct {
	configDir string

	System    *SystemConfig    `yaml:"system"`
	Queue     *QueueConfig     `yaml:"queue"`
	Jobs      *JobsConfig      `yaml:"jobs"`
	Timeouts  *TimeoutConfig   `yaml:"timeouts"`
	Retry     *RetryConfig     `yaml:"retry"`
	Stream    *StreamConfig    `yaml:"stream"`
	Selector  *SelectorConfig  `yaml:"selector"`
	Gateway   *GatewayConfig   `yaml:"gateway"`
	Orchestra *OrchestraConfig `yaml:"orchestrator"`
}

// SystemConfig groups system-wide infrastructure settings.
type SystemConfig struct {
	// ListenAddr is the HTTP/WebSocket bind address.
	ListenAddr string `yaml:"listen_addr"`

	// RedisURL is the connection string for the job store backing Redis.
	RedisURL string `yaml:"redis_url"`

	// AnalyticsDSN is the PostgreSQL DSN for the retry analytics store.
	// Empty disables pattern persistence (defaults-only retry analysis).
	AnalyticsDSN string `yaml:"analytics_dsn"`

	// AllowedWSOrigins restricts WebSocket upgrade origins. Empty allows all.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// QueueConfig controls the in-process task queue and its admission policy.
type QueueConfig struct {
	// MaxConcurrent is the number of orchestrations processed at once.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxDepth bounds the number of admitted-but-unstarted tasks.
	MaxDepth int `yaml:"max_depth"`

	// TaskTTL evicts tasks that sat in the queue longer than this.
	TaskTTL time.Duration `yaml:"task_ttl"`

	// HealthInterval is how often the eviction sweep runs.
	HealthInterval time.Duration `yaml:"health_interval"`

	// MemoryWatermarkBytes rejects new admissions when the process heap
	// exceeds this threshold. Zero disables the check.
	MemoryWatermarkBytes uint64 `yaml:"memory_watermark_bytes"`

	// GracefulShutdownTimeout is the max wait for in-flight tasks on shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// JobsConfig controls the durable FIFO job workers.
type JobsConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod.
	WorkerCount int `yaml:"worker_count"`

	// PollInterval is the base interval for reserving pending jobs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter randomizes poll timing to avoid thundering herds.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// HeartbeatInterval is how often a worker refreshes its job claim.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// OrphanThreshold is how long a claimed job can go without a heartbeat
	// before it is re-queued.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`

	// OrphanScanInterval is how often the orphan sweep runs.
	OrphanScanInterval time.Duration `yaml:"orphan_scan_interval"`
}

// TimeoutConfig holds the per-complexity execution time defaults and the
// adaptive stall/hang windows.
type TimeoutConfig struct {
	Simple  time.Duration `yaml:"simple"`
	Medium  time.Duration `yaml:"medium"`
	Complex time.Duration `yaml:"complex"`
	Extreme time.Duration `yaml:"extreme"`

	// StallWindow is the base no-progress window before a stall signal.
	// Scaled up for higher complexities.
	StallWindow time.Duration `yaml:"stall_window"`

	// HangWindow is the base no-progress window before a hung signal.
	// Always larger than StallWindow.
	HangWindow time.Duration `yaml:"hang_window"`
}

// RetryConfig controls the intelligent retry executor.
type RetryConfig struct {
	MaxRetries int `yaml:"max_retries"`

	// BaseBackoff is the initial delay for exponential backoff.
	BaseBackoff time.Duration `yaml:"base_backoff"`

	// MaxRetryDelay caps any single backoff sleep.
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`

	// PatternCacheTTL bounds how stale a cached error pattern may be.
	PatternCacheTTL time.Duration `yaml:"pattern_cache_ttl"`

	// AttemptTimeout is the per-attempt execution deadline. Zero inherits
	// the caller's context deadline.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// StreamConfig controls the WebSocket fan-out hub.
type StreamConfig struct {
	// PingInterval is how often the hub pings idle sessions.
	PingInterval time.Duration `yaml:"ping_interval"`

	// SessionGrace is how long a disconnected session (and its one-shot
	// reconnect token) remains restorable.
	SessionGrace time.Duration `yaml:"session_grace"`

	// SubscriptionIdleTTL evicts subscriptions with no activity.
	SubscriptionIdleTTL time.Duration `yaml:"subscription_idle_ttl"`

	// BufferSize is the per-session bounded outbound buffer.
	BufferSize int `yaml:"buffer_size"`

	// BackpressureThreshold is the buffered-frame count beyond which writes
	// take the slow path and a backpressure signal is emitted.
	BackpressureThreshold int `yaml:"backpressure_threshold"`

	// FlushInterval drives the buffered writer loop.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// WriteTimeout bounds a single WebSocket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// CompressionMinBytes enables per-message compression at this size.
	CompressionMinBytes int `yaml:"compression_min_bytes"`
}

// SelectorConfig controls model selection behavior.
type SelectorConfig struct {
	// AllowFreeModels opts in to zero-priced models (filtered out by default).
	AllowFreeModels bool `yaml:"allow_free_models"`

	// CatalogTTL is how long a fetched model catalog is cached. A stale
	// catalog is served if a refresh fails.
	CatalogTTL time.Duration `yaml:"catalog_ttl"`

	// FailureCooldown is how long a failed model is avoided (sliding).
	FailureCooldown time.Duration `yaml:"failure_cooldown"`

	// RoleDefaults maps agent roles to fallback model IDs used when
	// diversity selection fails.
	RoleDefaults map[string]string `yaml:"role_defaults"`
}

// GatewayConfig configures the LLM gateway HTTP client.
type GatewayConfig struct {
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the gateway key.
	APIKeyEnv string `yaml:"api_key_env"`

	RequestTimeout time.Duration `yaml:"request_timeout"`

	// BreakerMaxFailures opens the per-provider circuit after this many
	// consecutive failures.
	BreakerMaxFailures int `yaml:"breaker_max_failures"`

	// BreakerCooldown is how long an open circuit stays open.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// OrchestraConfig holds orchestration policy knobs.
type OrchestraConfig struct {
	// BypassMaxChars routes inputs at or under this length straight to a
	// single gateway call, skipping the multi-agent path.
	BypassMaxChars int `yaml:"bypass_max_chars"`

	// MaxAgents caps the cohort size regardless of generator output.
	MaxAgents int `yaml:"max_agents"`

	// ContextTokenBudget caps retrieval context synthesized from memory.
	ContextTokenBudget int `yaml:"context_token_budget"`

	// TerminalRetention keeps terminal task entries queryable before removal.
	TerminalRetention time.Duration `yaml:"terminal_retention"`

	// CleanupGrace delays memory cleanup after a terminal transition so
	// subscribers receive final events first.
	CleanupGrace time.Duration `yaml:"cleanup_grace"`

	// CheckpointTTL bounds how long a pending checkpoint survives.
	CheckpointTTL time.Duration `yaml:"checkpoint_ttl"`

	// AgentMaxAge evicts pooled agents older than this.
	AgentMaxAge time.Duration `yaml:"agent_max_age"`

	// AgentMaxIdle evicts pooled agents inactive for this long.
	AgentMaxIdle time.Duration `yaml:"agent_max_idle"`
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Stats contains statistics about loaded configuration, for startup logging.
type Stats struct {
	RoleDefaults int
	WSOrigins    int
}

// Stats returns configuration statistics for logging/monitoring.
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.Selector != nil {
		s.RoleDefaults = len(c.Selector.RoleDefaults)
	}
	if c.System != nil {
		s.WSOrigins = len(c.System.AllowedWSOrigins)
	}
	return s
}
