package config

import "time"

// DefaultQueueConfig returns the built-in task queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxConcurrent:           1,
		MaxDepth:                100,
		TaskTTL:                 5 * time.Minute,
		HealthInterval:          30 * time.Second,
		MemoryWatermarkBytes:    0,
		GracefulShutdownTimeout: 10 * time.Minute,
	}
}

// DefaultJobsConfig returns the built-in job worker defaults.
func DefaultJobsConfig() *JobsConfig {
	return &JobsConfig{
		WorkerCount:        5,
		PollInterval:       1 * time.Second,
		PollIntervalJitter: 500 * time.Millisecond,
		HeartbeatInterval:  15 * time.Second,
		OrphanThreshold:    2 * time.Minute,
		OrphanScanInterval: 5 * time.Minute,
	}
}

// DefaultTimeoutConfig returns the per-complexity execution defaults.
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		Simple:      60 * time.Second,
		Medium:      120 * time.Second,
		Complex:     240 * time.Second,
		Extreme:     600 * time.Second,
		StallWindow: 20 * time.Second,
		HangWindow:  60 * time.Second,
	}
}

// DefaultRetryConfig returns the built-in retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:      3,
		BaseBackoff:     1 * time.Second,
		MaxRetryDelay:   30 * time.Second,
		PatternCacheTTL: 50 * time.Millisecond,
		AttemptTimeout:  0,
	}
}

// DefaultStreamConfig returns the built-in stream hub defaults.
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		PingInterval:          25 * time.Second,
		SessionGrace:          5 * time.Minute,
		SubscriptionIdleTTL:   20 * time.Minute,
		BufferSize:            256,
		BackpressureThreshold: 192,
		FlushInterval:         100 * time.Millisecond,
		WriteTimeout:          10 * time.Second,
		CompressionMinBytes:   1024,
	}
}

// DefaultSelectorConfig returns the built-in model selection defaults.
func DefaultSelectorConfig() *SelectorConfig {
	return &SelectorConfig{
		AllowFreeModels: false,
		CatalogTTL:      1 * time.Hour,
		FailureCooldown: 5 * time.Minute,
		RoleDefaults: map[string]string{
			"research":   "anthropic/claude-sonnet-4-5",
			"coding":     "anthropic/claude-sonnet-4-5",
			"review":     "openai/gpt-4o",
			"synthesis":  "anthropic/claude-opus-4-1",
			"specialist": "google/gemini-2.5-pro",
		},
	}
}

// DefaultGatewayConfig returns the built-in gateway client defaults.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		BaseURL:            "https://openrouter.ai/api/v1",
		APIKeyEnv:          "MODEL_GATEWAY_API_KEY",
		RequestTimeout:     120 * time.Second,
		BreakerMaxFailures: 5,
		BreakerCooldown:    30 * time.Second,
	}
}

// DefaultOrchestraConfig returns the built-in orchestration policy defaults.
func DefaultOrchestraConfig() *OrchestraConfig {
	return &OrchestraConfig{
		BypassMaxChars:     10,
		MaxAgents:          8,
		ContextTokenBudget: 4000,
		TerminalRetention:  5 * time.Minute,
		CleanupGrace:       10 * time.Second,
		CheckpointTTL:      1 * time.Hour,
		AgentMaxAge:        1 * time.Hour,
		AgentMaxIdle:       10 * time.Minute,
	}
}

// DefaultSystemConfig returns the built-in system defaults.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		ListenAddr: ":8085",
		RedisURL:   "redis://localhost:6379/0",
	}
}
