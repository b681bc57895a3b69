package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig wraps all validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// validate checks cross-field constraints the YAML schema cannot express.
func validate(cfg *Config) error {
	var problems []string

	q := cfg.Queue
	if q.MaxConcurrent < 1 {
		problems = append(problems, "queue.max_concurrent must be >= 1")
	}
	if q.MaxDepth < 1 {
		problems = append(problems, "queue.max_depth must be >= 1")
	}
	if q.TaskTTL <= 0 {
		problems = append(problems, "queue.task_ttl must be positive")
	}

	j := cfg.Jobs
	if j.WorkerCount < 1 {
		problems = append(problems, "jobs.worker_count must be >= 1")
	}
	if j.HeartbeatInterval >= j.OrphanThreshold {
		problems = append(problems, "jobs.heartbeat_interval must be below jobs.orphan_threshold")
	}

	t := cfg.Timeouts
	if t.StallWindow >= t.HangWindow {
		problems = append(problems, "timeouts.stall_window must be below timeouts.hang_window")
	}
	if t.Simple <= 0 || t.Medium <= 0 || t.Complex <= 0 || t.Extreme <= 0 {
		problems = append(problems, "timeouts per-complexity defaults must be positive")
	}

	r := cfg.Retry
	if r.MaxRetries < 0 {
		problems = append(problems, "retry.max_retries must be >= 0")
	}
	if r.MaxRetryDelay < r.BaseBackoff {
		problems = append(problems, "retry.max_retry_delay must be >= retry.base_backoff")
	}

	s := cfg.Stream
	if s.BackpressureThreshold > s.BufferSize {
		problems = append(problems, "stream.backpressure_threshold must not exceed stream.buffer_size")
	}
	if s.BufferSize < 1 {
		problems = append(problems, "stream.buffer_size must be >= 1")
	}

	o := cfg.Orchestra
	if o.MaxAgents < 1 {
		problems = append(problems, "orchestrator.max_agents must be >= 1")
	}
	if o.BypassMaxChars < 0 {
		problems = append(problems, "orchestrator.bypass_max_chars must be >= 0")
	}

	if cfg.Gateway.BaseURL == "" {
		problems = append(problems, "gateway.base_url must not be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %d problem(s): %v", ErrInvalidConfig, len(problems), problems)
	}
	return nil
}
