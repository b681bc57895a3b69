// Package analytics persists the retry intelligence: learned error patterns
// and per-attempt outcomes that feed retry recommendations.
package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
)

// ErrPatternNotFound indicates no learned pattern matches the lookup key.
var ErrPatternNotFound = errors.New("error pattern not found")

// ErrorPattern is a learned classification of a recurring failure.
type ErrorPattern struct {
	ID                  string          `db:"id"`
	ErrorType           string          `db:"error_type"`
	ErrorMessage        string          `db:"error_message"`
	ServiceName         string          `db:"service_name"`
	OperationName       string          `db:"operation_name"`
	Category            string          `db:"category"`
	Severity            string          `db:"severity"`
	Retryable           bool            `db:"retryable"`
	RetrySuccessCount   int64           `db:"retry_success_count"`
	RetryFailureCount   int64           `db:"retry_failure_count"`
	SuccessRate         float64         `db:"success_rate"`
	OccurrenceCount     int64           `db:"occurrence_count"`
	RecommendedStrategy json.RawMessage `db:"recommended_strategy"`
	FirstSeenAt         time.Time       `db:"first_seen_at"`
	LastSeenAt          time.Time       `db:"last_seen_at"`
	UpdatedAt           time.Time       `db:"updated_at"`
}

// RetryAttempt is one recorded retry execution.
type RetryAttempt struct {
	ID                   string          `db:"id"`
	PatternID            string          `db:"pattern_id"`
	TaskID               string          `db:"task_id"`
	AgentID              sql.NullString  `db:"agent_id"`
	AttemptNumber        int             `db:"attempt_number"`
	Success              bool            `db:"success"`
	ExecutionTimeMs      int             `db:"execution_time_ms"`
	ErrorIfFailed        sql.NullString  `db:"error_if_failed"`
	StrategyApplied      json.RawMessage `db:"strategy_applied"`
	ModificationsApplied json.RawMessage `db:"modifications_applied"`
	CreatedAt            time.Time       `db:"created_at"`
}

// Recommendation is the ranked advice for a (type, service, operation) key.
type Recommendation struct {
	Retryable           bool            `db:"retryable"`
	SuccessRate         float64         `db:"success_rate"`
	OccurrenceCount     int64           `db:"occurrence_count"`
	RecommendedStrategy json.RawMessage `db:"recommended_strategy"`
}

// Effectiveness summarizes retry outcomes for one pattern.
type Effectiveness struct {
	ID              string    `db:"id"`
	ErrorType       string    `db:"error_type"`
	ServiceName     string    `db:"service_name"`
	OperationName   string    `db:"operation_name"`
	Retryable       bool      `db:"retryable"`
	OccurrenceCount int64     `db:"occurrence_count"`
	SuccessCount    int64     `db:"retry_success_count"`
	FailureCount    int64     `db:"retry_failure_count"`
	Effectiveness   float64   `db:"effectiveness"`
	LastSeenAt      time.Time `db:"last_seen_at"`
}

// Store wraps the retry_intelligence schema.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres via the pgx stdlib driver.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting analytics database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection. Used by tests with sqlmock.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetPattern looks up a learned pattern by its classification key.
func (s *Store) GetPattern(ctx context.Context, errorType, service, operation string) (*ErrorPattern, error) {
	var p ErrorPattern
	err := s.db.GetContext(ctx, &p, `
		SELECT * FROM retry_intelligence.error_patterns
		WHERE error_type = $1 AND service_name = $2 AND operation_name = $3`,
		errorType, service, operation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPatternNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up error pattern: %w", err)
	}
	return &p, nil
}

// RecordOccurrence upserts a pattern sighting and returns the pattern ID.
// New keys start retryable with the supplied default.
func (s *Store) RecordOccurrence(ctx context.Context, errorType, message, service, operation string, retryable bool) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO retry_intelligence.error_patterns
			(error_type, error_message, service_name, operation_name, retryable)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (error_type, service_name, operation_name) DO UPDATE SET
			occurrence_count = retry_intelligence.error_patterns.occurrence_count + 1,
			error_message    = EXCLUDED.error_message,
			last_seen_at     = now(),
			updated_at       = now()
		RETURNING id`,
		errorType, message, service, operation, retryable)
	if err != nil {
		return "", fmt.Errorf("recording error occurrence: %w", err)
	}
	return id, nil
}

// MarkRetryOutcome folds one retry result into the pattern counters and
// recomputes the success rate.
func (s *Store) MarkRetryOutcome(ctx context.Context, patternID string, success bool) error {
	var column string
	if success {
		column = "retry_success_count"
	} else {
		column = "retry_failure_count"
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE retry_intelligence.error_patterns SET
			%s = %s + 1,
			success_rate = CASE
				WHEN retry_success_count + retry_failure_count + 1 = 0 THEN 0
				ELSE (retry_success_count + CASE WHEN $2 THEN 1 ELSE 0 END)::NUMERIC
					/ (retry_success_count + retry_failure_count + 1)
			END,
			updated_at = now()
		WHERE id = $1`, column, column),
		patternID, success)
	if err != nil {
		return fmt.Errorf("marking retry outcome: %w", err)
	}
	return nil
}

// RecordAttempt persists one attempt row.
func (s *Store) RecordAttempt(ctx context.Context, a *RetryAttempt) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO retry_intelligence.retry_attempts
			(pattern_id, task_id, agent_id, attempt_number, success,
			 execution_time_ms, error_if_failed, strategy_applied, modifications_applied)
		VALUES (:pattern_id, :task_id, :agent_id, :attempt_number, :success,
			:execution_time_ms, :error_if_failed, :strategy_applied, :modifications_applied)`,
		a)
	if err != nil {
		return fmt.Errorf("recording retry attempt: %w", err)
	}
	return nil
}

// GetRecommendation consults the learned history for a classification key.
func (s *Store) GetRecommendation(ctx context.Context, errorType, service, operation string) (*Recommendation, error) {
	var r Recommendation
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM retry_intelligence.get_retry_recommendation($1, $2, $3)`,
		errorType, service, operation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPatternNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting retry recommendation: %w", err)
	}
	return &r, nil
}

// EffectivenessReport ranks patterns by retry effectiveness.
func (s *Store) EffectivenessReport(ctx context.Context, limit int) ([]Effectiveness, error) {
	var rows []Effectiveness
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM retry_intelligence.v_retry_effectiveness
		ORDER BY occurrence_count DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying retry effectiveness: %w", err)
	}
	return rows, nil
}

// CleanupOldAttempts removes attempt rows older than the 90 day retention
// window and returns the number deleted.
func (s *Store) CleanupOldAttempts(ctx context.Context) (int64, error) {
	var removed int64
	err := s.db.GetContext(ctx, &removed,
		`SELECT retry_intelligence.cleanup_old_attempts()`)
	if err != nil {
		return 0, fmt.Errorf("cleaning up retry attempts: %w", err)
	}
	return removed, nil
}
