// Package usage persists per-execution outcome records to SQLite for
// offline accounting.
package usage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/crew-dev/crewd/internal/common/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS execution_usage (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id  TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	provider      TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens  INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	recorded_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_usage_session ON execution_usage(session_id);
`

// Record is one execution's accounting row.
type Record struct {
	ExecutionID  string    `db:"execution_id"`
	SessionID    string    `db:"session_id"`
	Provider     string    `db:"provider"`
	InputTokens  int64     `db:"input_tokens"`
	OutputTokens int64     `db:"output_tokens"`
	TotalTokens  int64     `db:"total_tokens"`
	CostUSD      float64   `db:"cost_usd"`
	DurationMS   int64     `db:"duration_ms"`
	Status       string    `db:"status"`
	RecordedAt   time.Time `db:"recorded_at"`
}

// Recorder writes usage rows. A nil Recorder is valid and records nothing.
type Recorder struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewRecorder opens (and migrates) the usage database. An empty path
// disables recording and returns a nil recorder.
func NewRecorder(path string, log *logger.Logger) (*Recorder, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create usage db dir: %w", err)
	}

	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open usage db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate usage db: %w", err)
	}

	return &Recorder{
		db:     db,
		logger: log.WithFields(zap.String("component", "usage")),
	}, nil
}

// Write inserts one record. Failures are logged, not propagated: accounting
// must never fail an execution.
func (r *Recorder) Write(ctx context.Context, rec Record) {
	if r == nil {
		return
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO execution_usage
			(execution_id, session_id, provider, input_tokens, output_tokens,
			 total_tokens, cost_usd, duration_ms, status, recorded_at)
		VALUES
			(:execution_id, :session_id, :provider, :input_tokens, :output_tokens,
			 :total_tokens, :cost_usd, :duration_ms, :status, :recorded_at)`, rec)
	if err != nil {
		r.logger.Warn("failed to record usage",
			zap.String("execution_id", rec.ExecutionID),
			zap.Error(err))
	}
}

// SessionTotals sums tokens and cost over one session's executions.
func (r *Recorder) SessionTotals(ctx context.Context, sessionID string) (totalTokens int64, costUSD float64, err error) {
	if r == nil {
		return 0, 0, nil
	}
	row := r.db.QueryRowxContext(ctx, `
		SELECT COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM execution_usage WHERE session_id = ?`, sessionID)
	if err := row.Scan(&totalTokens, &costUSD); err != nil {
		return 0, 0, fmt.Errorf("failed to query session totals: %w", err)
	}
	return totalTokens, costUSD, nil
}

// Close releases the database handle.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.db.Close()
}
