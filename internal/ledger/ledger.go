package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
)

// RunRecord is one finalized pipeline run, the master row of the audit
// ledger.
type RunRecord struct {
	Username         string
	Request          string
	Response         string
	Status           bool
	Intent           string
	Query            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	StartTime        time.Time
	EndTime          time.Time
	TimeTakenSeconds float64
}

// StepRecord is one stage of a run, written as a child row keyed to its
// master record.
type StepRecord struct {
	Type             string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	StartTime        time.Time
	EndTime          time.Time
	TimeTakenSeconds float64
}

type Recorder interface {
	RecordRun(ctx context.Context, run RunRecord) (int64, error)
	RecordSteps(ctx context.Context, masterID int64, steps []StepRecord) error
}

// Ledger is the append-only audit store. Id allocation reads the current
// maximum inside the insert transaction, serialized by a mutex so two
// concurrent runs can never claim the same id.
type Ledger struct {
	mu sync.Mutex
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	ledger := NewWithDB(db)
	if err := ledger.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ledger, nil
}

func NewWithDB(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) HealthCheck(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *Ledger) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_master (
			id BIGINT PRIMARY KEY,
			username VARCHAR,
			request VARCHAR,
			response VARCHAR,
			status BOOLEAN,
			intent VARCHAR,
			query VARCHAR,
			prompt_tokens INTEGER,
			completion_tokens INTEGER,
			total_tokens INTEGER,
			start_time TIMESTAMP,
			end_time TIMESTAMP,
			time_taken_in_seconds DOUBLE
		)`,
		`CREATE TABLE IF NOT EXISTS audit_steps (
			id BIGINT PRIMARY KEY,
			type VARCHAR,
			master_id BIGINT,
			prompt_tokens INTEGER,
			completion_tokens INTEGER,
			total_tokens INTEGER,
			start_time TIMESTAMP,
			end_time TIMESTAMP,
			time_taken_in_seconds DOUBLE
		)`,
	}
	for _, statement := range statements {
		if _, err := l.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("create ledger schema: %w", err)
		}
	}
	return nil
}

func (l *Ledger) RecordRun(ctx context.Context, run RunRecord) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var nextID int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM audit_master`).Scan(&nextID); err != nil {
		return 0, fmt.Errorf("allocate master id: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO audit_master (id, username, request, response, status, intent, query, prompt_tokens, completion_tokens, total_tokens, start_time, end_time, time_taken_in_seconds)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		nextID, run.Username, run.Request, run.Response, run.Status, run.Intent, run.Query,
		run.PromptTokens, run.CompletionTokens, run.TotalTokens,
		run.StartTime.UTC(), run.EndTime.UTC(), run.TimeTakenSeconds,
	)
	if err != nil {
		return 0, fmt.Errorf("insert master record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit master record: %w", err)
	}
	return nextID, nil
}

func (l *Ledger) RecordSteps(ctx context.Context, masterID int64, steps []StepRecord) error {
	if len(steps) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var nextID int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM audit_steps`).Scan(&nextID); err != nil {
		return fmt.Errorf("allocate step id: %w", err)
	}

	for _, step := range steps {
		_, err = tx.ExecContext(ctx, `
INSERT INTO audit_steps (id, type, master_id, prompt_tokens, completion_tokens, total_tokens, start_time, end_time, time_taken_in_seconds)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			nextID, step.Type, masterID,
			step.PromptTokens, step.CompletionTokens, step.TotalTokens,
			step.StartTime.UTC(), step.EndTime.UTC(), step.TimeTakenSeconds,
		)
		if err != nil {
			return fmt.Errorf("insert step record %q: %w", step.Type, err)
		}
		nextID++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit step records: %w", err)
	}
	return nil
}
