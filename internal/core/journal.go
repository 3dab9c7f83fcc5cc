package core

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wjurkowlaniec/gdrive/internal/model"
)

// JournalManager records every pull, push and rm run together with the
// outcome of each step, so failures can be reviewed after the fact.
type JournalManager struct {
	db *sql.DB
	mu sync.Mutex
	// now is replaceable in tests.
	now func() time.Time
}

// NewJournalManager creates a new journal manager.
func NewJournalManager(db *sql.DB) *JournalManager {
	return &JournalManager{db: db, now: time.Now}
}

func (jm *JournalManager) timestamp() string {
	return jm.now().UTC().Format(time.RFC3339Nano)
}

// BeginOperation records the start of a run and returns its id.
func (jm *JournalManager) BeginOperation(ctx context.Context, opType string, payload string) (string, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	opID := uuid.New().String()

	query := `
		INSERT INTO journal (operation_id, operation_type, payload, state, created_at)
		VALUES (?, ?, ?, 'pending', ?)
	`
	_, err := jm.db.ExecContext(ctx, query, opID, opType, payload, jm.timestamp())
	if err != nil {
		return "", fmt.Errorf("failed to begin operation: %w", err)
	}

	return opID, nil
}

// RecordStep stores the outcome of one step of a run.
func (jm *JournalManager) RecordStep(ctx context.Context, step model.JournalStep) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	query := `
		INSERT INTO journal_steps (operation_id, seq, action, source, dest, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(operation_id, seq) DO UPDATE SET
			outcome = excluded.outcome,
			error = excluded.error
	`
	_, err := jm.db.ExecContext(ctx, query,
		step.OperationID, step.Seq, step.Action, step.Source, step.Dest, step.Outcome, step.Error)
	if err != nil {
		return fmt.Errorf("failed to record step: %w", err)
	}
	return nil
}

// FinishOperation closes a run with its final state and counts.
func (jm *JournalManager) FinishOperation(ctx context.Context, opID string, state model.JournalState, steps, failed int) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	query := `
		UPDATE journal SET state = ?, steps = ?, failed = ?, completed_at = ?
		WHERE operation_id = ?
	`
	res, err := jm.db.ExecContext(ctx, query, state, steps, failed, jm.timestamp(), opID)
	if err != nil {
		return fmt.Errorf("failed to finish operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operation '%s' not found", opID)
	}
	return nil
}

// ListOperations returns the most recent runs, newest first.
func (jm *JournalManager) ListOperations(ctx context.Context, limit int) ([]*model.JournalEntry, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, operation_id, operation_type, payload, state, steps, failed, created_at, completed_at
		FROM journal ORDER BY id DESC LIMIT ?
	`
	rows, err := jm.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()
	return scanJournalEntries(rows)
}

// GetPendingOperations returns runs that never finished, typically
// because the process was killed.
func (jm *JournalManager) GetPendingOperations(ctx context.Context) ([]*model.JournalEntry, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	query := `
		SELECT id, operation_id, operation_type, payload, state, steps, failed, created_at, completed_at
		FROM journal WHERE state = 'pending'
		ORDER BY id ASC
	`
	rows, err := jm.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending operations: %w", err)
	}
	defer rows.Close()
	return scanJournalEntries(rows)
}

// GetSteps returns the recorded steps of a run in plan order.
func (jm *JournalManager) GetSteps(ctx context.Context, opID string, failedOnly bool) ([]model.JournalStep, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	query := `
		SELECT operation_id, seq, action, source, dest, outcome, error
		FROM journal_steps WHERE operation_id = ?
	`
	if failedOnly {
		query += ` AND error != ''`
	}
	query += ` ORDER BY seq ASC`

	rows, err := jm.db.QueryContext(ctx, query, opID)
	if err != nil {
		return nil, fmt.Errorf("failed to get steps: %w", err)
	}
	defer rows.Close()

	var steps []model.JournalStep
	for rows.Next() {
		var s model.JournalStep
		if err := rows.Scan(&s.OperationID, &s.Seq, &s.Action, &s.Source, &s.Dest, &s.Outcome, &s.Error); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func scanJournalEntries(rows *sql.Rows) ([]*model.JournalEntry, error) {
	var entries []*model.JournalEntry
	for rows.Next() {
		var entry model.JournalEntry
		var createdAt string
		var completedAt sql.NullString
		err := rows.Scan(&entry.ID, &entry.OperationID, &entry.OperationType,
			&entry.Payload, &entry.State, &entry.Steps, &entry.Failed, &createdAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if completedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, completedAt.String)
			if err == nil {
				entry.CompletedAt = &t
			}
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
