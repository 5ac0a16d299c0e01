package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lherron/revmerge/internal/domain"
)

// Attempt is one journaled pair outcome
type Attempt struct {
	ID              int64                `json:"id" yaml:"id"`
	RunID           string               `json:"run_id" yaml:"run_id"`
	Key             domain.PairKey       `json:"pair" yaml:"pair"`
	Email           string               `json:"email" yaml:"email"`
	Success         bool                 `json:"success" yaml:"success"`
	DryRun          bool                 `json:"dry_run" yaml:"dry_run"`
	Step            domain.MergeStep     `json:"step" yaml:"step"`
	Error           string               `json:"error,omitempty" yaml:"error,omitempty"`
	ReconcileFailed bool                 `json:"reconcile_failed" yaml:"reconcile_failed"`
	StartedAt       time.Time            `json:"started_at" yaml:"started_at"`
	FinishedAt      time.Time            `json:"finished_at" yaml:"finished_at"`
	Outcome         *domain.MergeOutcome `json:"-" yaml:"-"`
}

// LogAttempt appends an outcome to the attempt journal
func (l *Ledger) LogAttempt(ctx context.Context, runID string, outcome domain.MergeOutcome) error {
	payload, err := nullableJSON(outcome)
	if err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}
	key := outcome.Pair.Key()
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO merge_attempts (run_id, authoritative_id, retiring_id, email, success, dry_run,
			step, error, reconcile_failed, payload, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, key.AuthoritativeID, key.RetiringID, outcome.Pair.Email(),
		boolInt(outcome.Success), boolInt(outcome.DryRun), string(outcome.Step), outcome.Error,
		boolInt(outcome.ReconcileFailed), payload,
		outcome.StartedAt.UTC().Format(timeLayout), outcome.FinishedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to journal attempt for %s: %w", key, err)
	}
	return nil
}

const attemptColumns = `id, run_id, authoritative_id, retiring_id, email, success, dry_run,
	step, error, reconcile_failed, payload, started_at, finished_at`

// Attempts returns the most recent journal entries, newest first. A limit of
// zero or less returns everything.
func (l *Ledger) Attempts(ctx context.Context, limit int) ([]Attempt, error) {
	query := "SELECT " + attemptColumns + " FROM merge_attempts ORDER BY id DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return l.queryAttempts(ctx, query, args...)
}

// PairAttempts returns every journal entry for one pair, oldest first
func (l *Ledger) PairAttempts(ctx context.Context, authoritativeID, retiringID string) ([]Attempt, error) {
	return l.queryAttempts(ctx,
		"SELECT "+attemptColumns+" FROM merge_attempts WHERE authoritative_id = ? AND retiring_id = ? ORDER BY id",
		authoritativeID, retiringID)
}

// PendingReconciles returns, per pair, the latest non-dry-run attempt when
// that attempt left the identity reference unreconciled
func (l *Ledger) PendingReconciles(ctx context.Context) ([]Attempt, error) {
	return l.queryAttempts(ctx, `
		SELECT `+attemptColumns+` FROM merge_attempts
		WHERE id IN (
			SELECT MAX(id) FROM merge_attempts WHERE dry_run = 0
			GROUP BY authoritative_id, retiring_id
		)
		AND reconcile_failed = 1
		ORDER BY id
	`)
}

func (l *Ledger) queryAttempts(ctx context.Context, query string, args ...any) ([]Attempt, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var (
			a                               Attempt
			step, started, finished         string
			success, dryRun, reconcileFails int
			payload                         sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.Key.AuthoritativeID, &a.Key.RetiringID, &a.Email,
			&success, &dryRun, &step, &a.Error, &reconcileFails, &payload, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Success = success != 0
		a.DryRun = dryRun != 0
		a.ReconcileFailed = reconcileFails != 0
		a.Step = domain.MergeStep(step)
		a.StartedAt = parseTime(started)
		a.FinishedAt = parseTime(finished)
		if payload.Valid && payload.String != "" {
			var outcome domain.MergeOutcome
			if err := json.Unmarshal([]byte(payload.String), &outcome); err == nil {
				a.Outcome = &outcome
			}
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return attempts, nil
}
