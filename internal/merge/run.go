package merge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lherron/revmerge/internal/domain"
)

// Result accumulates the outcomes of one batch in processing order
type Result struct {
	RunID      string                `json:"run_id"`
	DryRun     bool                  `json:"dry_run"`
	Successes  []domain.MergeOutcome `json:"successes"`
	Failures   []domain.MergeOutcome `json:"failures"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	// Interrupted is set when the context was cancelled before every pair ran
	Interrupted bool `json:"interrupted,omitempty"`
	// NotAttempted lists pairs left unprocessed by an interruption
	NotAttempted []domain.DuplicatePair `json:"not_attempted,omitempty"`
}

// Attempted returns the number of pairs that produced an outcome
func (r *Result) Attempted() int {
	return len(r.Successes) + len(r.Failures)
}

// Run processes pairs strictly one after another. A failed pair never stops
// the batch; a cancelled context does, after the pair in flight finishes.
func (o *Orchestrator) Run(ctx context.Context, pairs []domain.DuplicatePair) *Result {
	result := &Result{
		RunID:     o.opts.RunID,
		DryRun:    o.opts.DryRun,
		StartedAt: o.opts.Now().UTC(),
	}

	o.logger.Info("merge: starting batch",
		zap.Int("pairs", len(pairs)),
		zap.Bool("dry_run", o.opts.DryRun),
		zap.String("strategy", o.opts.Strategy))

	for i, pair := range pairs {
		if ctx.Err() != nil {
			result.Interrupted = true
			result.NotAttempted = append(result.NotAttempted, pairs[i:]...)
			o.logger.Warn("merge: batch interrupted",
				zap.Int("remaining", len(pairs)-i),
				zap.Error(ctx.Err()))
			break
		}

		outcome := o.Process(ctx, pair)
		o.journal(ctx, outcome)
		if outcome.Success {
			result.Successes = append(result.Successes, outcome)
		} else {
			result.Failures = append(result.Failures, outcome)
		}
	}

	result.FinishedAt = o.opts.Now().UTC()
	o.logger.Info("merge: batch complete",
		zap.Int("succeeded", len(result.Successes)),
		zap.Int("failed", len(result.Failures)),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)))
	return result
}
