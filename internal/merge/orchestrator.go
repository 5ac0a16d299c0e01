// Package merge runs the per-pair merge state machine and the sequential
// batch loop around it.
//
// For the default strategy each pair moves through
//
//	preview → backup → verify-backup → ledger-check → merge → verify-merge →
//	reconcile-identity-ref → record-progress → done
//
// stopping at the first step that fails. Backup and merge failures abort the
// pair before anything is recorded. Verification mismatches and a failed
// identity reconciliation are kept as warnings on an otherwise successful
// outcome.
package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lherron/revmerge/internal/backup"
	"github.com/lherron/revmerge/internal/config"
	"github.com/lherron/revmerge/internal/devrev"
	"github.com/lherron/revmerge/internal/domain"
)

// Store is the write side of the record store
type Store interface {
	GetRecord(ctx context.Context, id string) (*devrev.RevUser, error)
	UpdateRecord(ctx context.Context, id string, update devrev.RecordUpdate) error
	MergeRecords(ctx context.Context, primaryID, secondaryID string) error
	DeleteRecord(ctx context.Context, id string) error
}

// Backuper captures a record before it is touched
type Backuper interface {
	Capture(ctx context.Context, record domain.ContactRecord) (*backup.Snapshot, error)
}

// Ledger tracks processed pairs
type Ledger interface {
	IsProcessed(authoritativeID, retiringID string) bool
	MarkProcessed(ctx context.Context, authoritativeID, retiringID string) error
}

// Journal records every outcome; optional
type Journal interface {
	LogAttempt(ctx context.Context, runID string, outcome domain.MergeOutcome) error
}

// Options configures an Orchestrator
type Options struct {
	DryRun      bool
	SettleDelay time.Duration
	// Strategy is config.StrategyMerge (default) or config.StrategyDelete
	Strategy string
	RunID    string
	Journal  Journal

	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Orchestrator merges duplicate pairs one at a time
type Orchestrator struct {
	store   Store
	backups Backuper
	ledger  Ledger
	logger  *zap.Logger
	opts    Options
}

// New creates an orchestrator
func New(store Store, backups Backuper, ledger Ledger, logger *zap.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Strategy == "" {
		opts.Strategy = config.StrategyMerge
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{store: store, backups: backups, ledger: ledger, logger: logger, opts: opts}
}

// pairRun carries the state of one Process call
type pairRun struct {
	o       *Orchestrator
	ctx     context.Context
	pair    domain.DuplicatePair
	outcome domain.MergeOutcome
	logger  *zap.Logger
}

func (o *Orchestrator) newRun(ctx context.Context, pair domain.DuplicatePair) *pairRun {
	return &pairRun{
		o:    o,
		ctx:  ctx,
		pair: pair,
		outcome: domain.MergeOutcome{
			Pair:              pair,
			DryRun:            o.opts.DryRun,
			IdentityRefBefore: pair.Authoritative.IdentityRef,
			IdentityRefAfter:  pair.Authoritative.IdentityRef,
			TicketCountBefore: pair.Authoritative.TicketCount,
			TicketCountAfter:  pair.Authoritative.TicketCount,
			StartedAt:         o.opts.Now().UTC(),
		},
		logger: o.logger.With(
			zap.String("email", pair.Email()),
			zap.String("authoritative_id", pair.Authoritative.ID),
			zap.String("retiring_id", pair.Retiring.ID)),
	}
}

// Process runs the state machine for one pair. It never panics on remote
// failure; every exit is described by the returned outcome.
func (o *Orchestrator) Process(ctx context.Context, pair domain.DuplicatePair) domain.MergeOutcome {
	run := o.newRun(ctx, pair)

	run.logger.Info("merge: processing pair",
		zap.String("authoritative_ref", pair.Authoritative.IdentityRef),
		zap.String("retiring_ref", pair.Retiring.IdentityRef),
		zap.String("strategy", o.opts.Strategy))

	if o.opts.Strategy == config.StrategyDelete {
		run.deleteStrategy()
	} else {
		run.mergeStrategy()
	}

	run.outcome.FinishedAt = o.opts.Now().UTC()
	return run.outcome
}

func (r *pairRun) mergeStrategy() {
	if r.preview() || !r.backup() || r.alreadyProcessed() {
		return
	}
	if !r.merge() {
		return
	}
	r.verifyMerge()
	r.reconcile(false)
	r.recordProgress()
}

// deleteStrategy updates the authoritative identity reference first and only
// then deletes the retiring record, so reconciliation is fatal here
func (r *pairRun) deleteStrategy() {
	if r.preview() || !r.backup() || r.alreadyProcessed() {
		return
	}
	if !r.reconcile(true) {
		return
	}
	if !r.delete() {
		return
	}
	r.verifyMerge()
	r.recordProgress()
}

func (r *pairRun) fail(step domain.MergeStep, err error, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	r.outcome.Success = false
	r.outcome.Step = step
	r.outcome.Error = msg
	r.logger.Error("merge: pair failed", zap.String("step", string(step)), zap.Error(err), zap.String("reason", msg))
}

func (r *pairRun) warn(step domain.MergeStep, msg string) {
	r.outcome.Warnings = append(r.outcome.Warnings, msg)
	r.logger.Warn("merge: "+msg, zap.String("step", string(step)))
}

func (r *pairRun) succeed(step domain.MergeStep) {
	r.outcome.Success = true
	r.outcome.Step = step
}

func (r *pairRun) preview() bool {
	if !r.o.opts.DryRun {
		return false
	}
	actions := []string{
		"capture backups of both records",
		fmt.Sprintf("set external_ref of %s to %q", r.pair.Authoritative.ID, r.pair.Retiring.IdentityRef),
	}
	if r.o.opts.Strategy == config.StrategyDelete {
		actions = append(actions, fmt.Sprintf("delete %s", r.pair.Retiring.ID))
	} else {
		actions = append([]string{actions[0], fmt.Sprintf("merge %s into %s", r.pair.Retiring.ID, r.pair.Authoritative.ID)}, actions[1:]...)
	}
	// a preview reports the values a live run would leave behind
	r.outcome.IdentityRefAfter = r.pair.Retiring.IdentityRef
	r.outcome.TicketCountAfter = r.pair.CombinedTicketCount()
	r.logger.Info("merge: dry run, no changes made",
		zap.Strings("would", actions),
		zap.Int("final_ticket_count", r.pair.CombinedTicketCount()))
	r.succeed(domain.StepPreview)
	return true
}

func (r *pairRun) backup() bool {
	targets := []struct {
		which  string
		record domain.ContactRecord
	}{
		{"authoritative", r.pair.Authoritative},
		{"retiring", r.pair.Retiring},
	}
	for _, target := range targets {
		snap, err := r.o.backups.Capture(r.ctx, target.record)
		if err != nil {
			r.fail(domain.StepBackup, err, "backup failed for %s record", target.which)
			return false
		}
		r.outcome.BackupDirs = append(r.outcome.BackupDirs, snap.Dir)

		integrity := backup.VerifyIntegrity(snap.Manifest, target.record)
		if !integrity.OK {
			r.warn(domain.StepVerifyBackup, integrity.Message)
		}
	}
	r.logger.Info("merge: backups captured", zap.Strings("backup_dirs", r.outcome.BackupDirs))
	return true
}

func (r *pairRun) alreadyProcessed() bool {
	if !r.o.ledger.IsProcessed(r.pair.Authoritative.ID, r.pair.Retiring.ID) {
		return false
	}
	r.logger.Info("merge: pair already processed, skipping")
	r.outcome.AlreadyProcessed = true
	r.succeed(domain.StepLedgerCheck)
	return true
}

func (r *pairRun) merge() bool {
	if err := r.o.store.MergeRecords(r.ctx, r.pair.Authoritative.ID, r.pair.Retiring.ID); err != nil {
		r.fail(domain.StepMerge, err, "merge failed")
		return false
	}
	r.outcome.TicketCountAfter = r.pair.CombinedTicketCount()
	r.logger.Info("merge: records merged")
	return true
}

func (r *pairRun) delete() bool {
	if err := r.o.store.DeleteRecord(r.ctx, r.pair.Retiring.ID); err != nil {
		r.fail(domain.StepDelete, err, "delete of retiring record failed")
		return false
	}
	r.outcome.TicketCountAfter = r.pair.CombinedTicketCount()
	r.logger.Info("merge: retiring record deleted")
	return true
}

// verifyMerge never fails the pair
func (r *pairRun) verifyMerge() {
	if err := r.o.opts.Sleep(r.ctx, r.o.opts.SettleDelay); err != nil {
		r.warn(domain.StepVerifyMerge, fmt.Sprintf("verification skipped: %v", err))
		return
	}
	user, err := r.o.store.GetRecord(r.ctx, r.pair.Retiring.ID)
	switch {
	case errors.Is(err, devrev.ErrNotFound):
		r.logger.Info("merge: retiring record no longer exists")
	case err != nil:
		r.warn(domain.StepVerifyMerge, fmt.Sprintf("could not verify retiring record %s: %v", r.pair.Retiring.ID, err))
	case user.RecordState().IsTerminal():
		r.logger.Info("merge: retiring record retired", zap.String("state", string(user.RecordState())))
	default:
		msg := fmt.Sprintf("retiring record %s still %s after merge", r.pair.Retiring.ID, user.RecordState())
		r.outcome.Warnings = append(r.outcome.Warnings, msg)
		r.logger.Error("merge: "+msg, zap.String("step", string(domain.StepVerifyMerge)))
	}
}

// reconcile copies the retiring record's identity reference onto the
// authoritative record. When fatal is false a failure is only a warning.
func (r *pairRun) reconcile(fatal bool) bool {
	ref := r.pair.Retiring.IdentityRef
	err := r.o.store.UpdateRecord(r.ctx, r.pair.Authoritative.ID, devrev.RecordUpdate{ExternalRef: &ref})
	if err == nil {
		r.outcome.IdentityRefAfter = ref
		r.logger.Info("merge: identity reference reconciled", zap.String("external_ref", ref))
		return true
	}
	if fatal {
		r.fail(domain.StepReconcile, err, "identity reference update failed")
		return false
	}
	r.outcome.ReconcileFailed = true
	r.warn(domain.StepReconcile, fmt.Sprintf("identity reference update failed, run reconcile later: %v", err))
	return false
}

// recordProgress runs even when the context was cancelled mid-pair; the
// records have already changed by now
func (r *pairRun) recordProgress() {
	if err := r.o.ledger.MarkProcessed(context.WithoutCancel(r.ctx), r.pair.Authoritative.ID, r.pair.Retiring.ID); err != nil {
		r.fail(domain.StepRecordProgress, err, "records were changed but recording progress failed")
		return
	}
	r.succeed(domain.StepDone)
	r.logger.Info("merge: pair complete",
		zap.Int("final_ticket_count", r.outcome.TicketCountAfter),
		zap.String("final_identity_ref", r.outcome.IdentityRefAfter),
		zap.Bool("reconcile_failed", r.outcome.ReconcileFailed))
}

// Reconcile re-runs only the identity reference update for a pair that was
// merged earlier with a failed reconciliation
func (o *Orchestrator) Reconcile(ctx context.Context, pair domain.DuplicatePair) domain.MergeOutcome {
	run := o.newRun(ctx, pair)
	run.outcome.TicketCountAfter = pair.CombinedTicketCount()
	switch {
	case o.opts.DryRun:
		run.outcome.IdentityRefAfter = pair.Retiring.IdentityRef
		run.logger.Info("merge: dry run, would set external_ref",
			zap.String("external_ref", pair.Retiring.IdentityRef))
		run.succeed(domain.StepPreview)
	case run.reconcile(true):
		run.succeed(domain.StepReconcile)
	default:
		// the records were merged earlier; keep the pair pending
		run.outcome.ReconcileFailed = true
	}
	run.outcome.FinishedAt = o.opts.Now().UTC()
	o.journal(ctx, run.outcome)
	return run.outcome
}

func (o *Orchestrator) journal(ctx context.Context, outcome domain.MergeOutcome) {
	if o.opts.Journal == nil {
		return
	}
	if err := o.opts.Journal.LogAttempt(context.WithoutCancel(ctx), o.opts.RunID, outcome); err != nil {
		o.logger.Warn("merge: failed to journal attempt",
			zap.String("pair", outcome.Pair.Key().String()),
			zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
