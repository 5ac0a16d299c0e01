package domain

import (
	"strings"
	"time"
)

// IdentityKind classifies an identity reference by its provenance prefix
type IdentityKind string

const (
	IdentityNone     IdentityKind = "none"
	IdentityNative   IdentityKind = "native"
	IdentityImported IdentityKind = "imported"
)

// RecordState is the lifecycle state reported by the record store
type RecordState string

const (
	RecordStateActive     RecordState = "active"
	RecordStateDeleted    RecordState = "deleted"
	RecordStateLocked     RecordState = "locked"
	RecordStateArchived   RecordState = "archived"
	RecordStateMerged     RecordState = "merged"
	RecordStateShadow     RecordState = "shadow"
	RecordStateUnassigned RecordState = "unassigned"
)

// IsTerminal reports whether a record in this state no longer participates
// in normal operations. Unknown states are treated as active.
func (s RecordState) IsTerminal() bool {
	switch s {
	case RecordStateDeleted, RecordStateLocked, RecordStateArchived, RecordStateMerged:
		return true
	default:
		return false
	}
}

// ContactRecord is one input row describing a contact in the record store
type ContactRecord struct {
	ID          string    `json:"id" yaml:"id"`
	DisplayName string    `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Email       string    `json:"email" yaml:"email"`
	IdentityRef string    `json:"identity_ref,omitempty" yaml:"identity_ref,omitempty"`
	TicketCount int       `json:"ticket_count" yaml:"ticket_count"`
	CreatedAt   time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	// Row is the 1-based input row the record was read from (0 if unknown)
	Row int `json:"row,omitempty" yaml:"row,omitempty"`
}

// NormalizedEmail returns the case-insensitive grouping key for the record
func (r ContactRecord) NormalizedEmail() string {
	return NormalizeEmail(r.Email)
}

// DuplicatePair is an authoritative record and the record being retired into it
type DuplicatePair struct {
	Authoritative ContactRecord `json:"authoritative" yaml:"authoritative"`
	Retiring      ContactRecord `json:"retiring" yaml:"retiring"`
}

// Email returns the shared normalized email of the pair
func (p DuplicatePair) Email() string {
	return p.Authoritative.NormalizedEmail()
}

// Key returns the ledger key for the pair
func (p DuplicatePair) Key() PairKey {
	return PairKey{AuthoritativeID: p.Authoritative.ID, RetiringID: p.Retiring.ID}
}

// CombinedTicketCount is the ticket count expected on the merged record
func (p DuplicatePair) CombinedTicketCount() int {
	return p.Authoritative.TicketCount + p.Retiring.TicketCount
}

// PairKey identifies a processed pair in the ledger
type PairKey struct {
	AuthoritativeID string `json:"authoritative_id" yaml:"authoritative_id"`
	RetiringID      string `json:"retiring_id" yaml:"retiring_id"`
}

func (k PairKey) String() string {
	return k.AuthoritativeID + "<-" + k.RetiringID
}

// ProgressEntry is a pair recorded in the progress ledger
type ProgressEntry struct {
	PairKey    `yaml:",inline"`
	RecordedAt time.Time `json:"recorded_at" yaml:"recorded_at"`
}

// MergeStep names a state of the merge state machine
type MergeStep string

const (
	StepPreview        MergeStep = "preview"
	StepBackup         MergeStep = "backup"
	StepVerifyBackup   MergeStep = "verify-backup"
	StepLedgerCheck    MergeStep = "ledger-check"
	StepMerge          MergeStep = "merge"
	StepDelete         MergeStep = "delete"
	StepVerifyMerge    MergeStep = "verify-merge"
	StepReconcile      MergeStep = "reconcile-identity-ref"
	StepRecordProgress MergeStep = "record-progress"
	StepDone           MergeStep = "done"
)

// MergeOutcome is the result of one orchestration attempt
type MergeOutcome struct {
	Pair    DuplicatePair `json:"pair" yaml:"pair"`
	Success bool          `json:"success" yaml:"success"`
	// Step is the last step reached; on failure it is the step that failed
	Step  MergeStep `json:"step" yaml:"step"`
	Error string    `json:"error,omitempty" yaml:"error,omitempty"`

	DryRun           bool `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	AlreadyProcessed bool `json:"already_processed,omitempty" yaml:"already_processed,omitempty"`
	ReconcileFailed  bool `json:"reconcile_failed,omitempty" yaml:"reconcile_failed,omitempty"`

	IdentityRefBefore string `json:"identity_ref_before" yaml:"identity_ref_before"`
	IdentityRefAfter  string `json:"identity_ref_after" yaml:"identity_ref_after"`
	TicketCountBefore int    `json:"ticket_count_before" yaml:"ticket_count_before"`
	TicketCountAfter  int    `json:"ticket_count_after" yaml:"ticket_count_after"`

	BackupDirs []string `json:"backup_dirs,omitempty" yaml:"backup_dirs,omitempty"`
	Warnings   []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`

	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
}

// NormalizeEmail lower-cases and trims an email for grouping
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
