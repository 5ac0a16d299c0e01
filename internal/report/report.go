// Package report assembles the end-of-run summary.
//
// A Report is built from the batch result, the resolver output and the input
// rows that were rejected while loading. It is written as
// merge_report_<timestamp>.json into the report directory and can be rendered
// for a terminal (colored), as JSON or as YAML.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lherron/revmerge/internal/domain"
	"github.com/lherron/revmerge/internal/merge"
	"github.com/lherron/revmerge/internal/parse"
	"github.com/lherron/revmerge/internal/resolve"
)

// Run modes
const (
	ModeLive   = "live"
	ModeDryRun = "dry-run"
)

// FilePrefix is the name prefix of written report files
const FilePrefix = "merge_report_"

// Counts summarizes a run
type Counts struct {
	Records          int `json:"records" yaml:"records"`
	RejectedRows     int `json:"rejected_rows" yaml:"rejected_rows"`
	Groups           int `json:"groups" yaml:"groups"`
	Pairs            int `json:"pairs" yaml:"pairs"`
	Attempted        int `json:"attempted" yaml:"attempted"`
	Succeeded        int `json:"succeeded" yaml:"succeeded"`
	Failed           int `json:"failed" yaml:"failed"`
	SkippedGroups    int `json:"skipped_groups" yaml:"skipped_groups"`
	AlreadyProcessed int `json:"already_processed" yaml:"already_processed"`
	ReconcileFailed  int `json:"reconcile_failed" yaml:"reconcile_failed"`
	NotAttempted     int `json:"not_attempted" yaml:"not_attempted"`
}

// Entry is one attempted pair as shown in the report
type Entry struct {
	Email             string           `json:"email" yaml:"email"`
	AuthoritativeID   string           `json:"authoritative_id" yaml:"authoritative_id"`
	RetiringID        string           `json:"retiring_id" yaml:"retiring_id"`
	Step              domain.MergeStep `json:"step" yaml:"step"`
	Error             string           `json:"error,omitempty" yaml:"error,omitempty"`
	IdentityRefBefore string           `json:"identity_ref_before" yaml:"identity_ref_before"`
	IdentityRefAfter  string           `json:"identity_ref_after" yaml:"identity_ref_after"`
	TicketCountBefore int              `json:"ticket_count_before" yaml:"ticket_count_before"`
	TicketCountAfter  int              `json:"ticket_count_after" yaml:"ticket_count_after"`
	ReconcileFailed   bool             `json:"reconcile_failed,omitempty" yaml:"reconcile_failed,omitempty"`
	AlreadyProcessed  bool             `json:"already_processed,omitempty" yaml:"already_processed,omitempty"`
	Warnings          []string         `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	BackupDirs        []string         `json:"backup_dirs,omitempty" yaml:"backup_dirs,omitempty"`
	DurationMS        int64            `json:"duration_ms" yaml:"duration_ms"`
}

// Report is the serialized end-of-run summary
type Report struct {
	RunID       string    `json:"run_id" yaml:"run_id"`
	Mode        string    `json:"mode" yaml:"mode"`
	Strategy    string    `json:"strategy" yaml:"strategy"`
	Input       string    `json:"input,omitempty" yaml:"input,omitempty"`
	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time `json:"finished_at" yaml:"finished_at"`
	DurationSec float64   `json:"duration_seconds" yaml:"duration_seconds"`
	Interrupted bool      `json:"interrupted,omitempty" yaml:"interrupted,omitempty"`
	Counts      Counts    `json:"counts" yaml:"counts"`

	Successes        []Entry           `json:"successes" yaml:"successes"`
	Failures         []Entry           `json:"failures" yaml:"failures"`
	Skipped          []resolve.Skipped `json:"skipped_groups,omitempty" yaml:"skipped_groups,omitempty"`
	AlreadyProcessed []domain.PairKey  `json:"already_processed,omitempty" yaml:"already_processed,omitempty"`
	NotAttempted     []domain.PairKey  `json:"not_attempted,omitempty" yaml:"not_attempted,omitempty"`
	Rejected         []parse.RowError  `json:"rejected_rows,omitempty" yaml:"rejected_rows,omitempty"`

	LogFile    string `json:"log_file,omitempty" yaml:"log_file,omitempty"`
	ReportFile string `json:"report_file,omitempty" yaml:"report_file,omitempty"`
}

// Input collects what Build needs
type Input struct {
	Result     *merge.Result
	Resolution resolve.Result
	Rejected   []parse.RowError
	Records    int
	Strategy   string
	InputPath  string
	LogFile    string
}

// Build assembles a report. Successes and failures keep processing order.
func Build(in Input) *Report {
	res := in.Result
	if res == nil {
		res = &merge.Result{}
	}

	r := &Report{
		RunID:       res.RunID,
		Mode:        ModeLive,
		Strategy:    in.Strategy,
		Input:       in.InputPath,
		StartedAt:   res.StartedAt,
		FinishedAt:  res.FinishedAt,
		DurationSec: res.FinishedAt.Sub(res.StartedAt).Seconds(),
		Interrupted: res.Interrupted,
		Successes:   make([]Entry, 0, len(res.Successes)),
		Failures:    make([]Entry, 0, len(res.Failures)),
		Skipped:     in.Resolution.Skipped,
		Rejected:    in.Rejected,
		LogFile:     in.LogFile,
	}
	if res.DryRun {
		r.Mode = ModeDryRun
	}
	if r.DurationSec < 0 {
		r.DurationSec = 0
	}

	for _, o := range res.Successes {
		r.Successes = append(r.Successes, entryFor(o))
		if o.ReconcileFailed {
			r.Counts.ReconcileFailed++
		}
	}
	for _, o := range res.Failures {
		r.Failures = append(r.Failures, entryFor(o))
	}
	for _, p := range in.Resolution.AlreadyProcessed {
		r.AlreadyProcessed = append(r.AlreadyProcessed, p.Key())
	}
	for _, p := range res.NotAttempted {
		r.NotAttempted = append(r.NotAttempted, p.Key())
	}

	r.Counts.Records = in.Records
	r.Counts.RejectedRows = len(in.Rejected)
	r.Counts.Groups = in.Resolution.Groups
	r.Counts.Pairs = len(in.Resolution.Pairs)
	r.Counts.Attempted = res.Attempted()
	r.Counts.Succeeded = len(res.Successes)
	r.Counts.Failed = len(res.Failures)
	r.Counts.SkippedGroups = len(in.Resolution.Skipped)
	r.Counts.AlreadyProcessed = len(in.Resolution.AlreadyProcessed)
	r.Counts.NotAttempted = len(res.NotAttempted)
	return r
}

func entryFor(o domain.MergeOutcome) Entry {
	e := Entry{
		Email:             o.Pair.Email(),
		AuthoritativeID:   o.Pair.Authoritative.ID,
		RetiringID:        o.Pair.Retiring.ID,
		Step:              o.Step,
		Error:             o.Error,
		IdentityRefBefore: o.IdentityRefBefore,
		IdentityRefAfter:  o.IdentityRefAfter,
		TicketCountBefore: o.TicketCountBefore,
		TicketCountAfter:  o.TicketCountAfter,
		ReconcileFailed:   o.ReconcileFailed,
		AlreadyProcessed:  o.AlreadyProcessed,
		Warnings:          o.Warnings,
		BackupDirs:        o.BackupDirs,
	}
	if !o.FinishedAt.IsZero() && o.FinishedAt.After(o.StartedAt) {
		e.DurationMS = o.FinishedAt.Sub(o.StartedAt).Milliseconds()
	}
	return e
}

// FileName returns the report file name for a run that started at t
func FileName(t time.Time) string {
	return fmt.Sprintf("%s%s.json", FilePrefix, t.UTC().Format("20060102_150405"))
}

// WriteFile writes the report as indented JSON into dir and records the path
// on the report. The file is written to a temp name and renamed into place.
func (r *Report) WriteFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	started := r.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	path, err := reservePath(dir, started)
	if err != nil {
		return "", err
	}
	r.ReportFile = path

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

// reservePath claims a report file name that no earlier run used, suffixing
// the name when another report already holds this second
func reservePath(dir string, started time.Time) (string, error) {
	base := strings.TrimSuffix(FileName(started), ".json")
	for i := 1; ; i++ {
		name := base + ".json"
		if i > 1 {
			name = fmt.Sprintf("%s-%d.json", base, i)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			f.Close()
			return path, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create report file: %w", err)
		}
	}
}

// ReadFile loads a previously written report
func ReadFile(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("error parsing report %s: %w", path, err)
	}
	return &r, nil
}

// ExitCode maps a report onto the process exit status: 0 when every attempted
// pair succeeded, 1 when any failed or the run was interrupted.
func (r *Report) ExitCode() int {
	if r.Counts.Failed > 0 || r.Interrupted {
		return 1
	}
	return 0
}
