// Package resolve groups contact records by email and picks, per group, the
// authoritative record and the record being retired into it.
package resolve

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/lherron/revmerge/internal/config"
	"github.com/lherron/revmerge/internal/domain"
)

// Checker reports whether a pair was already merged by an earlier run
type Checker interface {
	IsProcessed(authoritativeID, retiringID string) bool
}

// Skip reasons
const (
	ReasonNoNative         = "no native-marked record"
	ReasonNoImported       = "no imported-marked record"
	ReasonMultipleNative   = "multiple native-marked records"
	ReasonMultipleImported = "multiple imported-marked records"
	ReasonUnmarkedExtra    = "group holds unmarked records besides the pair"
)

// Policy controls how groups are resolved
type Policy struct {
	NativePrefix       string
	ImportedPrefix     string
	ExtraRecords       string
	MultipleCandidates string
	// Email restricts resolution to one normalized email when set
	Email string
}

// PolicyFromConfig builds a Policy from configuration
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		NativePrefix:       cfg.NativePrefix,
		ImportedPrefix:     cfg.ImportedPrefix,
		ExtraRecords:       cfg.ExtraRecords,
		MultipleCandidates: cfg.MultipleCandidates,
	}
}

// Skipped describes a group that could not be resolved
type Skipped struct {
	Email        string   `json:"email" yaml:"email"`
	RecordIDs    []string `json:"record_ids" yaml:"record_ids"`
	IdentityRefs []string `json:"identity_refs" yaml:"identity_refs"`
	Reason       string   `json:"reason" yaml:"reason"`
}

// Result is the outcome of resolving one batch
type Result struct {
	Pairs            []domain.DuplicatePair `json:"pairs" yaml:"pairs"`
	Skipped          []Skipped              `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	AlreadyProcessed []domain.DuplicatePair `json:"already_processed,omitempty" yaml:"already_processed,omitempty"`
	// Groups counts emails shared by two or more records
	Groups int `json:"groups" yaml:"groups"`
}

// Resolver turns records into duplicate pairs
type Resolver struct {
	policy Policy
	ledger Checker
	logger *zap.Logger
}

// New creates a resolver. A nil ledger treats every pair as unprocessed.
func New(policy Policy, ledger Checker, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.ExtraRecords == "" {
		policy.ExtraRecords = config.ExtraRecordsIgnore
	}
	if policy.MultipleCandidates == "" {
		policy.MultipleCandidates = config.MultipleCandidatesSkip
	}
	policy.Email = domain.NormalizeEmail(policy.Email)
	return &Resolver{policy: policy, ledger: ledger, logger: logger}
}

// Resolve groups records by normalized email, in first-seen order, and emits
// one pair per resolvable group
func (r *Resolver) Resolve(records []domain.ContactRecord) Result {
	var order []string
	groups := make(map[string][]domain.ContactRecord)
	for _, rec := range records {
		email := rec.NormalizedEmail()
		if r.policy.Email != "" && email != r.policy.Email {
			continue
		}
		if _, ok := groups[email]; !ok {
			order = append(order, email)
		}
		groups[email] = append(groups[email], rec)
	}

	var result Result
	for _, email := range order {
		group := groups[email]
		if len(group) < 2 {
			continue
		}
		result.Groups++

		pair, skip := r.resolveGroup(email, group)
		if skip != nil {
			r.logger.Warn("resolve: skipping ambiguous group",
				zap.String("email", email),
				zap.Strings("identity_refs", skip.IdentityRefs),
				zap.Strings("record_ids", skip.RecordIDs),
				zap.String("reason", skip.Reason))
			result.Skipped = append(result.Skipped, *skip)
			continue
		}

		if r.ledger != nil && r.ledger.IsProcessed(pair.Authoritative.ID, pair.Retiring.ID) {
			r.logger.Info("resolve: pair already processed",
				zap.String("email", email),
				zap.String("authoritative_id", pair.Authoritative.ID),
				zap.String("retiring_id", pair.Retiring.ID))
			result.AlreadyProcessed = append(result.AlreadyProcessed, *pair)
			continue
		}

		r.logger.Debug("resolve: pair found",
			zap.String("email", email),
			zap.String("authoritative_id", pair.Authoritative.ID),
			zap.String("retiring_id", pair.Retiring.ID))
		result.Pairs = append(result.Pairs, *pair)
	}

	r.logger.Info("resolve: resolution complete",
		zap.Int("records", len(records)),
		zap.Int("groups", result.Groups),
		zap.Int("pairs", len(result.Pairs)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("already_processed", len(result.AlreadyProcessed)))
	return result
}

func (r *Resolver) resolveGroup(email string, group []domain.ContactRecord) (*domain.DuplicatePair, *Skipped) {
	var native, imported, unmarked []domain.ContactRecord
	for _, rec := range group {
		switch domain.ClassifyIdentityRef(rec.IdentityRef, r.policy.NativePrefix, r.policy.ImportedPrefix) {
		case domain.IdentityNative:
			native = append(native, rec)
		case domain.IdentityImported:
			imported = append(imported, rec)
		default:
			unmarked = append(unmarked, rec)
		}
	}

	skip := func(reason string) *Skipped {
		s := &Skipped{Email: email, Reason: reason}
		for _, rec := range group {
			s.RecordIDs = append(s.RecordIDs, rec.ID)
			s.IdentityRefs = append(s.IdentityRefs, rec.IdentityRef)
		}
		return s
	}

	switch {
	case len(native) == 0:
		return nil, skip(ReasonNoNative)
	case len(imported) == 0:
		return nil, skip(ReasonNoImported)
	}

	pickFirst := r.policy.MultipleCandidates == config.MultipleCandidatesPickFirst
	if len(native) > 1 {
		if !pickFirst {
			return nil, skip(ReasonMultipleNative)
		}
		r.logDiscarded(email, "native", native[1:])
	}
	if len(imported) > 1 {
		if !pickFirst {
			return nil, skip(ReasonMultipleImported)
		}
		r.logDiscarded(email, "imported", imported[1:])
	}

	if len(unmarked) > 0 {
		if r.policy.ExtraRecords == config.ExtraRecordsSkip {
			return nil, skip(ReasonUnmarkedExtra)
		}
		r.logDiscarded(email, "unmarked", unmarked)
	}

	return &domain.DuplicatePair{Authoritative: native[0], Retiring: imported[0]}, nil
}

func (r *Resolver) logDiscarded(email, kind string, recs []domain.ContactRecord) {
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, fmt.Sprintf("%s (%s)", rec.ID, rec.IdentityRef))
	}
	r.logger.Info("resolve: ignoring extra records in group",
		zap.String("email", email),
		zap.String("kind", kind),
		zap.Strings("records", ids))
}
