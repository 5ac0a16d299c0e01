package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lherron/revmerge/internal/config"
	"github.com/lherron/revmerge/internal/domain"
)

type fakeLedger map[domain.PairKey]bool

func (f fakeLedger) IsProcessed(a, b string) bool {
	return f[domain.PairKey{AuthoritativeID: a, RetiringID: b}]
}

func rec(id, email, ref string, tickets int) domain.ContactRecord {
	return domain.ContactRecord{ID: id, Email: email, IdentityRef: ref, TicketCount: tickets}
}

func defaultPolicy() Policy {
	return PolicyFromConfig(config.Defaults())
}

func TestResolve_BasicPair(t *testing.T) {
	r := New(defaultPolicy(), nil, nil)

	res := r.Resolve([]domain.ContactRecord{
		rec("B", "x@y.com", "REVU-9", 3),
		rec("A", "X@Y.com ", "user_1", 5),
	})

	require.Len(t, res.Pairs, 1)
	pair := res.Pairs[0]
	assert.Equal(t, "A", pair.Authoritative.ID)
	assert.Equal(t, "B", pair.Retiring.ID)
	assert.Equal(t, "x@y.com", pair.Email())
	assert.Equal(t, 8, pair.CombinedTicketCount())
	assert.Equal(t, 1, res.Groups)
	assert.Empty(t, res.Skipped)
}

func TestResolve_Invariants(t *testing.T) {
	records := []domain.ContactRecord{
		rec("1", "a@x.com", "user_1", 1),
		rec("2", "a@x.com", "REVU-1", 1),
		rec("3", "b@x.com", "user_2", 1),
		rec("4", "c@x.com", "REVU-3", 1),
		rec("5", "c@x.com", "user_3", 1),
		rec("6", "c@x.com", "", 0),
		rec("7", "d@x.com", "REVU-4", 1),
		rec("8", "d@x.com", "REVU-5", 1),
	}
	res := New(defaultPolicy(), nil, nil).Resolve(records)

	seen := make(map[string]bool)
	for _, p := range res.Pairs {
		assert.Equal(t, p.Authoritative.NormalizedEmail(), p.Retiring.NormalizedEmail())
		assert.NotEqual(t, p.Authoritative.ID, p.Retiring.ID)
		assert.Equal(t, domain.IdentityNative, domain.ClassifyIdentityRef(p.Authoritative.IdentityRef, "user_", "REVU-"))
		assert.Equal(t, domain.IdentityImported, domain.ClassifyIdentityRef(p.Retiring.IdentityRef, "user_", "REVU-"))
		for _, id := range []string{p.Authoritative.ID, p.Retiring.ID} {
			assert.False(t, seen[id], "record %s appears in more than one pair", id)
			seen[id] = true
		}
	}

	require.Len(t, res.Pairs, 2)
	assert.Equal(t, "a@x.com", res.Pairs[0].Email(), "pairs follow first-seen group order")
	assert.Equal(t, "c@x.com", res.Pairs[1].Email())
	assert.Equal(t, 3, res.Groups, "b@x.com is a single and not a group")

	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "d@x.com", res.Skipped[0].Email)
	assert.Equal(t, ReasonNoNative, res.Skipped[0].Reason)
}

func TestResolve_AmbiguousGroupLogsAllRefs(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := New(defaultPolicy(), nil, zap.New(core))

	res := r.Resolve([]domain.ContactRecord{
		rec("1", "x@y.com", "REVU-1", 1),
		rec("2", "x@y.com", "REVU-2", 1),
		rec("3", "x@y.com", "user_1", 1),
	})

	assert.Empty(t, res.Pairs)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, ReasonMultipleImported, res.Skipped[0].Reason)
	assert.Equal(t, []string{"REVU-1", "REVU-2", "user_1"}, res.Skipped[0].IdentityRefs)

	entries := logs.FilterMessage("resolve: skipping ambiguous group").All()
	require.Len(t, entries, 1)
	refs, ok := entries[0].ContextMap()["identity_refs"].([]interface{})
	require.True(t, ok, "identity_refs field should be a list")
	assert.ElementsMatch(t, []interface{}{"REVU-1", "REVU-2", "user_1"}, refs)
}

func TestResolve_PickFirstPolicy(t *testing.T) {
	policy := defaultPolicy()
	policy.MultipleCandidates = config.MultipleCandidatesPickFirst

	res := New(policy, nil, nil).Resolve([]domain.ContactRecord{
		rec("1", "x@y.com", "REVU-1", 1),
		rec("2", "x@y.com", "REVU-2", 1),
		rec("3", "x@y.com", "user_1", 1),
	})

	require.Len(t, res.Pairs, 1)
	assert.Equal(t, "3", res.Pairs[0].Authoritative.ID)
	assert.Equal(t, "1", res.Pairs[0].Retiring.ID)
}

func TestResolve_ExtraRecordsPolicy(t *testing.T) {
	records := []domain.ContactRecord{
		rec("1", "x@y.com", "user_1", 1),
		rec("2", "x@y.com", "legacy-7", 1),
		rec("3", "x@y.com", "REVU-1", 1),
	}

	ignore := New(defaultPolicy(), nil, nil).Resolve(records)
	require.Len(t, ignore.Pairs, 1)
	assert.Equal(t, "1", ignore.Pairs[0].Authoritative.ID)
	assert.Equal(t, "3", ignore.Pairs[0].Retiring.ID)

	policy := defaultPolicy()
	policy.ExtraRecords = config.ExtraRecordsSkip
	skip := New(policy, nil, nil).Resolve(records)
	assert.Empty(t, skip.Pairs)
	require.Len(t, skip.Skipped, 1)
	assert.Equal(t, ReasonUnmarkedExtra, skip.Skipped[0].Reason)
}

func TestResolve_LedgerFiltersProcessedPairs(t *testing.T) {
	ledger := fakeLedger{{AuthoritativeID: "A", RetiringID: "B"}: true}
	records := []domain.ContactRecord{
		rec("A", "x@y.com", "user_1", 5),
		rec("B", "x@y.com", "REVU-9", 3),
		rec("C", "z@y.com", "user_2", 1),
		rec("D", "z@y.com", "REVU-2", 1),
	}

	res := New(defaultPolicy(), ledger, nil).Resolve(records)

	require.Len(t, res.Pairs, 1)
	assert.Equal(t, "C", res.Pairs[0].Authoritative.ID)
	require.Len(t, res.AlreadyProcessed, 1)
	assert.Equal(t, "A<-B", res.AlreadyProcessed[0].Key().String())
}

func TestResolve_EmailFilter(t *testing.T) {
	policy := defaultPolicy()
	policy.Email = " Z@Y.com"
	records := []domain.ContactRecord{
		rec("A", "x@y.com", "user_1", 5),
		rec("B", "x@y.com", "REVU-9", 3),
		rec("C", "z@y.com", "user_2", 1),
		rec("D", "z@y.com", "REVU-2", 1),
	}

	res := New(policy, nil, nil).Resolve(records)
	require.Len(t, res.Pairs, 1)
	assert.Equal(t, "z@y.com", res.Pairs[0].Email())
}

func TestResolve_Empty(t *testing.T) {
	res := New(defaultPolicy(), nil, nil).Resolve(nil)
	assert.Empty(t, res.Pairs)
	assert.Zero(t, res.Groups)
}
