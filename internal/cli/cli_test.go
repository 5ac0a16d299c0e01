package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/revmerge/internal/devrev"
	"github.com/lherron/revmerge/internal/domain"
	"github.com/lherron/revmerge/internal/ledger"
	"github.com/lherron/revmerge/internal/report"
	"github.com/lherron/revmerge/internal/testutil"
)

// fakeDevRev is a stateful stand-in for the DevRev endpoints revmerge uses
type fakeDevRev struct {
	mu             sync.Mutex
	users          map[string]*fakeUser
	works          map[string]int
	calls          []string
	requests       int
	mergeStatus    int
	updateFailures int
	server         *httptest.Server
}

type fakeUser struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	ExternalRef string `json:"external_ref,omitempty"`
	State       string `json:"state,omitempty"`
}

func newFakeDevRev(t *testing.T) *fakeDevRev {
	t.Helper()
	f := &fakeDevRev{
		users: map[string]*fakeUser{
			"A": {ID: "A", Email: "jane@example.com", ExternalRef: "user_1"},
			"B": {ID: "B", Email: "jane@example.com", ExternalRef: "REVU-9"},
		},
		works: map[string]int{"A": 2, "B": 1},
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeDevRev) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++

	var body map[string]any
	if r.Method == http.MethodPost {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	str := func(key string) string {
		s, _ := body[key].(string)
		return s
	}

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/rev-users.get":
		u, ok := f.users[r.URL.Query().Get("id")]
		if !ok || u.State == "merged" || u.State == "deleted" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"type":"not_found","message":"no such rev user"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"rev_user": u})

	case "/rev-users.merge":
		f.calls = append(f.calls, "merge:"+str("primary_user")+"<-"+str("secondary_user"))
		if f.mergeStatus != 0 {
			w.WriteHeader(f.mergeStatus)
			_, _ = w.Write([]byte(`{"message":"merge rejected"}`))
			return
		}
		if u, ok := f.users[str("secondary_user")]; ok {
			u.State = "merged"
		}
		_, _ = w.Write([]byte(`{}`))

	case "/rev-users.update":
		f.calls = append(f.calls, "update:"+str("id")+"="+str("external_ref"))
		if f.updateFailures > 0 {
			f.updateFailures--
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"external_ref conflict"}`))
			return
		}
		if u, ok := f.users[str("id")]; ok {
			u.ExternalRef = str("external_ref")
		}
		_, _ = w.Write([]byte(`{}`))

	case "/rev-users.delete":
		f.calls = append(f.calls, "delete:"+str("id"))
		if u, ok := f.users[str("id")]; ok {
			u.State = "deleted"
		}
		_, _ = w.Write([]byte(`{}`))

	case "/works.list":
		var works []map[string]string
		if owners, ok := body["owned_by"].([]any); ok && len(owners) == 1 {
			id, _ := owners[0].(string)
			for i := 0; i < f.works[id]; i++ {
				works = append(works, map[string]string{"id": fmt.Sprintf("W-%s-%d", id, i), "type": "ticket"})
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"works": works})

	case "/conversations.list":
		_, _ = w.Write([]byte(`{"conversations":[]}`))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeDevRev) mutations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDevRev) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *fakeDevRev) user(id string) fakeUser {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.users[id]
}

type testEnv struct {
	dir    string
	config string
	input  string
	api    *fakeDevRev
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	api := newFakeDevRev(t)

	for _, key := range []string{
		"DEVREV_API_TOKEN_FILE", "DEVREV_BASE_URL",
		"REVMERGE_LEDGER_PATH", "REVMERGE_BACKUP_DIR", "REVMERGE_REPORT_DIR", "REVMERGE_LOG_DIR",
		"REVMERGE_LOG_LEVEL", "REVMERGE_OUTPUT", "REVMERGE_MERGE_STRATEGY", "REVMERGE_NATIVE_PREFIX",
		"REVMERGE_IMPORTED_PREFIX", "REVMERGE_RATE_LIMIT_CALLS", "REVMERGE_RATE_LIMIT_PERIOD",
		"REVMERGE_MAX_RETRIES", "REVMERGE_INITIAL_BACKOFF", "REVMERGE_MAX_BACKOFF",
		"REVMERGE_HTTP_TIMEOUT", "REVMERGE_SETTLE_DELAY",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("DEVREV_API_TOKEN", "test-token")

	cfg := strings.Join([]string{
		"base_url: " + api.server.URL,
		"ledger_path: " + filepath.Join(dir, "ledger.db"),
		"backup_dir: " + filepath.Join(dir, "backups"),
		"report_dir: " + filepath.Join(dir, "reports"),
		"log_dir: " + filepath.Join(dir, "logs"),
		"log_level: error",
		"rate_limit_calls: 100000",
		"rate_limit_period: 1s",
		"max_retries: 1",
		"initial_backoff: 1ms",
		"max_backoff: 5ms",
		"settle_delay: 0s",
	}, "\n") + "\n"

	return &testEnv{
		dir:    dir,
		config: testutil.WriteFile(t, dir, "config.yaml", cfg),
		input: testutil.WriteContactsCSV(t, dir,
			"A,Jane,jane@example.com,user_1,2,2024-01-01,",
			"B,Jane Doe,Jane@Example.com,REVU-9,1,,",
			"C,Solo,solo@example.com,user_3,0,,",
		),
		api: api,
	}
}

// resetFlags restores every flag to its default so package-level commands can
// be executed repeatedly in one test binary
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func (e *testEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var stdout, stderr bytes.Buffer
	rootCmd.SetArgs(append(args, "--config", e.config))
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func (e *testEnv) runReport(t *testing.T, args ...string) (*report.Report, error) {
	t.Helper()
	stdout, stderr, err := e.run(t, append(args, "-o", "json")...)
	var rep report.Report
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep), "stdout: %s\nstderr: %s", stdout, stderr)
	return &rep, err
}

func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if err != nil {
		return -1
	}
	return ExitOK
}

func TestRun_DryRunChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("DEVREV_API_TOKEN", "")

	rep, err := env.runReport(t, "run", "--input", env.input, "--dry-run")
	require.NoError(t, err)

	assert.Equal(t, report.ModeDryRun, rep.Mode)
	assert.Equal(t, 3, rep.Counts.Records)
	assert.Equal(t, 1, rep.Counts.Pairs)
	assert.Equal(t, 1, rep.Counts.Succeeded)
	require.Len(t, rep.Successes, 1)
	assert.Equal(t, domain.StepPreview, rep.Successes[0].Step)
	assert.Equal(t, 3, rep.Successes[0].TicketCountAfter)

	assert.Zero(t, env.api.requestCount(), "dry run must not call the API")
	assert.Len(t, testutil.Glob(t, filepath.Join(env.dir, "reports"), "merge_report_*.json"), 1)

	out, _, err := env.run(t, "ledger", "ls", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestRun_MergesPairAndSecondRunIsNoop(t *testing.T) {
	env := newTestEnv(t)

	rep, err := env.runReport(t, "run", "--input", env.input)
	require.NoError(t, err)

	require.Len(t, rep.Successes, 1)
	s := rep.Successes[0]
	assert.Equal(t, domain.StepDone, s.Step)
	assert.Equal(t, "A", s.AuthoritativeID)
	assert.Equal(t, "B", s.RetiringID)
	assert.Equal(t, "user_1", s.IdentityRefBefore)
	assert.Equal(t, "REVU-9", s.IdentityRefAfter)
	assert.Equal(t, 3, s.TicketCountAfter)
	assert.Len(t, s.BackupDirs, 2)
	assert.Empty(t, s.Warnings)
	assert.NotEmpty(t, rep.LogFile)
	assert.FileExists(t, rep.LogFile)

	assert.Equal(t, []string{"merge:A<-B", "update:A=REVU-9"}, env.api.mutations())
	assert.Equal(t, "REVU-9", env.api.user("A").ExternalRef)
	for _, dir := range s.BackupDirs {
		assert.FileExists(t, filepath.Join(dir, "manifest.json"))
	}

	second, err := env.runReport(t, "run", "--input", env.input)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Counts.Attempted)
	assert.Equal(t, 1, second.Counts.AlreadyProcessed)
	assert.Len(t, env.api.mutations(), 2, "second run must not touch the records")
}

func TestRun_FailedPairExitsOne(t *testing.T) {
	env := newTestEnv(t)
	env.api.mergeStatus = http.StatusBadRequest

	rep, err := env.runReport(t, "run", "--input", env.input)
	require.Error(t, err)
	assert.Equal(t, ExitPairsFailed, exitCode(err))

	require.Len(t, rep.Failures, 1)
	assert.Equal(t, domain.StepMerge, rep.Failures[0].Step)
	assert.Contains(t, rep.Failures[0].Error, "merge failed")

	out, _, err := env.run(t, "ledger", "ls", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out, "a failed pair is never recorded as processed")
}

func TestRun_MissingTokenStopsBeforeAnyPair(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("DEVREV_API_TOKEN", "")

	_, _, err := env.run(t, "run", "--input", env.input)
	require.Error(t, err)
	assert.Equal(t, ExitUsage, exitCode(err))
	assert.Contains(t, err.Error(), "DEVREV_API_TOKEN")
	assert.Zero(t, env.api.requestCount())
}

func TestRun_UnreadableInput(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.run(t, "run", "--input", filepath.Join(env.dir, "missing.csv"))
	require.Error(t, err)
	assert.Equal(t, ExitUsage, exitCode(err))
	assert.Zero(t, env.api.requestCount())
}

func TestRun_HumanOutput(t *testing.T) {
	env := newTestEnv(t)

	out, _, err := env.run(t, "run", "--input", env.input)
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded 1")
	assert.Contains(t, out, "jane@example.com  A <- B  ref user_1 -> REVU-9  tickets 2 -> 3")
	assert.Contains(t, out, "report: ")
	assert.NotContains(t, out, "\x1b[", "output to a buffer is never colored")
}

func TestPairs_Offline(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("DEVREV_API_TOKEN", "")
	input := testutil.WriteContactsCSV(t, env.dir,
		"A,Jane,jane@example.com,user_1,2,,",
		"B,Jane,jane@example.com,REVU-9,1,,",
		"D,Max,max@example.com,user_4,1,,",
		"E,Max,max@example.com,user_5,1,,",
		"F,Max,max@example.com,REVU-2,1,,",
		"G,Bad,not-an-email,REVU-3,1,,",
	)

	out, _, err := env.run(t, "pairs", "--input", input, "-o", "tsv")
	require.NoError(t, err)
	assert.Equal(t, "EMAIL\tAUTHORITATIVE\tAUTH_REF\tRETIRING\tRETIRING_REF\tTICKETS\n"+
		"jane@example.com\tA\tuser_1\tB\tREVU-9\t3\n", out)

	out, _, err = env.run(t, "pairs", "--input", input, "-o", "json")
	require.NoError(t, err)
	var listing pairsOutput
	require.NoError(t, json.Unmarshal([]byte(out), &listing))
	assert.Len(t, listing.Pairs, 1)
	require.Len(t, listing.Skipped, 1)
	assert.Equal(t, "max@example.com", listing.Skipped[0].Email)
	require.Len(t, listing.Rejected, 1)
	assert.Equal(t, 7, listing.Rejected[0].Row)

	assert.Zero(t, env.api.requestCount())
}

func TestLedgerHistoryAndRm(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.run(t, "run", "--input", env.input)
	require.NoError(t, err)

	out, _, err := env.run(t, "ledger", "history", "-o", "json")
	require.NoError(t, err)
	var attempts []ledger.Attempt
	require.NoError(t, json.Unmarshal([]byte(out), &attempts))
	require.Len(t, attempts, 1)
	assert.Equal(t, "A<-B", attempts[0].Key.String())
	assert.True(t, attempts[0].Success)

	out, _, err = env.run(t, "ledger", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "AUTHORITATIVE")
	assert.Regexp(t, `(?m)^A\s+B\s+\d{4}-\d{2}-\d{2}T`, out)

	out, _, err = env.run(t, "ledger", "rm", "A<-B")
	require.NoError(t, err)
	assert.Equal(t, "Removed A<-B\n", out)

	_, _, err = env.run(t, "ledger", "rm", "A", "B")
	assert.Equal(t, ExitPairsFailed, exitCode(err))

	out, _, err = env.run(t, "ledger", "ls", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestLedgerMigrate(t *testing.T) {
	env := newTestEnv(t)

	out, _, err := env.run(t, "ledger", "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Applied 2 migration(s).")

	out, _, err = env.run(t, "ledger", "migrate", "--status")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ 000001_ledger.sql")
	assert.Contains(t, out, "✓ 000002_merge_attempts.sql")

	out, _, err = env.run(t, "ledger", "migrate", "--check")
	require.NoError(t, err)
	assert.Equal(t, "Ledger is up to date.\n", out)
}

func TestReconcile_RetriesFailedIdentityUpdate(t *testing.T) {
	env := newTestEnv(t)
	env.api.updateFailures = 1

	rep, err := env.runReport(t, "run", "--input", env.input)
	require.NoError(t, err, "a failed reconciliation keeps the pair successful")
	require.Len(t, rep.Successes, 1)
	assert.True(t, rep.Successes[0].ReconcileFailed)
	assert.Equal(t, 1, rep.Counts.ReconcileFailed)
	assert.Equal(t, "user_1", env.api.user("A").ExternalRef)

	out, _, err := env.run(t, "reconcile", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "A<-B")
	assert.Len(t, env.api.mutations(), 2, "dry run reconcile must not update")

	out, _, err = env.run(t, "reconcile", "-o", "json")
	require.NoError(t, err)
	var outcomes []domain.MergeOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcomes))
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Success)
	assert.Equal(t, "REVU-9", env.api.user("A").ExternalRef)

	out, _, err = env.run(t, "reconcile")
	require.NoError(t, err)
	assert.Equal(t, "No pairs need reconciliation.\n", out)
}

func TestBackupCommands(t *testing.T) {
	env := newTestEnv(t)

	out, _, err := env.run(t, "backup", "capture", "A")
	require.NoError(t, err)
	assert.Contains(t, out, "Captured A (2 work items, 0 conversations)")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	first := lines[len(lines)-1]

	out, _, err = env.run(t, "backup", "capture", "B")
	require.NoError(t, err)
	lines = strings.Split(strings.TrimSpace(out), "\n")
	second := lines[len(lines)-1]

	out, _, err = env.run(t, "backup", "verify", first, "-o", "tsv")
	require.NoError(t, err)
	assert.Contains(t, out, "profile.json\tok\tsha256:")

	out, _, err = env.run(t, "backup", "diff", first, second)
	require.NoError(t, err)
	assert.Contains(t, out, "--- "+first)
	assert.Contains(t, out, "+++ "+second)

	require.NoError(t, os.WriteFile(filepath.Join(first, "work_items.json"), []byte("[]"), 0644))
	_, _, err = env.run(t, "backup", "verify", first)
	assert.Equal(t, ExitPairsFailed, exitCode(err))

	_, _, err = env.run(t, "backup", "capture", "nobody")
	require.Error(t, err)
	assert.ErrorIs(t, err, devrev.ErrNotFound)
}

func TestVersion(t *testing.T) {
	env := newTestEnv(t)

	out, _, err := env.run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "revmerge version "))

	out, _, err = env.run(t, "version", "--json")
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, Version, info["version"])
}
