package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/lherron/revmerge/internal/domain"
)

// VerifyIntegrity compares the captured work-item count with the ticket count
// from the input row. The result is advisory.
func VerifyIntegrity(m Manifest, record domain.ContactRecord) IntegrityReport {
	report := IntegrityReport{
		RecordID: record.ID,
		Expected: record.TicketCount,
		Captured: m.Counts.WorkItems,
		OK:       m.Counts.WorkItems == record.TicketCount,
	}
	if !report.OK {
		report.Message = fmt.Sprintf("backup of %s holds %d work items, input reports %d tickets",
			record.ID, m.Counts.WorkItems, record.TicketCount)
	}
	return report
}

// Load reads a snapshot directory back
func Load(dir string) (*Snapshot, error) {
	snap := &Snapshot{Dir: dir}

	manifestData, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s has no %s: capture did not complete", dir, ManifestFile)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := json.Unmarshal(manifestData, &snap.Manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if snap.Manifest.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported manifest schema version %d", snap.Manifest.SchemaVersion)
	}

	profile, err := os.ReadFile(filepath.Join(dir, ProfileFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	snap.Profile = profile

	if snap.WorkItems, err = readArray(filepath.Join(dir, WorkItemsFile)); err != nil {
		return nil, err
	}
	if snap.Conversations, err = readArray(filepath.Join(dir, ConversationsFile)); err != nil {
		return nil, err
	}
	return snap, nil
}

func readArray(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return items, nil
}

// VerifyArtifacts re-hashes every artifact in dir against its manifest
func VerifyArtifacts(dir string) ([]ArtifactCheck, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	names := make([]string, 0, len(m.Artifacts))
	for name := range m.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make([]ArtifactCheck, 0, len(names))
	for _, name := range names {
		check := ArtifactCheck{File: name, Expected: m.Artifacts[name]}
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			check.Error = err.Error()
		} else {
			check.Actual = ComputeRev(content)
			check.OK = check.Actual == check.Expected
		}
		checks = append(checks, check)
	}
	return checks, nil
}

// Diff renders a unified diff between two snapshots: the profiles field by
// field, then the work item and conversation ids each one holds
func Diff(a, b *Snapshot) (string, error) {
	left, err := diffView(a)
	if err != nil {
		return "", err
	}
	right, err := diffView(b)
	if err != nil {
		return "", err
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(left),
		B:        difflib.SplitLines(right),
		FromFile: a.Dir,
		ToFile:   b.Dir,
		Context:  3,
	})
}

func diffView(s *Snapshot) (string, error) {
	var b strings.Builder
	profile, err := PrettyJSON(s.Profile)
	if err != nil {
		return "", fmt.Errorf("profile in %s: %w", s.Dir, err)
	}
	b.Write(profile)
	b.WriteString("\n")
	b.WriteString("work_items:\n")
	for _, id := range itemIDs(s.WorkItems) {
		b.WriteString("  " + id + "\n")
	}
	b.WriteString("conversations:\n")
	for _, id := range itemIDs(s.Conversations) {
		b.WriteString("  " + id + "\n")
	}
	return b.String(), nil
}

func itemIDs(items []json.RawMessage) []string {
	ids := make([]string, 0, len(items))
	for _, raw := range items {
		var item struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(raw, &item) == nil && item.ID != "" {
			ids = append(ids, item.ID)
		}
	}
	sort.Strings(ids)
	return ids
}
