package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lherron/revmerge/internal/devrev"
	"github.com/lherron/revmerge/internal/domain"
)

// Source is the read side of the record store a capture needs
type Source interface {
	GetRecord(ctx context.Context, id string) (*devrev.RevUser, error)
	ListWorkItems(ctx context.Context, filter devrev.WorkFilter) ([]devrev.WorkItem, error)
	ListConversations(ctx context.Context, filter devrev.ConversationFilter) ([]devrev.Conversation, error)
}

// Collector writes snapshots under a root directory
type Collector struct {
	source Source
	root   string
	logger *zap.Logger
	now    func() time.Time
}

// NewCollector creates a collector writing under root
func NewCollector(source Source, root string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{source: source, root: root, logger: logger, now: time.Now}
}

// WithClock overrides the capture timestamp source
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// Root returns the backup root directory
func (c *Collector) Root() string {
	return c.root
}

// Capture snapshots a record into a new directory
// <root>/<email-slug>/<timestamp>-<record-id-slug>. Reads fan out
// concurrently. Any failed read aborts the capture; artifacts already written
// stay on disk and no manifest is written.
func (c *Collector) Capture(ctx context.Context, record domain.ContactRecord) (*Snapshot, error) {
	capturedAt := c.now().UTC()
	dir, err := c.makeDir(record, capturedAt)
	if err != nil {
		return nil, err
	}

	logger := c.logger.With(zap.String("record_id", record.ID), zap.String("backup_dir", dir))
	logger.Debug("backup: capturing record")

	snap := &Snapshot{Dir: dir}
	var mu sync.Mutex
	revs := make(map[string]string, 3)
	write := func(name string, data []byte) error {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
		mu.Lock()
		revs[name] = ComputeRev(data)
		mu.Unlock()
		return nil
	}

	filters := []devrev.WorkFilter{
		{OwnedBy: []string{record.ID}},
		{CreatedBy: []string{record.ID}},
		{ReportedBy: []string{record.ID}},
	}
	workLists := make([][]devrev.WorkItem, len(filters))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		user, err := c.source.GetRecord(gctx, record.ID)
		if err != nil {
			return fmt.Errorf("profile: %w", err)
		}
		raw, err := rawOrMarshal(user.Raw, user)
		if err != nil {
			return err
		}
		data, err := CanonicalJSON(raw)
		if err != nil {
			return fmt.Errorf("profile: %w", err)
		}
		snap.Profile = data
		return write(ProfileFile, data)
	})

	for i, filter := range filters {
		g.Go(func() error {
			items, err := c.source.ListWorkItems(gctx, filter)
			if err != nil {
				return fmt.Errorf("work items: %w", err)
			}
			workLists[i] = items
			return nil
		})
	}

	g.Go(func() error {
		convs, err := c.source.ListConversations(gctx, devrev.ConversationFilter{Members: []string{record.ID}})
		if err != nil {
			return fmt.Errorf("conversations: %w", err)
		}
		raws := make([]json.RawMessage, 0, len(convs))
		for i := range convs {
			raw, err := rawOrMarshal(convs[i].Raw, convs[i])
			if err != nil {
				return err
			}
			raws = append(raws, raw)
		}
		data, err := canonicalArray(raws)
		if err != nil {
			return fmt.Errorf("conversations: %w", err)
		}
		snap.Conversations = raws
		return write(ConversationsFile, data)
	})

	if err := g.Wait(); err != nil {
		logger.Error("backup: capture failed", zap.Error(err))
		return nil, fmt.Errorf("capture %s: %w", record.ID, err)
	}

	works, err := mergeWorkItems(workLists)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", record.ID, err)
	}
	worksData, err := canonicalArray(works)
	if err != nil {
		return nil, fmt.Errorf("capture %s: work items: %w", record.ID, err)
	}
	if err := write(WorkItemsFile, worksData); err != nil {
		return nil, fmt.Errorf("capture %s: %w", record.ID, err)
	}
	snap.WorkItems = works

	snap.Manifest = Manifest{
		SchemaVersion: SchemaVersion,
		RecordID:      record.ID,
		Email:         record.NormalizedEmail(),
		IdentityRef:   record.IdentityRef,
		CapturedAt:    capturedAt,
		Counts: Counts{
			WorkItems:     len(works),
			Conversations: len(snap.Conversations),
		},
		Artifacts: revs,
	}
	manifestData, err := json.MarshalIndent(snap.Manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("capture %s: encode manifest: %w", record.ID, err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), manifestData, 0644); err != nil {
		return nil, fmt.Errorf("capture %s: write manifest: %w", record.ID, err)
	}

	logger.Info("backup: captured record",
		zap.Int("work_items", snap.Manifest.Counts.WorkItems),
		zap.Int("conversations", snap.Manifest.Counts.Conversations))
	return snap, nil
}

// makeDir creates a fresh snapshot directory, suffixing the name when a
// capture of the same record already used this timestamp
func (c *Collector) makeDir(record domain.ContactRecord, at time.Time) (string, error) {
	parent := filepath.Join(c.root, Slug(record.NormalizedEmail()))
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	base := at.Format("20060102T150405Z") + "-" + Slug(record.ID)
	for i := 1; ; i++ {
		name := base
		if i > 1 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		dir := filepath.Join(parent, name)
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("failed to create backup directory: %w", err)
		}
	}
}

// mergeWorkItems unions the per-filter lists, de-duplicated by id and sorted
func mergeWorkItems(lists [][]devrev.WorkItem) ([]json.RawMessage, error) {
	byID := make(map[string]json.RawMessage)
	for _, list := range lists {
		for i := range list {
			if _, seen := byID[list[i].ID]; seen {
				continue
			}
			raw, err := rawOrMarshal(list[i].Raw, list[i])
			if err != nil {
				return nil, err
			}
			byID[list[i].ID] = raw
		}
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out, nil
}

func rawOrMarshal(raw json.RawMessage, v any) (json.RawMessage, error) {
	if len(raw) > 0 {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return data, nil
}
