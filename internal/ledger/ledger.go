// Package ledger persists which duplicate pairs have been merged, plus a
// journal of every attempt, in a SQLite file.
//
// The processed set is loaded into memory when the ledger is opened and is
// consulted without touching disk. MarkProcessed commits before returning, so
// a crash immediately after it cannot lose the record.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lherron/revmerge/internal/db"
	"github.com/lherron/revmerge/internal/domain"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Ledger is the durable set of processed pairs
type Ledger struct {
	db     *db.DB
	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	processed map[domain.PairKey]time.Time

	quarantined string
}

// Options configures Open
type Options struct {
	Logger *zap.Logger
	Now    func() time.Time
}

// Open opens the ledger at path, creating it when missing. A corrupt file is
// renamed to <path>.corrupt-<timestamp> and replaced with an empty ledger.
func Open(path string, opts Options) (*Ledger, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	l := &Ledger{logger: logger, now: now, processed: make(map[domain.PairKey]time.Time)}

	database, err := openMigrated(path)
	if err != nil {
		if !db.IsCorrupt(err) {
			return nil, err
		}
		moved, qerr := quarantine(path, now())
		if qerr != nil {
			return nil, fmt.Errorf("failed to quarantine corrupt ledger: %w", qerr)
		}
		logger.Warn("ledger: storage was corrupt, starting with an empty ledger",
			zap.String("path", path),
			zap.String("quarantined_to", moved),
			zap.Error(err))
		l.quarantined = moved

		database, err = openMigrated(path)
		if err != nil {
			return nil, err
		}
	}
	l.db = database

	if err := l.load(); err != nil {
		database.Close()
		return nil, err
	}
	logger.Debug("ledger: loaded", zap.String("path", path), zap.Int("entries", len(l.processed)))
	return l, nil
}

func openMigrated(path string) (*db.DB, error) {
	database, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// quarantine moves the file and any WAL sidecars aside
func quarantine(path string, at time.Time) (string, error) {
	target := fmt.Sprintf("%s.corrupt-%s", path, at.UTC().Format("20060102T150405Z"))
	if err := os.Rename(path, target); err != nil {
		return "", err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if _, err := os.Stat(path + suffix); err == nil {
			_ = os.Rename(path+suffix, target+suffix)
		}
	}
	return target, nil
}

func (l *Ledger) load() error {
	rows, err := l.db.Query("SELECT authoritative_id, retiring_id, recorded_at FROM processed_pairs")
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key domain.PairKey
		var recorded string
		if err := rows.Scan(&key.AuthoritativeID, &key.RetiringID, &recorded); err != nil {
			return fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		l.processed[key] = parseTime(recorded)
	}
	return rows.Err()
}

// Path returns the ledger file path
func (l *Ledger) Path() string {
	return l.db.Path()
}

// Quarantined returns where a corrupt ledger was moved on open, or ""
func (l *Ledger) Quarantined() string {
	return l.quarantined
}

// Close closes the underlying database
func (l *Ledger) Close() error {
	return l.db.Close()
}

// IsProcessed reports whether the pair has been recorded as merged
func (l *Ledger) IsProcessed(authoritativeID, retiringID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.processed[domain.PairKey{AuthoritativeID: authoritativeID, RetiringID: retiringID}]
	return ok
}

// MarkProcessed records the pair durably. Recording an already present pair
// is a no-op.
func (l *Ledger) MarkProcessed(ctx context.Context, authoritativeID, retiringID string) error {
	key := domain.PairKey{AuthoritativeID: authoritativeID, RetiringID: retiringID}
	at := l.now().UTC()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO processed_pairs (authoritative_id, retiring_id, recorded_at)
		VALUES (?, ?, ?)
		ON CONFLICT(authoritative_id, retiring_id) DO NOTHING
	`, authoritativeID, retiringID, at.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to record %s in ledger: %w", key, err)
	}

	l.mu.Lock()
	if _, ok := l.processed[key]; !ok {
		l.processed[key] = at
	}
	l.mu.Unlock()
	return nil
}

// Forget removes a pair so a later run may process it again. It reports
// whether the pair was present.
func (l *Ledger) Forget(ctx context.Context, authoritativeID, retiringID string) (bool, error) {
	key := domain.PairKey{AuthoritativeID: authoritativeID, RetiringID: retiringID}
	res, err := l.db.ExecContext(ctx,
		"DELETE FROM processed_pairs WHERE authoritative_id = ? AND retiring_id = ?",
		authoritativeID, retiringID)
	if err != nil {
		return false, fmt.Errorf("failed to remove %s from ledger: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	delete(l.processed, key)
	l.mu.Unlock()
	return n > 0, nil
}

// Entries returns the processed pairs ordered by recording time
func (l *Ledger) Entries() []domain.ProgressEntry {
	l.mu.RLock()
	entries := make([]domain.ProgressEntry, 0, len(l.processed))
	for key, at := range l.processed {
		entries = append(entries, domain.ProgressEntry{PairKey: key, RecordedAt: at})
	}
	l.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].RecordedAt.Equal(entries[j].RecordedAt) {
			return entries[i].RecordedAt.Before(entries[j].RecordedAt)
		}
		return entries[i].String() < entries[j].String()
	})
	return entries
}

// Len returns the number of processed pairs
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.processed)
}

func parseTime(s string) time.Time {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableJSON(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
