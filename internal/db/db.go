// Package db persists the governor's audit trail in SQLite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/lvcoi/ytgate/internal/governor"
)

// EventRecord is a row in the governor_events table.
type EventRecord struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Key       string    `json:"ip,omitempty"`
	Count     int       `json:"count,omitempty"`
	UnblockAt time.Time `json:"unblockAt,omitzero"`
	Actor     string    `json:"actor"`
	At        time.Time `json:"at"`
}

// Times are stored as Unix milliseconds so ordering and range scans stay
// numeric.
const createTableSQL = `
CREATE TABLE IF NOT EXISTS governor_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    kind        TEXT NOT NULL,
    ip          TEXT NOT NULL DEFAULT '',
    count       INTEGER NOT NULL DEFAULT 0,
    unblock_at  INTEGER NOT NULL DEFAULT 0,
    actor       TEXT NOT NULL DEFAULT '',
    at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_governor_events_at ON governor_events(at);
CREATE INDEX IF NOT EXISTS idx_governor_events_ip ON governor_events(ip);
`

var errNotInitialized = errors.New("database not initialized")

// DB wraps an SQLite connection for the audit log.
type DB struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the SQLite database at the given path.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database at %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	if _, err := sqlDB.Exec(createTableSQL); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &DB{db: sqlDB}, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// InsertEvent appends ev and returns its row ID.
func (d *DB) InsertEvent(ctx context.Context, ev governor.Event) (int64, error) {
	if d == nil || d.db == nil {
		return 0, errNotInitialized
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	result, err := d.db.ExecContext(ctx, `
		INSERT INTO governor_events (kind, ip, count, unblock_at, actor, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(ev.Kind), ev.Key, ev.Count, toMillis(ev.UnblockAt), ev.Actor, toMillis(ev.At))
	if err != nil {
		return 0, fmt.Errorf("inserting governor event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting last insert id: %w", err)
	}
	return id, nil
}

// ListEvents returns events newest first.
func (d *DB) ListEvents(ctx context.Context, limit, offset int) ([]EventRecord, error) {
	if d == nil || d.db == nil {
		return nil, errNotInitialized
	}

	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, kind, ip, count, unblock_at, actor, at
		FROM governor_events
		ORDER BY at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying governor events: %w", err)
	}
	defer rows.Close()

	records := []EventRecord{}
	for rows.Next() {
		var r EventRecord
		var unblockAt, at int64
		if err := rows.Scan(&r.ID, &r.Kind, &r.Key, &r.Count, &unblockAt, &r.Actor, &at); err != nil {
			return nil, fmt.Errorf("scanning governor event: %w", err)
		}
		r.UnblockAt = fromMillis(unblockAt)
		r.At = fromMillis(at)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Count returns the total number of stored events.
func (d *DB) Count(ctx context.Context) (int, error) {
	if d == nil || d.db == nil {
		return 0, errNotInitialized
	}

	var count int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM governor_events").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting governor events: %w", err)
	}
	return count, nil
}

// Prune deletes events recorded before cutoff.
func (d *DB) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if d == nil || d.db == nil {
		return 0, errNotInitialized
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	result, err := d.db.ExecContext(ctx, "DELETE FROM governor_events WHERE at < ?", toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning governor events: %w", err)
	}
	return result.RowsAffected()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

const defaultPruneInterval = time.Hour

// AuditSink is a governor.Observer that writes events to the database off
// the request path. With a retention set it also prunes old events.
type AuditSink struct {
	db     *DB
	events chan governor.Event
	log    *zap.SugaredLogger

	retention  time.Duration
	pruneEvery time.Duration
	now        func() time.Time
}

type SinkOption func(*AuditSink)

// WithRetention prunes events older than keep, once when Run starts and then
// every interval. A non-positive keep disables pruning.
func WithRetention(keep, interval time.Duration) SinkOption {
	return func(s *AuditSink) {
		s.retention = keep
		if interval > 0 {
			s.pruneEvery = interval
		}
	}
}

func NewAuditSink(d *DB, log *zap.SugaredLogger, opts ...SinkOption) *AuditSink {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &AuditSink{
		db:         d,
		events:     make(chan governor.Event, 256),
		log:        log,
		pruneEvery: defaultPruneInterval,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnEvent queues ev. Events are dropped, with a warning, when the writer
// falls behind.
func (s *AuditSink) OnEvent(ev governor.Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warnw("Audit queue full, dropping event", "kind", ev.Kind, "ip", ev.Key)
	}
}

// Run writes queued events until ctx is cancelled, then flushes what is
// left.
func (s *AuditSink) Run(ctx context.Context) {
	// Writes outlive cancellation so an event dequeued during shutdown is
	// not lost.
	writeCtx := context.WithoutCancel(ctx)

	var pruneC <-chan time.Time
	if s.retention > 0 {
		s.prune(ctx)
		ticker := time.NewTicker(s.pruneEvery)
		defer ticker.Stop()
		pruneC = ticker.C
	}

	for {
		select {
		case ev := <-s.events:
			s.write(writeCtx, ev)
		case <-pruneC:
			s.prune(ctx)
		case <-ctx.Done():
			for {
				select {
				case ev := <-s.events:
					s.write(writeCtx, ev)
				default:
					return
				}
			}
		}
	}
}

func (s *AuditSink) write(ctx context.Context, ev governor.Event) {
	if _, err := s.db.InsertEvent(ctx, ev); err != nil {
		s.log.Errorw("Failed to record governor event", "kind", ev.Kind, "ip", ev.Key, "error", err)
	}
}

func (s *AuditSink) prune(ctx context.Context) {
	cutoff := s.now().Add(-s.retention)
	removed, err := s.db.Prune(ctx, cutoff)
	if err != nil {
		s.log.Errorw("Failed to prune audit log", "cutoff", cutoff, "error", err)
		return
	}
	if removed > 0 {
		s.log.Infow("Pruned audit log", "removed", removed, "cutoff", cutoff)
	}
}
