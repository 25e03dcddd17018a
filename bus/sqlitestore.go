package bus

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/petal-labs/livepipe/protocol"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	key_hash    INTEGER NOT NULL UNIQUE,
	id          TEXT    NOT NULL,
	kind        TEXT    NOT NULL,
	timestamp   INTEGER NOT NULL,
	description TEXT    NOT NULL,
	detail      TEXT    NOT NULL DEFAULT '',
	duration_ms INTEGER,
	stored_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_stored_at ON events(stored_at);
`

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes records stored longer ago than this (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many records (0 = no count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteEventStore persists event records to a SQLite database so catch-up
// history survives restarts. It uses WAL mode for concurrent readers and a
// background pruner goroutine.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens (or creates) a SQLite event store.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// A single connection serializes writers and keeps per-connection
	// pragmas in effect.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

// Append stores rec. Records whose identity hash is already present are
// ignored.
func (s *SQLiteEventStore) Append(ctx context.Context, rec protocol.EventRecord) error {
	var duration sql.NullInt64
	if rec.DurationMs != nil {
		duration = sql.NullInt64{Int64: *rec.DurationMs, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (key_hash, id, kind, timestamp, description, detail, duration_ms, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(rec.KeyHash()), // #nosec G115 -- stored bit pattern only
		rec.ID,
		string(rec.Kind),
		rec.Timestamp,
		rec.Description,
		rec.Detail,
		duration,
		s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// Recent returns up to limit records in reverse insertion order.
func (s *SQLiteEventStore) Recent(ctx context.Context, limit int) ([]protocol.EventRecord, error) {
	query := `SELECT id, kind, timestamp, description, detail, duration_ms FROM events ORDER BY seq DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: recent: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Ping checks that the database is reachable.
func (s *SQLiteEventStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
		// Already closed.
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass. Exported for testing.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := s.now().Add(-s.cfg.RetentionAge).UnixMilli()
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE stored_at < ?`, cutoff,
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
	}

	if s.cfg.RetentionCount > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE seq NOT IN (
				SELECT seq FROM events ORDER BY seq DESC LIMIT ?
			)`, s.cfg.RetentionCount,
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by count: %w", err)
		}
	}

	return nil
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanRecords(rows *sql.Rows) ([]protocol.EventRecord, error) {
	records := []protocol.EventRecord{}
	for rows.Next() {
		var (
			rec      protocol.EventRecord
			kind     string
			duration sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &kind, &rec.Timestamp, &rec.Description, &rec.Detail, &duration); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan record: %w", err)
		}
		rec.Kind = protocol.RecordKind(kind)
		if duration.Valid {
			d := duration.Int64
			rec.DurationMs = &d
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Compile-time interface check.
var _ EventStore = (*SQLiteEventStore)(nil)
