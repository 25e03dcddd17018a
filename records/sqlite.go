package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/livepipe/protocol"

	_ "modernc.org/sqlite"
)

const recordsSQLiteSchema = `
CREATE TABLE IF NOT EXISTS uploads (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	filename TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	original_key TEXT NOT NULL,
	status TEXT NOT NULL,
	thumbnail_key TEXT,
	resized_key TEXT,
	metadata_json TEXT,
	size_thumbnail INTEGER,
	size_resized INTEGER,
	processing_duration_ms INTEGER,
	error_message TEXT,
	created_at INTEGER NOT NULL,
	processed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_uploads_status_created
ON uploads(status, created_at);`

const uploadColumns = `id, filename, mime_type, size_bytes, original_key, status,
	thumbnail_key, resized_key, metadata_json, processing_duration_ms, error_message,
	created_at, processed_at`

// SQLiteConfig configures the SQLite record store.
type SQLiteConfig struct {
	DSN string
}

// SQLiteStore persists uploads in SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite-backed record store.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("records sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("records sqlite store open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("records sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(recordsSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("records sqlite store create schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) CreateUpload(ctx context.Context, u Upload) error {
	if u.ID == "" {
		return errors.New("records: upload id is required")
	}
	if u.Status == "" {
		u.Status = protocol.StatusPending
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (id, filename, mime_type, size_bytes, original_key, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Filename, u.MimeType, u.SizeBytes, u.OriginalKey, u.Status, u.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("records: create upload: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Upload(ctx context.Context, id string) (Upload, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = ?`, id)
	u, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Upload{}, ErrNotFound
	}
	if err != nil {
		return Upload{}, fmt.Errorf("records: get upload: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) Gallery(ctx context.Context, limit, offset int) ([]Upload, int, error) {
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+uploadColumns+` FROM uploads
		 WHERE status = ?
		 ORDER BY created_at DESC, seq DESC
		 LIMIT ? OFFSET ?`,
		protocol.StatusProcessed, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("records: gallery: %w", err)
	}
	defer rows.Close()

	items := []Upload{}
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("records: scan gallery: %w", err)
		}
		items = append(items, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("records: gallery rows: %w", err)
	}
	rows.Close()

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM uploads WHERE status = ?`, protocol.StatusProcessed,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("records: gallery count: %w", err)
	}
	return items, total, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (protocol.Stats, error) {
	var (
		st      protocol.Stats
		avg     sql.NullFloat64
		storage sql.NullInt64
	)
	since := s.now().Add(-24 * time.Hour).UnixMilli()
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE status = 'processed'),
			AVG(processing_duration_ms) FILTER (WHERE status = 'processed'),
			COUNT(*) FILTER (WHERE status IN ('pending', 'processing')),
			COUNT(*) FILTER (WHERE created_at >= ?),
			SUM(size_bytes + COALESCE(size_thumbnail, 0) + COALESCE(size_resized, 0))
		 FROM uploads`, since,
	).Scan(&st.TotalProcessed, &avg, &st.ActiveJobs, &st.Last24hCount, &storage)
	if err != nil {
		return protocol.Stats{}, fmt.Errorf("records: stats: %w", err)
	}
	if avg.Valid {
		st.AvgProcessingMs = avg.Float64
	}
	if storage.Valid {
		st.StorageUsedBytes = storage.Int64
	}
	return st, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, o Outcome) error {
	md, err := json.Marshal(o.Metadata)
	if err != nil {
		return fmt.Errorf("records: marshal metadata: %w", err)
	}
	at := o.At
	if at.IsZero() {
		at = s.now()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE uploads SET
			status = ?, thumbnail_key = ?, resized_key = ?, metadata_json = ?,
			size_thumbnail = ?, size_resized = ?, processing_duration_ms = ?, processed_at = ?
		 WHERE id = ?`,
		protocol.StatusProcessed, o.ThumbnailKey, o.ResizedKey, string(md),
		o.Metadata.SizeThumbnail, o.Metadata.SizeResized, o.DurationMs, at.UnixMilli(),
		o.ID,
	)
	if err != nil {
		return fmt.Errorf("records: mark processed: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE uploads SET status = ?, error_message = ? WHERE id = ?`,
		protocol.StatusError, message, id,
	)
	if err != nil {
		return fmt.Errorf("records: mark failed: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("records: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (Upload, error) {
	var (
		u           Upload
		thumbKey    sql.NullString
		resizedKey  sql.NullString
		mdJSON      sql.NullString
		duration    sql.NullInt64
		errMsg      sql.NullString
		createdAt   int64
		processedAt sql.NullInt64
	)
	if err := row.Scan(
		&u.ID, &u.Filename, &u.MimeType, &u.SizeBytes, &u.OriginalKey, &u.Status,
		&thumbKey, &resizedKey, &mdJSON, &duration, &errMsg,
		&createdAt, &processedAt,
	); err != nil {
		return Upload{}, err
	}

	u.ThumbnailKey = thumbKey.String
	u.ResizedKey = resizedKey.String
	u.ErrorMessage = errMsg.String
	u.CreatedAt = time.UnixMilli(createdAt).UTC()
	if duration.Valid {
		d := duration.Int64
		u.ProcessingDurationMs = &d
	}
	if processedAt.Valid {
		t := time.UnixMilli(processedAt.Int64).UTC()
		u.ProcessedAt = &t
	}
	if mdJSON.Valid && mdJSON.String != "" {
		var md protocol.Metadata
		if err := json.Unmarshal([]byte(mdJSON.String), &md); err != nil {
			return Upload{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
		u.Metadata = &md
	}
	return u, nil
}

var _ Store = (*SQLiteStore)(nil)
