// Package records persists uploads and their processing outcomes. It backs
// the gallery and stats endpoints viewers pull from during reconciliation.
package records

import (
	"context"
	"errors"
	"time"

	"github.com/petal-labs/livepipe/protocol"
	"github.com/petal-labs/livepipe/storage"
)

// ErrNotFound is returned when an upload does not exist.
var ErrNotFound = errors.New("records: upload not found")

// Upload is one stored upload row.
type Upload struct {
	ID          string
	Filename    string
	MimeType    string
	SizeBytes   int64
	OriginalKey string
	Status      string

	ThumbnailKey         string
	ResizedKey           string
	Metadata             *protocol.Metadata
	ProcessingDurationMs *int64
	ErrorMessage         string

	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Outcome is the result the worker reported for a processed upload.
type Outcome struct {
	ID           string
	ThumbnailKey string
	ResizedKey   string
	Metadata     protocol.Metadata
	DurationMs   int64
	At           time.Time
}

// Store is the relational record store.
type Store interface {
	CreateUpload(ctx context.Context, u Upload) error
	Upload(ctx context.Context, id string) (Upload, error)

	// Gallery lists processed uploads, newest first, with the total number
	// of processed uploads.
	Gallery(ctx context.Context, limit, offset int) ([]Upload, int, error)

	Stats(ctx context.Context) (protocol.Stats, error)
	MarkProcessed(ctx context.Context, o Outcome) error
	MarkFailed(ctx context.Context, id, message string) error
	Ping(ctx context.Context) error
}

// GalleryItem converts u to its viewer-facing form, resolving object keys
// through urls.
func (u Upload) GalleryItem(urls storage.URLResolver) protocol.GalleryItem {
	item := protocol.GalleryItem{
		ID:                   u.ID,
		Filename:             u.Filename,
		Status:               u.Status,
		OriginalURL:          urls.PublicURL(u.OriginalKey),
		ThumbnailURL:         urls.PublicURL(u.ThumbnailKey),
		ResizedURL:           urls.PublicURL(u.ResizedKey),
		ProcessingDurationMs: u.ProcessingDurationMs,
		ErrorMessage:         u.ErrorMessage,
		CreatedAt:            u.CreatedAt,
		ProcessedAt:          u.ProcessedAt,
	}
	if u.Metadata != nil {
		md := u.Metadata.Clone()
		md.SizeOriginal = u.SizeBytes
		item.Metadata = &md
	}
	return item
}
