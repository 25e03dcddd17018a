package protocol

import (
	"maps"
	"time"
)

// Metadata describes a processed image.
type Metadata struct {
	Width         int            `json:"width"`
	Height        int            `json:"height"`
	Format        string         `json:"format"`
	Exif          map[string]any `json:"exif"`
	DominantColor string         `json:"dominantColor"`
	SizeOriginal  int64          `json:"sizeOriginal"`
	SizeThumbnail int64          `json:"sizeThumbnail"`
	SizeResized   int64          `json:"sizeResized"`
}

// Clone returns a copy of m with its own exif map.
func (m Metadata) Clone() Metadata {
	m.Exif = maps.Clone(m.Exif)
	return m
}

// Stats is an aggregate snapshot of pipeline activity. Snapshots replace
// each other wholesale.
type Stats struct {
	TotalProcessed   int64   `json:"totalProcessed"`
	AvgProcessingMs  float64 `json:"avgProcessingMs"`
	ActiveJobs       int64   `json:"activeJobs"`
	Last24hCount     int64   `json:"last24hCount"`
	StorageUsedBytes int64   `json:"storageUsedBytes"`
}

// Upload statuses as stored by the record store.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusError      = "error"
)

// GalleryItem is the server-authoritative summary of one upload.
type GalleryItem struct {
	ID                   string     `json:"id"`
	Filename             string     `json:"filename"`
	Status               string     `json:"status"`
	ThumbnailURL         string     `json:"thumbnailUrl"`
	ResizedURL           string     `json:"resizedUrl"`
	OriginalURL          string     `json:"originalUrl"`
	Metadata             *Metadata  `json:"metadata"`
	ProcessingDurationMs *int64     `json:"processingDurationMs"`
	ErrorMessage         string     `json:"errorMessage,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	ProcessedAt          *time.Time `json:"processedAt,omitempty"`
}

// GalleryItemFromProcessed builds the gallery entry a viewer shows for a
// processed frame before the authoritative copy is pulled.
func GalleryItemFromProcessed(p Processed, filename string) GalleryItem {
	if filename == "" {
		filename = p.ID
	}
	md := p.Metadata.Clone()
	dur := p.TotalDurationMs
	created := time.UnixMilli(p.Timestamp).UTC()
	return GalleryItem{
		ID:                   p.ID,
		Filename:             filename,
		Status:               StatusProcessed,
		ThumbnailURL:         p.ThumbnailURL,
		ResizedURL:           p.ResizedURL,
		Metadata:             &md,
		ProcessingDurationMs: &dur,
		CreatedAt:            created,
		ProcessedAt:          &created,
	}
}
