package protocol

import (
	"fmt"
	"strconv"

	humanize "github.com/dustin/go-humanize"
	"github.com/zeebo/xxh3"
)

// RecordKind is the pipeline stage an EventRecord describes.
type RecordKind string

const (
	RecordUpload    RecordKind = "upload"
	RecordStep      RecordKind = "step"
	RecordProcessed RecordKind = "processed"
	RecordError     RecordKind = "error"
)

// EventRecord is the condensed form of a frame kept for catch-up.
// One upload yields several records sharing an ID, so identity is the
// (ID, Kind, Timestamp) triple.
type EventRecord struct {
	ID          string     `json:"id"`
	Kind        RecordKind `json:"type"`
	Timestamp   int64      `json:"timestamp"`
	Description string     `json:"description"`
	Detail      string     `json:"detail,omitempty"`
	DurationMs  *int64     `json:"durationMs,omitempty"`
}

// RecordKey is the identity of an EventRecord.
type RecordKey struct {
	ID        string
	Kind      RecordKind
	Timestamp int64
}

// Key returns the identity of r.
func (r EventRecord) Key() RecordKey {
	return RecordKey{ID: r.ID, Kind: r.Kind, Timestamp: r.Timestamp}
}

// KeyHash returns a 64-bit hash of the identity of r.
func (r EventRecord) KeyHash() uint64 {
	buf := make([]byte, 0, len(r.ID)+len(r.Kind)+24)
	buf = append(buf, r.ID...)
	buf = append(buf, 0)
	buf = append(buf, r.Kind...)
	buf = append(buf, 0)
	buf = strconv.AppendInt(buf, r.Timestamp, 10)
	return xxh3.Hash(buf)
}

// RecordFromFrame derives the event record for f. Frames that are not part
// of the event history (connected, stats_update) return false.
func RecordFromFrame(f Frame) (EventRecord, bool) {
	switch fr := f.(type) {
	case UploadReceived:
		return EventRecord{
			ID:          fr.ID,
			Kind:        RecordUpload,
			Timestamp:   fr.Timestamp,
			Description: "Uploaded " + fr.Filename,
			Detail:      humanize.IBytes(nonNegative(fr.SizeBytes)),
		}, true
	case Step:
		d := fr.DurationMs
		return EventRecord{
			ID:          fr.ID,
			Kind:        RecordStep,
			Timestamp:   fr.Timestamp,
			Description: fr.Detail,
			DurationMs:  &d,
		}, true
	case Processed:
		d := fr.TotalDurationMs
		return EventRecord{
			ID:          fr.ID,
			Kind:        RecordProcessed,
			Timestamp:   fr.Timestamp,
			Description: fmt.Sprintf("Processed in %dms", fr.TotalDurationMs),
			Detail:      fmt.Sprintf("%dx%d", fr.Metadata.Width, fr.Metadata.Height),
			DurationMs:  &d,
		}, true
	case Failed:
		return EventRecord{
			ID:          fr.ID,
			Kind:        RecordError,
			Timestamp:   fr.Timestamp,
			Description: "Error: " + fr.Error,
			Detail:      "Failed at: " + fr.Step,
		}, true
	default:
		return EventRecord{}, false
	}
}

func nonNegative(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}
