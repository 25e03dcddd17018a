// Package protocol defines the notification frames pushed from the server to
// live viewers, the condensed event records kept for catch-up, and the
// messages exchanged with pipeline workers over the bus.
//
// A frame travels as a JSON envelope:
//
//	{"type": "<kind>", "payload": {...}}
//
// Decode returns the concrete frame type for the envelope kind, so consumers
// dispatch with a type switch over the variants declared here.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Kind identifies the payload shape of a frame.
type Kind string

const (
	KindConnected      Kind = "connected"
	KindUploadReceived Kind = "upload_received"
	KindStep           Kind = "step"
	KindProcessed      Kind = "processed"
	KindError          Kind = "error"
	KindStatsUpdate    Kind = "stats_update"
)

// Keepalive probe literals. They are plain text messages, not frames.
const (
	Ping = "ping"
	Pong = "pong"
)

// ErrUnknownKind is returned by Decode for an envelope whose type is not one
// of the frame kinds.
var ErrUnknownKind = errors.New("protocol: unknown frame kind")

// Frame is a notification pushed to viewers. The concrete types are
// Connected, UploadReceived, Step, Processed, Failed and StatsUpdate.
type Frame interface {
	Kind() Kind
	frame()
}

// Activation names the pipeline graph elements a frame lights up.
type Activation struct {
	ActiveNodes []string          `json:"activeNodes"`
	ActiveEdges []string          `json:"activeEdges"`
	EdgeLabels  map[string]string `json:"edgeLabels"`
}

// Clone returns a deep copy of a.
func (a Activation) Clone() Activation {
	out := Activation{
		ActiveNodes: slices.Clone(a.ActiveNodes),
		ActiveEdges: slices.Clone(a.ActiveEdges),
		EdgeLabels:  maps.Clone(a.EdgeLabels),
	}
	if out.ActiveNodes == nil {
		out.ActiveNodes = []string{}
	}
	if out.ActiveEdges == nil {
		out.ActiveEdges = []string{}
	}
	if out.EdgeLabels == nil {
		out.EdgeLabels = map[string]string{}
	}
	return out
}

// Empty reports whether a activates nothing.
func (a Activation) Empty() bool {
	return len(a.ActiveNodes) == 0 && len(a.ActiveEdges) == 0 && len(a.EdgeLabels) == 0
}

// Connected is sent to a single connection right after it registers.
type Connected struct {
	ClientID       string `json:"clientId"`
	ActiveUploads  int64  `json:"activeUploads"`
	TotalProcessed int64  `json:"totalProcessed"`
}

// UploadReceived announces an accepted upload.
type UploadReceived struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"sizeBytes"`
	Timestamp int64  `json:"timestamp"`
	Activation
}

// Step reports progress of one pipeline stage.
type Step struct {
	ID         string `json:"id"`
	Step       string `json:"step"`
	Detail     string `json:"detail"`
	DurationMs int64  `json:"durationMs"`
	Timestamp  int64  `json:"timestamp"`
	Activation
}

// Processed reports a successfully processed upload.
type Processed struct {
	ID              string   `json:"id"`
	ThumbnailURL    string   `json:"thumbnailUrl"`
	ResizedURL      string   `json:"resizedUrl"`
	Metadata        Metadata `json:"metadata"`
	TotalDurationMs int64    `json:"totalDurationMs"`
	Timestamp       int64    `json:"timestamp"`
	Activation
}

// Failed reports that processing of an upload failed. Its wire kind is
// "error".
type Failed struct {
	ID        string `json:"id"`
	Error     string `json:"error"`
	Step      string `json:"step"`
	Timestamp int64  `json:"timestamp"`
}

// StatsUpdate carries a full stats snapshot.
type StatsUpdate struct {
	Stats
}

func (Connected) Kind() Kind      { return KindConnected }
func (UploadReceived) Kind() Kind { return KindUploadReceived }
func (Step) Kind() Kind           { return KindStep }
func (Processed) Kind() Kind      { return KindProcessed }
func (Failed) Kind() Kind         { return KindError }
func (StatsUpdate) Kind() Kind    { return KindStatsUpdate }

func (Connected) frame()      {}
func (UploadReceived) frame() {}
func (Step) frame()           {}
func (Processed) frame()      {}
func (Failed) frame()         {}
func (StatsUpdate) frame()    {}

// NewConnected builds a connected frame.
func NewConnected(clientID string, activeUploads, totalProcessed int64) Connected {
	return Connected{ClientID: clientID, ActiveUploads: activeUploads, TotalProcessed: totalProcessed}
}

// NewUploadReceived builds an upload_received frame. The activation is copied.
func NewUploadReceived(id, filename string, sizeBytes, timestamp int64, act Activation) UploadReceived {
	return UploadReceived{
		ID:         id,
		Filename:   filename,
		SizeBytes:  sizeBytes,
		Timestamp:  timestamp,
		Activation: act.Clone(),
	}
}

// NewStep builds a step frame. The activation is copied.
func NewStep(id, step, detail string, durationMs, timestamp int64, act Activation) Step {
	return Step{
		ID:         id,
		Step:       step,
		Detail:     detail,
		DurationMs: durationMs,
		Timestamp:  timestamp,
		Activation: act.Clone(),
	}
}

// NewProcessed builds a processed frame. Metadata and activation are copied.
func NewProcessed(id, thumbnailURL, resizedURL string, md Metadata, totalDurationMs, timestamp int64, act Activation) Processed {
	return Processed{
		ID:              id,
		ThumbnailURL:    thumbnailURL,
		ResizedURL:      resizedURL,
		Metadata:        md.Clone(),
		TotalDurationMs: totalDurationMs,
		Timestamp:       timestamp,
		Activation:      act.Clone(),
	}
}

// NewFailed builds an error frame.
func NewFailed(id, errMsg, step string, timestamp int64) Failed {
	return Failed{ID: id, Error: errMsg, Step: step, Timestamp: timestamp}
}

// NewStatsUpdate builds a stats_update frame.
func NewStatsUpdate(s Stats) StatsUpdate {
	return StatsUpdate{Stats: s}
}

type envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes f into its wire envelope.
func Encode(f Frame) ([]byte, error) {
	if f == nil {
		return nil, errors.New("protocol: encode nil frame")
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", f.Kind(), err)
	}
	return json.Marshal(envelope{Type: f.Kind(), Payload: payload})
}

// Decode parses a wire envelope and returns the concrete frame it carries.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, fmt.Errorf("protocol: decode %q: missing payload", env.Type)
	}

	switch env.Type {
	case KindConnected:
		return decodePayload[Connected](env)
	case KindUploadReceived:
		return decodePayload[UploadReceived](env)
	case KindStep:
		return decodePayload[Step](env)
	case KindProcessed:
		return decodePayload[Processed](env)
	case KindError:
		return decodePayload[Failed](env)
	case KindStatsUpdate:
		return decodePayload[StatsUpdate](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}

func decodePayload[T Frame](env envelope) (Frame, error) {
	var f T
	if err := json.Unmarshal(env.Payload, &f); err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", env.Type, err)
	}
	if field := missingIdentity(f); field != "" {
		return nil, fmt.Errorf("protocol: decode %s: missing %s", env.Type, field)
	}
	return f, nil
}

// missingIdentity names the identifying field f lacks, or returns "".
func missingIdentity(f Frame) string {
	var id string
	switch fr := f.(type) {
	case Connected:
		if fr.ClientID == "" {
			return "clientId"
		}
		return ""
	case UploadReceived:
		id = fr.ID
	case Step:
		id = fr.ID
	case Processed:
		id = fr.ID
	case Failed:
		id = fr.ID
	default:
		return ""
	}
	if id == "" {
		return "id"
	}
	return ""
}
