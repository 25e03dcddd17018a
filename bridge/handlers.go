package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petal-labs/livepipe/protocol"
	"github.com/petal-labs/livepipe/records"
)

var errMissingID = errors.New("message has no id")

func (b *Bridge) handleStep(ctx context.Context, data []byte) error {
	var msg protocol.StepMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode step: %w", err)
	}
	if msg.ID == "" {
		return errMissingID
	}

	b.distribute(ctx, protocol.NewStep(msg.ID, msg.Step, msg.Detail, msg.DurationMs, msg.Timestamp, msg.Activation))
	return nil
}

func (b *Bridge) handleProcessed(ctx context.Context, data []byte) error {
	var msg protocol.ProcessedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode processed: %w", err)
	}

	// The worker reported a terminal outcome even if the id is missing.
	b.jobLeft(ctx, msg.ID)
	if msg.ID == "" {
		return errMissingID
	}

	act := protocol.Activation{
		ActiveNodes: []string{"api", "app"},
		ActiveEdges: []string{"api-app"},
		EdgeLabels:  map[string]string{"api-app": fmt.Sprintf("processed (%dms)", msg.TotalDurationMs)},
	}
	frame := protocol.NewProcessed(
		msg.ID,
		b.urls.PublicURL(msg.ThumbnailKey),
		b.urls.PublicURL(msg.ResizedKey),
		msg.Metadata,
		msg.TotalDurationMs,
		msg.Timestamp,
		act,
	)

	// Recorded before the broadcast so pulls triggered by the frame see it.
	if b.outcomes != nil {
		err := b.outcomes.MarkProcessed(ctx, records.Outcome{
			ID:           msg.ID,
			ThumbnailKey: msg.ThumbnailKey,
			ResizedKey:   msg.ResizedKey,
			Metadata:     msg.Metadata,
			DurationMs:   msg.TotalDurationMs,
			At:           timestampOrNow(msg.Timestamp),
		})
		if err != nil {
			b.logger.Warn("failed to record processed upload", "id", msg.ID, "error", err)
		}
	}
	b.distribute(ctx, frame)
	return nil
}

func (b *Bridge) handleError(ctx context.Context, data []byte) error {
	var msg protocol.ErrorMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode error: %w", err)
	}

	b.jobLeft(ctx, msg.ID)
	if msg.ID == "" {
		return errMissingID
	}
	if b.outcomes != nil {
		if err := b.outcomes.MarkFailed(ctx, msg.ID, msg.Error); err != nil {
			b.logger.Warn("failed to record failed upload", "id", msg.ID, "error", err)
		}
	}
	b.distribute(ctx, protocol.NewFailed(msg.ID, msg.Error, msg.Step, msg.Timestamp))
	return nil
}

// distribute broadcasts f and appends its record. The two are independent.
func (b *Bridge) distribute(ctx context.Context, f protocol.Frame) {
	if _, err := b.registry.Broadcast(ctx, f); err != nil {
		b.logger.Error("broadcast failed", "kind", f.Kind(), "error", err)
	}
	if rec, ok := protocol.RecordFromFrame(f); ok {
		b.writer.Write(ctx, rec)
	}
}

// jobLeft is called exactly once per terminal outcome.
func (b *Bridge) jobLeft(ctx context.Context, id string) {
	if _, err := b.jobs.Decrement(ctx); err != nil {
		b.logger.Warn("failed to decrement active jobs", "id", id, "error", err)
	}
}

func timestampOrNow(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
