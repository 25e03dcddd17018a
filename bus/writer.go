package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/livepipe/protocol"
)

// StoreWriter appends records to an EventStore, logging failures instead of
// returning them. Callers use it where a lost history entry must not affect
// the live path.
type StoreWriter struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreWriter creates a new StoreWriter.
func NewStoreWriter(store EventStore, logger *slog.Logger) *StoreWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreWriter{
		store:  store,
		logger: logger,
	}
}

// Write persists rec. It reports whether the append succeeded.
func (w *StoreWriter) Write(ctx context.Context, rec protocol.EventRecord) bool {
	if err := w.store.Append(ctx, rec); err != nil {
		w.logger.Error("failed to persist event",
			"id", rec.ID,
			"kind", rec.Kind,
			"timestamp", rec.Timestamp,
			"error", err,
		)
		return false
	}
	return true
}
