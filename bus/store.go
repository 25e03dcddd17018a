package bus

import (
	"context"

	"github.com/petal-labs/livepipe/protocol"
)

// EventStore keeps a bounded history of event records for catch-up.
type EventStore interface {
	// Append stores rec. Appending a record whose identity is already held
	// is a no-op.
	Append(ctx context.Context, rec protocol.EventRecord) error

	// Recent returns up to limit records, most recent first. A limit of 0
	// or less returns everything held.
	Recent(ctx context.Context, limit int) ([]protocol.EventRecord, error)
}
