package bus

import (
	"context"
	"sync"

	"github.com/petal-labs/livepipe/protocol"
)

// DefaultEventCapacity is the number of records a MemEventStore keeps when
// no capacity is configured.
const DefaultEventCapacity = 500

// MemEventStore is a thread-safe fixed-size ring of event records. Once full,
// each append evicts the oldest record.
type MemEventStore struct {
	mu    sync.RWMutex
	ring  []protocol.EventRecord
	next  int
	count int
	keys  map[protocol.RecordKey]struct{}
}

// NewMemEventStore creates a ring buffer holding up to capacity records.
func NewMemEventStore(capacity int) *MemEventStore {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &MemEventStore{
		ring: make([]protocol.EventRecord, capacity),
		keys: make(map[protocol.RecordKey]struct{}, capacity),
	}
}

func (s *MemEventStore) Append(_ context.Context, rec protocol.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Key()
	if _, ok := s.keys[key]; ok {
		return nil
	}

	if s.count == len(s.ring) {
		delete(s.keys, s.ring[s.next].Key())
	} else {
		s.count++
	}
	s.ring[s.next] = rec
	s.keys[key] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
	return nil
}

func (s *MemEventStore) Recent(_ context.Context, limit int) ([]protocol.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.count
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]protocol.EventRecord, 0, n)
	idx := s.next
	for range n {
		idx = (idx - 1 + len(s.ring)) % len(s.ring)
		out = append(out, s.ring[idx])
	}
	return out, nil
}

// Len returns the number of records held.
func (s *MemEventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)
