package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/livepipe/protocol"
)

// staticPuller answers every pull with fixed data and counts calls.
type staticPuller struct {
	mu      sync.Mutex
	events  []protocol.EventRecord
	gallery []protocol.GalleryItem
	stats   protocol.Stats
	err     error
	calls   map[string]int
}

func (p *staticPuller) count(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[kind]
}

func (p *staticPuller) hit(kind string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = map[string]int{}
	}
	p.calls[kind]++
	return p.err
}

func (p *staticPuller) Events(context.Context, int) ([]protocol.EventRecord, error) {
	if err := p.hit("events"); err != nil {
		return nil, err
	}
	return p.events, nil
}

func (p *staticPuller) Gallery(context.Context, int) ([]protocol.GalleryItem, error) {
	if err := p.hit("gallery"); err != nil {
		return nil, err
	}
	return p.gallery, nil
}

func (p *staticPuller) Stats(context.Context) (protocol.Stats, error) {
	if err := p.hit("stats"); err != nil {
		return protocol.Stats{}, err
	}
	return p.stats, nil
}

// pullLog collects pull completions reported by the store.
type pullLog struct {
	mu   sync.Mutex
	seen []string
}

func (l *pullLog) observe(kind pullKind, applied bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, fmt.Sprintf("%s:%t", kind, applied))
}

func (l *pullLog) count(entry string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.seen {
		if s == entry {
			n++
		}
	}
	return n
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestStore(t *testing.T, puller Puller, clock Clock, log *pullLog) *Store {
	t.Helper()
	cfg := StoreConfig{Puller: puller, Clock: clock}
	if log != nil {
		cfg.pulled = log.observe
	}
	s := NewStore(cfg)
	t.Cleanup(s.Close)
	return s
}

var uploadAct = protocol.Activation{
	ActiveNodes: []string{"app", "api"},
	ActiveEdges: []string{"app-api"},
	EdgeLabels:  map[string]string{"app-api": "POST cat.png"},
}

func u1Frames() []protocol.Frame {
	return []protocol.Frame{
		protocol.NewUploadReceived("u1", "cat.png", 2048, 100, uploadAct),
		protocol.NewStep("u1", "resize", "resizing", 30, 200, protocol.Activation{
			ActiveNodes: []string{"worker"},
		}),
		protocol.NewProcessed("u1", "http://cdn/t.webp", "http://cdn/r.webp",
			protocol.Metadata{Width: 800, Height: 600}, 420, 300, protocol.Activation{
				ActiveNodes: []string{"api", "app"},
				ActiveEdges: []string{"api-app"},
			}),
	}
}

func TestStore_EndToEndUpload(t *testing.T) {
	frames := u1Frames()
	// The server has recorded the same three events.
	var serverEvents []protocol.EventRecord
	for i := len(frames) - 1; i >= 0; i-- {
		r, _ := protocol.RecordFromFrame(frames[i])
		serverEvents = append(serverEvents, r)
	}
	puller := &staticPuller{
		events:  serverEvents,
		gallery: []protocol.GalleryItem{{ID: "u1", Filename: "cat.png", Status: protocol.StatusProcessed}},
		stats:   protocol.Stats{TotalProcessed: 1},
	}
	log := &pullLog{}
	s := newTestStore(t, puller, newFakeClock(), log)

	for _, f := range frames {
		s.HandleFrame(f)
	}
	waitUntil(t, "gallery and stats pulls after processed", func() bool {
		return log.count("gallery:true") == 1 && log.count("stats:true") == 1
	})
	s.Refresh()
	waitUntil(t, "events pull", func() bool { return log.count("events:true") == 1 })

	state := s.Snapshot()
	want := []string{"Processed in 420ms", "resizing", "Uploaded cat.png"}
	if len(state.Events) != len(want) {
		t.Fatalf("events = %+v", state.Events)
	}
	for i, d := range want {
		if state.Events[i].Description != d {
			t.Errorf("event %d = %q, want %q", i, state.Events[i].Description, d)
		}
	}
	if len(state.Gallery) != 1 || state.Gallery[0].ID != "u1" {
		t.Fatalf("gallery = %+v", state.Gallery)
	}
	if state.Stats.TotalProcessed != 1 {
		t.Errorf("stats = %+v", state.Stats)
	}
}

func TestStore_ProcessedInsertsGalleryItemWithFilename(t *testing.T) {
	s := newTestStore(t, nil, newFakeClock(), nil)
	for _, f := range u1Frames() {
		s.HandleFrame(f)
	}
	state := s.Snapshot()
	if len(state.Gallery) != 1 {
		t.Fatalf("gallery = %+v", state.Gallery)
	}
	item := state.Gallery[0]
	if item.Filename != "cat.png" || item.ThumbnailURL != "http://cdn/t.webp" || item.Metadata == nil || item.Metadata.Width != 800 {
		t.Errorf("item = %+v", item)
	}

	// A processed frame for an upload this viewer never saw falls back to the id.
	s.HandleFrame(protocol.NewProcessed("u9", "", "", protocol.Metadata{}, 1, 400, protocol.Activation{}))
	state = s.Snapshot()
	if state.Gallery[0].ID != "u9" || state.Gallery[0].Filename != "u9" {
		t.Errorf("fallback item = %+v", state.Gallery[0])
	}
}

func TestStore_FilenameMemoryForgetsOldestFirst(t *testing.T) {
	s := newTestStore(t, nil, newFakeClock(), nil)
	for i := range maxFilenames + 1 {
		id := fmt.Sprintf("u%d", i)
		s.HandleFrame(protocol.NewUploadReceived(id, id+".png", 1, int64(i+1), protocol.Activation{}))
	}
	s.HandleFrame(protocol.NewProcessed("u0", "", "", protocol.Metadata{}, 1, 5000, protocol.Activation{}))
	s.HandleFrame(protocol.NewProcessed("u1", "", "", protocol.Metadata{}, 1, 5001, protocol.Activation{}))
	newest := fmt.Sprintf("u%d", maxFilenames)
	s.HandleFrame(protocol.NewProcessed(newest, "", "", protocol.Metadata{}, 1, 5002, protocol.Activation{}))

	// Only u0 was forgotten, so it falls back to its id.
	gallery := s.Snapshot().Gallery
	want := map[string]string{"u0": "u0", "u1": "u1.png", newest: newest + ".png"}
	if len(gallery) != len(want) {
		t.Fatalf("gallery = %+v", gallery)
	}
	for _, item := range gallery {
		if item.Filename != want[item.ID] {
			t.Errorf("item %s filename = %q, want %q", item.ID, item.Filename, want[item.ID])
		}
	}
}

func TestStoreState_RememberedAgainOutlivesStaleOrder(t *testing.T) {
	st := &storeState{filenames: make(map[string]filename)}
	st.rememberFilename("a", "a.png")
	st.forgetFilename("a")
	for i := range maxFilenames - 1 {
		st.rememberFilename(fmt.Sprintf("f%d", i), "x")
	}
	st.rememberFilename("a", "a2.png")
	// The map is full; the next insert evicts the oldest live entry, not "a".
	st.rememberFilename("b", "b.png")

	if got := st.filenames["a"].name; got != "a2.png" {
		t.Errorf("a = %q, want a2.png", got)
	}
	if _, ok := st.filenames["f0"]; ok {
		t.Error("f0 should have been evicted")
	}
	if len(st.filenames) != maxFilenames {
		t.Errorf("len = %d, want %d", len(st.filenames), maxFilenames)
	}
}

func TestStore_ActivationExpiresPerBatch(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, nil, clock, nil)

	s.HandleFrame(protocol.NewUploadReceived("u1", "a.png", 1, 1, uploadAct))
	_ = s.Snapshot()
	clock.Advance(1000 * time.Millisecond)

	s.HandleFrame(protocol.NewStep("u1", "s", "d", 1, 2, protocol.Activation{ActiveNodes: []string{"api"}}))
	if st := s.Snapshot(); !st.Active.HasNode("app") || !st.Active.HasNode("api") {
		t.Fatalf("active = %+v", st.Active)
	}

	// First batch expires; "api" is still held by the second.
	clock.Advance(1000 * time.Millisecond)
	st := s.Snapshot()
	if st.Active.HasNode("app") || !st.Active.HasNode("api") || st.Active.HasEdge("app-api") {
		t.Fatalf("after first expiry: %+v", st.Active)
	}

	clock.Advance(1000 * time.Millisecond)
	if st := s.Snapshot(); len(st.Active.Nodes) != 0 {
		t.Fatalf("after second expiry: %+v", st.Active)
	}
}

func TestStore_ErrorDoesNotActivate(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, nil, clock, nil)
	s.HandleFrame(protocol.NewFailed("u1", "boom", "thumbnail", 5))

	st := s.Snapshot()
	if len(st.Active.Nodes) != 0 || len(clock.Pending()) != 0 {
		t.Fatalf("error frame touched the active path: %+v", st.Active)
	}
	if len(st.Events) != 1 || st.Events[0].Description != "Error: boom" || st.Events[0].Detail != "Failed at: thumbnail" {
		t.Fatalf("events = %+v", st.Events)
	}
}

func TestStore_StatsUpdateReplaces(t *testing.T) {
	s := newTestStore(t, nil, newFakeClock(), nil)
	s.HandleFrame(protocol.NewStatsUpdate(protocol.Stats{TotalProcessed: 5, ActiveJobs: 2}))
	s.HandleFrame(protocol.NewStatsUpdate(protocol.Stats{TotalProcessed: 6}))
	if got := s.Snapshot().Stats; got != (protocol.Stats{TotalProcessed: 6}) {
		t.Fatalf("stats = %+v", got)
	}
}

func TestStore_ConnectedMarksLiveAndCatchesUp(t *testing.T) {
	puller := &staticPuller{events: []protocol.EventRecord{rec("old", protocol.RecordUpload, 1)}}
	log := &pullLog{}
	s := newTestStore(t, puller, newFakeClock(), log)

	s.HandleFrame(protocol.NewConnected("c1", 0, 0))
	waitUntil(t, "catch-up pulls", func() bool {
		return log.count("events:true") == 1 && log.count("gallery:true") == 1 && log.count("stats:true") == 1
	})
	st := s.Snapshot()
	if !st.Connected || len(st.Events) != 1 {
		t.Fatalf("state = %+v", st)
	}

	s.SetConnected(false)
	if s.Snapshot().Connected {
		t.Fatal("still connected after SetConnected(false)")
	}
}

func TestStore_PullFailureIsLoggedOnly(t *testing.T) {
	puller := &staticPuller{err: errors.New("server down")}
	s := newTestStore(t, puller, newFakeClock(), nil)
	s.HandleFrame(protocol.NewStep("u1", "s", "resizing", 1, 1, protocol.Activation{}))
	s.Refresh()
	waitUntil(t, "pull attempts", func() bool { return puller.count("stats") == 1 })

	if st := s.Snapshot(); len(st.Events) != 1 {
		t.Fatalf("events = %+v", st.Events)
	}
}

// gatedPuller blocks each gallery pull until the test answers it.
type gatedPuller struct {
	staticPuller
	mu    sync.Mutex
	gates []chan []protocol.GalleryItem
}

func (p *gatedPuller) Gallery(ctx context.Context, _ int) ([]protocol.GalleryItem, error) {
	gate := make(chan []protocol.GalleryItem, 1)
	p.mu.Lock()
	p.gates = append(p.gates, gate)
	p.mu.Unlock()
	select {
	case items := <-gate:
		return items, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *gatedPuller) waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.gates)
}

func (p *gatedPuller) answer(i int, items []protocol.GalleryItem) {
	p.mu.Lock()
	gate := p.gates[i]
	p.mu.Unlock()
	gate <- items
}

func TestStore_StalePullDiscarded(t *testing.T) {
	puller := &gatedPuller{}
	log := &pullLog{}
	s := newTestStore(t, puller, newFakeClock(), log)

	s.HandleFrame(protocol.NewConnected("c1", 0, 0))
	waitUntil(t, "first gallery pull", func() bool { return puller.waiting() == 1 })
	s.HandleFrame(protocol.NewProcessed("u2", "", "", protocol.Metadata{}, 1, 10, protocol.Activation{}))
	waitUntil(t, "second gallery pull", func() bool { return puller.waiting() == 2 })

	// The newer pull completes first.
	puller.answer(1, []protocol.GalleryItem{{ID: "u2"}, {ID: "u1"}})
	waitUntil(t, "newer pull applied", func() bool { return log.count("gallery:true") == 1 })
	puller.answer(0, []protocol.GalleryItem{{ID: "u1"}})
	waitUntil(t, "older pull discarded", func() bool { return log.count("gallery:false") == 1 })

	st := s.Snapshot()
	if len(st.Gallery) != 2 || st.Gallery[0].ID != "u2" {
		t.Fatalf("gallery = %+v", st.Gallery)
	}
}

func TestStore_CloseStopsTimers(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(StoreConfig{Clock: clock})

	s.HandleFrame(protocol.NewUploadReceived("u1", "a.png", 1, 1, uploadAct))
	s.HandleFrame(protocol.NewStep("u1", "s", "d", 1, 2, uploadAct))
	before := s.Snapshot()
	if len(clock.Pending()) != 2 {
		t.Fatalf("pending timers = %v", clock.Pending())
	}

	s.Close()
	if n := len(clock.Pending()); n != 0 {
		t.Fatalf("pending timers after Close = %d", n)
	}

	// Late input is ignored and the final state stays readable.
	s.HandleFrame(protocol.NewFailed("u1", "late", "s", 3))
	clock.Advance(time.Minute)
	after := s.Snapshot()
	if len(after.Events) != len(before.Events) || !after.Active.HasNode("app") {
		t.Fatalf("state changed after Close: %+v", after)
	}
	s.Close()
}

func TestStore_Subscribe(t *testing.T) {
	s := newTestStore(t, nil, newFakeClock(), nil)
	ch, cancel := s.Subscribe()
	defer cancel()

	s.HandleFrame(protocol.NewStatsUpdate(protocol.Stats{TotalProcessed: 1}))
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}

	// Reading state is not a change.
	_ = s.Snapshot()
	_ = s.Snapshot()
	select {
	case <-ch:
		t.Fatal("Snapshot triggered a change notification")
	case <-time.After(50 * time.Millisecond):
	}
}
