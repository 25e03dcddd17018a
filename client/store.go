package client

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/petal-labs/livepipe/protocol"
)

const (
	// DefaultActivationTTL is how long one activation batch stays lit.
	DefaultActivationTTL = 2000 * time.Millisecond

	// DefaultPullTimeout bounds each pull request.
	DefaultPullTimeout = 10 * time.Second

	pullEventLimit   = 50
	pullGalleryLimit = 20

	// maxFilenames bounds the upload filenames remembered for gallery
	// items built from processed frames. The oldest is forgotten first.
	maxFilenames = 1000
)

// Puller fetches authoritative snapshots from the server.
type Puller interface {
	Events(ctx context.Context, limit int) ([]protocol.EventRecord, error)
	Gallery(ctx context.Context, limit int) ([]protocol.GalleryItem, error)
	Stats(ctx context.Context) (protocol.Stats, error)
}

// State is an immutable copy of everything a viewer renders.
type State struct {
	Connected bool
	Active    ActiveSet
	Events    []protocol.EventRecord
	Gallery   []protocol.GalleryItem
	Stats     protocol.Stats
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Puller        Puller
	Clock         Clock
	ActivationTTL time.Duration
	PullTimeout   time.Duration
	Logger        *slog.Logger

	// pulled observes pull completions on the owner goroutine.
	pulled func(kind pullKind, applied bool)
}

type pullKind int

const (
	pullEvents pullKind = iota
	pullGallery
	pullStats
	numPullKinds
)

func (k pullKind) String() string {
	switch k {
	case pullEvents:
		return "events"
	case pullGallery:
		return "gallery"
	default:
		return "stats"
	}
}

// Store is a viewer's reconciled pipeline state. Live frames, expiry timers
// and pull completions are all applied by one owner goroutine, one update
// at a time.
type Store struct {
	puller      Puller
	clock       Clock
	ttl         time.Duration
	pullTimeout time.Duration
	logger      *slog.Logger
	pulled      func(pullKind, bool)

	updates chan update
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}

	final State // valid once done is closed
}

// update is one unit of work for the owner goroutine. Reads leave state
// untouched and do not notify subscribers.
type update struct {
	fn   func(*storeState)
	read bool
}

// storeState is owned by the Store's goroutine.
type storeState struct {
	connected bool
	active    *activePath
	events    []protocol.EventRecord
	gallery   []protocol.GalleryItem
	stats     protocol.Stats

	filenames     map[string]filename
	filenameOrder []filenameRef // insertion order, may hold stale refs
	filenameSeq   uint64

	timers    map[int]Timer
	nextTimer int

	issued  [numPullKinds]uint64
	applied [numPullKinds]uint64
}

// NewStore starts a Store. Call Close to release it.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.ActivationTTL <= 0 {
		cfg.ActivationTTL = DefaultActivationTTL
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = DefaultPullTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.pulled == nil {
		cfg.pulled = func(pullKind, bool) {}
	}
	s := &Store{
		puller:      cfg.Puller,
		clock:       cfg.Clock,
		ttl:         cfg.ActivationTTL,
		pullTimeout: cfg.PullTimeout,
		logger:      cfg.Logger,
		pulled:      cfg.pulled,
		updates:     make(chan update, 256),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		subs:        make(map[chan struct{}]struct{}),
	}
	go s.run(&storeState{
		active:    newActivePath(),
		filenames: make(map[string]filename),
		timers:    make(map[int]Timer),
	})
	return s
}

func (s *Store) run(st *storeState) {
	defer close(s.done)
	for {
		select {
		case u := <-s.updates:
			u.fn(st)
			if !u.read {
				s.notify()
			}
		case <-s.quit:
			for _, t := range st.timers {
				t.Stop()
			}
			clear(st.timers)
			s.final = st.snapshot()
			return
		}
	}
}

// post queues fn for the owner goroutine. It is a no-op after Close.
func (s *Store) post(fn func(*storeState)) {
	select {
	case s.updates <- update{fn: fn}:
	case <-s.quit:
	}
}

// HandleFrame applies one live frame.
func (s *Store) HandleFrame(f protocol.Frame) {
	s.post(func(st *storeState) { s.apply(st, f) })
}

// SetConnected records the transport state. A connected frame also marks
// the store live.
func (s *Store) SetConnected(connected bool) {
	s.post(func(st *storeState) { st.connected = connected })
}

// Refresh pulls events, gallery and stats.
func (s *Store) Refresh() {
	s.post(func(st *storeState) {
		s.pull(st, pullEvents)
		s.pull(st, pullGallery)
		s.pull(st, pullStats)
	})
}

// Snapshot returns the current state. After Close it returns the state at
// the time of closing.
func (s *Store) Snapshot() State {
	reply := make(chan State, 1)
	select {
	case s.updates <- update{fn: func(st *storeState) { reply <- st.snapshot() }, read: true}:
	case <-s.quit:
		<-s.done
		return s.final
	}
	select {
	case state := <-reply:
		return state
	case <-s.done:
		return s.final
	}
}

// Subscribe returns a channel that receives a value after state changes,
// coalescing bursts, and a function that ends the subscription.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
	}
}

// Close stops all expiry timers and the owner goroutine. Pull completions
// and timers that fire later are ignored.
func (s *Store) Close() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) apply(st *storeState, f protocol.Frame) {
	switch fr := f.(type) {
	case protocol.Connected:
		st.connected = true
		s.pull(st, pullEvents)
		s.pull(st, pullGallery)
		s.pull(st, pullStats)

	case protocol.UploadReceived:
		s.activate(st, fr.Activation)
		s.record(st, fr)
		st.rememberFilename(fr.ID, fr.Filename)

	case protocol.Step:
		s.activate(st, fr.Activation)
		s.record(st, fr)

	case protocol.Processed:
		s.activate(st, fr.Activation)
		s.record(st, fr)
		st.gallery = PrependGallery(st.gallery, protocol.GalleryItemFromProcessed(fr, st.filenames[fr.ID].name))
		st.forgetFilename(fr.ID)
		s.pull(st, pullGallery)
		s.pull(st, pullStats)

	case protocol.Failed:
		s.record(st, fr)
		st.forgetFilename(fr.ID)

	case protocol.StatsUpdate:
		st.stats = fr.Stats
	}
}

func (s *Store) record(st *storeState, f protocol.Frame) {
	if rec, ok := protocol.RecordFromFrame(f); ok {
		st.events = prependEvent(st.events, rec)
	}
}

// activate lights act up and schedules its expiry as one batch.
func (s *Store) activate(st *storeState, act protocol.Activation) {
	if act.Empty() {
		return
	}
	b := st.active.activate(act)
	id := st.nextTimer
	st.nextTimer++
	st.timers[id] = s.clock.AfterFunc(s.ttl, func() {
		s.post(func(st *storeState) {
			if _, ok := st.timers[id]; !ok {
				return
			}
			delete(st.timers, id)
			st.active.expire(b)
		})
	})
}

// pull starts a detached fetch. Its result is applied unless a pull of the
// same kind issued later has already been applied.
func (s *Store) pull(st *storeState, kind pullKind) {
	if s.puller == nil {
		return
	}
	st.issued[kind]++
	gen := st.issued[kind]

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.pullTimeout)
		defer cancel()

		var apply func(*storeState)
		var err error
		switch kind {
		case pullEvents:
			var events []protocol.EventRecord
			if events, err = s.puller.Events(ctx, pullEventLimit); err == nil {
				apply = func(st *storeState) { st.events = MergeEvents(st.events, events) }
			}
		case pullGallery:
			var items []protocol.GalleryItem
			if items, err = s.puller.Gallery(ctx, pullGalleryLimit); err == nil {
				apply = func(st *storeState) { st.gallery = replaceGallery(items) }
			}
		case pullStats:
			var stats protocol.Stats
			if stats, err = s.puller.Stats(ctx); err == nil {
				apply = func(st *storeState) { st.stats = stats }
			}
		}
		if err != nil {
			s.logger.Warn("pull failed", "kind", kind.String(), "error", err)
			return
		}

		s.post(func(st *storeState) {
			if gen < st.applied[kind] {
				s.logger.Debug("stale pull discarded", "kind", kind.String())
				s.pulled(kind, false)
				return
			}
			st.applied[kind] = gen
			apply(st)
			s.pulled(kind, true)
		})
	}()
}

type filename struct {
	name string
	seq  uint64
}

type filenameRef struct {
	id  string
	seq uint64
}

func (st *storeState) rememberFilename(id, name string) {
	if f, ok := st.filenames[id]; ok {
		f.name = name
		st.filenames[id] = f
		return
	}
	for len(st.filenames) >= maxFilenames && len(st.filenameOrder) > 0 {
		st.evictFilename(st.filenameOrder[0])
		st.filenameOrder = st.filenameOrder[1:]
	}
	st.filenameSeq++
	st.filenames[id] = filename{name: name, seq: st.filenameSeq}
	st.filenameOrder = append(st.filenameOrder, filenameRef{id: id, seq: st.filenameSeq})

	if len(st.filenameOrder) > 2*maxFilenames {
		st.filenameOrder = slices.DeleteFunc(st.filenameOrder, func(ref filenameRef) bool {
			return st.filenames[ref.id].seq != ref.seq
		})
	}
}

// evictFilename forgets ref's id unless it was remembered again since.
func (st *storeState) evictFilename(ref filenameRef) {
	if f, ok := st.filenames[ref.id]; ok && f.seq == ref.seq {
		delete(st.filenames, ref.id)
	}
}

func (st *storeState) forgetFilename(id string) {
	delete(st.filenames, id)
}

func (st *storeState) snapshot() State {
	return State{
		Connected: st.connected,
		Active:    st.active.snapshot(),
		Events:    slices.Clone(st.events),
		Gallery:   slices.Clone(st.gallery),
		Stats:     st.stats,
	}
}
