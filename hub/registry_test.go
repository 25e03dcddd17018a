package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/livepipe/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) kinds(t *testing.T) []protocol.Kind {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Kind, 0, len(c.frames))
	for _, data := range c.frames {
		f, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decode sent frame: %v", err)
		}
		out = append(out, f.Kind())
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fixedJobs int64

func (j fixedJobs) Value(context.Context) (int64, error) { return int64(j), nil }

type fixedStats protocol.Stats

func (s fixedStats) Stats(context.Context) (protocol.Stats, error) { return protocol.Stats(s), nil }

type failingStats struct{}

type slowStats struct{ delay time.Duration }

func (s slowStats) Stats(context.Context) (protocol.Stats, error) {
	time.Sleep(s.delay)
	return protocol.Stats{TotalProcessed: 1}, nil
}

// queuedConn is a Conn backed by an outbox with a test-controlled writer.
type queuedConn struct {
	*outbox
}

func newQueuedConn(size int, write func([]byte) error) *queuedConn {
	return &queuedConn{outbox: newOutbox(size, write, nil)}
}

func (c *queuedConn) Close() error {
	c.outbox.close()
	return nil
}

func (c *queuedConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (failingStats) Stats(context.Context) (protocol.Stats, error) {
	return protocol.Stats{}, errors.New("db down")
}

func TestRegistry_AddSendsConnected(t *testing.T) {
	r := NewRegistry(Config{
		Jobs:        fixedJobs(3),
		Stats:       fixedStats{TotalProcessed: 42},
		NewClientID: func() string { return "client-1" },
	})
	c := &fakeConn{}

	if err := r.Add(context.Background(), c); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}

	f, err := protocol.Decode(c.frames[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := f.(protocol.Connected)
	if !ok {
		t.Fatalf("first frame is %T, want Connected", f)
	}
	want := protocol.Connected{ClientID: "client-1", ActiveUploads: 3, TotalProcessed: 42}
	if got != want {
		t.Errorf("connected = %+v, want %+v", got, want)
	}
}

func TestRegistry_ConnectedUniqueIDsAndFailingSources(t *testing.T) {
	r := NewRegistry(Config{Stats: failingStats{}})
	a, b := &fakeConn{}, &fakeConn{}
	_ = r.Add(context.Background(), a)
	_ = r.Add(context.Background(), b)

	fa, _ := protocol.Decode(a.frames[0])
	fb, _ := protocol.Decode(b.frames[0])
	ca, cb := fa.(protocol.Connected), fb.(protocol.Connected)
	if ca.ClientID == "" || ca.ClientID == cb.ClientID {
		t.Errorf("client ids %q and %q should be distinct and non-empty", ca.ClientID, cb.ClientID)
	}
	if ca.TotalProcessed != 0 || ca.ActiveUploads != 0 {
		t.Errorf("counters = %+v, want zero", ca)
	}
}

func TestRegistry_AddFailingConnIsNotRegistered(t *testing.T) {
	r := NewRegistry(Config{})
	if err := r.Add(context.Background(), &fakeConn{fail: true}); err == nil {
		t.Fatal("expected error")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegistry_RemoveIdempotent(t *testing.T) {
	r := NewRegistry(Config{})
	c := &fakeConn{}
	_ = r.Add(context.Background(), c)

	if !r.Remove(c) {
		t.Error("first Remove should report true")
	}
	if r.Remove(c) {
		t.Error("second Remove should report false")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegistry_BroadcastFailureIsolation(t *testing.T) {
	r := NewRegistry(Config{})
	ctx := context.Background()

	conns := make([]*fakeConn, 5)
	for i := range conns {
		conns[i] = &fakeConn{}
		if err := r.Add(ctx, conns[i]); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	broken := conns[2]
	broken.mu.Lock()
	broken.fail = true
	broken.mu.Unlock()

	n, err := r.Broadcast(ctx, protocol.NewFailed("u1", "boom", "resize", 1))
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if n != 4 {
		t.Errorf("delivered = %d, want 4", n)
	}
	if r.Len() != 4 {
		t.Errorf("Len = %d, want 4", r.Len())
	}
	if !broken.isClosed() {
		t.Error("failed connection should be closed")
	}

	// A later broadcast never reaches the removed connection.
	broken.mu.Lock()
	broken.fail = false
	broken.mu.Unlock()
	_, _ = r.Broadcast(ctx, protocol.NewStatsUpdate(protocol.Stats{}))

	for i, c := range conns {
		kinds := c.kinds(t)
		if c == broken {
			if len(kinds) != 1 {
				t.Errorf("broken conn got %v, want only connected", kinds)
			}
			continue
		}
		want := []protocol.Kind{protocol.KindConnected, protocol.KindError, protocol.KindStatsUpdate}
		if len(kinds) != len(want) {
			t.Fatalf("conn %d got %v, want %v", i, kinds, want)
		}
		for j := range want {
			if kinds[j] != want[j] {
				t.Errorf("conn %d frame %d = %q, want %q", i, j, kinds[j], want[j])
			}
		}
	}
}

func TestRegistry_SlowViewerDoesNotBlockBroadcast(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	tests := []struct {
		name  string
		write func([]byte) error
	}{
		{
			name:  "wedged",
			write: func([]byte) error { <-release; return nil },
		},
		{
			name: "slow but alive",
			write: func([]byte) error {
				time.Sleep(400 * time.Millisecond)
				return nil
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(Config{})
			ctx := context.Background()

			fast := &fakeConn{}
			slow := newQueuedConn(4, tt.write)
			if err := r.Add(ctx, fast); err != nil {
				t.Fatalf("Add fast: %v", err)
			}
			if err := r.Add(ctx, slow); err != nil {
				t.Fatalf("Add slow: %v", err)
			}

			const n = 10
			start := time.Now()
			var last int
			for i := range n {
				last, _ = r.Broadcast(ctx, protocol.NewStep("u1", "resize", "resizing", 1, int64(i+1), protocol.Activation{}))
			}
			if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
				t.Errorf("%d broadcasts took %v", n, elapsed)
			}
			if last != 1 {
				t.Errorf("last broadcast delivered = %d, want 1", last)
			}
			if got := len(fast.kinds(t)); got != n+1 {
				t.Errorf("fast viewer got %d frames, want %d", got, n+1)
			}
			if r.Len() != 1 {
				t.Errorf("slow viewer should be dropped, Len = %d", r.Len())
			}
			if !slow.isClosed() {
				t.Error("slow viewer should be closed")
			}
		})
	}
}

func TestRegistry_ConnectedPrecedesConcurrentBroadcast(t *testing.T) {
	r := NewRegistry(Config{Stats: slowStats{delay: 50 * time.Millisecond}})
	ctx := context.Background()
	c := &fakeConn{}

	added := make(chan error, 1)
	go func() { added <- r.Add(ctx, c) }()
	time.Sleep(10 * time.Millisecond)
	if _, err := r.Broadcast(ctx, protocol.NewStep("u1", "resize", "resizing", 1, 1, protocol.Activation{})); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if err := <-added; err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := r.Broadcast(ctx, protocol.NewStatsUpdate(protocol.Stats{})); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	kinds := c.kinds(t)
	if len(kinds) == 0 || kinds[0] != protocol.KindConnected {
		t.Fatalf("frames = %v, want connected first", kinds)
	}
	if kinds[len(kinds)-1] != protocol.KindStatsUpdate {
		t.Errorf("frames = %v, want stats_update last", kinds)
	}
}

func TestOutbox_WriteFailureClosesConn(t *testing.T) {
	failed := make(chan error, 1)
	o := newOutbox(2, func([]byte) error { return errors.New("broken pipe") }, func(err error) {
		failed <- err
	})

	if err := o.Send(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case err := <-failed:
		if err == nil || err.Error() != "broken pipe" {
			t.Errorf("onFail err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onFail not called")
	}
	<-o.exited
	if err := o.Send(context.Background(), []byte("y")); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Send after failure = %v, want ErrConnClosed", err)
	}
}

func TestRegistry_ConcurrentAddRemoveBroadcast(t *testing.T) {
	r := NewRegistry(Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := &fakeConn{}
			_ = r.Add(ctx, c)
			r.Remove(c)
		}()
		go func() {
			defer wg.Done()
			_, _ = r.Broadcast(ctx, protocol.NewStatsUpdate(protocol.Stats{}))
		}()
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(Config{})
	c := &fakeConn{}
	_ = r.Add(context.Background(), c)
	r.Close()
	if r.Len() != 0 || !c.isClosed() {
		t.Errorf("Len = %d closed = %v", r.Len(), c.isClosed())
	}
}
