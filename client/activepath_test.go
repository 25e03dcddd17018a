package client

import (
	"slices"
	"testing"

	"github.com/petal-labs/livepipe/protocol"
)

func TestActivePath_OverlappingBatchesUnion(t *testing.T) {
	p := newActivePath()
	b1 := p.activate(protocol.Activation{
		ActiveNodes: []string{"api", "worker"},
		ActiveEdges: []string{"api-worker"},
		EdgeLabels:  map[string]string{"api-worker": "first"},
	})
	b2 := p.activate(protocol.Activation{
		ActiveNodes: []string{"worker", "storage"},
		ActiveEdges: []string{"api-worker", "worker-storage"},
		EdgeLabels:  map[string]string{"api-worker": "second"},
	})

	got := p.snapshot()
	if !slices.Equal(got.Nodes, []string{"api", "storage", "worker"}) {
		t.Fatalf("nodes = %v", got.Nodes)
	}
	if got.EdgeLabels["api-worker"] != "second" {
		t.Errorf("label = %q, want latest", got.EdgeLabels["api-worker"])
	}

	p.expire(b1)
	got = p.snapshot()
	if !slices.Equal(got.Nodes, []string{"storage", "worker"}) {
		t.Fatalf("nodes after first expiry = %v", got.Nodes)
	}
	if !got.HasEdge("api-worker") || got.EdgeLabels["api-worker"] != "second" {
		t.Errorf("shared edge lost after first expiry: %+v", got)
	}

	p.expire(b2)
	got = p.snapshot()
	if len(got.Nodes) != 0 || len(got.Edges) != 0 || len(got.EdgeLabels) != 0 {
		t.Fatalf("not empty after all batches expired: %+v", got)
	}
}

func TestActivePath_DuplicateIDsInOneBatch(t *testing.T) {
	p := newActivePath()
	b := p.activate(protocol.Activation{ActiveNodes: []string{"api", "api"}})
	keep := p.activate(protocol.Activation{ActiveNodes: []string{"api"}})

	p.expire(b)
	if !p.snapshot().HasNode("api") {
		t.Fatal("node dropped while another batch still holds it")
	}
	p.expire(keep)
	if p.snapshot().HasNode("api") {
		t.Fatal("node still active after every batch expired")
	}
}

func TestActivePath_MembershipIsUnionOfLiveBatches(t *testing.T) {
	batches := [][]string{
		{"a", "b"},
		{"b", "c"},
		{"a"},
		{"c", "d"},
		{"b"},
	}
	// Expire in every rotation of the batch order and check membership
	// against the union of the batches still alive.
	for start := range batches {
		p := newActivePath()
		var live []batch
		var alive [][]string
		for _, nodes := range batches {
			live = append(live, p.activate(protocol.Activation{ActiveNodes: nodes}))
			alive = append(alive, nodes)
		}
		for i := range batches {
			idx := (start + i) % len(batches)
			p.expire(live[idx])
			alive[idx] = nil

			want := map[string]bool{}
			for _, nodes := range alive {
				for _, n := range nodes {
					want[n] = true
				}
			}
			got := p.snapshot()
			if len(got.Nodes) != len(want) {
				t.Fatalf("start %d step %d: nodes = %v, want %v", start, i, got.Nodes, want)
			}
			for _, n := range got.Nodes {
				if !want[n] {
					t.Fatalf("start %d step %d: unexpected node %s", start, i, n)
				}
			}
		}
	}
}
