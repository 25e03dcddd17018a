package client

import (
	"maps"
	"slices"

	"github.com/petal-labs/livepipe/protocol"
)

// ActiveSet is the lit-up part of the pipeline diagram at one instant.
type ActiveSet struct {
	Nodes      []string
	Edges      []string
	EdgeLabels map[string]string
}

// HasNode reports whether id is active.
func (a ActiveSet) HasNode(id string) bool { return slices.Contains(a.Nodes, id) }

// HasEdge reports whether id is active.
func (a ActiveSet) HasEdge(id string) bool { return slices.Contains(a.Edges, id) }

// batch is the set of ids one activation added. It expires as a unit.
type batch struct {
	nodes  []string
	edges  []string
	labels []string
}

// activePath reference-counts nodes, edges and labels so that an element
// stays active until every batch that added it has expired.
type activePath struct {
	nodes  map[string]int
	edges  map[string]int
	labels map[string]int
	text   map[string]string
}

func newActivePath() *activePath {
	return &activePath{
		nodes:  make(map[string]int),
		edges:  make(map[string]int),
		labels: make(map[string]int),
		text:   make(map[string]string),
	}
}

// activate adds act and returns the batch to expire later. Labels are last
// writer wins while any batch holds them.
func (p *activePath) activate(act protocol.Activation) batch {
	b := batch{
		nodes: uniq(act.ActiveNodes),
		edges: uniq(act.ActiveEdges),
	}
	for _, n := range b.nodes {
		p.nodes[n]++
	}
	for _, e := range b.edges {
		p.edges[e]++
	}
	for _, e := range slices.Sorted(maps.Keys(act.EdgeLabels)) {
		b.labels = append(b.labels, e)
		p.labels[e]++
		p.text[e] = act.EdgeLabels[e]
	}
	return b
}

func (p *activePath) expire(b batch) {
	release(p.nodes, b.nodes)
	release(p.edges, b.edges)
	for _, e := range b.labels {
		if p.labels[e]--; p.labels[e] <= 0 {
			delete(p.labels, e)
			delete(p.text, e)
		}
	}
}

func (p *activePath) snapshot() ActiveSet {
	return ActiveSet{
		Nodes:      slices.Sorted(maps.Keys(p.nodes)),
		Edges:      slices.Sorted(maps.Keys(p.edges)),
		EdgeLabels: maps.Clone(p.text),
	}
}

func release(counts map[string]int, ids []string) {
	for _, id := range ids {
		if counts[id]--; counts[id] <= 0 {
			delete(counts, id)
		}
	}
}

func uniq(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
