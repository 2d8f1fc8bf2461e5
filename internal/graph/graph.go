// Package graph implements BeliefGraph: a directed multigraph over BIDs
// whose edges carry a WeightSet, a small per-kind map of typed weights, so
// that a single (source, sink) pair can simultaneously carry a Section
// weight (the hierarchical child-of relation) and, say, an Epistemic weight,
// without one kind's update disturbing the other.
package graph

import (
	"sort"
	"sync"

	"github.com/eykd/beliefc/internal/idspace"
)

// WeightKind is the closed set of edge kinds a BeliefGraph can carry.
type WeightKind uint8

const (
	// Section is the hierarchical child-of relation: source is a child of
	// sink. Its WEIGHT_SORT_KEY entry is the sibling index.
	Section WeightKind = iota
	// Epistemic is an evidential link between beliefs.
	Epistemic
	// Pragmatic is an action/goal link.
	Pragmatic
	// Asset is a link to a local file.
	Asset
	// Href is a link to an external URL.
	Href
)

// WeightSortKey is the distinguished Weight key carrying the u16 sibling
// index on a Section weight.
const WeightSortKey = "sort_key"

func (k WeightKind) String() string {
	switch k {
	case Section:
		return "Section"
	case Epistemic:
		return "Epistemic"
	case Pragmatic:
		return "Pragmatic"
	case Asset:
		return "Asset"
	case Href:
		return "Href"
	default:
		return "Unknown"
	}
}

// Weight is a small typed key-value map carried by one kind on one edge.
type Weight map[string]any

// SortKey reads the WEIGHT_SORT_KEY entry, returning ok=false if absent or
// not representable as a uint16.
func (w Weight) SortKey() (uint16, bool) {
	v, ok := w[WeightSortKey]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case uint16:
		return n, true
	case int:
		if n < 0 || n > 0xFFFF {
			return 0, false
		}
		return uint16(n), true
	case float64:
		// Weights that round-tripped through the durable mirror's JSON
		// encoding come back as float64.
		if n < 0 || n > 0xFFFF || n != float64(uint16(n)) {
			return 0, false
		}
		return uint16(n), true
	default:
		return 0, false
	}
}

// Clone returns a shallow copy of w.
func (w Weight) Clone() Weight {
	out := make(Weight, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// WeightSet maps each kind present on an edge to its Weight.
type WeightSet map[WeightKind]Weight

// Clone returns a deep-enough copy of ws (each Weight is itself cloned).
func (ws WeightSet) Clone() WeightSet {
	out := make(WeightSet, len(ws))
	for k, w := range ws {
		out[k] = w.Clone()
	}
	return out
}

// Edge is a materialized view of one (source, sink) pair and its weights,
// returned by the query methods below.
type Edge struct {
	Source  idspace.BID
	Sink    idspace.BID
	Weights WeightSet
}

// Graph is a directed multigraph indexed by BID. Vertices are inserted
// implicitly by edge operations and explicitly via AddVertex; edges are
// keyed by (source, sink) with kinds coexisting in a WeightSet.
type Graph struct {
	mu sync.RWMutex

	vertices map[idspace.BID]struct{}
	out      map[idspace.BID]map[idspace.BID]WeightSet // source -> sink -> weights
	in       map[idspace.BID]map[idspace.BID]WeightSet // sink -> source -> weights (reverse index)
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		vertices: make(map[idspace.BID]struct{}),
		out:      make(map[idspace.BID]map[idspace.BID]WeightSet),
		in:       make(map[idspace.BID]map[idspace.BID]WeightSet),
	}
}

// AddVertex registers bid as a vertex with no incident edges, if not already
// present. It is idempotent.
func (g *Graph) AddVertex(bid idspace.BID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addVertexLocked(bid)
}

func (g *Graph) addVertexLocked(bid idspace.BID) {
	if _, ok := g.vertices[bid]; ok {
		return
	}
	g.vertices[bid] = struct{}{}
	g.out[bid] = make(map[idspace.BID]WeightSet)
	g.in[bid] = make(map[idspace.BID]WeightSet)
}

// HasVertex reports whether bid is a known vertex.
func (g *Graph) HasVertex(bid idspace.BID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.vertices[bid]
	return ok
}

// RemoveVertex removes bid and every edge incident to it (incoming or
// outgoing), in either direction.
func (g *Graph) RemoveVertex(bid idspace.BID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeVertexLocked(bid)
}

func (g *Graph) removeVertexLocked(bid idspace.BID) {
	for sink := range g.out[bid] {
		delete(g.in[sink], bid)
	}
	for source := range g.in[bid] {
		delete(g.out[source], bid)
	}
	delete(g.out, bid)
	delete(g.in, bid)
	delete(g.vertices, bid)
}

// UpsertEdge sets the weight for kind on the edge source->sink, creating the
// edge (and both vertices) if absent, without disturbing any other kind
// already present on that edge.
func (g *Graph) UpsertEdge(source, sink idspace.BID, kind WeightKind, weight Weight) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addVertexLocked(source)
	g.addVertexLocked(sink)

	ws, ok := g.out[source][sink]
	if !ok {
		ws = make(WeightSet)
	}
	ws[kind] = weight.Clone()
	g.out[source][sink] = ws
	g.in[sink][source] = ws
}

// UpdateWeights merges weights into the edge source->sink, creating the edge
// if absent. Existing kinds not present in weights are left untouched.
func (g *Graph) UpdateWeights(source, sink idspace.BID, weights WeightSet) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addVertexLocked(source)
	g.addVertexLocked(sink)

	ws, ok := g.out[source][sink]
	if !ok {
		ws = make(WeightSet)
	}
	for kind, w := range weights {
		ws[kind] = w.Clone()
	}
	g.out[source][sink] = ws
	g.in[sink][source] = ws
}

// RemoveEdgeKind removes only kind from the edge source->sink. If that was
// the last kind on the edge, the edge itself is dropped. Reports whether the
// edge still exists afterward (with at least one remaining kind).
func (g *Graph) RemoveEdgeKind(source, sink idspace.BID, kind WeightKind) (stillExists bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ws, ok := g.out[source][sink]
	if !ok {
		return false
	}
	delete(ws, kind)
	if len(ws) == 0 {
		delete(g.out[source], sink)
		delete(g.in[sink], source)
		return false
	}
	return true
}

// RemoveEdge drops the entire edge source->sink, all kinds included.
func (g *Graph) RemoveEdge(source, sink idspace.BID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.out[source], sink)
	delete(g.in[sink], source)
}

// Weights returns the WeightSet on source->sink, and whether the edge
// exists at all.
func (g *Graph) Weights(source, sink idspace.BID) (WeightSet, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ws, ok := g.out[source][sink]
	if !ok {
		return nil, false
	}
	return ws.Clone(), true
}

// EdgesFrom returns every outgoing edge from source, optionally filtered to
// a single kind when filter is non-nil. Results are sorted by sink bytes for
// deterministic iteration.
func (g *Graph) EdgesFrom(source idspace.BID, filter *WeightKind) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var edges []Edge
	for sink, ws := range g.out[source] {
		if filter != nil {
			w, ok := ws[*filter]
			if !ok {
				continue
			}
			edges = append(edges, Edge{Source: source, Sink: sink, Weights: WeightSet{*filter: w.Clone()}})
			continue
		}
		edges = append(edges, Edge{Source: source, Sink: sink, Weights: ws.Clone()})
	}
	sortEdgesBySink(edges)
	return edges
}

// EdgesTo returns every incoming edge to sink, optionally filtered to a
// single kind. Results are sorted by source bytes for deterministic
// iteration.
func (g *Graph) EdgesTo(sink idspace.BID, filter *WeightKind) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var edges []Edge
	for source, ws := range g.in[sink] {
		if filter != nil {
			w, ok := ws[*filter]
			if !ok {
				continue
			}
			edges = append(edges, Edge{Source: source, Sink: sink, Weights: WeightSet{*filter: w.Clone()}})
			continue
		}
		edges = append(edges, Edge{Source: source, Sink: sink, Weights: ws.Clone()})
	}
	sortEdgesBySource(edges)
	return edges
}

// SectionParent returns the single hierarchical parent of bid (the sink of
// its one permitted outgoing Section edge), if any.
func (g *Graph) SectionParent(bid idspace.BID) (idspace.BID, bool) {
	kind := Section
	edges := g.EdgesFrom(bid, &kind)
	if len(edges) == 0 {
		return idspace.BID{}, false
	}
	return edges[0].Sink, true
}

// SectionChildren returns the children of parent ordered by their current
// Section sort key.
func (g *Graph) SectionChildren(parent idspace.BID) []idspace.BID {
	kind := Section
	edges := g.EdgesTo(parent, &kind)
	sort.Slice(edges, func(i, j int) bool {
		si, _ := edges[i].Weights[Section].SortKey()
		sj, _ := edges[j].Weights[Section].SortKey()
		if si != sj {
			return si < sj
		}
		return bytesLess(edges[i].Source, edges[j].Source)
	})
	children := make([]idspace.BID, len(edges))
	for i, e := range edges {
		children[i] = e.Source
	}
	return children
}

// IsReachableUnder decidably answers whether child is reachable from parent
// by walking Section edges downward from parent: the graph-backed, fully
// decidable counterpart to idspace.IsUnder's bit-level best effort.
func (g *Graph) IsReachableUnder(child, parent idspace.BID) bool {
	if child == parent {
		return false
	}
	visited := map[idspace.BID]bool{parent: true}
	queue := []idspace.BID{parent}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range g.SectionChildren(cur) {
			if c == child {
				return true
			}
			if !visited[c] {
				visited[c] = true
				queue = append(queue, c)
			}
		}
	}
	return false
}

// Vertices returns every known vertex, in no particular order.
func (g *Graph) Vertices() []idspace.BID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]idspace.BID, 0, len(g.vertices))
	for v := range g.vertices {
		out = append(out, v)
	}
	return out
}

func sortEdgesBySink(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool { return bytesLess(edges[i].Sink, edges[j].Sink) })
}

func sortEdgesBySource(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool { return bytesLess(edges[i].Source, edges[j].Source) })
}

func bytesLess(a, b idspace.BID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
