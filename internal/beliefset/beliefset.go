package beliefset

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/eykd/beliefc/internal/diagnostics"
	"github.com/eykd/beliefc/internal/graph"
	"github.com/eykd/beliefc/internal/idspace"
	"github.com/eykd/beliefc/internal/pathmap"
)

// BeliefSet is the authoritative in-memory aggregate: nodes, relations, and
// a per-network path projection, mutated exclusively through ProcessEvent.
type BeliefSet struct {
	mu sync.Mutex

	States    map[idspace.BID]*Node
	Relations *graph.Graph
	Paths     map[idspace.BID]*pathmap.PathMap // keyed by network root BID
}

// New returns an empty BeliefSet.
func New() *BeliefSet {
	return &BeliefSet{
		States:    make(map[idspace.BID]*Node),
		Relations: graph.New(),
		Paths:     make(map[idspace.BID]*pathmap.PathMap),
	}
}

// Node returns the node at bid, if known.
func (bs *BeliefSet) Node(bid idspace.BID) (*Node, bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	n, ok := bs.States[bid]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Path returns the path projection for network, if computed.
func (bs *BeliefSet) Path(network idspace.BID) (*pathmap.PathMap, bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	pm, ok := bs.Paths[network]
	return pm, ok
}

// Snapshot returns an independent deep copy of bs, suitable for handing to
// an external reader that must never observe a torn intermediate state.
func (bs *BeliefSet) Snapshot() *BeliefSet {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	out := New()
	for bid, n := range bs.States {
		out.States[bid] = n.Clone()
	}
	for _, v := range bs.Relations.Vertices() {
		out.Relations.AddVertex(v)
		for _, e := range bs.Relations.EdgesFrom(v, nil) {
			out.Relations.UpdateWeights(e.Source, e.Sink, e.Weights)
		}
	}
	for network, pm := range bs.Paths {
		entries := make(map[idspace.BID]pathmap.Entry, len(pm.Entries))
		for k, v := range pm.Entries {
			entries[k] = v
		}
		out.Paths[network] = &pathmap.PathMap{Network: network, Entries: entries}
	}
	return out
}

// ProcessEvent applies e and returns the derivative events generated to
// restore invariants. On an InvariantViolation the BeliefSet is
// left exactly as it was before the call.
func (bs *BeliefSet) ProcessEvent(e Event) ([]Event, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	switch ev := e.(type) {
	case NodeUpdateEvent:
		return bs.applyNodeUpdate(ev)
	case NodesRemovedEvent:
		return bs.applyNodesRemoved(ev)
	case NodeRenamedEvent:
		return bs.applyNodeRenamed(ev)
	case RelationInsertEvent:
		return bs.applyRelationInsert(ev)
	case RelationUpdateEvent:
		return bs.applyRelationUpdate(ev)
	case RelationRemovedEvent:
		return bs.applyRelationRemoved(ev)
	case PathAddedEvent, PathUpdateEvent, PathsRemovedEvent:
		return nil, diagnostics.NewInvariantViolation(diagnostics.CodePathDivergence,
			"path events are derivative-only and cannot be submitted directly against an authoritative BeliefSet")
	case BalanceCheckEvent:
		_, derivs := bs.builtInTestLocked(ev.Fix)
		return derivs, nil
	case FileParsedEvent:
		return nil, nil
	default:
		return nil, fmt.Errorf("beliefset: unknown event type %T", e)
	}
}

// BuiltInTest verifies the structural invariants:
//
//  1. referential closure: every edge endpoint has a node
//  2. sibling contiguity: Section sort keys under a parent are 0..k-1
//  3. single hierarchy parent: at most one outgoing Section edge
//  4. hierarchy spine: api <- network <- document <- section/symbol
//  5. path derivability: Paths equals a fresh pathmap.From
//  6. trace consistency: an incomplete node is referenced by some edge
//
// When fix is true, 2 and 5 are repaired in place by emitting the same
// derivatives ProcessEvent would have produced. It returns the diagnostics
// found (empty when balanced).
func (bs *BeliefSet) BuiltInTest(fix bool) []diagnostics.Diagnostic {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	diags, _ := bs.builtInTestLocked(fix)
	return diags
}

func (bs *BeliefSet) applyNodeUpdate(e NodeUpdateEvent) ([]Event, error) {
	if e.Node == nil || e.Node.BID.IsNil() {
		return nil, diagnostics.NewInvariantViolation(diagnostics.CodeReferentialClosure, "NodeUpdate requires a non-nil node BID")
	}
	bs.Relations.AddVertex(e.Node.BID)
	bs.States[e.Node.BID] = e.Node.Clone()

	var derivs []Event
	if net, ok := bs.networkOf(e.Node.BID); ok {
		derivs = append(derivs, bs.syncNetworkPaths(net)...)
	}
	return derivs, nil
}

func (bs *BeliefSet) applyNodesRemoved(e NodesRemovedEvent) ([]Event, error) {
	affectedParents := map[idspace.BID]bool{}
	networks := map[idspace.BID]bool{}
	removing := map[idspace.BID]bool{}
	for _, bid := range e.BIDs {
		removing[bid] = true
	}

	for _, bid := range e.BIDs {
		if net, ok := bs.networkOf(bid); ok {
			networks[net] = true
		}
		if parent, ok := bs.Relations.SectionParent(bid); ok && !removing[parent] {
			affectedParents[parent] = true
		}
	}
	for _, bid := range e.BIDs {
		bs.Relations.RemoveVertex(bid)
		delete(bs.States, bid)
	}

	var derivs []Event
	for parent := range affectedParents {
		rd, err := bs.reindexChildren(parent)
		if err != nil {
			return nil, err
		}
		derivs = append(derivs, rd...)
		if net, ok := bs.networkOf(parent); ok {
			networks[net] = true
		}
	}
	for net := range networks {
		if removing[net] {
			continue
		}
		derivs = append(derivs, bs.syncNetworkPaths(net)...)
	}
	return derivs, nil
}

func (bs *BeliefSet) applyNodeRenamed(e NodeRenamedEvent) ([]Event, error) {
	old, hadOld := bs.States[e.From]
	if hadOld {
		if len(bs.Relations.EdgesTo(e.From, nil)) > 0 || len(bs.Relations.EdgesFrom(e.From, nil)) > 0 {
			return nil, diagnostics.NewInvariantViolation(diagnostics.CodeReferentialClosure,
				fmt.Sprintf("NodeRenamed: %s is still referenced; rename requires it be unreferenced", e.From))
		}
		clone := old.Clone()
		clone.BID = e.To
		bs.States[e.To] = clone
	}
	delete(bs.States, e.From)
	bs.Relations.RemoveVertex(e.From)
	return nil, nil
}

func (bs *BeliefSet) applyRelationInsert(e RelationInsertEvent) ([]Event, error) {
	var derivs []Event

	if e.Kind == graph.Section {
		if oldSink, ok := bs.Relations.SectionParent(e.Source); ok && oldSink != e.Sink {
			bs.Relations.RemoveEdge(e.Source, oldSink)
			rd, err := bs.reindexChildren(oldSink)
			if err != nil {
				return nil, err
			}
			derivs = append(derivs, rd...)
			if net, ok := bs.networkOf(oldSink); ok {
				derivs = append(derivs, bs.syncNetworkPaths(net)...)
			}
		}
	}

	bs.Relations.UpsertEdge(e.Source, e.Sink, e.Kind, e.Weight)

	if e.Kind == graph.Section {
		rd, err := bs.reindexChildren(e.Sink)
		if err != nil {
			return nil, err
		}
		derivs = append(derivs, rd...)
	}
	if net, ok := bs.networkOf(e.Sink); ok {
		derivs = append(derivs, bs.syncNetworkPaths(net)...)
	} else if net, ok := bs.networkOf(e.Source); ok {
		derivs = append(derivs, bs.syncNetworkPaths(net)...)
	}
	return derivs, nil
}

func (bs *BeliefSet) applyRelationUpdate(e RelationUpdateEvent) ([]Event, error) {
	bs.Relations.UpdateWeights(e.Source, e.Sink, e.Weights)

	var derivs []Event
	if _, touchesSection := e.Weights[graph.Section]; touchesSection {
		rd, err := bs.reindexChildren(e.Sink)
		if err != nil {
			return nil, err
		}
		derivs = append(derivs, rd...)
	}
	if net, ok := bs.networkOf(e.Sink); ok {
		derivs = append(derivs, bs.syncNetworkPaths(net)...)
	}
	return derivs, nil
}

func (bs *BeliefSet) applyRelationRemoved(e RelationRemovedEvent) ([]Event, error) {
	ws, existed := bs.Relations.Weights(e.Source, e.Sink)
	_, wasSection := ws[graph.Section]
	bs.Relations.RemoveEdge(e.Source, e.Sink)

	var derivs []Event
	if existed && wasSection {
		rd, err := bs.reindexChildren(e.Sink)
		if err != nil {
			return nil, err
		}
		derivs = append(derivs, rd...)
		if net, ok := bs.networkOf(e.Sink); ok {
			derivs = append(derivs, bs.syncNetworkPaths(net)...)
		}
	}
	return derivs, nil
}

// reindexChildren restores sibling contiguity under one parent: it collects
// parent's current incoming Section edges, sorts stably by (sort_key,
// source_bid), reassigns sort keys 0..k-1, and emits a RelationUpdate
// derivative for each child whose key actually changed.
func (bs *BeliefSet) reindexChildren(parent idspace.BID) ([]Event, error) {
	kind := graph.Section
	edges := bs.Relations.EdgesTo(parent, &kind)

	type item struct {
		bid idspace.BID
		key uint16
	}
	items := make([]item, 0, len(edges))
	for _, e := range edges {
		sk, _ := e.Weights[graph.Section].SortKey()
		items = append(items, item{bid: e.Source, key: sk})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].key != items[j].key {
			return items[i].key < items[j].key
		}
		return bidLess(items[i].bid, items[j].bid)
	})

	var derivs []Event
	for i, it := range items {
		newKey := uint16(i)
		if it.key == newKey {
			continue
		}
		w := graph.Weight{graph.WeightSortKey: newKey}
		bs.Relations.UpsertEdge(it.bid, parent, graph.Section, w)
		derivs = append(derivs, RelationUpdateEvent{
			Source:  it.bid,
			Sink:    parent,
			Weights: graph.WeightSet{graph.Section: w},
			Origin:  OriginDerivative,
		})
	}
	return derivs, nil
}

// syncNetworkPaths recomputes network's PathMap from scratch and diffs it
// against the stored projection, emitting PathAdded/PathUpdate/PathsRemoved
// derivatives for exactly the entries that changed.
func (bs *BeliefSet) syncNetworkPaths(network idspace.BID) []Event {
	fresh := pathmap.From(bs.Relations, network, bs.segmentFor)
	old := bs.Paths[network]
	changed, removed := pathmap.Diff(old, fresh)

	var events []Event
	if len(removed) > 0 {
		events = append(events, PathsRemovedEvent{Network: network, BIDs: removed, Origin: OriginDerivative})
	}
	for _, bid := range changed {
		entry := fresh.Entries[bid]
		existedBefore := false
		if old != nil {
			_, existedBefore = old.Entries[bid]
		}
		if existedBefore {
			events = append(events, PathUpdateEvent{Network: network, Path: entry.Path, BID: bid, Order: entry.Order, Origin: OriginDerivative})
		} else {
			events = append(events, PathAddedEvent{Network: network, Path: entry.Path, BID: bid, Order: entry.Order, Origin: OriginDerivative})
		}
	}
	bs.Paths[network] = fresh
	return events
}

// networkOf walks Section edges upward from bid to find the enclosing
// network root. Each non-root node belongs to exactly one network reachable
// this way.
func (bs *BeliefSet) networkOf(bid idspace.BID) (idspace.BID, bool) {
	if n, ok := bs.States[bid]; ok && n.Kind == KindNetwork {
		return bid, true
	}
	cur := bid
	visited := map[idspace.BID]bool{}
	for {
		parent, ok := bs.Relations.SectionParent(cur)
		if !ok {
			return idspace.BID{}, false
		}
		if visited[parent] {
			return idspace.BID{}, false // cycle guard; should never occur under invariant 3
		}
		visited[parent] = true
		if n, ok := bs.States[parent]; ok && n.Kind == KindNetwork {
			return parent, true
		}
		cur = parent
	}
}

func (bs *BeliefSet) segmentFor(bid idspace.BID) string {
	n, ok := bs.States[bid]
	if !ok {
		return bid.String()
	}
	if n.ID != "" {
		return slugify(n.ID)
	}
	if n.Title != "" {
		return slugify(n.Title)
	}
	return bid.String()
}

var slugNonWord = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugNonWord.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func bidLess(a, b idspace.BID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func (bs *BeliefSet) builtInTestLocked(fix bool) ([]diagnostics.Diagnostic, []Event) {
	var diags []diagnostics.Diagnostic
	var derivs []Event

	// Invariant 1: referential closure.
	for _, v := range bs.Relations.Vertices() {
		for _, e := range bs.Relations.EdgesFrom(v, nil) {
			if _, ok := bs.States[e.Source]; !ok {
				diags = append(diags, diagnostics.ErrorDiag(diagnostics.CodeReferentialClosure,
					fmt.Sprintf("edge source %s has no node", e.Source), nil))
			}
			if _, ok := bs.States[e.Sink]; !ok {
				diags = append(diags, diagnostics.ErrorDiag(diagnostics.CodeReferentialClosure,
					fmt.Sprintf("edge sink %s has no node", e.Sink), nil))
			}
		}
	}

	// Invariant 2: sibling contiguity (repairable).
	for parent := range bs.sectionParentsSet() {
		kind := graph.Section
		edges := bs.Relations.EdgesTo(parent, &kind)
		keys := make([]uint16, 0, len(edges))
		for _, e := range edges {
			sk, _ := e.Weights[graph.Section].SortKey()
			keys = append(keys, sk)
		}
		if !isContiguousPermutation(keys) {
			if fix {
				rd, _ := bs.reindexChildren(parent)
				derivs = append(derivs, rd...)
				if net, ok := bs.networkOf(parent); ok {
					derivs = append(derivs, bs.syncNetworkPaths(net)...)
				}
			} else {
				diags = append(diags, diagnostics.ErrorDiag(diagnostics.CodeSiblingIndexGap,
					fmt.Sprintf("parent %s has non-contiguous sibling sort keys %v", parent, keys), nil))
			}
		}
	}

	// Invariant 3: single hierarchy parent.
	for _, v := range bs.Relations.Vertices() {
		kind := graph.Section
		if n := len(bs.Relations.EdgesFrom(v, &kind)); n > 1 {
			diags = append(diags, diagnostics.ErrorDiag(diagnostics.CodeMultipleParents,
				fmt.Sprintf("node %s has %d Section parents", v, n), nil))
		}
	}

	// Invariant 4: hierarchy spine. Trace nodes have no Section parent until
	// their defining document is parsed, and Symbol nodes for assets/hrefs
	// hang off documents by Asset/Href edges only, so the spine requirement
	// binds complete Document and Section nodes.
	for bid, n := range bs.States {
		if n.Kind == KindAPI || n.Kind == KindNetwork || n.Kind == KindSymbol || !n.Complete {
			continue
		}
		if _, ok := bs.networkOf(bid); !ok {
			diags = append(diags, diagnostics.ErrorDiag(diagnostics.CodeHierarchySpine,
				fmt.Sprintf("node %s (%s) is not reachable from a network root", bid, n.Kind), nil))
		}
	}

	// Invariant 5: path derivability (repairable).
	for network := range bs.networkRoots() {
		fresh := pathmap.From(bs.Relations, network, bs.segmentFor)
		stored := bs.Paths[network]
		if !fresh.Equal(stored) {
			if fix {
				derivs = append(derivs, bs.syncNetworkPaths(network)...)
			} else {
				diags = append(diags, diagnostics.ErrorDiag(diagnostics.CodePathOrderDivergence,
					fmt.Sprintf("paths for network %s diverge from a fresh computation", network), nil))
			}
		}
	}

	// Invariant 6: completeness / trace consistency.
	for bid, n := range bs.States {
		if n.Complete {
			continue
		}
		if len(bs.Relations.EdgesTo(bid, nil)) == 0 && len(bs.Relations.EdgesFrom(bid, nil)) == 0 {
			diags = append(diags, diagnostics.ErrorDiag(diagnostics.CodeTraceConsistency,
				fmt.Sprintf("incomplete node %s is not referenced by any edge", bid), nil))
		}
	}

	return diags, derivs
}

func (bs *BeliefSet) sectionParentsSet() map[idspace.BID]bool {
	parents := map[idspace.BID]bool{}
	for _, v := range bs.Relations.Vertices() {
		kind := graph.Section
		for _, e := range bs.Relations.EdgesFrom(v, &kind) {
			parents[e.Sink] = true
		}
	}
	return parents
}

func (bs *BeliefSet) networkRoots() map[idspace.BID]bool {
	roots := map[idspace.BID]bool{}
	for bid, n := range bs.States {
		if n.Kind == KindNetwork {
			roots[bid] = true
		}
	}
	return roots
}

func isContiguousPermutation(keys []uint16) bool {
	if len(keys) == 0 {
		return true
	}
	sorted := append([]uint16{}, keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i, k := range sorted {
		if int(k) != i {
			return false
		}
	}
	return true
}
