// Package diffengine computes the minimal event sequence that transforms
// one BeliefSet into another over a scope. It bootstraps the
// durable mirror and validates event-driven mutation against a freshly
// reconstructed reference.
package diffengine

import (
	"reflect"
	"sort"

	"github.com/eykd/beliefc/internal/beliefset"
	"github.com/eykd/beliefc/internal/graph"
	"github.com/eykd/beliefc/internal/idspace"
)

// Scope restricts a diff to a set of BIDs. A nil Scope means everything.
type Scope map[idspace.BID]bool

func (s Scope) contains(bid idspace.BID) bool {
	return s == nil || s[bid]
}

// Compute returns the event sequence that, applied to old, produces a
// BeliefSet equal to fresh restricted to scope. The sequence is
// deterministic: node removals first, then node upserts, then relation
// removals, then relation upserts, then path projection sync, each sorted by
// BID bytes.
func Compute(old, fresh *beliefset.BeliefSet, scope Scope) []beliefset.Event {
	var events []beliefset.Event
	origin := beliefset.Origin("<diff>")

	oldSnap := old.Snapshot()
	freshSnap := fresh.Snapshot()

	// Nodes present in old but not fresh.
	var removed []idspace.BID
	for bid := range oldSnap.States {
		if scope.contains(bid) && freshSnap.States[bid] == nil {
			removed = append(removed, bid)
		}
	}
	if len(removed) > 0 {
		sortBIDs(removed)
		events = append(events, beliefset.NodesRemovedEvent{BIDs: removed, Origin: origin})
	}

	// Nodes new or changed.
	var upserts []idspace.BID
	for bid, n := range freshSnap.States {
		if !scope.contains(bid) {
			continue
		}
		if o := oldSnap.States[bid]; o == nil || !nodesEqual(o, n) {
			upserts = append(upserts, bid)
		}
	}
	sortBIDs(upserts)
	for _, bid := range upserts {
		events = append(events, beliefset.NodeUpdateEvent{Node: freshSnap.States[bid], Origin: origin})
	}

	// Relations: removed edges first, then new/changed weight sets.
	type edge struct{ source, sink idspace.BID }
	oldEdges := edgeMap(oldSnap, scope)
	freshEdges := edgeMap(freshSnap, scope)

	var dropped []edge
	for e := range oldEdges {
		if _, ok := freshEdges[e]; !ok {
			dropped = append(dropped, edge{e.source, e.sink})
		}
	}
	sort.Slice(dropped, func(i, j int) bool {
		if dropped[i].source != dropped[j].source {
			return bidLess(dropped[i].source, dropped[j].source)
		}
		return bidLess(dropped[i].sink, dropped[j].sink)
	})
	for _, e := range dropped {
		events = append(events, beliefset.RelationRemovedEvent{Source: e.source, Sink: e.sink, Origin: origin})
	}

	var changed []edge
	for e, ws := range freshEdges {
		if prev, ok := oldEdges[e]; !ok || !weightSetsEqual(prev, ws) {
			changed = append(changed, edge{e.source, e.sink})
		}
	}
	sort.Slice(changed, func(i, j int) bool {
		if changed[i].source != changed[j].source {
			return bidLess(changed[i].source, changed[j].source)
		}
		return bidLess(changed[i].sink, changed[j].sink)
	})
	for _, e := range changed {
		events = append(events, beliefset.RelationUpdateEvent{
			Source:  e.source,
			Sink:    e.sink,
			Weights: freshEdges[edgeKey{e.source, e.sink}],
			Origin:  origin,
		})
	}

	// Path projection sync, emitted the way ProcessEvent derivatives would
	// be so a mirror applying this diff converges on the same paths table.
	events = append(events, pathEvents(oldSnap, freshSnap, scope, origin)...)
	return events
}

type edgeKey struct{ source, sink idspace.BID }

func edgeMap(bs *beliefset.BeliefSet, scope Scope) map[edgeKey]graph.WeightSet {
	edges := map[edgeKey]graph.WeightSet{}
	for _, v := range bs.Relations.Vertices() {
		for _, e := range bs.Relations.EdgesFrom(v, nil) {
			if scope.contains(e.Source) && scope.contains(e.Sink) {
				edges[edgeKey{e.Source, e.Sink}] = e.Weights
			}
		}
	}
	return edges
}

func pathEvents(oldSnap, freshSnap *beliefset.BeliefSet, scope Scope, origin beliefset.Origin) []beliefset.Event {
	var events []beliefset.Event

	var networks []idspace.BID
	seen := map[idspace.BID]bool{}
	for net := range freshSnap.Paths {
		if scope.contains(net) && !seen[net] {
			networks = append(networks, net)
			seen[net] = true
		}
	}
	for net := range oldSnap.Paths {
		if scope.contains(net) && !seen[net] {
			networks = append(networks, net)
			seen[net] = true
		}
	}
	sortBIDs(networks)

	for _, net := range networks {
		oldPM := oldSnap.Paths[net]
		freshPM := freshSnap.Paths[net]

		var removed []idspace.BID
		if oldPM != nil {
			for bid := range oldPM.Entries {
				if scope.contains(bid) && (freshPM == nil || !hasEntry(freshPM.Entries, bid)) {
					removed = append(removed, bid)
				}
			}
		}
		if len(removed) > 0 {
			sortBIDs(removed)
			events = append(events, beliefset.PathsRemovedEvent{Network: net, BIDs: removed, Origin: origin})
		}
		if freshPM == nil {
			continue
		}
		var bids []idspace.BID
		for bid := range freshPM.Entries {
			if scope.contains(bid) {
				bids = append(bids, bid)
			}
		}
		sortBIDs(bids)
		for _, bid := range bids {
			entry := freshPM.Entries[bid]
			if oldPM == nil || !hasEntry(oldPM.Entries, bid) {
				events = append(events, beliefset.PathAddedEvent{Network: net, Path: entry.Path, BID: bid, Order: entry.Order, Origin: origin})
				continue
			}
			if prev := oldPM.Entries[bid]; prev.Path != entry.Path || !ordersEqual(prev.Order, entry.Order) {
				events = append(events, beliefset.PathUpdateEvent{Network: net, Path: entry.Path, BID: bid, Order: entry.Order, Origin: origin})
			}
		}
	}
	return events
}

func nodesEqual(a, b *beliefset.Node) bool {
	return a.Kind == b.Kind &&
		a.KindSet == b.KindSet &&
		a.Title == b.Title &&
		a.Schema == b.Schema &&
		a.ID == b.ID &&
		a.Complete == b.Complete &&
		reflect.DeepEqual(a.Payload, b.Payload)
}

func weightSetsEqual(a, b graph.WeightSet) bool {
	if len(a) != len(b) {
		return false
	}
	for kind, wa := range a {
		wb, ok := b[kind]
		if !ok || !reflect.DeepEqual(map[string]any(wa), map[string]any(wb)) {
			return false
		}
	}
	return true
}

func ordersEqual(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func hasEntry[V any](m map[idspace.BID]V, bid idspace.BID) bool {
	_, ok := m[bid]
	return ok
}

func sortBIDs(bids []idspace.BID) {
	sort.Slice(bids, func(i, j int) bool { return bidLess(bids[i], bids[j]) })
}

func bidLess(a, b idspace.BID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
