// Package pathmap implements PathMap: the derived projection from a
// network's (nodes, relations) to canonical path strings and order
// vectors. A PathMap is never authoritative: From always recomputes it
// fresh from the graph, and BeliefSet.Paths must equal From's output after
// every successful event application (invariant 5).
package pathmap

import (
	"sort"
	"strings"

	"github.com/eykd/beliefc/internal/graph"
	"github.com/eykd/beliefc/internal/idspace"
)

// Entry is one node's projection within a network's PathMap.
type Entry struct {
	// Path is the canonical path string, e.g. "/doc-title/section-slug".
	Path string
	// Order is the sequence of sibling indices from the network root down
	// to this node.
	Order []uint16
}

// PathMap is the path-string/order-vector projection for a single network,
// keyed by BID.
type PathMap struct {
	Network idspace.BID
	Entries map[idspace.BID]Entry
}

// Slugger returns the path segment to use for a node, given its title/id.
// The BeliefSet supplies the author-chosen id (slug) when present and the
// slugified title otherwise; pathmap stays agnostic of that policy and
// takes the already-resolved segment string per node.
type Slugger func(bid idspace.BID) string

// From freshly computes the PathMap for the given network root by walking
// Section edges. Any prior PathMap for this network is discarded; PathMap
// is a derived projection, never mutated incrementally by clients.
func From(rel *graph.Graph, network idspace.BID, segment Slugger) *PathMap {
	pm := &PathMap{Network: network, Entries: make(map[idspace.BID]Entry)}
	pm.Entries[network] = Entry{Path: "/", Order: nil}
	walk(rel, network, "/", nil, segment, pm)
	return pm
}

func walk(rel *graph.Graph, parent idspace.BID, parentPath string, parentOrder []uint16, segment Slugger, pm *PathMap) {
	children := rel.SectionChildren(parent)
	for i, child := range children {
		order := append(append([]uint16{}, parentOrder...), uint16(i))
		seg := segment(child)
		path := joinPath(parentPath, seg)
		pm.Entries[child] = Entry{Path: path, Order: order}
		walk(rel, child, path, order, segment, pm)
	}
}

func joinPath(parentPath, seg string) string {
	if parentPath == "/" {
		return "/" + seg
	}
	return strings.TrimRight(parentPath, "/") + "/" + seg
}

// Lookup resolves path to a BID within pm.
func (pm *PathMap) Lookup(path string) (idspace.BID, bool) {
	for bid, e := range pm.Entries {
		if e.Path == path {
			return bid, true
		}
	}
	return idspace.BID{}, false
}

// Equal reports whether pm and other describe the same network projection,
// used to validate invariant 5 (path derivability) during the balance check.
func (pm *PathMap) Equal(other *PathMap) bool {
	if pm == nil || other == nil {
		return pm == other
	}
	if pm.Network != other.Network || len(pm.Entries) != len(other.Entries) {
		return false
	}
	for bid, e := range pm.Entries {
		oe, ok := other.Entries[bid]
		if !ok || e.Path != oe.Path || !equalOrder(e.Order, oe.Order) {
			return false
		}
	}
	return true
}

func equalOrder(a, b []uint16) bool {
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

// Diff returns the BIDs whose entry in fresh is absent from or different in
// old (changed), and the BIDs present in old but absent from fresh
// (removed), used by the reindexing algorithm to find exactly which
// descendants' order vectors changed.
func Diff(old, fresh *PathMap) (changed []idspace.BID, removed []idspace.BID) {
	if old == nil {
		for bid := range fresh.Entries {
			changed = append(changed, bid)
		}
		sortBIDs(changed)
		return changed, nil
	}
	for bid, e := range fresh.Entries {
		oe, ok := old.Entries[bid]
		if !ok || oe.Path != e.Path || !equalOrder(oe.Order, e.Order) {
			changed = append(changed, bid)
		}
	}
	for bid := range old.Entries {
		if _, ok := fresh.Entries[bid]; !ok {
			removed = append(removed, bid)
		}
	}
	sortBIDs(changed)
	sortBIDs(removed)
	return changed, removed
}

func sortBIDs(bids []idspace.BID) {
	sort.Slice(bids, func(i, j int) bool {
		for k := range bids[i] {
			if bids[i][k] != bids[j][k] {
				return bids[i][k] < bids[j][k]
			}
		}
		return false
	})
}
