package beliefset

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eykd/beliefc/internal/graph"
	"github.com/eykd/beliefc/internal/idspace"
)

func mustProcess(t *testing.T, bs *BeliefSet, e Event) []Event {
	t.Helper()
	derivs, err := bs.ProcessEvent(e)
	require.NoError(t, err)
	return derivs
}

func newNetwork(t *testing.T, bs *BeliefSet, title string) idspace.BID {
	t.Helper()
	network := idspace.New(idspace.Root())
	mustProcess(t, bs, NodeUpdateEvent{Node: &Node{BID: network, Kind: KindNetwork, Title: title, Complete: true}})
	return network
}

func addDoc(t *testing.T, bs *BeliefSet, network idspace.BID, title string, sortKey uint16) idspace.BID {
	t.Helper()
	doc := idspace.New(network)
	mustProcess(t, bs, NodeUpdateEvent{Node: &Node{BID: doc, Kind: KindDocument, Title: title, Complete: true}})
	mustProcess(t, bs, RelationInsertEvent{Source: doc, Sink: network, Kind: graph.Section, Weight: graph.Weight{graph.WeightSortKey: sortKey}})
	return doc
}

func TestProcessEventBuildsPathsIncrementally(t *testing.T) {
	bs := New()
	network := newNetwork(t, bs, "My Network")
	docA := addDoc(t, bs, network, "Doc A", 0)
	docB := addDoc(t, bs, network, "Doc B", 1)

	pm, ok := bs.Path(network)
	require.True(t, ok)
	require.Equal(t, "/doc-a", pm.Entries[docA].Path)
	require.Equal(t, "/doc-b", pm.Entries[docB].Path)
	require.Empty(t, bs.BuiltInTest(false))
}

func TestRelationInsertSectionEnforcesSingleParent(t *testing.T) {
	bs := New()
	networkA := newNetwork(t, bs, "Network A")
	networkB := newNetwork(t, bs, "Network B")
	doc := addDoc(t, bs, networkA, "Doc", 0)

	derivs := mustProcess(t, bs, RelationInsertEvent{Source: doc, Sink: networkB, Kind: graph.Section, Weight: graph.Weight{graph.WeightSortKey: uint16(0)}})
	require.NotEmpty(t, derivs)

	parent, ok := bs.Relations.SectionParent(doc)
	require.True(t, ok)
	require.Equal(t, networkB, parent)

	pmA, _ := bs.Path(networkA)
	_, stillThere := pmA.Entries[doc]
	require.False(t, stillThere)

	require.Empty(t, bs.BuiltInTest(false))
}

func TestRemovalReindexesRemainingSiblingsContiguously(t *testing.T) {
	bs := New()
	network := newNetwork(t, bs, "Network")
	docA := addDoc(t, bs, network, "Doc A", 0)
	docB := addDoc(t, bs, network, "Doc B", 1)
	docC := addDoc(t, bs, network, "Doc C", 2)

	derivs := mustProcess(t, bs, NodesRemovedEvent{BIDs: []idspace.BID{docB}})
	require.NotEmpty(t, derivs)

	var sawRelationUpdate bool
	for _, d := range derivs {
		if ru, ok := d.(RelationUpdateEvent); ok {
			sawRelationUpdate = true
			require.Equal(t, docC, ru.Source)
			sk, _ := ru.Weights[graph.Section].SortKey()
			require.Equal(t, uint16(1), sk)
		}
	}
	require.True(t, sawRelationUpdate)

	kind := graph.Section
	edges := bs.Relations.EdgesTo(network, &kind)
	require.Len(t, edges, 2)
	require.Empty(t, bs.BuiltInTest(false))

	_ = docA
}

func TestDirectPathEventIsRejected(t *testing.T) {
	bs := New()
	network := newNetwork(t, bs, "Network")
	_, err := bs.ProcessEvent(PathAddedEvent{Network: network, Path: "/x", BID: idspace.New(network)})
	require.Error(t, err)
}

func TestBuiltInTestDetectsAndRepairsSiblingGap(t *testing.T) {
	bs := New()
	network := newNetwork(t, bs, "Network")
	docA := idspace.New(network)
	docB := idspace.New(network)
	mustProcess(t, bs, NodeUpdateEvent{Node: &Node{BID: docA, Kind: KindDocument, Title: "Doc A", Complete: true}})
	mustProcess(t, bs, NodeUpdateEvent{Node: &Node{BID: docB, Kind: KindDocument, Title: "Doc B", Complete: true}})

	// Bypass ProcessEvent to inject a non-contiguous state directly on the graph.
	bs.Relations.UpsertEdge(docA, network, graph.Section, graph.Weight{graph.WeightSortKey: uint16(0)})
	bs.Relations.UpsertEdge(docB, network, graph.Section, graph.Weight{graph.WeightSortKey: uint16(5)})

	diags := bs.BuiltInTest(false)
	require.NotEmpty(t, diags)

	diags = bs.BuiltInTest(true)
	require.Empty(t, diags)

	kind := graph.Section
	edges := bs.Relations.EdgesTo(network, &kind)
	keys := map[idspace.BID]uint16{}
	for _, e := range edges {
		sk, _ := e.Weights[graph.Section].SortKey()
		keys[e.Source] = sk
	}
	require.ElementsMatch(t, []uint16{0, 1}, []uint16{keys[docA], keys[docB]})
}

func TestBuiltInTestDetectsUnreferencedIncompleteTrace(t *testing.T) {
	bs := New()
	trace := NewTrace(idspace.New(idspace.Root()), KindSymbol, "some-symbol")
	mustProcess(t, bs, NodeUpdateEvent{Node: trace})

	diags := bs.BuiltInTest(false)
	require.NotEmpty(t, diags)
}

func TestSnapshotIsIndependentOfFutureMutation(t *testing.T) {
	bs := New()
	network := newNetwork(t, bs, "Network")
	snap := bs.Snapshot()

	addDoc(t, bs, network, "Doc A", 0)

	_, ok := snap.Node(network)
	require.True(t, ok)
	require.Equal(t, 1, len(snap.Relations.Vertices()))
}

func TestNodeRenamedRejectsStillReferencedNode(t *testing.T) {
	bs := New()
	network := newNetwork(t, bs, "Network")
	doc := addDoc(t, bs, network, "Doc", 0)

	_, err := bs.ProcessEvent(NodeRenamedEvent{From: doc, To: idspace.New(network)})
	require.Error(t, err)
}
