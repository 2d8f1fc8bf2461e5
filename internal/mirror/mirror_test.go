package mirror

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eykd/beliefc/internal/beliefset"
	"github.com/eykd/beliefc/internal/graph"
	"github.com/eykd/beliefc/internal/idspace"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func docNode(bid idspace.BID, title string) *beliefset.Node {
	return &beliefset.Node{
		BID:      bid,
		Kind:     beliefset.KindDocument,
		KindSet:  beliefset.KindSetOf(beliefset.KindDocument),
		Title:    title,
		ID:       "doc",
		Payload:  map[string]any{"complexity": "medium"},
		Complete: true,
	}
}

func TestNodeRoundTrip(t *testing.T) {
	s := openStore(t)
	bid := idspace.New(idspace.Root())

	require.NoError(t, s.Apply([]beliefset.Event{
		beliefset.NodeUpdateEvent{Node: docNode(bid, "Doc")},
	}))

	n, ok, err := s.Node(bid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Doc", n.Title)
	require.Equal(t, beliefset.KindDocument, n.Kind)
	require.Equal(t, "medium", n.Payload["complexity"])
	require.True(t, n.Complete)
}

func TestRelationsAndRemoval(t *testing.T) {
	s := openStore(t)
	net := idspace.New(idspace.Root())
	a, b := idspace.New(net), idspace.New(net)

	require.NoError(t, s.Apply([]beliefset.Event{
		beliefset.NodeUpdateEvent{Node: docNode(a, "A")},
		beliefset.NodeUpdateEvent{Node: docNode(b, "B")},
		beliefset.RelationInsertEvent{Source: a, Sink: b, Kind: graph.Section, Weight: graph.Weight{graph.WeightSortKey: uint16(0)}},
		beliefset.RelationInsertEvent{Source: a, Sink: b, Kind: graph.Epistemic, Weight: graph.Weight{}},
	}))

	bs, err := s.Graph()
	require.NoError(t, err)
	ws, ok := bs.Relations.Weights(a, b)
	require.True(t, ok)
	require.Len(t, ws, 2)
	key, ok := ws[graph.Section].SortKey()
	require.True(t, ok)
	require.Equal(t, uint16(0), key)

	// Removing a node drops its incident edges too.
	require.NoError(t, s.Apply([]beliefset.Event{
		beliefset.NodesRemovedEvent{BIDs: []idspace.BID{b}},
	}))
	bs, err = s.Graph()
	require.NoError(t, err)
	_, ok = bs.Relations.Weights(a, b)
	require.False(t, ok)
	_, found, err := s.Node(b)
	require.NoError(t, err)
	require.False(t, found)
}

func TestRelationUpdatePreservesOtherKinds(t *testing.T) {
	s := openStore(t)
	a, b := idspace.New(idspace.Root()), idspace.New(idspace.Root())

	require.NoError(t, s.Apply([]beliefset.Event{
		beliefset.RelationInsertEvent{Source: a, Sink: b, Kind: graph.Epistemic, Weight: graph.Weight{"confidence": 0.5}},
		beliefset.RelationUpdateEvent{Source: a, Sink: b, Weights: graph.WeightSet{graph.Section: {graph.WeightSortKey: uint16(3)}}},
	}))

	bs, err := s.Graph()
	require.NoError(t, err)
	ws, ok := bs.Relations.Weights(a, b)
	require.True(t, ok)
	require.Contains(t, ws, graph.Epistemic)
	key, ok := ws[graph.Section].SortKey()
	require.True(t, ok)
	require.Equal(t, uint16(3), key)
}

func TestPathsTable(t *testing.T) {
	s := openStore(t)
	net := idspace.New(idspace.Root())
	a := idspace.New(net)

	require.NoError(t, s.Apply([]beliefset.Event{
		beliefset.PathAddedEvent{Network: net, Path: "/doc", BID: a, Order: []uint16{0}},
	}))
	rows, err := s.NetworkPaths(net)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "/doc", rows[0].Path)
	require.Equal(t, []uint16{0}, rows[0].Order)

	require.NoError(t, s.Apply([]beliefset.Event{
		beliefset.PathUpdateEvent{Network: net, Path: "/doc-2", BID: a, Order: []uint16{1}},
	}))
	rows, err = s.NetworkPaths(net)
	require.NoError(t, err)
	require.Equal(t, "/doc-2", rows[0].Path)

	require.NoError(t, s.Apply([]beliefset.Event{
		beliefset.PathsRemovedEvent{Network: net, BIDs: []idspace.BID{a}},
	}))
	rows, err = s.NetworkPaths(net)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestFileMtimes(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Apply([]beliefset.Event{
		beliefset.FileParsedEvent{Path: "docs/a.md", Mtime: 42},
		beliefset.FileParsedEvent{Path: "docs/b.md", Mtime: 99},
	}))

	mtimes, err := s.GetFileMtimes()
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"docs/a.md": 42, "docs/b.md": 99}, mtimes)
}

func TestApplyEmptyBatchIsNoOp(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Apply(nil))
}
