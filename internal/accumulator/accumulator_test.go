package accumulator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eykd/beliefc/internal/beliefset"
	"github.com/eykd/beliefc/internal/codec"
	"github.com/eykd/beliefc/internal/graph"
	"github.com/eykd/beliefc/internal/idspace"
	"github.com/eykd/beliefc/internal/network"
)

func newAccWithNetwork(t *testing.T) (*Accumulator, idspace.BID) {
	t.Helper()
	acc, err := New(nil)
	require.NoError(t, err)
	net, _, err := acc.EnsureNetwork("docs", &network.Descriptor{ID: "docs", Title: "Docs"})
	require.NoError(t, err)
	return acc, net
}

func docWith(id, title string, refs []codec.Reference, children ...*codec.ProtoNode) *codec.Document {
	return &codec.Document{Root: &codec.ProtoNode{
		Kind:     codec.ProtoDocument,
		ID:       id,
		Title:    title,
		Payload:  map[string]any{},
		Refs:     refs,
		Children: children,
	}}
}

func section(title, anchor string) *codec.ProtoNode {
	return &codec.ProtoNode{Kind: codec.ProtoSection, Title: title, Anchor: anchor, ID: anchor, Level: 2, Payload: map[string]any{}}
}

func TestEnsureNetworkAttachesUnderAPI(t *testing.T) {
	acc, net := newAccWithNetwork(t)

	parent, ok := acc.Set().Relations.SectionParent(net)
	require.True(t, ok)
	require.Equal(t, acc.API(), parent)

	n, ok := acc.Set().Node(net)
	require.True(t, ok)
	require.Equal(t, beliefset.KindNetwork, n.Kind)
	require.True(t, n.Complete)
}

func TestEnsureNetworkHonorsExplicitBid(t *testing.T) {
	acc, err := New(nil)
	require.NoError(t, err)
	explicit := idspace.New(acc.API())

	net, needsRewrite, err := acc.EnsureNetwork("docs", &network.Descriptor{Title: "Docs", BID: explicit.URI()})
	require.NoError(t, err)
	require.Equal(t, explicit, net)
	require.False(t, needsRewrite)
}

func TestIngestCreatesDocumentAndSections(t *testing.T) {
	acc, net := newAccWithNetwork(t)

	res, err := acc.Ingest("docs/a.md", docWith("a", "A", nil, section("Background", "background")), net)
	require.NoError(t, err)
	require.Empty(t, res.Unresolved)

	docNode := findByID(t, acc, "a")
	require.Equal(t, beliefset.KindDocument, docNode.Kind)

	parent, ok := acc.Set().Relations.SectionParent(docNode.BID)
	require.True(t, ok)
	require.Equal(t, net, parent)

	children := acc.Set().Relations.SectionChildren(docNode.BID)
	require.Len(t, children, 1)
	sec, ok := acc.Set().Node(children[0])
	require.True(t, ok)
	require.Equal(t, "Background", sec.Title)
	require.Equal(t, beliefset.KindSection, sec.Kind)
}

func TestIngestReusesBIDsOnReparse(t *testing.T) {
	acc, net := newAccWithNetwork(t)

	_, err := acc.Ingest("docs/a.md", docWith("a", "A", nil, section("Background", "background")), net)
	require.NoError(t, err)
	first := findByID(t, acc, "a").BID

	_, err = acc.Ingest("docs/a.md", docWith("a", "A retitled", nil, section("Background", "background")), net)
	require.NoError(t, err)
	again := findByID(t, acc, "a")
	require.Equal(t, first, again.BID)
	require.Equal(t, "A retitled", again.Title)
}

func TestWikiForwardReferenceCreatesTrace(t *testing.T) {
	acc, net := newAccWithNetwork(t)

	refs := []codec.Reference{{Kind: codec.RefWiki, Target: "concepts"}}
	res, err := acc.Ingest("docs/a.md", docWith("a", "A", refs), net)
	require.NoError(t, err)
	require.Len(t, res.Unresolved, 1)
	require.Len(t, acc.OpenTraces(), 1)

	// The trace is incomplete but referenced, so invariant 6 holds.
	trace := findByID(t, acc, "concepts")
	require.False(t, trace.Complete)
	require.Empty(t, acc.Set().BuiltInTest(false))
}

func TestTraceResolvesWhenTargetParsed(t *testing.T) {
	acc, net := newAccWithNetwork(t)

	refs := []codec.Reference{{Kind: codec.RefWiki, Target: "concepts"}}
	_, err := acc.Ingest("docs/a.md", docWith("a", "A", refs), net)
	require.NoError(t, err)
	traceBID := findByID(t, acc, "concepts").BID

	res, err := acc.Ingest("docs/concepts.md", docWith("concepts", "Concepts", nil), net)
	require.NoError(t, err)
	require.Len(t, res.Resolved, 1)
	require.Empty(t, acc.OpenTraces())

	// The trace BID was adopted: the wiki-link edge still points at the now
	// complete node.
	resolved := findByID(t, acc, "concepts")
	require.Equal(t, traceBID, resolved.BID)
	require.True(t, resolved.Complete)
}

func TestAnchorForwardReferenceResolvesOnReparse(t *testing.T) {
	acc, net := newAccWithNetwork(t)

	// B defines the anchor; A references it before B is parsed.
	refs := []codec.Reference{{Kind: codec.RefAnchor, Target: "b", Anchor: "details"}}
	res, err := acc.Ingest("docs/a.md", docWith("a", "A", refs), net)
	require.NoError(t, err)
	require.Len(t, res.Unresolved, 1)

	res, err = acc.Ingest("docs/b.md", docWith("b", "B", nil, section("Details", "details")), net)
	require.NoError(t, err)
	require.Len(t, res.Resolved, 1)
	require.Empty(t, acc.OpenTraces())

	details := findByID(t, acc, "details")
	require.True(t, details.Complete)
	require.Equal(t, beliefset.KindSection, details.Kind)
}

func TestAssetAndHrefNodes(t *testing.T) {
	acc, net := newAccWithNetwork(t)

	refs := []codec.Reference{
		{Kind: codec.RefAsset, Target: "img/a.png"},
		{Kind: codec.RefHref, Target: "https://example.com"},
	}
	_, err := acc.Ingest("docs/a.md", docWith("a", "A", refs), net)
	require.NoError(t, err)

	require.Contains(t, acc.Assets(), "img/a.png")
	require.Contains(t, acc.Hrefs(), "https://example.com")

	docBID := findByID(t, acc, "a").BID
	kind := graph.Asset
	require.Len(t, acc.Set().Relations.EdgesFrom(docBID, &kind), 1)
	kind = graph.Href
	require.Len(t, acc.Set().Relations.EdgesFrom(docBID, &kind), 1)

	// A second document referencing the same asset shares the node.
	_, err = acc.Ingest("docs/b.md", docWith("b", "B", refs[:1]), net)
	require.NoError(t, err)
	require.Len(t, acc.Assets(), 1)
}

func TestRemoveDocumentDropsItsNodes(t *testing.T) {
	acc, net := newAccWithNetwork(t)

	_, err := acc.Ingest("docs/a.md", docWith("a", "A", nil, section("S", "s")), net)
	require.NoError(t, err)
	docBID := findByID(t, acc, "a").BID

	events, err := acc.RemoveDocument("docs/a.md")
	require.NoError(t, err)
	require.NotEmpty(t, events)

	_, ok := acc.Set().Node(docBID)
	require.False(t, ok)
	require.Empty(t, acc.Set().Relations.SectionChildren(net))
}

func TestSectionRemovalReindexesSiblings(t *testing.T) {
	acc, net := newAccWithNetwork(t)

	doc := docWith("a", "A", nil, section("One", "one"), section("Two", "two"), section("Three", "three"))
	_, err := acc.Ingest("docs/a.md", doc, net)
	require.NoError(t, err)
	docBID := findByID(t, acc, "a").BID
	three := findByID(t, acc, "three").BID

	// Reparse without the middle child: the former sort-key-2 child slides
	// to sort key 1 and the set stays balanced.
	doc2 := docWith("a", "A", nil, section("One", "one"), section("Three", "three"))
	_, err = acc.Ingest("docs/a.md", doc2, net)
	require.NoError(t, err)

	children := acc.Set().Relations.SectionChildren(docBID)
	require.Len(t, children, 2)
	require.Equal(t, three, children[1])

	ws, ok := acc.Set().Relations.Weights(three, docBID)
	require.True(t, ok)
	key, ok := ws[graph.Section].SortKey()
	require.True(t, ok)
	require.Equal(t, uint16(1), key)
	require.Empty(t, acc.Set().BuiltInTest(false))
}

func TestEventStreamOrdering(t *testing.T) {
	out := make(chan beliefset.Event, 256)
	acc, err := New(out)
	require.NoError(t, err)
	net, _, err := acc.EnsureNetwork("docs", &network.Descriptor{ID: "docs", Title: "Docs"})
	require.NoError(t, err)

	res, err := acc.Ingest("docs/a.md", docWith("a", "A", nil), net)
	require.NoError(t, err)
	close(out)

	var streamed []beliefset.Event
	for e := range out {
		streamed = append(streamed, e)
	}
	// Everything committed for the document appears on the stream, in the
	// order Ingest returned it.
	require.GreaterOrEqual(t, len(streamed), len(res.Events))
	tail := streamed[len(streamed)-len(res.Events):]
	for i, e := range res.Events {
		require.Equal(t, e.EventKind(), tail[i].EventKind())
	}
}

func findByID(t *testing.T, acc *Accumulator, id string) *beliefset.Node {
	t.Helper()
	snap := acc.Set().Snapshot()
	for _, n := range snap.States {
		if n.ID == id {
			return n
		}
	}
	t.Fatalf("no node with id %q", id)
	return nil
}
