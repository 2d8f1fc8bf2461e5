package compiler

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eykd/beliefc/internal/accumulator"
	"github.com/eykd/beliefc/internal/beliefset"
	"github.com/eykd/beliefc/internal/codec"
	"github.com/eykd/beliefc/internal/diagnostics"
	"github.com/eykd/beliefc/internal/graph"
	"github.com/eykd/beliefc/internal/idspace"

	_ "github.com/eykd/beliefc/internal/codec/markdown"
)

func writeCorpus(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func newCompiler(t *testing.T, root string) *Compiler {
	t.Helper()
	acc, err := accumulator.New(nil)
	require.NoError(t, err)
	return New(root, acc, codec.Default(), Options{Write: true})
}

const descriptor = "id = \"docs\"\ntitle = \"Docs\"\n"

func linkedCorpus(t *testing.T) string {
	return writeCorpus(t, map[string]string{
		"BeliefNetwork.toml": descriptor,
		"index.md": `+++
id = "index"
title = "Index"
+++
Start with [[getting-started]] and [[concepts]].
`,
		"getting-started.md": `+++
id = "getting-started"
title = "Getting Started"
+++
Builds on [[concepts]].
`,
		"concepts.md": `+++
id = "concepts"
title = "Concepts"
+++
Core ideas.
`,
	})
}

func TestFirstPassRewritesSecondPassDoesNot(t *testing.T) {
	root := linkedCorpus(t)

	comp := newCompiler(t, root)
	results, err := comp.ParseAll(context.Background())
	require.NoError(t, err)

	rewritten := map[string]bool{}
	for _, r := range results {
		if r.RewrittenContent != nil {
			rewritten[filepath.Base(r.Path)] = true
		}
	}
	// All three documents and the network descriptor gain BIDs.
	require.True(t, rewritten["index.md"])
	require.True(t, rewritten["getting-started.md"])
	require.True(t, rewritten["concepts.md"])
	require.True(t, rewritten["BeliefNetwork.toml"])

	// Second full compilation with a fresh compiler: every BID is already in
	// place, so nothing rewrites and no trace remains.
	comp2 := newCompiler(t, root)
	results2, err := comp2.ParseAll(context.Background())
	require.NoError(t, err)
	for _, r := range results2 {
		require.Nil(t, r.RewrittenContent, "unexpected rewrite of %s", r.Path)
	}
	require.Empty(t, comp2.Accumulator().OpenTraces())
}

func TestLinkedCorpusGraphShape(t *testing.T) {
	root := linkedCorpus(t)
	comp := newCompiler(t, root)
	_, err := comp.ParseAll(context.Background())
	require.NoError(t, err)

	set := comp.Accumulator().Set()
	net := findNetwork(t, set)

	docs := set.Relations.SectionChildren(net)
	require.Len(t, docs, 3)

	index := findByID(t, set, "index")
	concepts := findByID(t, set, "concepts")
	gettingStarted := findByID(t, set, "getting-started")

	kind := graph.Epistemic
	require.Len(t, set.Relations.EdgesFrom(index.BID, &kind), 2)
	edges := set.Relations.EdgesFrom(gettingStarted.BID, &kind)
	require.Len(t, edges, 1)
	require.Equal(t, concepts.BID, edges[0].Sink)

	require.Empty(t, set.BuiltInTest(false))
}

func TestWrittenBidsMatchBeliefSetStates(t *testing.T) {
	root := linkedCorpus(t)
	comp := newCompiler(t, root)
	_, err := comp.ParseAll(context.Background())
	require.NoError(t, err)

	// Every bid injected into the sources (frontmatter, headings, descriptor)
	// names exactly one node of the belief set, and vice versa; only the api
	// root lives nowhere on disk.
	bidRE := regexp.MustCompile(`bid://[0-9a-f]{32}`)
	written := map[idspace.BID]bool{}
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		raw, err := os.ReadFile(filepath.Join(root, e.Name()))
		require.NoError(t, err)
		for _, m := range bidRE.FindAllString(string(raw), -1) {
			bid, err := idspace.Parse(m)
			require.NoError(t, err)
			written[bid] = true
		}
	}

	snap := comp.Accumulator().Set().Snapshot()
	expected := map[idspace.BID]bool{}
	for bid := range snap.States {
		if bid == idspace.Root() {
			continue
		}
		expected[bid] = true
	}
	require.Equal(t, expected, written)
}

func TestBidStabilityAcrossRename(t *testing.T) {
	root := linkedCorpus(t)
	comp := newCompiler(t, root)
	_, err := comp.ParseAll(context.Background())
	require.NoError(t, err)
	before := findByID(t, comp.Accumulator().Set(), "concepts").BID

	// Rename the file on disk; the injected frontmatter bid travels with it.
	require.NoError(t, os.Rename(filepath.Join(root, "concepts.md"), filepath.Join(root, "ideas.md")))

	comp2 := newCompiler(t, root)
	_, err = comp2.ParseAll(context.Background())
	require.NoError(t, err)
	set := comp2.Accumulator().Set()

	after := findByID(t, set, "concepts")
	require.Equal(t, before, after.BID)

	// Cross-document references still resolve to the same node.
	index := findByID(t, set, "index")
	kind := graph.Epistemic
	sinks := map[idspace.BID]bool{}
	for _, e := range set.Relations.EdgesFrom(index.BID, &kind) {
		sinks[e.Sink] = true
	}
	require.True(t, sinks[before])
	require.Empty(t, comp2.Accumulator().OpenTraces())
}

func TestForwardAnchorReferenceResolvesViaReparse(t *testing.T) {
	// A forward-references an anchor defined only in B; the primary queue is
	// sorted, so a.md parses first and leaves a trace that b.md resolves,
	// re-queueing a.md.
	root := writeCorpus(t, map[string]string{
		"BeliefNetwork.toml": descriptor,
		"a.md": `+++
id = "a"
title = "A"
+++
See [[b#details]].
`,
		"b.md": `+++
id = "b"
title = "B"
+++
## Details {#details}
`,
	})
	comp := newCompiler(t, root)
	results, err := comp.ParseAll(context.Background())
	require.NoError(t, err)

	require.Empty(t, comp.Accumulator().OpenTraces())
	for _, r := range results {
		for _, d := range r.Diagnostics {
			require.NotEqual(t, diagnostics.CodeUnresolvedReference, d.Code)
		}
		if filepath.Base(r.Path) == "b.md" {
			require.Contains(t, r.DependentPaths, filepath.Join(root, "a.md"))
		}
	}

	set := comp.Accumulator().Set()
	details := findByID(t, set, "details")
	require.True(t, details.Complete)
}

func TestUnresolvedReferenceSurfacesDiagnostic(t *testing.T) {
	root := writeCorpus(t, map[string]string{
		"BeliefNetwork.toml": descriptor,
		"a.md": `+++
id = "a"
title = "A"
+++
See [[never-defined]].
`,
	})
	comp := newCompiler(t, root)
	results, err := comp.ParseAll(context.Background())
	require.NoError(t, err)

	require.Len(t, comp.Accumulator().OpenTraces(), 1)
	found := false
	for _, r := range results {
		for _, d := range r.Diagnostics {
			if d.Code == diagnostics.CodeUnresolvedReference {
				found = true
				require.Equal(t, diagnostics.SeverityWarning, d.Severity)
			}
		}
	}
	require.True(t, found)
}

func TestMtimeCachingSkipsUnchangedFiles(t *testing.T) {
	root := linkedCorpus(t)
	comp := newCompiler(t, root)
	_, err := comp.ParseAll(context.Background())
	require.NoError(t, err)

	// Re-running the same compiler with no filesystem changes parses zero
	// files: every mtime matches and every path is already parsed.
	results, err := comp.ParseAll(context.Background())
	require.NoError(t, err)
	for _, r := range results {
		require.Empty(t, r.Diagnostics)
		require.Nil(t, r.RewrittenContent)
	}

	// Touching one file re-parses exactly that file.
	target := filepath.Join(root, "concepts.md")
	raw, err := os.ReadFile(target)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(target, append(raw, []byte("\nMore.\n")...), 0o644))

	results, err = comp.Recompile(context.Background(), []string{target})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, target, results[0].Path)
}

func TestRemoveDocumentEmitsNodesRemoved(t *testing.T) {
	root := linkedCorpus(t)

	events := make(chan beliefset.Event, 4096)
	acc, err := accumulator.New(events)
	require.NoError(t, err)
	comp := New(root, acc, codec.Default(), Options{Write: true})
	_, err = comp.ParseAll(context.Background())
	require.NoError(t, err)

	target := filepath.Join(root, "concepts.md")
	conceptsBID := findByID(t, acc.Set(), "concepts").BID
	require.NoError(t, os.Remove(target))
	require.NoError(t, comp.RemoveDocument(target))
	close(events)

	var removed []beliefset.NodesRemovedEvent
	for e := range events {
		if ev, ok := e.(beliefset.NodesRemovedEvent); ok {
			removed = append(removed, ev)
		}
	}
	require.NotEmpty(t, removed)
	last := removed[len(removed)-1]
	require.Contains(t, last.BIDs, conceptsBID)

	_, ok := acc.Set().Node(conceptsBID)
	require.False(t, ok)
}

func TestMissingDescriptorFails(t *testing.T) {
	root := writeCorpus(t, map[string]string{"a.md": "# A\n"})
	comp := newCompiler(t, root)
	_, err := comp.ParseAll(context.Background())
	require.Error(t, err)
}

func findNetwork(t *testing.T, set *beliefset.BeliefSet) idspace.BID {
	t.Helper()
	snap := set.Snapshot()
	for bid, n := range snap.States {
		if n.Kind == beliefset.KindNetwork {
			return bid
		}
	}
	t.Fatal("no network node")
	return idspace.BID{}
}

func findByID(t *testing.T, set *beliefset.BeliefSet, id string) *beliefset.Node {
	t.Helper()
	snap := set.Snapshot()
	for _, n := range snap.States {
		if n.ID == id {
			return n
		}
	}
	t.Fatalf("no node with id %q", id)
	return nil
}
