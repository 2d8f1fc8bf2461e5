package compiler

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eykd/beliefc/internal/accumulator"
	"github.com/eykd/beliefc/internal/beliefset"
	"github.com/eykd/beliefc/internal/codec"
	"github.com/eykd/beliefc/internal/mirror"
)

// TestMirrorConvergesWithAuthority replays the full event stream of a
// compilation into the durable mirror and checks the mirror's reconstructed
// graph matches the in-memory authority: same nodes, same edges, same kinds.
func TestMirrorConvergesWithAuthority(t *testing.T) {
	root := linkedCorpus(t)

	events := make(chan beliefset.Event, 4096)
	acc, err := accumulator.New(events)
	require.NoError(t, err)
	comp := New(root, acc, codec.Default(), Options{Write: true})
	_, err = comp.ParseAll(context.Background())
	require.NoError(t, err)
	close(events)

	store, err := mirror.Open(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	defer store.Close()

	var batch []beliefset.Event
	for e := range events {
		batch = append(batch, e)
	}
	require.NoError(t, store.Apply(batch))

	authority := acc.Set().Snapshot()
	mirrored, err := store.Graph()
	require.NoError(t, err)

	require.Len(t, mirrored.States, len(authority.States))
	for bid, n := range authority.States {
		m, ok := mirrored.States[bid]
		require.True(t, ok, "mirror missing node %s", bid)
		require.Equal(t, n.Kind, m.Kind)
		require.Equal(t, n.Title, m.Title)
		require.Equal(t, n.ID, m.ID)
		require.Equal(t, n.Complete, m.Complete)
	}

	for _, v := range authority.Relations.Vertices() {
		for _, e := range authority.Relations.EdgesFrom(v, nil) {
			ws, ok := mirrored.Relations.Weights(e.Source, e.Sink)
			require.True(t, ok, "mirror missing edge %s -> %s", e.Source, e.Sink)
			require.Len(t, ws, len(e.Weights))
			for kind, w := range e.Weights {
				mw, ok := ws[kind]
				require.True(t, ok, "mirror missing kind %s on %s -> %s", kind, e.Source, e.Sink)
				if sk, hasKey := w.SortKey(); hasKey {
					msk, mok := mw.SortKey()
					require.True(t, mok)
					require.Equal(t, sk, msk)
				}
			}
		}
	}
}
