package network

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eykd/beliefc/internal/idspace"
)

func TestDecodeRequiresTitle(t *testing.T) {
	_, err := Decode([]byte(`id = "docs"`))
	require.Error(t, err)
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	bid := idspace.New(idspace.Root())
	d := &Descriptor{ID: "docs", Title: "Documentation", Text: "The docs network.", BID: bid.URI()}

	raw, err := Encode(d)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, d, got)

	parsed, ok := got.ParsedBID()
	require.True(t, ok)
	require.Equal(t, bid, parsed)
}

func TestEncodeIsByteStable(t *testing.T) {
	d := &Descriptor{ID: "docs", Title: "Documentation"}
	first, err := Encode(d)
	require.NoError(t, err)
	second, err := Encode(d)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestIsRoot(t *testing.T) {
	dir := t.TempDir()
	require.False(t, IsRoot(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, DescriptorName), []byte(`title = "Docs"`), 0o644))
	require.True(t, IsRoot(dir))

	d, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "Docs", d.Title)
	_, ok := d.ParsedBID()
	require.False(t, ok)
}
