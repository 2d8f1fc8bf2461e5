package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type stubCodec struct {
	exts []string
}

func (s *stubCodec) Extensions() []string { return s.exts }

func (s *stubCodec) Parse(_ []byte, ctx Context) (*Document, error) {
	return &Document{Path: ctx.Path, Root: &ProtoNode{Kind: ProtoDocument}}, nil
}

func (s *stubCodec) Serialize(_ *Document, original []byte) ([]byte, error) {
	return original, nil
}

func TestRegistryDispatchByExtension(t *testing.T) {
	r := NewRegistry()
	md := &stubCodec{exts: []string{"md"}}
	r.Register(md)

	got, ok := r.ForPath("docs/guide.md")
	require.True(t, ok)
	require.Same(t, md, got)

	_, ok = r.ForPath("docs/guide.txt")
	require.False(t, ok)
}

func TestRegistryNormalizesExtensions(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubCodec{exts: []string{".MD"}})

	_, ok := r.ForPath("A.md")
	require.True(t, ok)
	require.Equal(t, []string{"md"}, r.Extensions())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubCodec{exts: []string{"md"}})
	require.Panics(t, func() {
		r.Register(&stubCodec{exts: []string{"md"}})
	})
}

func TestProtoNodeWalkOrder(t *testing.T) {
	root := &ProtoNode{Title: "root", Children: []*ProtoNode{
		{Title: "a", Children: []*ProtoNode{{Title: "a1"}}},
		{Title: "b"},
	}}
	var order []string
	root.Walk(func(n *ProtoNode) { order = append(order, n.Title) })
	require.Equal(t, []string{"root", "a", "a1", "b"}, order)
}
