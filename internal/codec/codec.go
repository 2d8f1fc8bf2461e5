// Package codec defines the pluggable per-extension document
// parser/serializer contract and the process-wide registry that
// dispatches on file extension. The registry is populated during an init
// phase at startup and frozen thereafter.
package codec

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/eykd/beliefc/internal/diagnostics"
	"github.com/eykd/beliefc/internal/idspace"
)

// ProtoKind classifies a ProtoNode before it is committed to a BeliefSet.
type ProtoKind uint8

const (
	ProtoDocument ProtoKind = iota
	ProtoSection
	ProtoSymbol
)

func (k ProtoKind) String() string {
	switch k {
	case ProtoDocument:
		return "Document"
	case ProtoSection:
		return "Section"
	case ProtoSymbol:
		return "Symbol"
	default:
		return "Unknown"
	}
}

// RefKind classifies an outbound reference found in a document body.
type RefKind uint8

const (
	// RefWiki is a [[id]] link targeting a document by author slug.
	RefWiki RefKind = iota
	// RefAnchor is a [[doc#anchor]] link targeting a section or symbol.
	RefAnchor
	// RefBid is an already-resolved bid://… link.
	RefBid
	// RefAsset is a link to a local file.
	RefAsset
	// RefHref is a link to an external URL.
	RefHref
)

func (k RefKind) String() string {
	switch k {
	case RefWiki:
		return "Wiki"
	case RefAnchor:
		return "Anchor"
	case RefBid:
		return "Bid"
	case RefAsset:
		return "Asset"
	case RefHref:
		return "Href"
	default:
		return "Unknown"
	}
}

// Reference is one outbound reference parsed from a document, attributed to
// the ProtoNode whose body span contains it.
type Reference struct {
	Kind RefKind
	// Target is the wiki slug (RefWiki/RefAnchor), local path (RefAsset), or
	// URL (RefHref). Empty for RefBid.
	Target string
	// Anchor is the fragment of a [[doc#anchor]] link.
	Anchor string
	// BID is set for RefBid references.
	BID idspace.BID
	// Line is the 1-based source line the reference appears on.
	Line int
}

// ProtoNode is one node of the provisional tree a codec parses out of a
// document: the document itself, its sections, and addressable symbols.
// BIDs start as whatever the source carried (often nil) and are resolved by
// the Accumulator before Serialize is called in rewrite mode.
type ProtoNode struct {
	Kind   ProtoKind
	Title  string
	ID     string // author-chosen slug, "" when absent
	Anchor string // {#anchor} suffix on a heading, "" when absent
	Schema string
	BID    idspace.BID
	// Payload carries the schema-typed key-value map: frontmatter fields for
	// the document node, sections-table extras for heading nodes.
	Payload map[string]any
	// Refs are the outbound references whose spans fall inside this node.
	Refs []Reference
	// Children are nested sections/symbols in document order.
	Children []*ProtoNode

	// Level is the heading level (1-6) for sections, 0 for the document.
	Level int
	// Line is the 1-based source line of the heading, 0 for the document.
	Line int

	// SchemaError marks a node whose payload failed deserialization against
	// its declared schema; the Accumulator downgrades it to a trace.
	SchemaError bool
}

// Walk visits n and every descendant in document order.
func (n *ProtoNode) Walk(visit func(*ProtoNode)) {
	visit(n)
	for _, c := range n.Children {
		c.Walk(visit)
	}
}

// Document is the result of parsing one source file: the proto-node tree
// plus per-document diagnostics.
type Document struct {
	Path        string
	Root        *ProtoNode
	Diagnostics []diagnostics.Diagnostic
}

// Context carries the surrounding state a codec may need while parsing:
// where the document lives and which network owns it.
type Context struct {
	Path    string
	Network idspace.BID
}

// Codec parses and re-serializes one family of file extensions.
type Codec interface {
	// Extensions returns the extensions this codec claims, without leading
	// dots (e.g. "md").
	Extensions() []string
	// Parse turns source bytes into a proto-node tree. A failure to recover
	// any nodes at all is a ParseError; recoverable trouble is
	// reported through Document.Diagnostics instead.
	Parse(src []byte, ctx Context) (*Document, error)
	// Serialize emits doc back as source bytes, injecting resolved BIDs into
	// headings and frontmatter while leaving all other content untouched. A
	// document whose source already carries correct BIDs must serialize to
	// exactly original (no rewrite on a second pass).
	Serialize(doc *Document, original []byte) ([]byte, error)
}

// Registry dispatches codecs by file extension.
type Registry struct {
	mu    sync.RWMutex
	byExt map[string]Codec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byExt: make(map[string]Codec)}
}

// Register claims c's extensions. Registering two codecs for the same
// extension is a programming error and panics during the init phase rather
// than silently shadowing.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range c.Extensions() {
		ext = strings.ToLower(strings.TrimPrefix(ext, "."))
		if _, dup := r.byExt[ext]; dup {
			panic(fmt.Sprintf("codec: duplicate registration for extension %q", ext))
		}
		r.byExt[ext] = c
	}
}

// ForPath returns the codec registered for path's extension.
func (r *Registry) ForPath(path string) (Codec, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byExt[ext]
	return c, ok
}

// Extensions returns every registered extension, sorted.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// defaultRegistry is the process-wide table. It is filled by package init
// functions and treated as frozen once main starts.
var defaultRegistry = NewRegistry()

// Register adds c to the process-wide registry.
func Register(c Codec) { defaultRegistry.Register(c) }

// ForPath dispatches on the process-wide registry.
func ForPath(path string) (Codec, bool) { return defaultRegistry.ForPath(path) }

// Extensions lists the process-wide registry's extensions.
func Extensions() []string { return defaultRegistry.Extensions() }

// Default returns the process-wide registry itself, for callers (watcher,
// compiler) that hold a registry reference rather than using the package
// functions.
func Default() *Registry { return defaultRegistry }
