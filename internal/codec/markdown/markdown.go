// Package markdown implements the built-in codec for Markdown documents
// with a machine-readable frontmatter block. It parses
// headings, {#anchor} / {#bid://…} suffixes, wiki links, assets and hrefs
// into a proto-node tree, and serializes resolved BIDs back into the source
// with byte-localized injections.
package markdown

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/eykd/beliefc/internal/codec"
	"github.com/eykd/beliefc/internal/diagnostics"
	"github.com/eykd/beliefc/internal/idspace"
)

func init() {
	codec.Register(New())
}

var (
	headingRE = regexp.MustCompile(`^(#{1,6})\s+(.*?)\s*$`)
	attrRE    = regexp.MustCompile(`\s*\{#([^}]+)\}\s*$`)
	// wikilinkRE matches [[target]], [[target#anchor]] and [[target|alias]].
	wikilinkRE = regexp.MustCompile(`\[\[([^\]|#]+)(?:#([^\]|]+))?(?:\|[^\]]*)?\]\]`)
	// inlineLinkRE matches [text](target) and ![alt](target).
	inlineLinkRE = regexp.MustCompile(`!?\[[^\]]*\]\(([^)\s"]+)(?:\s+"[^"]*")?\s*\)`)
	slugRE       = regexp.MustCompile(`[^a-z0-9]+`)
	schemaPathRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
)

// MarkdownCodec is the built-in Markdown+frontmatter codec.
type MarkdownCodec struct{}

// New returns the built-in Markdown codec.
func New() *MarkdownCodec { return &MarkdownCodec{} }

// Extensions claims the md extension.
func (c *MarkdownCodec) Extensions() []string { return []string{"md"} }

// Parse builds the proto-node tree for one Markdown document. The document
// node is the root; headings nest as sections by level; references attach to
// the nearest enclosing node.
func (c *MarkdownCodec) Parse(src []byte, ctx codec.Context) (*codec.Document, error) {
	doc := &codec.Document{Path: ctx.Path}

	fm, body, fmLen, err := ParseFrontmatter(src)
	if err != nil {
		// An unparseable frontmatter block is a ParseError: the document
		// yields no nodes.
		return nil, &diagnostics.Error{Code: diagnostics.CodeParseError, Message: "unparseable frontmatter in " + ctx.Path, Cause: err}
	}

	if migratePayload(fm.Extra) {
		doc.Diagnostics = append(doc.Diagnostics, diagnostics.WarningDiag(diagnostics.CodeSchemaMigrated,
			"legacy relationship_profile migrated to relationship_semantics", &diagnostics.Location{Path: ctx.Path}))
	}

	root := &codec.ProtoNode{
		Kind:    codec.ProtoDocument,
		Title:   fm.Title,
		ID:      fm.ID,
		Schema:  fm.Schema,
		Payload: fm.Extra,
	}
	if root.Payload == nil {
		root.Payload = map[string]any{}
	}
	if fm.BID != "" {
		bid, err := idspace.Parse(fm.BID)
		if err != nil {
			doc.Diagnostics = append(doc.Diagnostics, diagnostics.ErrorDiag(diagnostics.CodeParseError,
				fmt.Sprintf("invalid bid %q in frontmatter", fm.BID), &diagnostics.Location{Path: ctx.Path}))
		} else {
			root.BID = bid
		}
	}
	if root.ID == "" {
		root.ID = Slug(stem(ctx.Path))
	}
	if root.Schema != "" && !schemaPathRE.MatchString(root.Schema) {
		root.SchemaError = true
		doc.Diagnostics = append(doc.Diagnostics, diagnostics.ErrorDiag(diagnostics.CodeSchemaError,
			fmt.Sprintf("schema %q is not a dotted path", root.Schema), &diagnostics.Location{Path: ctx.Path}))
	}

	lines, _ := splitLines(body)
	fmLines := countLines(src[:fmLen])

	type stackEntry struct {
		level int
		node  *codec.ProtoNode
	}
	stack := []stackEntry{{level: 0, node: root}}
	current := func() *codec.ProtoNode { return stack[len(stack)-1].node }

	inFence := false
	fenceMarker := ""
	for i, line := range lines {
		lineNum := fmLines + i + 1

		if !inFence {
			if marker := openFenceMarker(line); marker != "" {
				inFence, fenceMarker = true, marker
				continue
			}
		} else {
			if strings.HasPrefix(line, fenceMarker) {
				inFence, fenceMarker = false, ""
			}
			continue
		}

		if m := headingRE.FindStringSubmatch(line); m != nil {
			level := len(m[1])
			title := m[2]
			section := &codec.ProtoNode{Kind: codec.ProtoSection, Level: level, Line: lineNum, Payload: map[string]any{}}

			if am := attrRE.FindStringSubmatch(title); am != nil {
				title = strings.TrimSpace(title[:len(title)-len(am[0])])
				attr := am[1]
				if strings.HasPrefix(attr, "bid://") || strings.HasPrefix(attr, "bid:") {
					bid, err := idspace.Parse(attr)
					if err != nil {
						doc.Diagnostics = append(doc.Diagnostics, diagnostics.ErrorDiag(diagnostics.CodeParseError,
							fmt.Sprintf("invalid bid %q in heading", attr), &diagnostics.Location{Path: ctx.Path, Line: lineNum}))
					} else {
						section.BID = bid
					}
				} else {
					section.Anchor = attr
					section.ID = attr
				}
			}
			section.Title = title

			for len(stack) > 1 && stack[len(stack)-1].level >= level {
				stack = stack[:len(stack)-1]
			}
			parent := stack[len(stack)-1].node
			parent.Children = append(parent.Children, section)
			stack = append(stack, stackEntry{level: level, node: section})

			if root.Title == "" && level == 1 {
				root.Title = title
			}
			continue
		}

		collectRefs(current(), line, lineNum)
	}

	if root.Title == "" {
		root.Title = stem(ctx.Path)
	}

	mergeSections(doc, root, fm.Sections, ctx.Path)
	doc.Root = root
	return doc, nil
}

// collectRefs scans one body line for wiki links, assets and hrefs and
// attributes them to node.
func collectRefs(node *codec.ProtoNode, line string, lineNum int) {
	for _, m := range wikilinkRE.FindAllStringSubmatch(line, -1) {
		target, anchor := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		if strings.HasPrefix(target, "bid:") {
			bid, err := idspace.Parse(target)
			if err != nil {
				continue
			}
			node.Refs = append(node.Refs, codec.Reference{Kind: codec.RefBid, BID: bid, Line: lineNum})
			continue
		}
		if anchor != "" {
			node.Refs = append(node.Refs, codec.Reference{Kind: codec.RefAnchor, Target: target, Anchor: anchor, Line: lineNum})
			continue
		}
		node.Refs = append(node.Refs, codec.Reference{Kind: codec.RefWiki, Target: target, Line: lineNum})
	}
	// Strip wiki links before scanning inline links so [[a|b]] is not
	// mistaken for [text](target).
	stripped := wikilinkRE.ReplaceAllString(line, "")
	for _, m := range inlineLinkRE.FindAllStringSubmatch(stripped, -1) {
		target := m[1]
		if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
			node.Refs = append(node.Refs, codec.Reference{Kind: codec.RefHref, Target: target, Line: lineNum})
		} else {
			node.Refs = append(node.Refs, codec.Reference{Kind: codec.RefAsset, Target: target, Line: lineNum})
		}
	}
}

// mergeSections merges the frontmatter sections table into matching heading
// nodes, with match priority BID > anchor > title slug. Entries matching no
// heading are reported so the rewrite can garbage-collect them.
func mergeSections(doc *codec.Document, root *codec.ProtoNode, sections map[string]map[string]any, path string) {
	if len(sections) == 0 {
		return
	}
	used := map[string]bool{}

	// Index entries that carry their own bid, for the highest-priority match.
	byBid := map[idspace.BID]string{}
	for _, key := range sortedKeys(sections) {
		if raw, ok := sections[key]["bid"].(string); ok {
			if bid, err := idspace.Parse(raw); err == nil {
				byBid[bid] = key
			}
		}
	}

	root.Walk(func(n *codec.ProtoNode) {
		if n.Kind != codec.ProtoSection {
			return
		}
		key, ok := matchSection(n, sections, byBid, used)
		if !ok {
			return
		}
		used[key] = true
		entry := sections[key]
		if raw, ok := entry["bid"].(string); ok && n.BID.IsNil() {
			if bid, err := idspace.Parse(raw); err == nil {
				n.BID = bid
			}
		}
		if n.ID == "" {
			n.ID = key
		}
		for k, v := range entry {
			if k == "bid" {
				continue
			}
			n.Payload[k] = v
		}
	})

	for _, key := range sortedKeys(sections) {
		if !used[key] {
			doc.Diagnostics = append(doc.Diagnostics, diagnostics.WarningDiag(diagnostics.CodeUnmatchedSection,
				fmt.Sprintf("sections.%s matches no heading and will be removed on rewrite", key),
				&diagnostics.Location{Path: path}))
		}
	}
}

func matchSection(n *codec.ProtoNode, sections map[string]map[string]any, byBid map[idspace.BID]string, used map[string]bool) (string, bool) {
	if !n.BID.IsNil() {
		if key, ok := byBid[n.BID]; ok && !used[key] {
			return key, true
		}
	}
	if n.Anchor != "" {
		if _, ok := sections[n.Anchor]; ok && !used[n.Anchor] {
			return n.Anchor, true
		}
		return "", false
	}
	key := Slug(n.Title)
	if _, ok := sections[key]; ok && !used[key] {
		return key, true
	}
	return "", false
}

// Serialize emits doc back as source bytes with resolved BIDs injected:
// headings without an {#anchor} or {#bid://…} suffix gain a bid suffix, the
// frontmatter gains a bid entry plus one sections entry per heading, and
// unmatched sections entries are dropped. Body bytes outside heading
// injections are preserved exactly; the frontmatter block is rendered
// canonically, so a document that already round-tripped once serializes to
// its input bytes and produces no rewrite.
func (c *MarkdownCodec) Serialize(doc *codec.Document, original []byte) ([]byte, error) {
	fm, body, _, err := ParseFrontmatter(original)
	if err != nil {
		return nil, err
	}
	root := doc.Root

	fm.Schema = root.Schema
	fm.Extra = root.Payload
	if !root.BID.IsNil() {
		fm.BID = root.BID.URI()
	}

	// Rebuild the sections table from the heading nodes; entries that
	// matched no heading during Parse are not re-emitted.
	sections := map[string]map[string]any{}
	root.Walk(func(n *codec.ProtoNode) {
		if n.Kind != codec.ProtoSection {
			return
		}
		key := n.Anchor
		if key == "" {
			key = Slug(n.Title)
		}
		if key == "" {
			return
		}
		entry := map[string]any{}
		for k, v := range n.Payload {
			entry[k] = v
		}
		if !n.BID.IsNil() {
			entry["bid"] = n.BID.URI()
		}
		sections[key] = entry
	})
	fm.Sections = sections

	fmBytes, err := fm.Serialize()
	if err != nil {
		return nil, err
	}

	// Inject heading bid suffixes. Headings are re-scanned fence-aware in
	// document order, which matches the order sections appear in the tree.
	var sectionsInOrder []*codec.ProtoNode
	root.Walk(func(n *codec.ProtoNode) {
		if n.Kind == codec.ProtoSection {
			sectionsInOrder = append(sectionsInOrder, n)
		}
	})

	lines, ends := splitLines(body)
	next := 0
	inFence := false
	fenceMarker := ""
	for i, line := range lines {
		if !inFence {
			if marker := openFenceMarker(line); marker != "" {
				inFence, fenceMarker = true, marker
				continue
			}
		} else {
			if strings.HasPrefix(line, fenceMarker) {
				inFence, fenceMarker = false, ""
			}
			continue
		}
		if !headingRE.MatchString(line) {
			continue
		}
		if next >= len(sectionsInOrder) {
			break
		}
		section := sectionsInOrder[next]
		next++
		if attrRE.MatchString(line) || section.BID.IsNil() {
			continue
		}
		lines[i] = line + " {#" + section.BID.URI() + "}"
	}

	var out []byte
	out = append(out, fmBytes...)
	for i, line := range lines {
		out = append(out, line...)
		out = append(out, ends[i]...)
	}
	return out, nil
}

// Slug lowercases s and collapses every non-alphanumeric run to a single
// hyphen, the anchor form used for section keys and path segments.
func Slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugRE.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func stem(path string) string {
	base := filepath.Base(path)
	if idx := strings.LastIndex(base, "."); idx > 0 {
		base = base[:idx]
	}
	return base
}

func countLines(src []byte) int {
	return strings.Count(string(src), "\n")
}

// openFenceMarker returns the fence marker if line opens a fenced code
// block, or "" otherwise.
func openFenceMarker(line string) string {
	if strings.HasPrefix(line, "```") {
		return "```"
	}
	if strings.HasPrefix(line, "~~~") {
		return "~~~"
	}
	return ""
}

// splitLines splits src into lines and their endings. Lines exclude the
// ending characters; a trailing newline does not produce an extra empty
// line. Serialization rejoins them byte-identically.
func splitLines(src []byte) ([]string, []string) {
	if len(src) == 0 {
		return []string{}, []string{}
	}
	var lines []string
	var ends []string
	start := 0
	for i := 0; i < len(src); {
		switch src[i] {
		case '\n':
			lines = append(lines, string(src[start:i]))
			ends = append(ends, "\n")
			i++
			start = i
		case '\r':
			end := "\r"
			advance := 1
			if i+1 < len(src) && src[i+1] == '\n' {
				end = "\r\n"
				advance = 2
			}
			lines = append(lines, string(src[start:i]))
			ends = append(ends, end)
			i += advance
			start = i
		default:
			i++
		}
	}
	if start < len(src) {
		lines = append(lines, string(src[start:]))
		ends = append(ends, "")
	}
	return lines, ends
}
