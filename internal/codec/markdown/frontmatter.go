package markdown

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// fmFormat records which frontmatter dialect a document uses, so a rewrite
// stays in the author's dialect.
type fmFormat uint8

const (
	fmNone fmFormat = iota
	fmTOML          // +++ … +++
	fmYAML          // --- … ---
)

// Frontmatter is the decoded head block of a document: the reserved
// top-level fields plus everything else the author wrote.
type Frontmatter struct {
	ID     string
	Title  string
	Schema string
	BID    string
	// Sections maps an anchor/slug key to payload extras merged into the
	// matching heading node.
	Sections map[string]map[string]any
	// Extra holds every non-reserved top-level key, preserved through
	// rewrites.
	Extra map[string]any

	format fmFormat
}

var (
	// tomlFrontmatterRE matches a complete +++-delimited TOML frontmatter
	// block at the start of a file. The closing +++ must be unindented.
	tomlFrontmatterRE = regexp.MustCompile(`(?s)^\+\+\+\n(.*?)\n\+\+\+\n`)
	// yamlFrontmatterRE matches the ----delimited YAML form. The closing ---
	// must appear at column 0; --- inside YAML block scalars is always
	// indented, so this boundary is unambiguous.
	yamlFrontmatterRE = regexp.MustCompile(`(?s)^---\n(.*?)\n---\n`)
)

// ParseFrontmatter splits content into its frontmatter and body. Documents
// without a frontmatter block yield a zero Frontmatter, the whole content as
// body, and fmLen 0.
func ParseFrontmatter(content []byte) (Frontmatter, []byte, int, error) {
	if loc := tomlFrontmatterRE.FindSubmatchIndex(content); loc != nil {
		fm, err := decodeTOML(content[loc[2]:loc[3]])
		if err != nil {
			return Frontmatter{}, nil, 0, err
		}
		fm.format = fmTOML
		return fm, content[loc[1]:], loc[1], nil
	}
	if loc := yamlFrontmatterRE.FindSubmatchIndex(content); loc != nil {
		fm, err := decodeYAML(content[loc[2]:loc[3]])
		if err != nil {
			return Frontmatter{}, nil, 0, err
		}
		fm.format = fmYAML
		return fm, content[loc[1]:], loc[1], nil
	}
	return Frontmatter{format: fmNone}, content, 0, nil
}

func decodeTOML(src []byte) (Frontmatter, error) {
	raw := map[string]any{}
	if err := toml.Unmarshal(src, &raw); err != nil {
		return Frontmatter{}, fmt.Errorf("parse frontmatter: %w", err)
	}
	return splitReserved(raw)
}

func decodeYAML(src []byte) (Frontmatter, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(src, &raw); err != nil {
		return Frontmatter{}, fmt.Errorf("parse frontmatter: %w", err)
	}
	return splitReserved(raw)
}

// splitReserved pulls the reserved top-level fields (id, title, schema, bid,
// sections) out of raw and keeps the remainder as Extra.
func splitReserved(raw map[string]any) (Frontmatter, error) {
	fm := Frontmatter{Extra: map[string]any{}}
	for key, value := range raw {
		switch key {
		case "id":
			fm.ID, _ = value.(string)
		case "title":
			fm.Title, _ = value.(string)
		case "schema":
			fm.Schema, _ = value.(string)
		case "bid":
			fm.BID, _ = value.(string)
		case "sections":
			sections, err := decodeSections(value)
			if err != nil {
				return Frontmatter{}, err
			}
			fm.Sections = sections
		default:
			fm.Extra[key] = normalizeValue(value)
		}
	}
	return fm, nil
}

func decodeSections(value any) (map[string]map[string]any, error) {
	table, ok := normalizeValue(value).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parse frontmatter: sections must be a table, got %T", value)
	}
	sections := make(map[string]map[string]any, len(table))
	for key, entry := range table {
		payload, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("parse frontmatter: sections.%s must be a table, got %T", key, entry)
		}
		sections[key] = payload
	}
	return sections, nil
}

// normalizeValue rewrites the container types the two decoders produce into
// the map[string]any / []any shapes the rest of the compiler works with.
// yaml.v3 yields map[string]interface{} already; toml yields the same, but
// nested []map[string]interface{} array-of-tables values need flattening to
// []any for uniform traversal.
func normalizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = normalizeValue(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = normalizeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return value
	}
}

// Serialize renders fm as a canonical frontmatter block in its source
// dialect (TOML when the document had none). Reserved scalars come first in
// a fixed order, then extra keys, then the sections tables; map keys are
// emitted sorted so the output is deterministic and a reparse-then-rewrite
// cycle is byte-stable.
func (fm Frontmatter) Serialize() ([]byte, error) {
	if fm.format == fmYAML {
		return fm.serializeYAML()
	}
	return fm.serializeTOML()
}

func (fm Frontmatter) serializeTOML() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("+++\n")
	writeReservedTOML(&buf, "id", fm.ID)
	writeReservedTOML(&buf, "title", fm.Title)
	writeReservedTOML(&buf, "schema", fm.Schema)
	writeReservedTOML(&buf, "bid", fm.BID)

	rest := map[string]any{}
	for k, v := range fm.Extra {
		rest[k] = v
	}
	if len(fm.Sections) > 0 {
		sections := map[string]any{}
		for k, v := range fm.Sections {
			sections[k] = v
		}
		rest["sections"] = sections
	}
	if len(rest) > 0 {
		enc := toml.NewEncoder(&buf)
		enc.Indent = ""
		if err := enc.Encode(rest); err != nil {
			return nil, fmt.Errorf("serialize frontmatter: %w", err)
		}
	}
	buf.WriteString("+++\n")
	return buf.Bytes(), nil
}

func writeReservedTOML(buf *bytes.Buffer, key, value string) {
	if value == "" {
		return
	}
	buf.WriteString(key + " = " + quoteTOML(value) + "\n")
}

func quoteTOML(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func (fm Frontmatter) serializeYAML() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	writeReservedYAML(&buf, "id", fm.ID)
	writeReservedYAML(&buf, "title", fm.Title)
	writeReservedYAML(&buf, "schema", fm.Schema)
	writeReservedYAML(&buf, "bid", fm.BID)

	rest := map[string]any{}
	for k, v := range fm.Extra {
		rest[k] = v
	}
	if len(fm.Sections) > 0 {
		sections := map[string]any{}
		for k, v := range fm.Sections {
			sections[k] = v
		}
		rest["sections"] = sections
	}
	if len(rest) > 0 {
		// yaml.v3 marshals string-keyed maps with sorted keys, so this block
		// is deterministic too.
		out, err := yaml.Marshal(rest)
		if err != nil {
			return nil, fmt.Errorf("serialize frontmatter: %w", err)
		}
		buf.Write(out)
	}
	buf.WriteString("---\n")
	return buf.Bytes(), nil
}

func writeReservedYAML(buf *bytes.Buffer, key, value string) {
	if value == "" {
		return
	}
	out, _ := yaml.Marshal(map[string]string{key: value})
	buf.Write(out)
}

// sortedKeys returns m's keys in sorted order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
