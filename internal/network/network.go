// Package network reads and writes the per-directory BeliefNetwork.toml
// descriptor. A directory carrying this file is a network root;
// its absence means the directory is not a network.
package network

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/eykd/beliefc/internal/idspace"
)

// DescriptorName is the file that marks a directory as a network root.
const DescriptorName = "BeliefNetwork.toml"

// Descriptor is the decoded BeliefNetwork.toml.
type Descriptor struct {
	ID    string `toml:"id"`
	Title string `toml:"title"`
	Text  string `toml:"text,omitempty"`
	// BID is injected by the compiler on first parse, like a document's
	// frontmatter bid.
	BID string `toml:"bid,omitempty"`
}

// ParsedBID decodes the descriptor's bid field, returning ok=false when the
// descriptor has not been compiled yet.
func (d *Descriptor) ParsedBID() (idspace.BID, bool) {
	if d.BID == "" {
		return idspace.BID{}, false
	}
	bid, err := idspace.Parse(d.BID)
	if err != nil {
		return idspace.BID{}, false
	}
	return bid, true
}

// DescriptorPath returns the descriptor path for a network root directory.
func DescriptorPath(dir string) string {
	return filepath.Join(dir, DescriptorName)
}

// IsRoot reports whether dir carries a network descriptor.
func IsRoot(dir string) bool {
	info, err := os.Stat(DescriptorPath(dir))
	return err == nil && !info.IsDir()
}

// Load reads and decodes the descriptor for dir.
func Load(dir string) (*Descriptor, error) {
	raw, err := os.ReadFile(DescriptorPath(dir))
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// Decode parses descriptor bytes.
func Decode(raw []byte) (*Descriptor, error) {
	var d Descriptor
	if err := toml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parse %s: %w", DescriptorName, err)
	}
	if d.Title == "" {
		return nil, fmt.Errorf("%s: title is required", DescriptorName)
	}
	return &d, nil
}

// Encode renders d canonically. Field order is fixed so that re-encoding an
// unchanged descriptor is byte-stable and the compiler's no-rewrite check
// holds for networks exactly as it does for documents.
func Encode(d *Descriptor) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("encode %s: %w", DescriptorName, err)
	}
	return buf.Bytes(), nil
}

// Save writes d to dir's descriptor path.
func Save(dir string, d *Descriptor) error {
	raw, err := Encode(d)
	if err != nil {
		return err
	}
	return os.WriteFile(DescriptorPath(dir), raw, 0o644)
}
