// Package idspace allocates and interprets Belief Identifiers (BIDs).
//
// A BID is a 128-bit opaque value that plays two roles: identity and
// namespace. Every BID other than Nil is derived under a parent BID via New,
// which keys an HMAC with the parent so that allocation depends on the
// parent (two allocations collide only if they draw the same salt under the
// same parent) while remaining one-way: nothing about the parent can be recovered from a
// BID by inspecting its bytes alone. Recovering "what a BID belongs to" is a
// graph question, answered by walking Section edges (see internal/graph),
// not a property of the BID's bits.
package idspace

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// BID is a Belief Identifier: a 128-bit opaque value.
type BID [16]byte

// root is the reserved well-known root BID ("api") that anchors the
// hierarchy spine.
var root = BID{'a', 'p', 'i'}

// Nil is the distinguished empty BID. No node may use it as its identity.
func Nil() BID {
	return BID{}
}

// Root returns the well-known "api" BID that anchors the hierarchy.
func Root() BID {
	return root
}

// IsNil reports whether b is the distinguished nil BID.
func (b BID) IsNil() bool {
	return b == BID{}
}

// String renders b as a hex string for logs and diagnostics.
func (b BID) String() string {
	if b.IsNil() {
		return "nil"
	}
	return "bid:" + hex.EncodeToString(b[:])
}

// URI renders b in the "bid://<hex>" form used by heading suffixes
// ({#bid://…}) and wiki links.
func (b BID) URI() string {
	return "bid://" + hex.EncodeToString(b[:])
}

// Parse decodes the "bid://<hex>", "bid:<hex>" or bare-hex forms produced by
// URI and String into a BID.
func Parse(s string) (BID, error) {
	s = trimBidPrefix(s)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return BID{}, fmt.Errorf("idspace: invalid BID %q: %w", s, err)
	}
	if len(raw) != 16 {
		return BID{}, fmt.Errorf("idspace: invalid BID %q: want 16 bytes, got %d", s, len(raw))
	}
	var b BID
	copy(b[:], raw)
	return b, nil
}

func trimBidPrefix(s string) string {
	for _, prefix := range []string{"bid://", "bid:"} {
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			return s[len(prefix):]
		}
	}
	return s
}

// New derives a fresh BID under parent. The result is collision-resistant
// under concurrent, uncoordinated allocation across machines: it is the
// HMAC-SHA256 of a 16-byte random salt keyed by the parent's bytes,
// truncated to 128 bits. Two allocators deriving under the same parent will
// not collide because the salt dominates; the parent cannot be recovered
// from the output because HMAC is one-way.
func New(parent BID) BID {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		// crypto/rand failing is unrecoverable on any supported platform;
		// fall back to a degraded but still-keyed derivation rather than
		// panicking a long-running compiler pass.
		salt = parent
	}
	mac := hmac.New(sha256.New, parent[:])
	mac.Write(salt[:])
	sum := mac.Sum(nil)
	var b BID
	copy(b[:], sum[:16])
	return b
}

// IsUnder is a best-effort check of whether child was allocated under
// parent. BIDs carry no recoverable parent pointer in their bits, so without
// further context this can only rule out the trivial cases (nil child, or
// child == parent). Callers that need a real answer must consult the
// BeliefGraph, which can decide this exactly by walking Section edges.
func IsUnder(child, parent BID) bool {
	if child.IsNil() {
		return false
	}
	return child != parent
}
