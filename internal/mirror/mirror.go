// Package mirror implements the durable store behind the Transactor: a
// bbolt database holding the beliefs, relations and paths tables plus the
// file_mtimes table the Compiler reads at startup. The mirror is
// written exclusively through Apply, which commits one event batch as one
// atomic transaction in stream order.
package mirror

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/eykd/beliefc/internal/beliefset"
	"github.com/eykd/beliefc/internal/graph"
	"github.com/eykd/beliefc/internal/idspace"
)

var (
	bucketBeliefs   = []byte("beliefs")
	bucketRelations = []byte("relations")
	bucketPaths     = []byte("paths")
	bucketMtimes    = []byte("file_mtimes")
)

// Store is a bbolt-backed mirror.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the mirror database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("mirror: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBeliefs, bucketRelations, bucketPaths, bucketMtimes} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("mirror: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// beliefRecord is the stored form of one node.
type beliefRecord struct {
	Kind     uint8          `json:"kind"`
	KindSet  uint16         `json:"kindSet"`
	Title    string         `json:"title"`
	Schema   string         `json:"schema,omitempty"`
	ID       string         `json:"id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	Complete bool           `json:"complete"`
}

// relationRecord is the stored form of one edge's weight set, keyed by the
// WeightKind's name so the record survives kind-set evolution.
type relationRecord map[string]map[string]any

// pathRecord is the stored form of one paths-table row.
type pathRecord struct {
	Path  string   `json:"path"`
	Order []uint16 `json:"order,omitempty"`
}

// Apply commits events as one atomic transaction, in order. It is the only
// write path into the mirror.
func (s *Store) Apply(events []beliefset.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, e := range events {
			if err := applyOne(tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyOne(tx *bolt.Tx, e beliefset.Event) error {
	switch ev := e.(type) {
	case beliefset.NodeUpdateEvent:
		return putBelief(tx, ev.Node)
	case beliefset.NodesRemovedEvent:
		return removeNodes(tx, ev.BIDs)
	case beliefset.NodeRenamedEvent:
		return renameNode(tx, ev.From, ev.To)
	case beliefset.RelationInsertEvent:
		return upsertRelation(tx, ev.Source, ev.Sink, graph.WeightSet{ev.Kind: ev.Weight})
	case beliefset.RelationUpdateEvent:
		return upsertRelation(tx, ev.Source, ev.Sink, ev.Weights)
	case beliefset.RelationRemovedEvent:
		return tx.Bucket(bucketRelations).Delete(edgeDBKey(ev.Source, ev.Sink))
	case beliefset.PathAddedEvent:
		return putPath(tx, ev.Network, ev.BID, ev.Path, ev.Order)
	case beliefset.PathUpdateEvent:
		return putPath(tx, ev.Network, ev.BID, ev.Path, ev.Order)
	case beliefset.PathsRemovedEvent:
		b := tx.Bucket(bucketPaths)
		for _, bid := range ev.BIDs {
			if err := b.Delete(pathDBKey(ev.Network, bid)); err != nil {
				return err
			}
		}
		return nil
	case beliefset.BalanceCheckEvent:
		return nil
	case beliefset.FileParsedEvent:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(ev.Mtime))
		return tx.Bucket(bucketMtimes).Put([]byte(ev.Path), buf[:])
	default:
		return fmt.Errorf("mirror: unknown event type %T", e)
	}
}

func putBelief(tx *bolt.Tx, n *beliefset.Node) error {
	rec := beliefRecord{
		Kind:     uint8(n.Kind),
		KindSet:  uint16(n.KindSet),
		Title:    n.Title,
		Schema:   n.Schema,
		ID:       n.ID,
		Payload:  n.Payload,
		Complete: n.Complete,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketBeliefs).Put(n.BID[:], raw)
}

func removeNodes(tx *bolt.Tx, bids []idspace.BID) error {
	beliefs := tx.Bucket(bucketBeliefs)
	removing := map[idspace.BID]bool{}
	for _, bid := range bids {
		removing[bid] = true
		if err := beliefs.Delete(bid[:]); err != nil {
			return err
		}
	}
	// Drop incident edges in either direction and the nodes' path rows.
	relations := tx.Bucket(bucketRelations)
	var staleEdges [][]byte
	if err := relations.ForEach(func(k, _ []byte) error {
		source, sink := splitEdgeDBKey(k)
		if removing[source] || removing[sink] {
			staleEdges = append(staleEdges, append([]byte(nil), k...))
		}
		return nil
	}); err != nil {
		return err
	}
	for _, k := range staleEdges {
		if err := relations.Delete(k); err != nil {
			return err
		}
	}
	paths := tx.Bucket(bucketPaths)
	var stalePaths [][]byte
	if err := paths.ForEach(func(k, _ []byte) error {
		_, bid := splitPathDBKey(k)
		if removing[bid] {
			stalePaths = append(stalePaths, append([]byte(nil), k...))
		}
		return nil
	}); err != nil {
		return err
	}
	for _, k := range stalePaths {
		if err := paths.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func renameNode(tx *bolt.Tx, from, to idspace.BID) error {
	beliefs := tx.Bucket(bucketBeliefs)
	raw := beliefs.Get(from[:])
	if raw == nil {
		return nil
	}
	if err := beliefs.Put(to[:], append([]byte(nil), raw...)); err != nil {
		return err
	}
	return beliefs.Delete(from[:])
}

func upsertRelation(tx *bolt.Tx, source, sink idspace.BID, weights graph.WeightSet) error {
	b := tx.Bucket(bucketRelations)
	key := edgeDBKey(source, sink)
	rec := relationRecord{}
	if raw := b.Get(key); raw != nil {
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
	}
	for kind, w := range weights {
		rec[kind.String()] = map[string]any(w)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

func putPath(tx *bolt.Tx, net, bid idspace.BID, path string, order []uint16) error {
	raw, err := json.Marshal(pathRecord{Path: path, Order: order})
	if err != nil {
		return err
	}
	return tx.Bucket(bucketPaths).Put(pathDBKey(net, bid), raw)
}

// GetFileMtimes returns the whole mtime table, read by the Compiler at
// startup to skip unchanged files.
func (s *Store) GetFileMtimes() (map[string]int64, error) {
	out := map[string]int64{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMtimes).ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				out[string(k)] = int64(binary.BigEndian.Uint64(v))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Node reads one belief row back as a beliefset.Node.
func (s *Store) Node(bid idspace.BID) (*beliefset.Node, bool, error) {
	var node *beliefset.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBeliefs).Get(bid[:])
		if raw == nil {
			return nil
		}
		n, err := decodeBelief(bid, raw)
		if err != nil {
			return err
		}
		node = n
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return node, node != nil, nil
}

// Graph reconstructs a BeliefSet view of the mirror from every belief row
// and every relation row. Path rows are not loaded: the returned set's Paths
// is empty, and NetworkPaths reads them instead. Used by equivalence checks between
// the in-memory authority and the mirror after quiescence.
func (s *Store) Graph() (*beliefset.BeliefSet, error) {
	bs := beliefset.New()
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBeliefs).ForEach(func(k, v []byte) error {
			var bid idspace.BID
			copy(bid[:], k)
			n, err := decodeBelief(bid, v)
			if err != nil {
				return err
			}
			bs.States[bid] = n
			bs.Relations.AddVertex(bid)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketRelations).ForEach(func(k, v []byte) error {
			source, sink := splitEdgeDBKey(k)
			var rec relationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			bs.Relations.UpdateWeights(source, sink, decodeWeights(rec))
			return nil
		}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bs, nil
}

func decodeBelief(bid idspace.BID, raw []byte) (*beliefset.Node, error) {
	var rec beliefRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	payload := rec.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return &beliefset.Node{
		BID:      bid,
		Kind:     beliefset.Kind(rec.Kind),
		KindSet:  beliefset.KindSet(rec.KindSet),
		Title:    rec.Title,
		Schema:   rec.Schema,
		ID:       rec.ID,
		Payload:  payload,
		Complete: rec.Complete,
	}, nil
}

func decodeWeights(rec relationRecord) graph.WeightSet {
	ws := graph.WeightSet{}
	for name, w := range rec {
		if kind, ok := kindByName(name); ok {
			ws[kind] = graph.Weight(w)
		}
	}
	return ws
}

func kindByName(name string) (graph.WeightKind, bool) {
	for _, kind := range []graph.WeightKind{graph.Section, graph.Epistemic, graph.Pragmatic, graph.Asset, graph.Href} {
		if kind.String() == name {
			return kind, true
		}
	}
	return 0, false
}

// edgeDBKey is source||sink: 32 bytes, ordered by source for prefix scans.
func edgeDBKey(source, sink idspace.BID) []byte {
	key := make([]byte, 0, 32)
	key = append(key, source[:]...)
	key = append(key, sink[:]...)
	return key
}

func splitEdgeDBKey(k []byte) (source, sink idspace.BID) {
	copy(source[:], k[:16])
	copy(sink[:], k[16:32])
	return
}

// pathDBKey is network||bid.
func pathDBKey(net, bid idspace.BID) []byte {
	return edgeDBKey(net, bid)
}

func splitPathDBKey(k []byte) (net, bid idspace.BID) {
	return splitEdgeDBKey(k)
}

// PathRow is one stored paths-table row of a network.
type PathRow struct {
	BID   idspace.BID
	Path  string
	Order []uint16
}

// NetworkPaths returns the stored path rows for net, sorted by bid bytes.
func (s *Store) NetworkPaths(net idspace.BID) ([]PathRow, error) {
	var rows []PathRow
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPaths).Cursor()
		prefix := net[:]
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			_, bid := splitPathDBKey(k)
			var rec pathRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			rows = append(rows, PathRow{BID: bid, Path: rec.Path, Order: rec.Order})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}
