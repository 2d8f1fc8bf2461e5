// Package accumulator merges per-document parse outputs into a session
// BeliefSet and emits the resulting event stream. It owns the
// session set: every mutation goes through BeliefSet.ProcessEvent, and both
// the primary events and their derivatives are forwarded, in order, to the
// external stream the Transactor consumes.
package accumulator

import (
	"sort"

	"github.com/eykd/beliefc/internal/beliefset"
	"github.com/eykd/beliefc/internal/codec"
	"github.com/eykd/beliefc/internal/codec/markdown"
	"github.com/eykd/beliefc/internal/diagnostics"
	"github.com/eykd/beliefc/internal/graph"
	"github.com/eykd/beliefc/internal/idspace"
	"github.com/eykd/beliefc/internal/network"
)

// DepKey names one unresolved dependency: a wiki id, an anchor, or an
// explicit bid that some document referenced before its definition was
// parsed. The compiler keys its dependents map by DepKey.
type DepKey string

func wikiKey(net idspace.BID, id string) DepKey {
	return DepKey("wiki:" + net.String() + "/" + id)
}

func anchorKey(net idspace.BID, docID, anchor string) DepKey {
	return DepKey("anchor:" + net.String() + "/" + docID + "#" + anchor)
}

func bidKey(bid idspace.BID) DepKey {
	return DepKey("bid:" + bid.String())
}

// edgeKey identifies one outbound reference edge a document produced.
type edgeKey struct {
	source, sink idspace.BID
	kind         graph.WeightKind
}

// docState remembers what a previous parse of one document committed, so a
// reparse can diff against it: which BIDs the document owns, how its
// children resolve by key, and which reference edges it emitted.
type docState struct {
	bid   idspace.BID
	nodes map[idspace.BID]bool
	byKey map[string]idspace.BID
	refs  map[edgeKey]bool
}

// IngestResult is the per-document outcome of one Ingest call.
type IngestResult struct {
	Path        string
	Diagnostics []diagnostics.Diagnostic
	// Events is every event committed for this document, primary and
	// derivative, in commit order.
	Events []beliefset.Event
	// Resolved lists dependency keys whose trace nodes this document
	// completed; the compiler re-queues their dependents.
	Resolved []DepKey
	// Unresolved lists dependency keys this document still depends on.
	Unresolved []DepKey
}

// Accumulator owns the session BeliefSet and the total order of its event
// stream.
type Accumulator struct {
	set *beliefset.BeliefSet
	api idspace.BID
	out chan<- beliefset.Event

	networks map[string]idspace.BID // network root dir → bid
	docs     map[string]*docState   // document path → last committed state
	traces   map[DepKey]idspace.BID // open trace nodes

	idIndex     map[string]idspace.BID // net/id → document bid
	anchorIndex map[string]idspace.BID // net/doc#anchor → section bid

	assets map[string]idspace.BID // local path → asset node
	hrefs  map[string]idspace.BID // url → href node
}

// New returns an Accumulator seeded with the well-known api root node.
// Events, including the seed, flow to out when it is non-nil.
func New(out chan<- beliefset.Event) (*Accumulator, error) {
	a := &Accumulator{
		set:         beliefset.New(),
		api:         idspace.Root(),
		out:         out,
		networks:    map[string]idspace.BID{},
		docs:        map[string]*docState{},
		traces:      map[DepKey]idspace.BID{},
		idIndex:     map[string]idspace.BID{},
		anchorIndex: map[string]idspace.BID{},
		assets:      map[string]idspace.BID{},
		hrefs:       map[string]idspace.BID{},
	}
	apiNode := &beliefset.Node{
		BID:      a.api,
		Kind:     beliefset.KindAPI,
		KindSet:  beliefset.KindSetOf(beliefset.KindAPI),
		Title:    "api",
		Payload:  map[string]any{},
		Complete: true,
	}
	if _, err := a.commit(nil, beliefset.NodeUpdateEvent{Node: apiNode, Origin: "<seed>"}); err != nil {
		return nil, err
	}
	return a, nil
}

// API returns the root api BID.
func (a *Accumulator) API() idspace.BID { return a.api }

// Set returns the session BeliefSet. External readers must use Snapshot on
// it rather than holding live references across events.
func (a *Accumulator) Set() *beliefset.BeliefSet { return a.set }

// commit applies e to the session set and forwards it plus its derivatives
// to the external stream, appending everything to events.
func (a *Accumulator) commit(events []beliefset.Event, e beliefset.Event) ([]beliefset.Event, error) {
	derivs, err := a.set.ProcessEvent(e)
	if err != nil {
		return events, err
	}
	block := append([]beliefset.Event{e}, derivs...)
	if a.out != nil {
		for _, ev := range block {
			a.out <- ev
		}
	}
	return append(events, block...), nil
}

// FileParsed forwards the metadata-only event the Transactor uses for its
// mtime table.
func (a *Accumulator) FileParsed(path string, mtime int64) {
	if a.out != nil {
		a.out <- beliefset.FileParsedEvent{Path: path, Mtime: mtime}
	}
}

// EnsureNetwork upserts the network node for a root directory from its
// descriptor, attaching it under the api root. The descriptor's bid is
// honored when present; otherwise a previously-assigned or fresh BID is
// used. It returns the network BID and whether the descriptor needs a
// rewrite to carry it.
func (a *Accumulator) EnsureNetwork(dir string, d *network.Descriptor) (idspace.BID, bool, error) {
	var bid idspace.BID
	needsRewrite := false
	if explicit, ok := d.ParsedBID(); ok {
		bid = explicit
	} else if known, ok := a.networks[dir]; ok {
		bid = known
	} else {
		bid = idspace.New(a.api)
		needsRewrite = true
	}

	node := &beliefset.Node{
		BID:      bid,
		Kind:     beliefset.KindNetwork,
		KindSet:  beliefset.KindSetOf(beliefset.KindNetwork),
		Title:    d.Title,
		ID:       d.ID,
		Payload:  map[string]any{},
		Complete: true,
	}
	if d.Text != "" {
		node.Payload["text"] = d.Text
	}
	if _, err := a.commit(nil, beliefset.NodeUpdateEvent{Node: node, Origin: beliefset.Origin(dir)}); err != nil {
		return idspace.BID{}, false, err
	}

	if _, hasParent := a.set.Relations.SectionParent(bid); !hasParent {
		index := len(a.set.Relations.SectionChildren(a.api))
		ev := beliefset.RelationInsertEvent{
			Source: bid,
			Sink:   a.api,
			Kind:   graph.Section,
			Weight: graph.Weight{graph.WeightSortKey: uint16(index)},
			Origin: beliefset.Origin(dir),
		}
		if _, err := a.commit(nil, ev); err != nil {
			return idspace.BID{}, false, err
		}
	}
	a.networks[dir] = bid
	if d.ID != "" {
		a.idIndex[string(wikiKey(bid, d.ID))] = bid
	}
	return bid, needsRewrite, nil
}

// Ingest merges one parsed document into the session set: it resolves every
// ProtoNode to a BID, diffs against the document's previous state, resolves
// references (creating trace nodes for forward references), and commits the
// resulting events.
func (a *Accumulator) Ingest(path string, doc *codec.Document, net idspace.BID) (*IngestResult, error) {
	res := &IngestResult{Path: path, Diagnostics: doc.Diagnostics}
	prev := a.docs[path]
	next := &docState{
		nodes: map[idspace.BID]bool{},
		byKey: map[string]idspace.BID{},
		refs:  map[edgeKey]bool{},
	}

	var resolved []DepKey
	adopt := func(key DepKey) (idspace.BID, bool) {
		bid, ok := a.traces[key]
		if !ok {
			return idspace.BID{}, false
		}
		delete(a.traces, key)
		resolved = append(resolved, key)
		return bid, true
	}

	root := doc.Root

	// Resolve the document node.
	docBID := root.BID
	if docBID.IsNil() {
		if bid, ok := adopt(wikiKey(net, root.ID)); ok {
			docBID = bid
		} else if prev != nil {
			docBID = prev.bid
		} else {
			docBID = idspace.New(net)
		}
	} else if traceBID, ok := a.traces[wikiKey(net, root.ID)]; ok {
		// The source carries an explicit bid but a trace may already have
		// been allocated for this id. The explicit bid wins; a divergent
		// trace is torn down and its dependents re-queued to re-resolve
		// against the real node.
		adopt(wikiKey(net, root.ID))
		if traceBID != docBID {
			var err error
			res.Events, err = a.commit(res.Events, beliefset.NodesRemovedEvent{BIDs: []idspace.BID{traceBID}, Origin: beliefset.Origin(path)})
			if err != nil {
				return nil, err
			}
		}
	}
	root.BID = docBID
	next.bid = docBID
	next.nodes[docBID] = true

	var err error
	res.Events, err = a.commit(res.Events, beliefset.NodeUpdateEvent{
		Keys:   []string{root.ID},
		Node:   protoToNode(root, beliefset.KindDocument),
		Origin: beliefset.Origin(path),
	})
	if err != nil {
		return nil, err
	}

	// Attach the document under its network, keeping a previously assigned
	// sibling slot when the document was already placed.
	docIndex := a.sectionIndex(docBID, net)
	res.Events, err = a.commit(res.Events, beliefset.RelationInsertEvent{
		Source: docBID,
		Sink:   net,
		Kind:   graph.Section,
		Weight: graph.Weight{graph.WeightSortKey: docIndex},
		Origin: beliefset.Origin(path),
	})
	if err != nil {
		return nil, err
	}
	a.idIndex[string(wikiKey(net, root.ID))] = docBID

	// Resolve and commit sections, depth-first in document order.
	if err := a.ingestSections(res, next, prev, root, docBID, net, path, adopt); err != nil {
		return nil, err
	}

	// Resolve references after all of this document's own nodes exist, so
	// self-references never produce traces.
	if err := a.ingestRefs(res, next, root, net, path); err != nil {
		return nil, err
	}

	// Diff against the previous parse: drop reference edges that
	// disappeared, then nodes the document no longer defines.
	if prev != nil {
		for ek := range prev.refs {
			if next.refs[ek] {
				continue
			}
			res.Events, err = a.commit(res.Events, beliefset.RelationRemovedEvent{Source: ek.source, Sink: ek.sink, Origin: beliefset.Origin(path)})
			if err != nil {
				return nil, err
			}
		}
		var gone []idspace.BID
		for bid := range prev.nodes {
			if !next.nodes[bid] {
				gone = append(gone, bid)
			}
		}
		if len(gone) > 0 {
			sortBIDs(gone)
			res.Events, err = a.commit(res.Events, beliefset.NodesRemovedEvent{BIDs: gone, Origin: beliefset.Origin(path)})
			if err != nil {
				return nil, err
			}
			a.dropFromIndexes(gone)
		}
	}

	a.docs[path] = next
	res.Resolved = resolved
	sortDepKeys(res.Unresolved)
	return res, nil
}

func (a *Accumulator) ingestSections(res *IngestResult, next *docState, prev *docState, parent *codec.ProtoNode, parentBID, net idspace.BID, path string, adopt func(DepKey) (idspace.BID, bool)) error {
	docID := a.docIDOf(next)
	for i, child := range parent.Children {
		key := child.Anchor
		if key == "" {
			key = markdown.Slug(child.Title)
		}

		bid := child.BID
		if bid.IsNil() {
			if child.Anchor != "" {
				if adopted, ok := adopt(anchorKey(net, docID, child.Anchor)); ok {
					bid = adopted
				}
			}
			if bid.IsNil() && prev != nil {
				if prevBID, ok := prev.byKey[key]; ok && !next.nodes[prevBID] {
					bid = prevBID
				}
			}
			if bid.IsNil() {
				bid = idspace.New(parentBID)
			}
		} else if child.Anchor != "" {
			adopt(anchorKey(net, docID, child.Anchor))
		}
		child.BID = bid
		next.nodes[bid] = true
		next.byKey[key] = bid

		var err error
		res.Events, err = a.commit(res.Events, beliefset.NodeUpdateEvent{
			Keys:   []string{key},
			Node:   protoToNode(child, beliefset.KindSection),
			Origin: beliefset.Origin(path),
		})
		if err != nil {
			return err
		}
		res.Events, err = a.commit(res.Events, beliefset.RelationInsertEvent{
			Source: bid,
			Sink:   parentBID,
			Kind:   graph.Section,
			Weight: graph.Weight{graph.WeightSortKey: uint16(i)},
			Origin: beliefset.Origin(path),
		})
		if err != nil {
			return err
		}
		if child.Anchor != "" {
			a.anchorIndex[string(anchorKey(net, docID, child.Anchor))] = bid
		}

		if err := a.ingestSections(res, next, prev, child, bid, net, path, adopt); err != nil {
			return err
		}
	}
	return nil
}

func (a *Accumulator) ingestRefs(res *IngestResult, next *docState, root *codec.ProtoNode, net idspace.BID, path string) error {
	var walkErr error
	root.Walk(func(n *codec.ProtoNode) {
		if walkErr != nil {
			return
		}
		for _, ref := range n.Refs {
			if err := a.ingestRef(res, next, n.BID, ref, net, path); err != nil {
				walkErr = err
				return
			}
		}
	})
	return walkErr
}

func (a *Accumulator) ingestRef(res *IngestResult, next *docState, source idspace.BID, ref codec.Reference, net idspace.BID, path string) error {
	var sink idspace.BID
	kind := graph.Epistemic
	weight := graph.Weight{}

	switch ref.Kind {
	case codec.RefBid:
		sink = ref.BID
		if _, ok := a.set.Node(sink); !ok {
			key := bidKey(sink)
			if err := a.ensureTrace(res, key, sink, beliefset.KindDocument, "", path); err != nil {
				return err
			}
			res.Unresolved = append(res.Unresolved, key)
		}
	case codec.RefWiki:
		key := wikiKey(net, ref.Target)
		if known, ok := a.idIndex[string(key)]; ok {
			sink = known
		} else if traceBID, ok := a.traces[key]; ok {
			sink = traceBID
			res.Unresolved = append(res.Unresolved, key)
		} else {
			sink = idspace.New(net)
			if err := a.ensureTrace(res, key, sink, beliefset.KindDocument, ref.Target, path); err != nil {
				return err
			}
			res.Unresolved = append(res.Unresolved, key)
		}
	case codec.RefAnchor:
		key := anchorKey(net, ref.Target, ref.Anchor)
		if known, ok := a.anchorIndex[string(key)]; ok {
			sink = known
		} else if traceBID, ok := a.traces[key]; ok {
			sink = traceBID
			res.Unresolved = append(res.Unresolved, key)
		} else {
			sink = idspace.New(net)
			if err := a.ensureTrace(res, key, sink, beliefset.KindSymbol, ref.Anchor, path); err != nil {
				return err
			}
			res.Unresolved = append(res.Unresolved, key)
		}
	case codec.RefAsset:
		kind = graph.Asset
		weight = graph.Weight{"target": ref.Target}
		var err error
		sink, err = a.ensurePathNode(res, a.assets, ref.Target, path)
		if err != nil {
			return err
		}
	case codec.RefHref:
		kind = graph.Href
		weight = graph.Weight{"target": ref.Target}
		var err error
		sink, err = a.ensurePathNode(res, a.hrefs, ref.Target, path)
		if err != nil {
			return err
		}
	}

	ek := edgeKey{source: source, sink: sink, kind: kind}
	if next.refs[ek] {
		return nil
	}
	next.refs[ek] = true

	var err error
	res.Events, err = a.commit(res.Events, beliefset.RelationInsertEvent{
		Source: source,
		Sink:   sink,
		Kind:   kind,
		Weight: weight,
		Origin: beliefset.Origin(path),
	})
	return err
}

// ensureTrace commits an incomplete stub node for a reference whose target
// has not been parsed yet.
func (a *Accumulator) ensureTrace(res *IngestResult, key DepKey, bid idspace.BID, kind beliefset.Kind, id string, path string) error {
	if _, ok := a.traces[key]; ok {
		return nil
	}
	a.traces[key] = bid
	var err error
	res.Events, err = a.commit(res.Events, beliefset.NodeUpdateEvent{
		Keys:   []string{string(key)},
		Node:   beliefset.NewTrace(bid, kind, id),
		Origin: beliefset.Origin(path),
	})
	return err
}

// ensurePathNode commits the shared node for one asset path or href URL.
func (a *Accumulator) ensurePathNode(res *IngestResult, index map[string]idspace.BID, target, path string) (idspace.BID, error) {
	if bid, ok := index[target]; ok {
		return bid, nil
	}
	bid := idspace.New(a.api)
	node := &beliefset.Node{
		BID:      bid,
		Kind:     beliefset.KindSymbol,
		KindSet:  beliefset.KindSetOf(beliefset.KindSymbol),
		Title:    target,
		Payload:  map[string]any{"target": target},
		Complete: true,
	}
	var err error
	res.Events, err = a.commit(res.Events, beliefset.NodeUpdateEvent{Keys: []string{target}, Node: node, Origin: beliefset.Origin(path)})
	if err != nil {
		return idspace.BID{}, err
	}
	index[target] = bid
	return bid, nil
}

// RemoveDocument drops every node a deleted document owned.
func (a *Accumulator) RemoveDocument(path string) ([]beliefset.Event, error) {
	prev, ok := a.docs[path]
	if !ok {
		return nil, nil
	}
	var gone []idspace.BID
	for bid := range prev.nodes {
		gone = append(gone, bid)
	}
	sortBIDs(gone)
	events, err := a.commit(nil, beliefset.NodesRemovedEvent{BIDs: gone, Origin: beliefset.Origin(path)})
	if err != nil {
		return nil, err
	}
	a.dropFromIndexes(gone)
	delete(a.docs, path)
	return events, nil
}

// OpenTraces returns the dependency keys whose targets never resolved,
// surfaced by the compiler as UnresolvedReference diagnostics after its
// passes converge.
func (a *Accumulator) OpenTraces() []DepKey {
	keys := make([]DepKey, 0, len(a.traces))
	for k := range a.traces {
		keys = append(keys, k)
	}
	sortDepKeys(keys)
	return keys
}

// Assets returns the asset path map (local path → node).
func (a *Accumulator) Assets() map[string]idspace.BID { return clone(a.assets) }

// Hrefs returns the href path map (url → node).
func (a *Accumulator) Hrefs() map[string]idspace.BID { return clone(a.hrefs) }

func (a *Accumulator) sectionIndex(child, parent idspace.BID) uint16 {
	siblings := a.set.Relations.SectionChildren(parent)
	for i, s := range siblings {
		if s == child {
			return uint16(i)
		}
	}
	return uint16(len(siblings))
}

func (a *Accumulator) docIDOf(st *docState) string {
	if n, ok := a.set.Node(st.bid); ok {
		return n.ID
	}
	return ""
}

func (a *Accumulator) dropFromIndexes(gone []idspace.BID) {
	removed := map[idspace.BID]bool{}
	for _, bid := range gone {
		removed[bid] = true
	}
	for key, bid := range a.idIndex {
		if removed[bid] {
			delete(a.idIndex, key)
		}
	}
	for key, bid := range a.anchorIndex {
		if removed[bid] {
			delete(a.anchorIndex, key)
		}
	}
}

func protoToNode(p *codec.ProtoNode, kind beliefset.Kind) *beliefset.Node {
	payload := p.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return &beliefset.Node{
		BID:     p.BID,
		Kind:    kind,
		KindSet: beliefset.KindSetOf(kind),
		Title:   p.Title,
		Schema:  p.Schema,
		ID:      p.ID,
		Payload: payload,
		// A schema failure downgrades the node to a trace until the source
		// is fixed and reparsed.
		Complete: !p.SchemaError,
	}
}

func sortBIDs(bids []idspace.BID) {
	sort.Slice(bids, func(i, j int) bool {
		for k := range bids[i] {
			if bids[i][k] != bids[j][k] {
				return bids[i][k] < bids[j][k]
			}
		}
		return false
	})
}

func sortDepKeys(keys []DepKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}

func clone(m map[string]idspace.BID) map[string]idspace.BID {
	out := make(map[string]idspace.BID, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
