package beliefset

import (
	"github.com/eykd/beliefc/internal/graph"
	"github.com/eykd/beliefc/internal/idspace"
)

// EventKind tags the concrete Go type implementing Event, letting callers
// type-switch without importing reflection.
type EventKind string

const (
	EventNodeUpdate     EventKind = "NodeUpdate"
	EventNodesRemoved   EventKind = "NodesRemoved"
	EventNodeRenamed    EventKind = "NodeRenamed"
	EventRelationInsert EventKind = "RelationInsert"
	EventRelationUpdate EventKind = "RelationUpdate"
	EventRelationRemove EventKind = "RelationRemoved"
	EventPathAdded      EventKind = "PathAdded"
	EventPathUpdate     EventKind = "PathUpdate"
	EventPathsRemoved   EventKind = "PathsRemoved"
	EventBalanceCheck   EventKind = "BalanceCheck"
	EventFileParsed     EventKind = "FileParsed"
)

// Event is the common interface of the mutation protocol's events. Mutation of a
// BeliefSet happens exclusively by feeding Events to ProcessEvent.
type Event interface {
	EventKind() EventKind
}

// NodeUpdateEvent upserts a node. ProcessEvent stores the carried Node as
// given; it does no schema-specific deserialization of the payload. The
// event carries the already-decoded Node plus the raw keys the caller
// resolved it under (so the Accumulator can express "this BID, reached via
// these id/anchor keys").
type NodeUpdateEvent struct {
	Keys   []string
	Node   *Node
	Origin Origin
}

func (NodeUpdateEvent) EventKind() EventKind { return EventNodeUpdate }

// NodesRemovedEvent removes the named nodes and every edge incident to them.
type NodesRemovedEvent struct {
	BIDs   []idspace.BID
	Origin Origin
}

func (NodesRemovedEvent) EventKind() EventKind { return EventNodesRemoved }

// NodeRenamedEvent is a transitional rename: it moves the node row from From
// to To. ProcessEvent rejects it while From has any incident edge, whether or
// not a NodeUpdate under To accompanies it; edges and PathMap entries are not
// carried over to To.
type NodeRenamedEvent struct {
	From, To idspace.BID
	Origin   Origin
}

func (NodeRenamedEvent) EventKind() EventKind { return EventNodeRenamed }

// RelationInsertEvent upserts a single kind's weight on an edge.
type RelationInsertEvent struct {
	Source, Sink idspace.BID
	Kind         WeightKind
	Weight       graph.Weight
	Origin       Origin
}

func (RelationInsertEvent) EventKind() EventKind { return EventRelationInsert }

// RelationUpdateEvent upserts multiple kinds' weights on an edge at once.
type RelationUpdateEvent struct {
	Source, Sink idspace.BID
	Weights      graph.WeightSet
	Origin       Origin
}

func (RelationUpdateEvent) EventKind() EventKind { return EventRelationUpdate }

// RelationRemovedEvent drops an edge (all kinds).
type RelationRemovedEvent struct {
	Source, Sink idspace.BID
	Origin       Origin
}

func (RelationRemovedEvent) EventKind() EventKind { return EventRelationRemove }

// PathAddedEvent, PathUpdateEvent and PathsRemovedEvent sync the path
// projection. These are derivative-only: a well-formed caller
// never issues them against an authoritative BeliefSet directly; they exist
// so the Transactor can mirror exactly what ProcessEvent computed.
type PathAddedEvent struct {
	Network idspace.BID
	Path    string
	BID     idspace.BID
	Order   []uint16
	Origin  Origin
}

func (PathAddedEvent) EventKind() EventKind { return EventPathAdded }

type PathUpdateEvent struct {
	Network idspace.BID
	Path    string
	BID     idspace.BID
	Order   []uint16
	Origin  Origin
}

func (PathUpdateEvent) EventKind() EventKind { return EventPathUpdate }

type PathsRemovedEvent struct {
	Network idspace.BID
	BIDs    []idspace.BID
	Origin  Origin
}

func (PathsRemovedEvent) EventKind() EventKind { return EventPathsRemoved }

// BalanceCheckEvent demands invariant revalidation; ProcessEvent runs the
// balance check and returns the repair derivatives it produced (none unless
// Fix is set). The diagnostics found are not returned; BuiltInTest returns
// them.
type BalanceCheckEvent struct {
	Fix    bool
	Origin Origin
}

func (BalanceCheckEvent) EventKind() EventKind { return EventBalanceCheck }

// FileParsedEvent is metadata-only: it carries no graph change and exists so
// the Transactor can maintain its mtime table.
type FileParsedEvent struct {
	Path  string
	Mtime int64
}

func (FileParsedEvent) EventKind() EventKind { return EventFileParsed }
