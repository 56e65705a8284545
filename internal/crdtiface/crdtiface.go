// Package crdtiface declares the surface crdtbridge consumes from a CRDT
// document library. The library itself is out of scope for this module;
// internal/memcrdt ships a minimal reference implementation for tests and
// examples.
package crdtiface

// Kind distinguishes the four node shapes the bridge understands.
type Kind int

const (
	KindMap Kind = iota
	KindList
	KindLeaf
	KindPrimitive
)

// Node is the common handle every CRDT value exposes: enough identity and
// parent bookkeeping for the router to enforce the no-re-parenting
// invariant and for the synchronization context to key its identity
// caches.
type Node interface {
	// Kind reports which concrete shape this node has.
	Kind() Kind
	// Parent returns the enclosing container node, or nil if this node is
	// unattached (a fresh subtree not yet integrated anywhere) or is the
	// document root.
	Parent() Node
}

// MapNode is an insertion-ordered string-keyed container.
type MapNode interface {
	Node
	// Keys returns the current keys in insertion order.
	Keys() []string
	// Get returns the value at key and whether it was present.
	Get(key string) (any, bool)
	// Set inserts or overwrites key with value. value is either a
	// primitive, a Leaf, or a freshly built MapNode/ListNode produced by
	// the converter.
	Set(key string, value any)
	// Delete removes key if present; a no-op otherwise.
	Delete(key string)
	// Size returns the number of keys.
	Size() int
	// Has reports whether key is present.
	Has(key string) bool
}

// ListNode is an ordered, index-addressed sequence.
type ListNode interface {
	Node
	// Len returns the current length.
	Len() int
	// Get returns the element at index i.
	Get(i int) any
	// Insert splices items into the sequence starting at index i,
	// shifting subsequent elements right.
	Insert(i int, items ...any)
	// Delete removes count elements starting at index i.
	Delete(i, count int)
	// ToSlice returns a snapshot copy of the sequence.
	ToSlice() []any
}

// Leaf is an opaque collaborative value (e.g. collaborative text) that
// must never be deeply mirrored. The bridge stores it as an opaque
// reference and relies on Observe to notice in-place mutation.
type Leaf interface {
	Node
	// Observe registers a callback fired whenever the leaf's internal
	// state changes; it returns an unsubscribe function.
	Observe(fn func()) (unsubscribe func())
}

// DeltaOpKind distinguishes the three shapes a list delta entry can take.
type DeltaOpKind int

const (
	DeltaRetain DeltaOpKind = iota
	DeltaDelete
	DeltaInsert
)

// DeltaOp is one entry of a list delta: {retain:n} | {delete:n} | {insert:items}.
type DeltaOp struct {
	Kind   DeltaOpKind
	Count  int   // valid for DeltaRetain and DeltaDelete
	Insert []any // valid for DeltaInsert
}

// Event describes one deep-observe notification delivered by the document.
type Event struct {
	// Node is the container the event concerns.
	Node Node
	// Origin is the opaque value the transaction that produced this event
	// was tagged with; the reconciler ignores events whose Origin equals
	// the bridge's sentinel.
	Origin any
	// Delta is populated for list events when the document can supply a
	// retain/insert/delete sequence; nil means "structural change, no
	// delta available" and the reconciler falls back to full replacement.
	Delta []DeltaOp
}

// Tx is the handle passed into Document.Transact; in this interface it
// carries no methods of its own because mutation happens directly through
// MapNode/ListNode - the transaction's only job is to scope one commit.
type Tx interface{}

// Document is the shared CRDT document the bridge mirrors.
type Document interface {
	// NewMap creates a fresh, unattached map-node owned by this document.
	// It has no parent until a Set call integrates it into a container
	// already reachable from the root.
	NewMap() MapNode
	// NewList creates a fresh, unattached list-node owned by this
	// document, with the same integration rule as NewMap.
	NewList() ListNode
	// Transact runs fn inside exactly one commit tagged with origin. All
	// mutations to nodes owned by this document performed inside fn are
	// part of that one commit.
	Transact(origin any, fn func(Tx) error) error
	// Observe registers a deep-observe callback invoked after every
	// commit (including ones not produced by this bridge). It returns an
	// unsubscribe function.
	Observe(fn func(Event)) (unsubscribe func())
}
