// Package reactiveiface declares the surface crdtbridge consumes from a
// reactive observable-state library. The library itself is out of scope
// for this module; internal/memreactive ships a minimal reference
// implementation for tests and examples.
//
// JavaScript gives such a library transparent property assignment
// (proxy.a = x) backed by a microtask-batched emission of ops. Go has
// neither magic property assignment nor a microtask queue, so this
// interface expresses the same contract as explicit mutator methods plus
// an explicit batch region.
package reactiveiface

// Shape distinguishes object-shaped from array-shaped nodes.
type Shape int

const (
	ShapeObject Shape = iota
	ShapeArray
)

// OpKind distinguishes the two op kinds the planner classifies.
type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
)

// PathSegment is one step of an Op's path: a string key for object-shaped
// nodes, an int index for array-shaped nodes.
type PathSegment struct {
	Key      string
	Index    int
	IsString bool
}

// Op is one mutation record emitted after a batch region ends. OldValue
// and OldValueExisted capture the pre-mutation value/presence at this
// op's key or index, so a failed validation can be rolled back without
// a separate before-batch snapshot pass: OldValueExisted is false when
// the key/index did not exist before this op (an object insert, or an
// array insert rather than an overwrite).
type Op struct {
	Kind            OpKind
	Path            []PathSegment
	Value           any // the new value for OpSet; unused for OpDelete
	OldValue        any
	OldValueExisted bool
}

// Node is a proxy mirroring exactly one CRDT container node.
type Node interface {
	// Shape reports whether this node mirrors a map-node or a list-node.
	Shape() Shape

	// Batch defers op emission until fn returns, collapsing every
	// mutation performed inside fn into a single batch - the Go stand-in
	// for "one synchronous mutation region".
	Batch(fn func())

	// Subscribe registers a handler invoked with every batch of ops
	// produced by mutations on this node's direct children. It returns an
	// unsubscribe function.
	Subscribe(handler func([]Op)) (unsubscribe func())

	// --- object-shaped mutators ---
	Set(key string, value any)
	DeleteKey(key string)
	Keys() []string
	Get(key string) (any, bool)

	// --- array-shaped mutators ---
	Len() int
	At(i int) any
	Append(values ...any)
	SetIndex(i int, value any)
	InsertAt(i int, values ...any)
	DeleteAt(i, count int)
	ToSlice() []any
}

// Factory mints fresh, empty reactive proxy nodes. The router uses it to
// materialize a new proxy the first time it encounters a CRDT container
// it hasn't mirrored before.
type Factory interface {
	NewObject() Node
	NewArray() Node
}
