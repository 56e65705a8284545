// Package memreactive is a minimal in-memory reference implementation of
// reactiveiface.Node, used by tests and the package example. It is not
// "the reactive proxy library" (that remains an external, out-of-scope
// collaborator per the specification) - it exists only so the bridge has
// something concrete to mirror into and subscribe to.
//
// Subscribe only reports mutations of a node's own direct children, per
// the reactiveiface contract; nested descendants are the concern of
// their own node's subscription. Batch regions, however, span the whole
// tree a node belongs to, since a single synchronous mutation region in
// the JavaScript original can touch many proxies at once - so every node
// created from the same root shares one batching graph.
package memreactive

import (
	"sync"

	"github.com/ruvnet/crdtbridge/internal/reactiveiface"
)

type subscription struct {
	id      uint64
	handler func([]reactiveiface.Op)
}

// graph is the shared batching coordinator for one proxy tree. All nodes
// created from the same root share one graph, since a batch region
// (spec's "one synchronous mutation region") spans the whole tree, not
// just one node.
type graph struct {
	mu         sync.Mutex
	batchDepth int
	nextSubID  uint64
	pending    map[*Node][]reactiveiface.Op
}

func newGraph() *graph {
	return &graph{pending: make(map[*Node][]reactiveiface.Op)}
}

// Node is the in-memory reactive proxy node.
type Node struct {
	g     *graph
	shape reactiveiface.Shape

	mu      sync.Mutex
	obj     map[string]any
	arr     []any
	subs    []subscription
	nextSub uint64
}

// Factory mints every reactive proxy node materialized for one bridge
// instance, so they all share a single batching graph - a single
// synchronous mutation region can legitimately touch several containers
// at once (e.g. a splice that both replaces a child and assigns a new
// one), and all of them must flush together.
type Factory struct {
	g *graph
}

// NewFactory creates a factory whose nodes share one batching graph.
func NewFactory() *Factory {
	return &Factory{g: newGraph()}
}

// NewObject creates a fresh, empty object-shaped node.
func (f *Factory) NewObject() reactiveiface.Node {
	return &Node{g: f.g, shape: reactiveiface.ShapeObject, obj: make(map[string]any)}
}

// NewArray creates a fresh, empty array-shaped node.
func (f *Factory) NewArray() reactiveiface.Node {
	return &Node{g: f.g, shape: reactiveiface.ShapeArray}
}

func (n *Node) Shape() reactiveiface.Shape { return n.shape }

// Batch defers op emission until fn returns. Nested Batch calls compose:
// only the outermost call's return triggers delivery.
func (n *Node) Batch(fn func()) {
	n.g.mu.Lock()
	n.g.batchDepth++
	n.g.mu.Unlock()

	defer func() {
		n.g.mu.Lock()
		n.g.batchDepth--
		flush := n.g.batchDepth == 0
		var toDeliver map[*Node][]reactiveiface.Op
		if flush {
			toDeliver = n.g.pending
			n.g.pending = make(map[*Node][]reactiveiface.Op)
		}
		n.g.mu.Unlock()

		if flush {
			for target, ops := range toDeliver {
				target.notify(ops)
			}
		}
	}()

	fn()
}

func (n *Node) Subscribe(handler func([]reactiveiface.Op)) func() {
	n.mu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subs = append(n.subs, subscription{id: id, handler: handler})
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, s := range n.subs {
			if s.id == id {
				n.subs = append(n.subs[:i], n.subs[i+1:]...)
				return
			}
		}
	}
}

func (n *Node) notify(ops []reactiveiface.Op) {
	n.mu.Lock()
	handlers := make([]func([]reactiveiface.Op), len(n.subs))
	for i, s := range n.subs {
		handlers[i] = s.handler
	}
	n.mu.Unlock()
	for _, h := range handlers {
		h(ops)
	}
}

// emit records one op produced by a direct mutation of n, either buffering
// it (inside a Batch) for coalesced delivery at flush time, or dispatching
// it to n's subscribers immediately.
func (n *Node) emit(op reactiveiface.Op) {
	n.g.mu.Lock()
	buffering := n.g.batchDepth > 0
	if buffering {
		n.g.pending[n] = append(n.g.pending[n], op)
	}
	n.g.mu.Unlock()

	if !buffering {
		n.notify([]reactiveiface.Op{op})
	}
}

// --- object-shaped mutators ---

func (n *Node) Set(key string, value any) {
	n.mu.Lock()
	old, existed := n.obj[key]
	n.obj[key] = value
	n.mu.Unlock()
	n.emit(reactiveiface.Op{
		Kind: reactiveiface.OpSet, Path: []reactiveiface.PathSegment{{Key: key, IsString: true}},
		Value: value, OldValue: old, OldValueExisted: existed,
	})
}

func (n *Node) DeleteKey(key string) {
	n.mu.Lock()
	old, existed := n.obj[key]
	delete(n.obj, key)
	n.mu.Unlock()
	if existed {
		n.emit(reactiveiface.Op{
			Kind: reactiveiface.OpDelete, Path: []reactiveiface.PathSegment{{Key: key, IsString: true}},
			OldValue: old, OldValueExisted: true,
		})
	}
}

func (n *Node) Keys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.obj))
	for k := range n.obj {
		out = append(out, k)
	}
	return out
}

func (n *Node) Get(key string) (any, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.obj[key]
	return v, ok
}

// --- array-shaped mutators ---

func (n *Node) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.arr)
}

func (n *Node) At(i int) any {
	n.mu.Lock()
	defer n.mu.Unlock()
	if i < 0 || i >= len(n.arr) {
		return nil
	}
	return n.arr[i]
}

func (n *Node) Append(values ...any) {
	n.InsertAt(n.Len(), values...)
}

func (n *Node) SetIndex(i int, value any) {
	n.mu.Lock()
	if i < 0 || i >= len(n.arr) {
		n.mu.Unlock()
		return
	}
	old := n.arr[i]
	n.arr[i] = value
	n.mu.Unlock()
	n.emit(reactiveiface.Op{
		Kind: reactiveiface.OpSet, Path: []reactiveiface.PathSegment{{Index: i}},
		Value: value, OldValue: old, OldValueExisted: true,
	})
}

func (n *Node) InsertAt(i int, values ...any) {
	if len(values) == 0 {
		return
	}
	n.mu.Lock()
	if i < 0 {
		i = 0
	}
	if i > len(n.arr) {
		i = len(n.arr)
	}
	tail := append([]any{}, n.arr[i:]...)
	n.arr = append(n.arr[:i], append(append([]any{}, values...), tail...)...)
	n.mu.Unlock()
	for k, v := range values {
		n.emit(reactiveiface.Op{
			Kind: reactiveiface.OpSet, Path: []reactiveiface.PathSegment{{Index: i + k}},
			Value: v, OldValueExisted: false,
		})
	}
}

func (n *Node) DeleteAt(i, count int) {
	if count <= 0 {
		return
	}
	n.mu.Lock()
	if i < 0 || i >= len(n.arr) {
		n.mu.Unlock()
		return
	}
	end := i + count
	if end > len(n.arr) {
		end = len(n.arr)
	}
	removed := append([]any{}, n.arr[i:end]...)
	n.arr = append(n.arr[:i], n.arr[end:]...)
	n.mu.Unlock()
	for idx := end - 1; idx >= i; idx-- {
		n.emit(reactiveiface.Op{
			Kind: reactiveiface.OpDelete, Path: []reactiveiface.PathSegment{{Index: idx}},
			OldValue: removed[idx-i], OldValueExisted: true,
		})
	}
}

func (n *Node) ToSlice() []any {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]any, len(n.arr))
	copy(out, n.arr)
	return out
}
