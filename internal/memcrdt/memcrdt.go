// Package memcrdt is a minimal in-memory reference implementation of
// crdtiface.Document, used by tests and the package example. It is
// deliberately not a real CRDT: it carries no merge algorithm, vector
// clock, or network transport (all out of scope per the specification) -
// it exists only so the bridge has something concrete to mirror from and
// commit into, with the same local shape (maps, lists, leaves, observe,
// transact-with-origin) a real collaborative document library exposes.
package memcrdt

import (
	"sync"

	"github.com/ruvnet/crdtbridge/internal/crdtiface"
)

// attachable is implemented by every node type this package produces, so
// Set/Insert can record parent links without crdtiface itself needing a
// SetParent method (real CRDT libraries manage parent links internally).
type attachable interface {
	setParent(crdtiface.Node)
}

// Document is the in-memory reference document.
type Document struct {
	mu          sync.Mutex
	observers   map[uint64]func(crdtiface.Event)
	nextObs     uint64
	originStack []any
}

// New creates an empty document.
func New() *Document {
	return &Document{observers: make(map[uint64]func(crdtiface.Event))}
}

func (d *Document) NewMap() crdtiface.MapNode {
	return &mapNode{doc: d, values: make(map[string]any)}
}

func (d *Document) NewList() crdtiface.ListNode {
	return &listNode{doc: d}
}

// Transact tags every mutation performed inside fn with origin. Calls
// nest: an inner Transact's origin applies only to mutations made while
// it is the innermost active transaction.
func (d *Document) Transact(origin any, fn func(crdtiface.Tx) error) error {
	d.mu.Lock()
	d.originStack = append(d.originStack, origin)
	d.mu.Unlock()

	err := fn(txToken{})

	d.mu.Lock()
	d.originStack = d.originStack[:len(d.originStack)-1]
	d.mu.Unlock()
	return err
}

func (d *Document) Observe(fn func(crdtiface.Event)) func() {
	d.mu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

func (d *Document) currentOrigin() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.originStack) == 0 {
		return nil
	}
	return d.originStack[len(d.originStack)-1]
}

func (d *Document) emit(node crdtiface.Node, delta []crdtiface.DeltaOp) {
	origin := d.currentOrigin()
	d.mu.Lock()
	handlers := make([]func(crdtiface.Event), 0, len(d.observers))
	for _, h := range d.observers {
		handlers = append(handlers, h)
	}
	d.mu.Unlock()

	ev := crdtiface.Event{Node: node, Origin: origin, Delta: delta}
	for _, h := range handlers {
		h(ev)
	}
}

type txToken struct{}

// --- map node ---

type mapNode struct {
	doc    *Document
	parent crdtiface.Node

	mu     sync.Mutex
	keys   []string
	values map[string]any
}

func (m *mapNode) Kind() crdtiface.Kind  { return crdtiface.KindMap }
func (m *mapNode) Parent() crdtiface.Node { return m.parent }
func (m *mapNode) setParent(p crdtiface.Node) { m.parent = p }

func (m *mapNode) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

func (m *mapNode) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *mapNode) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.values[key]
	return ok
}

func (m *mapNode) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

func (m *mapNode) Set(key string, value any) {
	if a, ok := value.(attachable); ok {
		a.setParent(m)
	}
	m.mu.Lock()
	_, existed := m.values[key]
	m.values[key] = value
	if !existed {
		m.keys = append(m.keys, key)
	}
	m.mu.Unlock()
	m.doc.emit(m, nil)
}

func (m *mapNode) Delete(key string) {
	m.mu.Lock()
	_, existed := m.values[key]
	if existed {
		delete(m.values, key)
		for i, k := range m.keys {
			if k == key {
				m.keys = append(m.keys[:i], m.keys[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if existed {
		m.doc.emit(m, nil)
	}
}

// --- list node ---

type listNode struct {
	doc    *Document
	parent crdtiface.Node

	mu    sync.Mutex
	items []any
}

func (l *listNode) Kind() crdtiface.Kind    { return crdtiface.KindList }
func (l *listNode) Parent() crdtiface.Node   { return l.parent }
func (l *listNode) setParent(p crdtiface.Node) { l.parent = p }

func (l *listNode) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *listNode) Get(i int) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.items) {
		return nil
	}
	return l.items[i]
}

func (l *listNode) ToSlice() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]any, len(l.items))
	copy(out, l.items)
	return out
}

func (l *listNode) Insert(i int, items ...any) {
	if len(items) == 0 {
		return
	}
	for _, it := range items {
		if a, ok := it.(attachable); ok {
			a.setParent(l)
		}
	}

	l.mu.Lock()
	if i < 0 {
		i = 0
	}
	if i > len(l.items) {
		i = len(l.items)
	}
	tail := append([]any{}, l.items[i:]...)
	l.items = append(l.items[:i], append(append([]any{}, items...), tail...)...)
	l.mu.Unlock()

	delta := []crdtiface.DeltaOp{{Kind: crdtiface.DeltaInsert, Insert: items}}
	if i > 0 {
		delta = []crdtiface.DeltaOp{{Kind: crdtiface.DeltaRetain, Count: i}, {Kind: crdtiface.DeltaInsert, Insert: items}}
	}
	l.doc.emit(l, delta)
}

func (l *listNode) Delete(i, count int) {
	if count <= 0 {
		return
	}
	l.mu.Lock()
	if i < 0 || i >= len(l.items) {
		l.mu.Unlock()
		return
	}
	end := i + count
	if end > len(l.items) {
		end = len(l.items)
	}
	actual := end - i
	l.items = append(l.items[:i], l.items[end:]...)
	l.mu.Unlock()

	delta := []crdtiface.DeltaOp{{Kind: crdtiface.DeltaDelete, Count: actual}}
	if i > 0 {
		delta = []crdtiface.DeltaOp{{Kind: crdtiface.DeltaRetain, Count: i}, {Kind: crdtiface.DeltaDelete, Count: actual}}
	}
	l.doc.emit(l, delta)
}

// --- leaf ---

// Leaf is a reference opaque collaborative value (e.g. stand-in for a
// collaborative text type). Its internal mutation (AppendText) is a test
// hook simulating another replica editing it; the bridge never calls it.
type Leaf struct {
	doc    *Document
	parent crdtiface.Node

	mu        sync.Mutex
	text      string
	observers map[uint64]func()
	nextObs   uint64
}

func (d *Document) NewLeaf() *Leaf {
	return &Leaf{doc: d, observers: make(map[uint64]func())}
}

func (lf *Leaf) Kind() crdtiface.Kind      { return crdtiface.KindLeaf }
func (lf *Leaf) Parent() crdtiface.Node    { return lf.parent }
func (lf *Leaf) setParent(p crdtiface.Node) { lf.parent = p }

func (lf *Leaf) Observe(fn func()) func() {
	lf.mu.Lock()
	id := lf.nextObs
	lf.nextObs++
	lf.observers[id] = fn
	lf.mu.Unlock()
	return func() {
		lf.mu.Lock()
		delete(lf.observers, id)
		lf.mu.Unlock()
	}
}

func (lf *Leaf) Text() string {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.text
}

// AppendText mutates the leaf in place and fires its own Observe
// callbacks, simulating an internal collaborative edit that the bridge
// must notice without deep mirroring.
func (lf *Leaf) AppendText(s string) {
	lf.mu.Lock()
	lf.text += s
	handlers := make([]func(), 0, len(lf.observers))
	for _, h := range lf.observers {
		handlers = append(handlers, h)
	}
	lf.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}
