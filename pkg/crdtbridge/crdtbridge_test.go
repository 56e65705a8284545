package crdtbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/crdtbridge/internal/crdtiface"
	"github.com/ruvnet/crdtbridge/internal/memcrdt"
	"github.com/ruvnet/crdtbridge/internal/memreactive"
	"github.com/ruvnet/crdtbridge/internal/reactiveiface"
)

// newMapBridgeOverRoot wires a Bridge to the SAME document root already
// belongs to - GetRoot must not be handed a throwaway Document, or the
// bridge's Observe subscription and Transact origin stack bind to a
// document no mutation ever touches.
func newMapBridgeOverRoot(t *testing.T, doc *memcrdt.Document, root crdtiface.MapNode) *Bridge {
	b, err := New(doc, Options{
		GetRoot:      func(d crdtiface.Document) crdtiface.Node { return root },
		ProxyFactory: memreactive.NewFactory(),
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Dispose() })
	return b
}

func newListBridgeOverRoot(t *testing.T, doc *memcrdt.Document, root crdtiface.ListNode) *Bridge {
	b, err := New(doc, Options{
		GetRoot:      func(d crdtiface.Document) crdtiface.Node { return root },
		ProxyFactory: memreactive.NewFactory(),
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Dispose() })
	return b
}

// Scenario 1 — map set + nested edit.
func TestScenario1MapSetAndNestedEdit(t *testing.T) {
	doc := memcrdt.New()
	root := doc.NewMap()
	b := newMapBridgeOverRoot(t, doc, root)

	proxy := b.Root()
	proxy.Set("user", map[string]any{"name": "Ada"})
	b.Tick()

	userVal, ok := proxy.Get("user")
	require.True(t, ok)
	userProxy := userVal.(reactiveiface.Node)
	userProxy.Set("name", "Grace")
	b.Tick()

	v, _ := root.Get("user")
	userNode := v.(crdtiface.MapNode)
	name, _ := userNode.Get("name")
	assert.Equal(t, "Grace", name)

	again, _ := proxy.Get("user")
	assert.Same(t, userProxy, again.(reactiveiface.Node))
}

// Scenario 2 — list splice in the middle.
func TestScenario2ListSpliceMiddle(t *testing.T) {
	doc := memcrdt.New()
	root := doc.NewList()
	root.Insert(0, "a", "c")
	b := newListBridgeOverRoot(t, doc, root)

	var delta []crdtiface.DeltaOp
	unsub := doc.Observe(func(ev crdtiface.Event) {
		if ev.Node == root {
			delta = ev.Delta
		}
	})
	defer unsub()

	proxy := b.Root()
	proxy.InsertAt(1, "b")
	b.Tick()

	assert.Equal(t, []any{"a", "b", "c"}, root.ToSlice())
	require.Len(t, delta, 2)
	assert.Equal(t, crdtiface.DeltaRetain, delta[0].Kind)
	assert.Equal(t, 1, delta[0].Count)
	assert.Equal(t, crdtiface.DeltaInsert, delta[1].Kind)
	assert.Equal(t, []any{"b"}, delta[1].Insert)
}

// Scenario 3 — same-index replace via direct assignment.
func TestScenario3SameIndexReplace(t *testing.T) {
	doc := memcrdt.New()
	root := doc.NewList()
	root.Insert(0,
		map[string]any{"id": 1},
		map[string]any{"id": 2},
		map[string]any{"id": 3},
	)
	b := newListBridgeOverRoot(t, doc, root)

	proxy := b.Root()
	proxy.SetIndex(1, map[string]any{"id": 20})
	b.Tick()

	items := root.ToSlice()
	require.Len(t, items, 3)
	second := items[1].(crdtiface.MapNode)
	id, _ := second.Get("id")
	assert.Equal(t, 20, id)
}

// Scenario 4 — subtree purge: a push onto a nested list followed, in the
// same region, by replacing the enclosing map key must drop the push.
func TestScenario4SubtreePurge(t *testing.T) {
	doc := memcrdt.New()
	root := doc.NewMap()
	members := doc.NewList()
	members.Insert(0, "m0", "m1")
	team := doc.NewMap()
	team.Set("members", members)
	root.Set("team", team)

	b := newMapBridgeOverRoot(t, doc, root)
	proxy := b.Root()

	teamVal, _ := proxy.Get("team")
	teamProxy := teamVal.(reactiveiface.Node)
	membersVal, _ := teamProxy.Get("members")
	membersProxy := membersVal.(reactiveiface.Node)

	proxy.Batch(func() {
		membersProxy.Append("m2")
		proxy.Set("team", map[string]any{"members": []any{}})
	})
	b.Tick()

	teamNodeVal, _ := root.Get("team")
	teamNode := teamNodeVal.(crdtiface.MapNode)
	membersNodeVal, _ := teamNode.Get("members")
	membersNode := membersNodeVal.(crdtiface.ListNode)
	assert.Equal(t, 0, membersNode.Len())
	assert.Equal(t, 2, members.Len(), "the original members list must be untouched")
}

// Scenario 5 — re-parenting rejected.
func TestScenario5ReparentingRejected(t *testing.T) {
	doc := memcrdt.New()
	root := doc.NewMap()
	child := doc.NewMap()
	root.Set("child", child)

	b := newMapBridgeOverRoot(t, doc, root)
	proxy := b.Root()

	proxy.Set("other", child)
	b.Tick()

	assert.False(t, root.Has("other"))
	_, hasOther := proxy.Get("other")
	assert.False(t, hasOther)
}

// Scenario 6 — bootstrap abort on a non-empty root.
func TestScenario6BootstrapAbortsOnNonemptyRoot(t *testing.T) {
	doc := memcrdt.New()
	root := doc.NewMap()
	root.Set("existing", 1)

	b := newMapBridgeOverRoot(t, doc, root)
	err := b.Bootstrap(map[string]any{"fresh": 1})
	require.NoError(t, err)

	assert.False(t, root.Has("fresh"))
	assert.Equal(t, 1, root.Size())
}

func TestBootstrapPopulatesEmptyMapRoot(t *testing.T) {
	doc := memcrdt.New()
	root := doc.NewMap()
	b := newMapBridgeOverRoot(t, doc, root)

	err := b.Bootstrap(map[string]any{
		"name": "Ada",
		"tags": []any{"x", "y"},
	})
	require.NoError(t, err)

	name, ok := root.Get("name")
	assert.True(t, ok)
	assert.Equal(t, "Ada", name)

	proxy := b.Root()
	pname, ok := proxy.Get("name")
	assert.True(t, ok)
	assert.Equal(t, "Ada", pname)
}

func TestBootstrapPopulatesEmptyListRoot(t *testing.T) {
	doc := memcrdt.New()
	root := doc.NewList()
	b := newListBridgeOverRoot(t, doc, root)

	err := b.Bootstrap([]any{"a", "b", "c"})
	require.NoError(t, err)

	assert.Equal(t, []any{"a", "b", "c"}, root.ToSlice())
	assert.Equal(t, []any{"a", "b", "c"}, b.Root().ToSlice())
}

// P6 — bidirectionality: a write applied directly against the CRDT (not
// through the proxy, and tagged with a non-bridge origin so it is not
// filtered out as an echo) converges onto the reactive graph once
// dispatchEvent reconciles it.
func TestInboundCRDTWriteConvergesReactiveGraph(t *testing.T) {
	doc := memcrdt.New()
	root := doc.NewMap()
	root.Set("name", "Ada")
	b := newMapBridgeOverRoot(t, doc, root)

	proxy := b.Root()
	v, ok := proxy.Get("name")
	require.True(t, ok)
	assert.Equal(t, "Ada", v)

	err := doc.Transact("peer-replica", func(crdtiface.Tx) error {
		root.Set("name", "Grace")
		root.Set("age", 36)
		return nil
	})
	require.NoError(t, err)
	b.Tick()

	v, ok = proxy.Get("name")
	require.True(t, ok)
	assert.Equal(t, "Grace", v)
	v, ok = proxy.Get("age")
	require.True(t, ok)
	assert.Equal(t, 36, v)
}

// P3 — at most one CRDT transaction per microtask boundary regardless of
// how many mutations are issued within the batch.
func TestAtMostOneTransactionPerTick(t *testing.T) {
	doc := memcrdt.New()
	root := doc.NewMap()
	b := newMapBridgeOverRoot(t, doc, root)
	proxy := b.Root()

	var commits int
	unsub := doc.Observe(func(ev crdtiface.Event) {
		if ev.Node == root {
			commits++
		}
	})
	defer unsub()

	proxy.Batch(func() {
		proxy.Set("a", 1)
		proxy.Set("b", 2)
		proxy.Set("c", 3)
	})
	b.Tick()

	assert.Equal(t, 1, commits)
}
