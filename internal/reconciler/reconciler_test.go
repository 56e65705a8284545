package reconciler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/crdtbridge/internal/crdtiface"
	"github.com/ruvnet/crdtbridge/internal/memcrdt"
	"github.com/ruvnet/crdtbridge/internal/memreactive"
	"github.com/ruvnet/crdtbridge/internal/metrics"
	"github.com/ruvnet/crdtbridge/internal/reactiveiface"
	"github.com/ruvnet/crdtbridge/internal/router"
	"github.com/ruvnet/crdtbridge/internal/scheduler"
	"github.com/ruvnet/crdtbridge/internal/synccontext"
)

func newTestReconciler(t *testing.T) (*Reconciler, *router.Router, *memcrdt.Document, *synccontext.Context) {
	doc := memcrdt.New()
	sc := synccontext.New(zaptest.NewLogger(t), false, metrics.New())
	sched := scheduler.New(doc, "sentinel", sc, sc.Metrics(), zaptest.NewLogger(t), sc.WithLock)
	sc.BindScheduler(sched)
	rtr := router.New(doc, sc, memreactive.NewFactory(), sched)
	rc := New(sc, rtr)
	t.Cleanup(func() { _ = sc.Dispose() })
	return rc, rtr, doc, sc
}

func TestReconcileMapUnmaterializedIsNoop(t *testing.T) {
	rc, _, doc, _ := newTestReconciler(t)
	m := doc.NewMap()
	m.Set("a", 1)
	rc.ReconcileMap(m) // must not panic; no proxy exists yet
}

// Scenario 6-adjacent / P6: writes applied directly to the CRDT converge
// the reactive graph once the inbound event is reconciled.
func TestReconcileMapKeyDiffConverges(t *testing.T) {
	rc, rtr, doc, _ := newTestReconciler(t)
	m := doc.NewMap()
	m.Set("a", 1)
	proxy := rtr.Materialize(m)

	m.Set("a", 2)
	m.Set("b", "new")
	rc.ReconcileMap(m)

	v, ok := proxy.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	v, ok = proxy.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "new", v)

	m.Delete("a")
	rc.ReconcileMap(m)
	_, ok = proxy.Get("a")
	assert.False(t, ok)
}

func TestReconcileMapContainerKeyPreservesIdentityWhenUnchanged(t *testing.T) {
	rc, rtr, doc, _ := newTestReconciler(t)
	m := doc.NewMap()
	child := doc.NewMap()
	m.Set("child", child)
	proxy := rtr.Materialize(m)

	childProxy, _ := proxy.Get("child")

	m.Set("unrelated", 1)
	rc.ReconcileMap(m)

	again, _ := proxy.Get("child")
	assert.Same(t, childProxy.(reactiveiface.Node), again.(reactiveiface.Node))
}

func TestReconcileListFullRebuild(t *testing.T) {
	rc, rtr, doc, _ := newTestReconciler(t)
	l := doc.NewList()
	l.Insert(0, "a", "c")
	proxy := rtr.Materialize(l)

	l.Insert(1, "b")
	rc.ReconcileList(l)

	assert.Equal(t, []any{"a", "b", "c"}, proxy.ToSlice())
}

// Scenario 2 — splice delta observed by a peer: [{retain:1},{insert:["b"]}].
func TestReconcileListDeltaAppliesRetainInsert(t *testing.T) {
	rc, rtr, doc, _ := newTestReconciler(t)
	l := doc.NewList()
	l.Insert(0, "a", "c")
	proxy := rtr.Materialize(l)

	delta := []crdtiface.DeltaOp{
		{Kind: crdtiface.DeltaRetain, Count: 1},
		{Kind: crdtiface.DeltaInsert, Insert: []any{"b"}},
	}
	rc.ReconcileListDelta(l, delta)

	assert.Equal(t, []any{"a", "b", "c"}, proxy.ToSlice())
}

func TestReconcileListDeltaIdempotentAfterStructuralReconcile(t *testing.T) {
	rc, rtr, doc, _ := newTestReconciler(t)
	l := doc.NewList()
	l.Insert(0, "a", "c")
	proxy := rtr.Materialize(l)

	l.Insert(1, "b")
	rc.ReconcileList(l) // structural reconcile already catches up

	delta := []crdtiface.DeltaOp{
		{Kind: crdtiface.DeltaRetain, Count: 1},
		{Kind: crdtiface.DeltaInsert, Insert: []any{"b"}},
	}
	rc.ReconcileListDelta(l, delta) // must be a no-op, not a duplicate insert

	assert.Equal(t, []any{"a", "b", "c"}, proxy.ToSlice())
	require.Equal(t, 3, proxy.Len())
}
