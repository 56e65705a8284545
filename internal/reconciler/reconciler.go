// Package reconciler implements component 4.E: updating reactive proxies
// in response to CRDT events without echoing those changes back through
// the outbound subscription.
package reconciler

import (
	"github.com/ruvnet/crdtbridge/internal/crdtiface"
	"github.com/ruvnet/crdtbridge/internal/reactiveiface"
	"github.com/ruvnet/crdtbridge/internal/router"
	"github.com/ruvnet/crdtbridge/internal/synccontext"
)

// Reconciler applies inbound CRDT events onto the materialized reactive
// proxy tree.
type Reconciler struct {
	sc  *synccontext.Context
	rtr *router.Router
}

// New creates a reconciler sharing sc's identity cache and reconciliation
// lock, and rtr for materializing newly discovered subtrees.
func New(sc *synccontext.Context, rtr *router.Router) *Reconciler {
	return &Reconciler{sc: sc, rtr: rtr}
}

// ReconcileMap takes effect only if m has been materialized; an
// un-materialized node is left alone; it is instead picked up lazily the
// next time something calls Materialize on it.
func (rc *Reconciler) ReconcileMap(m crdtiface.MapNode) {
	proxy, ok := rc.sc.ProxyFor(m)
	if !ok {
		return
	}
	rc.sc.WithLock(func() {
		rc.reconcileMapLocked(m, proxy)
	})
}

func (rc *Reconciler) reconcileMapLocked(m crdtiface.MapNode, proxy reactiveiface.Node) {
	crdtKeys := make(map[string]struct{})
	for _, k := range m.Keys() {
		crdtKeys[k] = struct{}{}
	}

	for _, k := range proxy.Keys() {
		if _, ok := crdtKeys[k]; !ok {
			proxy.DeleteKey(k)
		}
	}

	for k := range crdtKeys {
		cv, _ := m.Get(k)
		rc.reconcileMapKey(proxy, k, cv)
	}
}

func (rc *Reconciler) reconcileMapKey(proxy reactiveiface.Node, key string, crdtValue any) {
	existing, hadKey := proxy.Get(key)

	switch node := crdtValue.(type) {
	case crdtiface.MapNode:
		rc.reconcileContainerKey(proxy, key, node, existing, hadKey)
	case crdtiface.ListNode:
		rc.reconcileContainerKey(proxy, key, node, existing, hadKey)
	default:
		if !hadKey || existing != crdtValue {
			proxy.Set(key, rc.rtr.MaterializeValue(crdtValue))
		}
	}
}

func (rc *Reconciler) reconcileContainerKey(proxy reactiveiface.Node, key string, node crdtiface.Node, existing any, hadKey bool) {
	if hadKey {
		if mirrored, ok := existing.(reactiveiface.Node); ok {
			if mirroredNode, known := rc.sc.MirroredNode(mirrored); known && mirroredNode == node {
				return
			}
		}
	}
	proxy.Set(key, rc.rtr.Materialize(node))
}

// ReconcileList rebuilds the full proxy sequence from the CRDT list's
// current contents, for use when no delta is available. It takes effect
// only if l has been materialized.
func (rc *Reconciler) ReconcileList(l crdtiface.ListNode) {
	proxy, ok := rc.sc.ProxyFor(l)
	if !ok {
		return
	}
	rc.sc.WithLock(func() {
		items := l.ToSlice()
		newSeq := make([]any, len(items))
		for i, v := range items {
			newSeq[i] = rc.rtr.MaterializeValue(v)
		}
		if oldLen := proxy.Len(); oldLen > 0 {
			proxy.DeleteAt(0, oldLen)
		}
		if len(newSeq) > 0 {
			proxy.InsertAt(0, newSeq...)
		}
	})
}

// ReconcileListDelta applies a retain/delete/insert delta to the proxy
// mirroring l, maintaining a write cursor. It takes effect only if l has
// been materialized.
func (rc *Reconciler) ReconcileListDelta(l crdtiface.ListNode, delta []crdtiface.DeltaOp) {
	proxy, ok := rc.sc.ProxyFor(l)
	if !ok {
		return
	}
	rc.sc.WithLock(func() {
		cursor := 0
		for _, d := range delta {
			switch d.Kind {
			case crdtiface.DeltaRetain:
				cursor += d.Count
			case crdtiface.DeltaDelete:
				n := d.Count
				if cursor+n > proxy.Len() {
					n = proxy.Len() - cursor
				}
				if n > 0 {
					proxy.DeleteAt(cursor, n)
				}
			case crdtiface.DeltaInsert:
				converted := make([]any, len(d.Insert))
				for i, v := range d.Insert {
					converted[i] = rc.rtr.MaterializeValue(v)
				}
				// Idempotency guard: a delta pass may safely follow a
				// structural reconcile that already caught up.
				if sliceEqualAt(proxy, cursor, converted) {
					cursor += len(converted)
					continue
				}
				proxy.InsertAt(cursor, converted...)
				cursor += len(converted)
			}
		}
	})
}

func sliceEqualAt(proxy reactiveiface.Node, cursor int, items []any) bool {
	if cursor+len(items) > proxy.Len() {
		return false
	}
	for i, v := range items {
		if proxy.At(cursor+i) != v {
			return false
		}
	}
	return true
}
