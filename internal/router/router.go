// Package router implements the bridge/router (component 4.C): lazy
// materialization of reactive proxies mirroring CRDT containers, the
// outbound subscription that turns proxy mutations into write-pipeline
// intents, and the post-integration hooks that upgrade a plain value the
// caller assigned into the child proxy mirroring its newly created CRDT
// subtree.
package router

import (
	"go.uber.org/zap"

	"github.com/ruvnet/crdtbridge/internal/applier"
	"github.com/ruvnet/crdtbridge/internal/bridgeerrors"
	"github.com/ruvnet/crdtbridge/internal/crdtiface"
	"github.com/ruvnet/crdtbridge/internal/planner"
	"github.com/ruvnet/crdtbridge/internal/reactiveiface"
	"github.com/ruvnet/crdtbridge/internal/scheduler"
	"github.com/ruvnet/crdtbridge/internal/synccontext"
	"github.com/ruvnet/crdtbridge/internal/valueconv"
)

// Router materializes and mirrors CRDT containers onto reactive proxies.
type Router struct {
	doc     crdtiface.Document
	sc      *synccontext.Context
	factory reactiveiface.Factory
	sched   *scheduler.Scheduler
}

// New creates a router bound to doc, sharing sc's identity caches and
// reconciliation lock, minting proxies from factory, and enqueuing
// outbound writes onto sched.
func New(doc crdtiface.Document, sc *synccontext.Context, factory reactiveiface.Factory, sched *scheduler.Scheduler) *Router {
	return &Router{doc: doc, sc: sc, factory: factory, sched: sched}
}

// Materialize returns the proxy mirroring node, building and caching one
// if this is the first time node has been seen. It is also the recursion
// target the reconciler uses when it discovers a new child.
func (r *Router) Materialize(node crdtiface.Node) reactiveiface.Node {
	if proxy, ok := r.sc.ProxyFor(node); ok {
		return proxy
	}

	switch n := node.(type) {
	case crdtiface.MapNode:
		proxy := r.factory.NewObject()
		r.sc.Bind(node, proxy)
		for _, k := range n.Keys() {
			v, _ := n.Get(k)
			proxy.Set(k, r.materializeValue(v))
		}
		r.installSubscription(node, proxy)
		r.sc.Metrics().MaterializationsTotal.Inc()
		return proxy
	case crdtiface.ListNode:
		proxy := r.factory.NewArray()
		r.sc.Bind(node, proxy)
		items := n.ToSlice()
		converted := make([]any, len(items))
		for i, v := range items {
			converted[i] = r.materializeValue(v)
		}
		if len(converted) > 0 {
			proxy.InsertAt(0, converted...)
		}
		r.installSubscription(node, proxy)
		r.sc.Metrics().MaterializationsTotal.Inc()
		return proxy
	default:
		return nil
	}
}

// MaterializeValue converts one CRDT value into whatever a proxy slot
// should hold for it (container proxy, opaque leaf reference, or
// primitive passthrough). The reconciler uses it for values it discovers
// outside of a full Materialize call.
func (r *Router) MaterializeValue(v any) any {
	return r.materializeValue(v)
}

// materializeValue converts one CRDT child value into what the proxy
// should hold at that slot: a recursively materialized child proxy for
// containers, the opaque reference itself (with its observer installed)
// for a leaf, or the primitive unchanged.
func (r *Router) materializeValue(v any) any {
	switch val := v.(type) {
	case crdtiface.MapNode:
		return r.Materialize(val)
	case crdtiface.ListNode:
		return r.Materialize(val)
	case crdtiface.Leaf:
		r.installLeafObserver(val)
		return val
	default:
		return v
	}
}

// installLeafObserver registers a per-opaque observer so the bridge at
// least notices a leaf-opaque value's internal mutation, even though it
// never deeply mirrors its contents.
func (r *Router) installLeafObserver(leaf crdtiface.Leaf) {
	unsubscribe := leaf.Observe(func() {
		r.sc.Debugf("crdtbridge: leaf-opaque value observed a change")
	})
	r.sc.TrackSubscription(leaf, unsubscribe)
}

// installSubscription wires node's materialized proxy into the outbound
// write pipeline.
func (r *Router) installSubscription(node crdtiface.Node, proxy reactiveiface.Node) {
	unsubscribe := proxy.Subscribe(func(ops []reactiveiface.Op) {
		if r.sc.Reconciling() {
			return
		}
		r.handleOutboundBatch(node, proxy, ops)
	})
	r.sc.TrackSubscription(node, unsubscribe)
}

// handleOutboundBatch runs the five-step outbound subscription algorithm:
// normalize, validate (rolling back on failure), plan, and enqueue.
func (r *Router) handleOutboundBatch(node crdtiface.Node, proxy reactiveiface.Node, ops []reactiveiface.Op) {
	normalized := make([]reactiveiface.Op, len(ops))
	for i, op := range ops {
		if op.Kind == reactiveiface.OpSet {
			if _, isAbsent := op.Value.(valueconv.Absent); isAbsent {
				op.Value = nil
			}
		}
		normalized[i] = op
	}

	for _, op := range normalized {
		if op.Kind != reactiveiface.OpSet {
			continue
		}
		if err := r.checkReparenting(op.Value); err != nil {
			r.rollback(proxy, normalized)
			r.sc.Warn("crdtbridge: outbound batch rejected a re-parenting assignment, rolled back", zap.Error(err))
			return
		}
		substituted, err := valueconv.Substitute(op.Value)
		if err == nil {
			err = valueconv.DeepValidate(substituted)
		}
		if err != nil {
			r.rollback(proxy, normalized)
			r.sc.Warn("crdtbridge: outbound batch failed validation, rolled back", zap.Error(err))
			return
		}
	}

	if proxy.Shape() == reactiveiface.ShapeArray {
		listNode, ok := node.(crdtiface.ListNode)
		if !ok {
			return
		}
		intents := planner.PlanList(normalized, listNode.Len())
		for idx, v := range intents.Sets {
			r.sched.EnqueueListSet(listNode, idx, v, r.postIntegrationHookList(proxy, idx))
		}
		for idx := range intents.Deletes {
			r.sched.EnqueueListDelete(listNode, idx)
		}
		for idx, v := range intents.Replaces {
			r.sched.EnqueueListReplace(listNode, idx, v, r.postIntegrationHookList(proxy, idx))
		}
		return
	}

	mapNode, ok := node.(crdtiface.MapNode)
	if !ok {
		return
	}
	intents := planner.PlanMap(normalized)
	for key, v := range intents.Sets {
		r.sched.EnqueueMapSet(mapNode, key, v, r.postIntegrationHookMap(proxy, key))
	}
	for key := range intents.Deletes {
		r.sched.EnqueueMapDelete(mapNode, key)
	}
}

// checkReparenting rejects assigning a CRDT container (or a proxy mirroring
// one) that already has a parent elsewhere in the tree. It runs ahead of
// the scheduler so the assignment is rejected in the same outbound batch
// it was made in, rather than surfacing only as a failed flush transaction
// once the value reaches the applier.
func (r *Router) checkReparenting(v any) error {
	switch val := v.(type) {
	case crdtiface.MapNode:
		if val.Parent() != nil {
			return bridgeerrors.New(bridgeerrors.Reparenting, "map node already has a parent; clone it explicitly before assigning")
		}
	case crdtiface.ListNode:
		if val.Parent() != nil {
			return bridgeerrors.New(bridgeerrors.Reparenting, "list node already has a parent; clone it explicitly before assigning")
		}
	case reactiveiface.Node:
		if mirrored, known := r.sc.MirroredNode(val); known && mirrored.Parent() != nil {
			return bridgeerrors.New(bridgeerrors.Reparenting, "proxy mirrors a node that already has a parent; clone it explicitly before assigning")
		}
	}
	return nil
}

// postIntegrationHookMap upgrades the plain value assigned at key into
// the child proxy mirroring its newly integrated CRDT subtree, preserving
// identity equality for subsequent access. It must run under the
// reconciliation lock (guaranteed by the scheduler's afterFlush wiring),
// so the proxy.Set it performs is not re-entered by the outbound
// subscription.
func (r *Router) postIntegrationHookMap(proxy reactiveiface.Node, key string) applier.Hook {
	return func(integrated any) {
		proxy.Set(key, r.materializeValue(integrated))
	}
}

// postIntegrationHookList is postIntegrationHookMap's array counterpart.
func (r *Router) postIntegrationHookList(proxy reactiveiface.Node, index int) applier.Hook {
	return func(integrated any) {
		proxy.SetIndex(index, r.materializeValue(integrated))
	}
}

// rollback restores proxy to its pre-batch state by replaying ops in
// reverse, using each op's captured old value/presence. It runs under the
// reconciliation lock so the inverse mutations do not re-enter the
// outbound subscription.
func (r *Router) rollback(proxy reactiveiface.Node, ops []reactiveiface.Op) {
	r.sc.Metrics().RollbacksTotal.Inc()
	r.sc.WithLock(func() {
		for i := len(ops) - 1; i >= 0; i-- {
			op := ops[i]
			if len(op.Path) == 0 {
				continue
			}
			seg := op.Path[0]
			switch op.Kind {
			case reactiveiface.OpSet:
				if seg.IsString {
					if op.OldValueExisted {
						proxy.Set(seg.Key, op.OldValue)
					} else {
						proxy.DeleteKey(seg.Key)
					}
				} else {
					if op.OldValueExisted {
						proxy.SetIndex(seg.Index, op.OldValue)
					} else {
						proxy.DeleteAt(seg.Index, 1)
					}
				}
			case reactiveiface.OpDelete:
				if seg.IsString {
					proxy.Set(seg.Key, op.OldValue)
				} else {
					proxy.InsertAt(seg.Index, op.OldValue)
				}
			}
		}
	})
}
