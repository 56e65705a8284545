// Package crdtbridge mirrors a CRDT document onto a reactive observable
// proxy graph: mutating the proxy schedules CRDT writes, and CRDT events
// from any replica reconcile back onto the proxy, without echoing the
// bridge's own writes back through the outbound pipeline.
package crdtbridge

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ruvnet/crdtbridge/internal/bridgeerrors"
	"github.com/ruvnet/crdtbridge/internal/crdtiface"
	"github.com/ruvnet/crdtbridge/internal/metrics"
	"github.com/ruvnet/crdtbridge/internal/reactiveiface"
	"github.com/ruvnet/crdtbridge/internal/reconciler"
	"github.com/ruvnet/crdtbridge/internal/router"
	"github.com/ruvnet/crdtbridge/internal/scheduler"
	"github.com/ruvnet/crdtbridge/internal/synccontext"
	"github.com/ruvnet/crdtbridge/internal/valueconv"
)

// Options configures a Bridge.
type Options struct {
	// GetRoot returns the shared map-node or list-node to mirror as the
	// proxy root.
	GetRoot func(crdtiface.Document) crdtiface.Node
	// ProxyFactory mints fresh reactive proxy nodes. Required: unlike the
	// JavaScript original, Go has no single globally-assumed reactive
	// graph library, so the caller supplies one explicitly.
	ProxyFactory reactiveiface.Factory
	// Debug enables verbose logging.
	Debug bool
	// Logger receives structured log output; a no-op logger is used if
	// nil.
	Logger *zap.Logger
}

// Bridge mirrors one CRDT document root onto one reactive proxy tree.
type Bridge struct {
	doc        crdtiface.Document
	sc         *synccontext.Context
	rtr        *router.Router
	sched      *scheduler.Scheduler
	reconciler *reconciler.Reconciler

	rootNode crdtiface.Node
	proxy    reactiveiface.Node
	origin   uuid.UUID

	unsubscribeObserve func()
}

// New builds a bridge over doc, materializing opts.GetRoot(doc) as the
// proxy root and installing the document-wide observe subscription that
// drives the reconciler.
func New(doc crdtiface.Document, opts Options) (*Bridge, error) {
	if opts.GetRoot == nil {
		return nil, bridgeerrors.New(bridgeerrors.InternalInvariantViolation, "crdtbridge: Options.GetRoot is required")
	}
	if opts.ProxyFactory == nil {
		return nil, bridgeerrors.New(bridgeerrors.InternalInvariantViolation, "crdtbridge: Options.ProxyFactory is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := metrics.New()
	sc := synccontext.New(logger, opts.Debug, m)
	origin := uuid.New()

	sched := scheduler.New(doc, origin, sc, m, logger, sc.WithLock)
	sc.BindScheduler(sched)

	rtr := router.New(doc, sc, opts.ProxyFactory, sched)
	rec := reconciler.New(sc, rtr)

	root := opts.GetRoot(doc)
	if root == nil {
		return nil, bridgeerrors.New(bridgeerrors.InternalInvariantViolation, "crdtbridge: GetRoot returned a nil node")
	}

	b := &Bridge{
		doc: doc, sc: sc, rtr: rtr, sched: sched, reconciler: rec,
		rootNode: root, origin: origin,
	}

	b.unsubscribeObserve = doc.Observe(func(ev crdtiface.Event) {
		if ev.Origin == origin {
			return
		}
		b.dispatchEvent(ev)
	})

	b.proxy = rtr.Materialize(root)
	return b, nil
}

func (b *Bridge) dispatchEvent(ev crdtiface.Event) {
	switch node := ev.Node.(type) {
	case crdtiface.MapNode:
		b.reconciler.ReconcileMap(node)
		b.sc.Metrics().ReconciliationsTotal.Inc()
	case crdtiface.ListNode:
		if ev.Delta != nil {
			b.reconciler.ReconcileListDelta(node, ev.Delta)
		} else {
			b.reconciler.ReconcileList(node)
		}
		b.sc.Metrics().ReconciliationsTotal.Inc()
	}
}

// Root returns the reactive proxy mirroring the bridge's root node.
func (b *Bridge) Root() reactiveiface.Node { return b.proxy }

// Metrics exposes the bridge's Prometheus registry and collectors.
func (b *Bridge) Metrics() *metrics.Metrics { return b.sc.Metrics() }

// Tick forces an immediate synchronous flush of any pending write-pipeline
// batch, bypassing the emulated microtask timer. Tests use this instead of
// waiting on the timer.
func (b *Bridge) Tick() { b.sched.Tick() }

// Dispose tears down the document observe subscription, every outbound
// proxy subscription, and releases the identity caches.
func (b *Bridge) Dispose() error {
	if b.unsubscribeObserve != nil {
		b.unsubscribeObserve()
	}
	return b.sc.Dispose()
}

// Bootstrap is a one-shot initial-data helper. If the root is non-empty it
// logs a warning and returns nil without touching anything. Otherwise it
// pre-converts data concurrently (one goroutine per top-level entry, via
// errgroup, since conversion is a pure function over disjoint subtrees),
// writes every converted entry in one sentinel-origin transaction, and
// explicitly reconciles the root (the reconciler would otherwise ignore
// this transaction's own events, since they carry the sentinel origin).
func (b *Bridge) Bootstrap(data any) error {
	empty, err := b.rootEmpty()
	if err != nil {
		return err
	}
	if !empty {
		b.sc.Warn("crdtbridge: bootstrap called on a non-empty root, aborting")
		return nil
	}

	switch root := b.rootNode.(type) {
	case crdtiface.MapNode:
		entries, ok := data.(map[string]any)
		if !ok {
			return bridgeerrors.Newf(bridgeerrors.UnsupportedValue, "crdtbridge: bootstrap data must be map[string]any for a map-node root, got %T", data)
		}
		converted := make(map[string]any, len(entries))
		var mu sync.Mutex
		g, _ := errgroup.WithContext(context.Background())
		for k, v := range entries {
			k, v := k, v
			g.Go(func() error {
				cv, err := valueconv.ToCRDT(v, b.doc, b.sc)
				if err != nil {
					return err
				}
				mu.Lock()
				converted[k] = cv
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := b.doc.Transact(b.origin, func(crdtiface.Tx) error {
			for k, cv := range converted {
				root.Set(k, cv)
			}
			return nil
		}); err != nil {
			return err
		}
		b.reconciler.ReconcileMap(root)
		return nil

	case crdtiface.ListNode:
		items, ok := data.([]any)
		if !ok {
			return bridgeerrors.Newf(bridgeerrors.UnsupportedValue, "crdtbridge: bootstrap data must be []any for a list-node root, got %T", data)
		}
		converted := make([]any, len(items))
		g, _ := errgroup.WithContext(context.Background())
		for i, v := range items {
			i, v := i, v
			g.Go(func() error {
				cv, err := valueconv.ToCRDT(v, b.doc, b.sc)
				if err != nil {
					return err
				}
				converted[i] = cv
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := b.doc.Transact(b.origin, func(crdtiface.Tx) error {
			if len(converted) > 0 {
				root.Insert(0, converted...)
			}
			return nil
		}); err != nil {
			return err
		}
		b.reconciler.ReconcileList(root)
		return nil

	default:
		return bridgeerrors.New(bridgeerrors.InternalInvariantViolation, "crdtbridge: root is neither a map-node nor a list-node")
	}
}

func (b *Bridge) rootEmpty() (bool, error) {
	switch root := b.rootNode.(type) {
	case crdtiface.MapNode:
		return root.Size() == 0, nil
	case crdtiface.ListNode:
		return root.Len() == 0, nil
	default:
		return false, bridgeerrors.New(bridgeerrors.InternalInvariantViolation, "crdtbridge: root is neither a map-node nor a list-node")
	}
}
