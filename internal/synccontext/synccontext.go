// Package synccontext implements the synchronization context (component
// 4.B): the per-bridge holder of identity caches, outbound-subscription
// handles, the reconciliation flag, the logger facade, and a handle onto
// the scheduler for lifecycle purposes.
package synccontext

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ruvnet/crdtbridge/internal/crdtiface"
	"github.com/ruvnet/crdtbridge/internal/metrics"
	"github.com/ruvnet/crdtbridge/internal/reactiveiface"
)

// Disposer is the minimal lifecycle surface the context needs from the
// scheduler it is bound to; it is expressed locally to avoid a dependency
// from synccontext onto the scheduler package.
type Disposer interface {
	Dispose() error
}

// Context is the per-bridge-instance synchronization context.
type Context struct {
	mu sync.Mutex

	nodeToProxy map[crdtiface.Node]reactiveiface.Node
	proxyToNode map[reactiveiface.Node]crdtiface.Node

	// subsByNode holds the single outbound-subscription unsubscribe
	// handle installed for a materialized node, keyed by the CRDT node it
	// watches. allSubs is the flat set used for bulk teardown.
	subsByNode map[crdtiface.Node]func()
	allSubs    []func()

	reconcileDepth int

	logger *zap.Logger
	debug  bool

	metrics *metrics.Metrics

	scheduler Disposer

	disposed bool
}

// New creates an empty synchronization context.
func New(logger *zap.Logger, debug bool, m *metrics.Metrics) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Context{
		nodeToProxy: make(map[crdtiface.Node]reactiveiface.Node),
		proxyToNode: make(map[reactiveiface.Node]crdtiface.Node),
		subsByNode:  make(map[crdtiface.Node]func()),
		logger:      logger,
		debug:       debug,
		metrics:     m,
	}
}

// Metrics returns the bridge-wide metrics instance.
func (c *Context) Metrics() *metrics.Metrics { return c.metrics }

// BindScheduler registers the scheduler this context forwards enqueue
// calls to, purely for Dispose's bulk teardown.
func (c *Context) BindScheduler(s Disposer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduler = s
}

// --- identity cache ---

// Bind records the bidirectional association between a materialized CRDT
// node and the proxy mirroring it. Callers MUST hold no assumption about
// prior bindings; Bind overwrites any existing entry for either side.
func (c *Context) Bind(node crdtiface.Node, proxy reactiveiface.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeToProxy[node] = proxy
	c.proxyToNode[proxy] = node
}

// Unbind removes both directions of the association for node/proxy. Only
// the side that is non-nil needs to be valid; pass the other as nil.
func (c *Context) Unbind(node crdtiface.Node, proxy reactiveiface.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if node != nil {
		delete(c.nodeToProxy, node)
	}
	if proxy != nil {
		delete(c.proxyToNode, proxy)
	}
}

// ProxyFor returns the materialized proxy for node, if any.
func (c *Context) ProxyFor(node crdtiface.Node) (reactiveiface.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.nodeToProxy[node]
	return p, ok
}

// MirroredNode returns the CRDT node a given proxy mirrors, implementing
// valueconv.ProxyIdentity.
func (c *Context) MirroredNode(p reactiveiface.Node) (crdtiface.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.proxyToNode[p]
	return n, ok
}

// --- subscription bookkeeping ---

// TrackSubscription registers unsubscribe as the outbound-subscription
// handle for node, replacing (and calling) any prior handle for the same
// node, then adding it to the bulk-teardown set. unsubscribe
// implementations MUST be idempotent: Dispose calls every handle it was
// ever given exactly once, including ones already replaced here.
func (c *Context) TrackSubscription(node crdtiface.Node, unsubscribe func()) {
	c.mu.Lock()
	if prior, ok := c.subsByNode[node]; ok && prior != nil {
		prior()
	}
	c.subsByNode[node] = unsubscribe
	c.allSubs = append(c.allSubs, unsubscribe)
	c.mu.Unlock()
}

// --- reconciliation lock ---

// WithLock sets the reconciliation flag, runs fn, and restores the prior
// depth on every exit path. Nesting is permitted: the flag is a depth
// counter rather than a bool, so an inner WithLock's defer cannot clear a
// flag an outer caller still depends on.
func (c *Context) WithLock(fn func()) {
	c.mu.Lock()
	c.reconcileDepth++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconcileDepth--
		c.mu.Unlock()
	}()

	fn()
}

// Reconciling reports whether a WithLock call is currently active
// anywhere on the call stack for this context.
func (c *Context) Reconciling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconcileDepth > 0
}

// --- logging ---

// Debugf logs at debug level only when the context was created with
// debug mode on.
func (c *Context) Debugf(format string, fields ...zap.Field) {
	if c.debug {
		c.logger.Debug(format, fields...)
	}
}

// Warn always logs, regardless of debug mode.
func (c *Context) Warn(msg string, fields ...zap.Field) {
	c.logger.Warn(msg, fields...)
}

// Error always logs, regardless of debug mode.
func (c *Context) Error(msg string, fields ...zap.Field) {
	c.logger.Error(msg, fields...)
}

// Logger exposes the raw logger for components that want to attach more
// structured fields than the Warn/Error helpers allow.
func (c *Context) Logger() *zap.Logger { return c.logger }

// --- lifecycle ---

// Dispose tears down every tracked subscription concurrently (teardown
// calls are independent and side-effect-free, so fanning them out is
// safe) and releases the identity caches. It is idempotent.
func (c *Context) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	subs := c.allSubs
	sched := c.scheduler
	c.allSubs = nil
	c.subsByNode = make(map[crdtiface.Node]func())
	c.nodeToProxy = make(map[crdtiface.Node]reactiveiface.Node)
	c.proxyToNode = make(map[reactiveiface.Node]crdtiface.Node)
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(subs))
	for _, unsub := range subs {
		unsub := unsub
		go func() {
			defer wg.Done()
			if unsub != nil {
				unsub()
			}
		}()
	}
	wg.Wait()

	if sched != nil {
		return sched.Dispose()
	}
	return nil
}
