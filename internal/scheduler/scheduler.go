// Package scheduler implements the write-pipeline scheduler (component
// 4.D.2): per-target batch accumulation, microtask-emulated flush
// scheduling, the merge-conservative and descendant-purge passes, and the
// single committing transaction each flush opens.
package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/crdtbridge/internal/applier"
	"github.com/ruvnet/crdtbridge/internal/crdtiface"
	"github.com/ruvnet/crdtbridge/internal/metrics"
	"github.com/ruvnet/crdtbridge/internal/valueconv"
)

type mapState struct {
	sets    map[string]applier.MapSetEntry
	deletes map[string]struct{}
}

type listState struct {
	sets     map[int]applier.ListEntry
	deletes  map[int]struct{}
	replaces map[int]applier.ListEntry
}

func newMapState() *mapState {
	return &mapState{sets: make(map[string]applier.MapSetEntry), deletes: make(map[string]struct{})}
}

func newListState() *listState {
	return &listState{
		sets:     make(map[int]applier.ListEntry),
		deletes:  make(map[int]struct{}),
		replaces: make(map[int]applier.ListEntry),
	}
}

// Scheduler accumulates write-pipeline intents across one batching region
// and flushes them into a single CRDT transaction.
type Scheduler struct {
	mu sync.Mutex

	doc      crdtiface.Document
	origin   any
	identity valueconv.ProxyIdentity
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// afterFlush is invoked once the transaction closes, holding the
	// reconciliation lock around the caller's hook execution; bound by
	// the router/bridge wiring layer to synccontext.Context.WithLock.
	afterFlush func(func())

	mapStates  map[crdtiface.MapNode]*mapState
	listStates map[crdtiface.ListNode]*listState

	dirty    bool
	timer    *time.Timer
	disposed bool
}

// New creates a scheduler bound to doc, tagging every transaction it
// commits with origin. afterFlush wraps post-integration hook execution
// under the caller's reconciliation lock.
func New(doc crdtiface.Document, origin any, identity valueconv.ProxyIdentity, m *metrics.Metrics, logger *zap.Logger, afterFlush func(func())) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Scheduler{
		doc:        doc,
		origin:     origin,
		identity:   identity,
		metrics:    m,
		logger:     logger,
		afterFlush: afterFlush,
		mapStates:  make(map[crdtiface.MapNode]*mapState),
		listStates: make(map[crdtiface.ListNode]*listState),
	}
}

func (s *Scheduler) mapStateFor(m crdtiface.MapNode) *mapState {
	st, ok := s.mapStates[m]
	if !ok {
		st = newMapState()
		s.mapStates[m] = st
	}
	return st
}

func (s *Scheduler) listStateFor(l crdtiface.ListNode) *listState {
	st, ok := s.listStates[l]
	if !ok {
		st = newListState()
		s.listStates[l] = st
	}
	return st
}

// EnqueueMapSet records a pending set for (m, key), removing any pending
// delete for the same key.
func (s *Scheduler) EnqueueMapSet(m crdtiface.MapNode, key string, value any, hook applier.Hook) {
	s.mu.Lock()
	st := s.mapStateFor(m)
	delete(st.deletes, key)
	st.sets[key] = applier.MapSetEntry{Value: value, Hook: hook}
	s.mu.Unlock()
	s.armFlush()
}

// EnqueueMapDelete records a pending delete for (m, key), removing any
// pending set for the same key.
func (s *Scheduler) EnqueueMapDelete(m crdtiface.MapNode, key string) {
	s.mu.Lock()
	st := s.mapStateFor(m)
	delete(st.sets, key)
	st.deletes[key] = struct{}{}
	s.mu.Unlock()
	s.armFlush()
}

// EnqueueListSet records a pending insertion at (l, index).
func (s *Scheduler) EnqueueListSet(l crdtiface.ListNode, index int, value any, hook applier.Hook) {
	s.mu.Lock()
	st := s.listStateFor(l)
	st.sets[index] = applier.ListEntry{Value: value, Hook: hook}
	s.mu.Unlock()
	s.armFlush()
}

// EnqueueListDelete records a pending delete at (l, index).
func (s *Scheduler) EnqueueListDelete(l crdtiface.ListNode, index int) {
	s.mu.Lock()
	st := s.listStateFor(l)
	st.deletes[index] = struct{}{}
	s.mu.Unlock()
	s.armFlush()
}

// EnqueueListReplace records a pending delete-then-insert at (l, index).
func (s *Scheduler) EnqueueListReplace(l crdtiface.ListNode, index int, value any, hook applier.Hook) {
	s.mu.Lock()
	st := s.listStateFor(l)
	st.replaces[index] = applier.ListEntry{Value: value, Hook: hook}
	s.mu.Unlock()
	s.armFlush()
}

// armFlush schedules a flush on the next tick of the emulated microtask
// queue (a zero-delay timer) if one is not already pending.
func (s *Scheduler) armFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || s.dirty {
		return
	}
	s.dirty = true
	s.timer = time.AfterFunc(0, func() { s.Flush() })
}

// Tick forces an immediate synchronous flush if one is pending, cancelling
// the emulated-microtask timer first. It is the test-facing equivalent of
// awaiting a microtask tick in the specification's scenarios.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	pending := s.dirty
	s.mu.Unlock()
	if pending {
		s.Flush()
	}
}

// Flush runs one complete flush cycle: snapshot, merge-conservative pass,
// descendant purges, one CRDT transaction, then post-integration hooks
// under the caller's reconciliation lock. Re-entrant Enqueue calls made
// from inside a hook land in the next batch, since the pending maps were
// already reset before the transaction opened.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	s.dirty = false
	s.timer = nil
	mapStates := s.mapStates
	listStates := s.listStates
	s.mapStates = make(map[crdtiface.MapNode]*mapState)
	s.listStates = make(map[crdtiface.ListNode]*listState)
	s.mu.Unlock()

	if len(mapStates) == 0 && len(listStates) == 0 {
		return
	}

	for m, st := range mapStates {
		s.purgeMapTargetDescendants(m, st, listStates, mapStates)
	}
	for l, st := range listStates {
		mergeConservative(st)
		s.purgeReplaceDescendants(l, st, listStates, mapStates)
		s.purgeDeleteDescendants(l, st, listStates, mapStates)
	}

	start := time.Now()
	var hooks []func()
	intentCounts := map[string]int{}

	err := s.doc.Transact(s.origin, func(crdtiface.Tx) error {
		for m, st := range mapStates {
			applier.ApplyMapDeletes(m, st.deletes)
			intentCounts["map-delete"] += len(st.deletes)
			h, err := applier.ApplyMapSets(m, st.sets, s.doc, s.identity)
			if err != nil {
				return err
			}
			intentCounts["map-set"] += len(st.sets)
			hooks = append(hooks, h...)
		}
		for l, st := range listStates {
			h, err := applier.ApplyListOps(l, st.replaces, st.deletes, st.sets, s.doc, s.identity)
			if err != nil {
				return err
			}
			intentCounts["list-replace"] += len(st.replaces)
			intentCounts["list-delete"] += len(st.deletes)
			intentCounts["list-insert"] += len(st.sets)
			hooks = append(hooks, h...)
		}
		return nil
	})

	s.metrics.FlushesTotal.Inc()
	s.metrics.TransactionsTotal.Inc()
	for kind, count := range intentCounts {
		if count > 0 {
			s.metrics.IntentsTotal.WithLabelValues(kind).Add(float64(count))
		}
	}
	s.metrics.ObserveTransaction(time.Since(start))

	if err != nil {
		s.metrics.FlushFailuresTotal.Inc()
		s.logger.Error("crdtbridge: scheduler flush transaction failed", zap.Error(err))
		return
	}

	if len(hooks) == 0 {
		return
	}
	run := func() {
		for _, h := range hooks {
			h()
		}
	}
	if s.afterFlush != nil {
		s.afterFlush(run)
	} else {
		run()
	}
}

// Dispose cancels any pending flush timer. It does not touch the
// underlying document.
func (s *Scheduler) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return nil
}

// mergeConservative applies the flush-time merge pass for one list's
// snapshot: a delete and a set at the same index upgrade to a replace;
// a delete colliding with an existing replace is dropped; a set colliding
// with an existing replace is dropped. The threshold is deliberately kept
// at exactly one-delete-and-one-set-per-index (see scheduler_test.go for
// why a looser per-index relaxation misfires on mixed splice batches).
func mergeConservative(st *listState) {
	for idx := range st.deletes {
		if entry, ok := st.sets[idx]; ok {
			if _, already := st.replaces[idx]; !already {
				st.replaces[idx] = entry
			}
			delete(st.sets, idx)
			delete(st.deletes, idx)
		}
	}
	for idx := range st.deletes {
		if _, ok := st.replaces[idx]; ok {
			delete(st.deletes, idx)
		}
	}
	for idx := range st.sets {
		if _, ok := st.replaces[idx]; ok {
			delete(st.sets, idx)
		}
	}
}

// purgeMapTargetDescendants is purgeReplaceDescendants's map-key
// counterpart: a set or delete at key overwrites or removes whatever
// container currently lives there, so any pending write already queued
// for that subtree (a map set's new value is never "merged" with the old
// one the way a list index can be) must be dropped the same way.
func (s *Scheduler) purgeMapTargetDescendants(m crdtiface.MapNode, st *mapState, listSnap map[crdtiface.ListNode]*listState, mapSnap map[crdtiface.MapNode]*mapState) {
	for key := range st.sets {
		if old, ok := m.Get(key); ok {
			s.purgeSubtreeAt(old, listSnap, mapSnap)
		}
	}
	for key := range st.deletes {
		if old, ok := m.Get(key); ok {
			s.purgeSubtreeAt(old, listSnap, mapSnap)
		}
	}
}

// purgeReplaceDescendants enumerates the subtree currently rooted at each
// scheduled replace target and removes every pending entry for any
// descendant container, from both this flush's snapshot and the
// not-yet-flushed queue building up for the next batch.
func (s *Scheduler) purgeReplaceDescendants(l crdtiface.ListNode, st *listState, listSnap map[crdtiface.ListNode]*listState, mapSnap map[crdtiface.MapNode]*mapState) {
	for idx := range st.replaces {
		if idx < 0 || idx >= l.Len() {
			continue
		}
		s.purgeSubtreeAt(l.Get(idx), listSnap, mapSnap)
	}
}

// purgeDeleteDescendants is purgeReplaceDescendants's counterpart for
// scheduled deletes.
func (s *Scheduler) purgeDeleteDescendants(l crdtiface.ListNode, st *listState, listSnap map[crdtiface.ListNode]*listState, mapSnap map[crdtiface.MapNode]*mapState) {
	for idx := range st.deletes {
		if idx < 0 || idx >= l.Len() {
			continue
		}
		s.purgeSubtreeAt(l.Get(idx), listSnap, mapSnap)
	}
}

func (s *Scheduler) purgeSubtreeAt(v any, listSnap map[crdtiface.ListNode]*listState, mapSnap map[crdtiface.MapNode]*mapState) {
	for _, container := range collectContainers(v) {
		switch c := container.(type) {
		case crdtiface.MapNode:
			delete(mapSnap, c)
		case crdtiface.ListNode:
			delete(listSnap, c)
		}
		s.purgeLive(container)
	}
}

// purgeLive removes any entry for container from the not-yet-flushed
// queue that is already accumulating for the next batch.
func (s *Scheduler) purgeLive(container crdtiface.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch c := container.(type) {
	case crdtiface.MapNode:
		delete(s.mapStates, c)
	case crdtiface.ListNode:
		delete(s.listStates, c)
	}
}

func collectContainers(v any) []crdtiface.Node {
	var out []crdtiface.Node
	var walk func(any)
	walk = func(v any) {
		switch n := v.(type) {
		case crdtiface.MapNode:
			out = append(out, n)
			for _, k := range n.Keys() {
				child, _ := n.Get(k)
				walk(child)
			}
		case crdtiface.ListNode:
			out = append(out, n)
			for _, child := range n.ToSlice() {
				walk(child)
			}
		}
	}
	walk(v)
	return out
}
