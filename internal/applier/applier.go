// Package applier implements the write-pipeline applier (component
// 4.D.3): stateless helpers invoked inside the one CRDT transaction a
// scheduler flush opens, converting pending intents into concrete
// MapNode/ListNode calls and collecting post-integration hooks.
package applier

import (
	"sort"

	"github.com/ruvnet/crdtbridge/internal/crdtiface"
	"github.com/ruvnet/crdtbridge/internal/valueconv"
)

// Hook is invoked, under the reconciliation lock, with the CRDT value that
// was actually integrated for one pending write.
type Hook func(integrated any)

// MapSetEntry is one pending map-set: the plain-or-proxy value assigned by
// the caller, plus the hook that replaces it with the materialized child
// proxy once integrated.
type MapSetEntry struct {
	Value any
	Hook  Hook
}

// ListEntry is one pending list insert or replace value, with its hook.
type ListEntry struct {
	Value any
	Hook  Hook
}

// ApplyMapDeletes removes every pending key from m.
func ApplyMapDeletes(m crdtiface.MapNode, deletes map[string]struct{}) {
	for k := range deletes {
		m.Delete(k)
	}
}

// ApplyMapSets converts and writes every pending set, returning the hooks
// to invoke after the transaction closes.
func ApplyMapSets(m crdtiface.MapNode, sets map[string]MapSetEntry, doc crdtiface.Document, identity valueconv.ProxyIdentity) ([]func(), error) {
	hooks := make([]func(), 0, len(sets))
	for k, entry := range sets {
		cv, err := valueconv.ToCRDT(entry.Value, doc, identity)
		if err != nil {
			return nil, err
		}
		m.Set(k, cv)
		if entry.Hook != nil {
			hook, value := entry.Hook, cv
			hooks = append(hooks, func() { hook(value) })
		}
	}
	return hooks, nil
}

// ApplyListOps applies replaces (descending), then deletes (descending),
// then sets/inserts (ascending, clamped to current length so an
// out-of-bounds index becomes an append), returning post-integration
// hooks in application order. Contiguous head-only or tail-only insert
// runs (replaces and deletes both empty for this list) are coalesced into
// a single bulk Insert call; this is required to produce the exact same
// final sequence, hook set, and hook order as the sequential path.
func ApplyListOps(l crdtiface.ListNode, replaces map[int]ListEntry, deletes map[int]struct{}, sets map[int]ListEntry, doc crdtiface.Document, identity valueconv.ProxyIdentity) ([]func(), error) {
	var hooks []func()

	for _, i := range descendingKeys(replaces) {
		entry := replaces[i]
		cv, err := valueconv.ToCRDT(entry.Value, doc, identity)
		if err != nil {
			return nil, err
		}
		idx := clamp(i, 0, maxInt(l.Len()-1, 0))
		if l.Len() > 0 {
			l.Delete(idx, 1)
		}
		l.Insert(idx, cv)
		if entry.Hook != nil {
			hook, value := entry.Hook, cv
			hooks = append(hooks, func() { hook(value) })
		}
	}

	for _, i := range descendingKeys(deletes) {
		if i >= 0 && i < l.Len() {
			l.Delete(i, 1)
		}
	}

	if len(replaces) == 0 && len(deletes) == 0 {
		if bulkHooks, handled, err := applyCoalescedInserts(l, sets, doc, identity); err != nil {
			return nil, err
		} else if handled {
			return append(hooks, bulkHooks...), nil
		}
	}

	for _, i := range ascendingKeys(sets) {
		entry := sets[i]
		cv, err := valueconv.ToCRDT(entry.Value, doc, identity)
		if err != nil {
			return nil, err
		}
		idx := clamp(i, 0, l.Len())
		l.Insert(idx, cv)
		if entry.Hook != nil {
			hook, value := entry.Hook, cv
			hooks = append(hooks, func() { hook(value) })
		}
	}

	return hooks, nil
}

// applyCoalescedInserts detects a fully contiguous head run (starting at
// 0) or tail run (starting at the list's current length) across every
// pending set, and if found, issues one bulk Insert instead of one per
// index. It reports handled=false when the run is not fully contiguous,
// in which case the caller falls back to the sequential path.
func applyCoalescedInserts(l crdtiface.ListNode, sets map[int]ListEntry, doc crdtiface.Document, identity valueconv.ProxyIdentity) ([]func(), bool, error) {
	if len(sets) == 0 {
		return nil, true, nil
	}
	indices := ascendingKeys(sets)
	length := l.Len()

	headStart := indices[0] == 0
	tailStart := indices[0] == length
	if headStart == tailStart {
		// Both false (neither run matches), or pathologically both true
		// only when length == 0 and indices[0] == 0 - in that case either
		// branch below produces the identical result, so proceed as head.
		if !headStart && !tailStart {
			return nil, false, nil
		}
	}
	for k := 1; k < len(indices); k++ {
		if indices[k] != indices[k-1]+1 {
			return nil, false, nil
		}
	}

	items := make([]any, 0, len(indices))
	hookFns := make([]Hook, 0, len(indices))
	for _, i := range indices {
		entry := sets[i]
		cv, err := valueconv.ToCRDT(entry.Value, doc, identity)
		if err != nil {
			return nil, true, err
		}
		items = append(items, cv)
		hookFns = append(hookFns, entry.Hook)
	}

	start := indices[0]
	l.Insert(start, items...)

	hooks := make([]func(), 0, len(items))
	for i, hook := range hookFns {
		if hook != nil {
			hook, value := hook, items[i]
			hooks = append(hooks, func() { hook(value) })
		}
	}
	return hooks, true, nil
}

func descendingKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(keys)))
	return keys
}

func ascendingKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
