// Package planner implements the write-pipeline planner (component 4.D.1):
// classification of a batch of reactive ops, scoped to one container, into
// the intent shapes the scheduler accumulates.
package planner

import "github.com/ruvnet/crdtbridge/internal/reactiveiface"

// MapIntents is the two-map intent shape for an object-shaped container.
type MapIntents struct {
	Sets    map[string]any
	Deletes map[string]struct{}
}

// ListIntents is the three-map intent shape for an array-shaped container.
// Sets and Replaces are both keyed by index; Sets holds pure insertions
// (at or beyond the container's length, or an explicit append), Replaces
// holds delete-then-insert pairs at the same index, Deletes holds
// indices with no accompanying set.
type ListIntents struct {
	Sets     map[int]any
	Deletes  map[int]struct{}
	Replaces map[int]any
}

// PlanMap classifies a batch of ops belonging to one object-shaped
// container. Later ops at the same key override earlier ones; a set and a
// delete at the same key collapse to whichever arrives last.
func PlanMap(ops []reactiveiface.Op) MapIntents {
	intents := MapIntents{Sets: make(map[string]any), Deletes: make(map[string]struct{})}
	for _, op := range ops {
		if len(op.Path) != 1 || !op.Path[0].IsString {
			continue
		}
		key := op.Path[0].Key
		switch op.Kind {
		case reactiveiface.OpSet:
			intents.Sets[key] = op.Value
			delete(intents.Deletes, key)
		case reactiveiface.OpDelete:
			intents.Deletes[key] = struct{}{}
			delete(intents.Sets, key)
		}
	}
	return intents
}

// PlanList classifies a batch of ops belonging to one array-shaped
// container, given L, the container's length at the start of the batch.
func PlanList(ops []reactiveiface.Op, length int) ListIntents {
	type rawEntry struct {
		hasSet    bool
		setValue  any
		hasDelete bool
	}
	raw := make(map[int]*rawEntry)
	order := make([]int, 0, len(ops))

	get := func(i int) *rawEntry {
		e, ok := raw[i]
		if !ok {
			e = &rawEntry{}
			raw[i] = e
			order = append(order, i)
		}
		return e
	}

	for _, op := range ops {
		if len(op.Path) != 1 || op.Path[0].IsString {
			continue
		}
		i := op.Path[0].Index
		e := get(i)
		switch op.Kind {
		case reactiveiface.OpSet:
			e.hasSet = true
			e.setValue = op.Value
		case reactiveiface.OpDelete:
			e.hasDelete = true
		}
	}

	// The batch-sensitive rule: if any delete exists at index d, every set
	// at index i >= d is treated as an insert, never a replace, since the
	// surrounding shift pattern indicates a splice-style reorder.
	minDelete := -1
	for i, e := range raw {
		if e.hasDelete {
			if minDelete == -1 || i < minDelete {
				minDelete = i
			}
		}
	}

	// A delete at index d implies i >= d for d itself, so a co-located
	// delete+set pair always satisfies the batch-sensitive rule below: the
	// rule subsumes the plain same-index case, not just distinct indices.
	intents := ListIntents{Sets: make(map[int]any), Deletes: make(map[int]struct{}), Replaces: make(map[int]any)}
	for _, i := range order {
		e := raw[i]
		if e.hasSet {
			if minDelete != -1 && i >= minDelete {
				intents.Sets[i] = e.setValue
				continue
			}
			if i < length {
				intents.Replaces[i] = e.setValue
			} else {
				intents.Sets[i] = e.setValue
			}
			continue
		}
		if e.hasDelete {
			intents.Deletes[i] = struct{}{}
		}
	}
	return intents
}
