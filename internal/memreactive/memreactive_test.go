package memreactive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/crdtbridge/internal/reactiveiface"
)

func TestObjectMutators(t *testing.T) {
	f := NewFactory()
	n := f.NewObject()

	var got []reactiveiface.Op
	unsub := n.Subscribe(func(ops []reactiveiface.Op) { got = append(got, ops...) })
	defer unsub()

	n.Set("a", 1)
	require.Len(t, got, 1)
	assert.Equal(t, reactiveiface.OpSet, got[0].Kind)
	assert.False(t, got[0].OldValueExisted)

	got = nil
	n.Set("a", 2)
	require.Len(t, got, 1)
	assert.True(t, got[0].OldValueExisted)
	assert.Equal(t, 1, got[0].OldValue)

	got = nil
	n.DeleteKey("a")
	require.Len(t, got, 1)
	assert.Equal(t, reactiveiface.OpDelete, got[0].Kind)
	assert.Equal(t, 2, got[0].OldValue)

	v, ok := n.Get("a")
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestArrayMutators(t *testing.T) {
	f := NewFactory()
	n := f.NewArray()

	n.Append("a", "b", "c")
	assert.Equal(t, []any{"a", "b", "c"}, n.ToSlice())

	n.InsertAt(1, "x")
	assert.Equal(t, []any{"a", "x", "b", "c"}, n.ToSlice())

	n.SetIndex(0, "A")
	assert.Equal(t, "A", n.At(0))

	n.DeleteAt(1, 2)
	assert.Equal(t, []any{"A", "c"}, n.ToSlice())
}

func TestBatchCoalescesOpsAcrossNodes(t *testing.T) {
	f := NewFactory()
	a := f.NewObject()
	b := f.NewObject()

	var aOps, bOps int
	a.Subscribe(func(ops []reactiveiface.Op) { aOps += len(ops) })
	b.Subscribe(func(ops []reactiveiface.Op) { bOps += len(ops) })

	a.Batch(func() {
		a.Set("k1", 1)
		a.Set("k2", 2)
		b.Set("k1", 1)
	})

	assert.Equal(t, 2, aOps)
	assert.Equal(t, 1, bOps)
}

func TestSubscribeUnsubscribeStopsDelivery(t *testing.T) {
	f := NewFactory()
	n := f.NewObject()

	calls := 0
	unsub := n.Subscribe(func(ops []reactiveiface.Op) { calls++ })
	n.Set("a", 1)
	assert.Equal(t, 1, calls)

	unsub()
	n.Set("b", 2)
	assert.Equal(t, 1, calls)
}
