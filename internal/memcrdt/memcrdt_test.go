package memcrdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/crdtbridge/internal/crdtiface"
)

func TestMapNodeBasics(t *testing.T) {
	doc := New()
	m := doc.NewMap()

	m.Set("a", 1)
	m.Set("b", 2)
	assert.Equal(t, []string{"a", "b"}, m.Keys())
	v, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	m.Delete("a")
	assert.False(t, m.Has("a"))
	assert.Equal(t, 1, m.Size())
}

func TestMapSetAttachesParent(t *testing.T) {
	doc := New()
	outer := doc.NewMap()
	inner := doc.NewMap()

	assert.Nil(t, inner.Parent())
	outer.Set("child", inner)
	assert.Equal(t, crdtiface.Node(outer), inner.Parent())
}

func TestListInsertDeleteAndDelta(t *testing.T) {
	doc := New()
	l := doc.NewList()

	var deltas [][]crdtiface.DeltaOp
	doc.Observe(func(ev crdtiface.Event) {
		if ev.Node == l {
			deltas = append(deltas, ev.Delta)
		}
	})

	l.Insert(0, "a", "c")
	l.Insert(1, "b")
	assert.Equal(t, []any{"a", "b", "c"}, l.ToSlice())

	require.Len(t, deltas, 2)
	assert.Equal(t, crdtiface.DeltaInsert, deltas[1][1].Kind)
	assert.Equal(t, crdtiface.DeltaRetain, deltas[1][0].Kind)
	assert.Equal(t, 1, deltas[1][0].Count)

	l.Delete(0, 2)
	assert.Equal(t, []any{"c"}, l.ToSlice())
}

func TestTransactOrigin(t *testing.T) {
	doc := New()
	m := doc.NewMap()

	var seenOrigin any
	doc.Observe(func(ev crdtiface.Event) { seenOrigin = ev.Origin })

	sentinel := "sentinel-123"
	err := doc.Transact(sentinel, func(crdtiface.Tx) error {
		m.Set("k", "v")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, sentinel, seenOrigin)
}

func TestLeafObserve(t *testing.T) {
	doc := New()
	leaf := doc.NewLeaf()

	calls := 0
	unsub := leaf.Observe(func() { calls++ })
	leaf.AppendText("hello")
	assert.Equal(t, 1, calls)
	assert.Equal(t, "hello", leaf.Text())

	unsub()
	leaf.AppendText(" world")
	assert.Equal(t, 1, calls)
	assert.Equal(t, "hello world", leaf.Text())
}
