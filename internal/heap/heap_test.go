package heap

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type elem struct {
	v   int
	idx int
}

func (e *elem) Less(o *elem) bool { return e.v < o.v }

func setpos(e *elem, i int) { e.idx = i }

func TestHeapOrder(t *testing.T) {
	h := New(setpos)
	rng := rand.New(rand.NewSource(1))
	var elems []*elem
	for i := 0; i < 200; i++ {
		e := &elem{v: rng.Intn(1000)}
		elems = append(elems, e)
		h.Insert(e)
	}

	var prev = -1
	for h.Len() > 0 {
		min, ok := h.PopMin()
		require.True(t, ok)
		assert.GreaterOrEqual(t, min.v, prev)
		prev = min.v
	}
}

func TestHeapIndexConsistency(t *testing.T) {
	h := New(setpos)
	var elems []*elem
	for i := 0; i < 50; i++ {
		e := &elem{v: 50 - i}
		elems = append(elems, e)
		h.Insert(e)
	}

	for _, e := range elems {
		assert.Same(t, e, mustPeekAt(t, h, e.idx))
	}
}

func mustPeekAt(t *testing.T, h *Heap[*elem], idx int) *elem {
	t.Helper()
	require.GreaterOrEqual(t, idx, 0)
	require.Less(t, idx, h.Len())
	return h.data[idx]
}

func TestRemoveByIndex(t *testing.T) {
	h := New(setpos)
	var elems []*elem
	for i := 0; i < 20; i++ {
		e := &elem{v: i}
		elems = append(elems, e)
		h.Insert(e)
	}

	target := elems[10]
	removed, ok := h.RemoveAt(target.idx)
	require.True(t, ok)
	assert.Equal(t, target, removed)
	assert.Equal(t, 19, h.Len())

	for h.Len() > 0 {
		min, _ := h.PopMin()
		assert.NotEqual(t, 10, min.v)
	}
}
