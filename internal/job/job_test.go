package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriLessTiesBrokenByID(t *testing.T) {
	a := &Job{Rec: Rec{ID: 1, Pri: 5}}
	b := &Job{Rec: Rec{ID: 2, Pri: 5}}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))

	c := &Job{Rec: Rec{ID: 1, Pri: 10}}
	d := &Job{Rec: Rec{ID: 2, Pri: 1}}
	assert.False(t, c.Less(d))
	assert.True(t, d.Less(c))
}

func TestIsUrgent(t *testing.T) {
	assert.True(t, (&Job{Rec: Rec{Pri: 0}}).IsUrgent())
	assert.True(t, (&Job{Rec: Rec{Pri: UrgentThreshold - 1}}).IsUrgent())
	assert.False(t, (&Job{Rec: Rec{Pri: UrgentThreshold}}).IsUrgent())
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	orig := &Job{Rec: Rec{ID: 1, State: Ready}, Body: []byte("hello")}
	snap := orig.Snapshot()

	assert.Equal(t, Copy, snap.State)
	assert.Equal(t, orig.Body, snap.Body)

	snap.Body[0] = 'H'
	assert.Equal(t, byte('h'), orig.Body[0], "snapshot body must not alias original")

	orig.State = Buried
	assert.Equal(t, Copy, snap.State, "snapshot state must not track original mutation")
}

func TestCircularList(t *testing.T) {
	head := &Job{}
	ListReset(head)
	assert.True(t, ListIsEmpty(head))

	j1 := &Job{Rec: Rec{ID: 1}}
	j2 := &Job{Rec: Rec{ID: 2}}
	ListInsert(head, j1)
	ListInsert(head, j2)
	assert.False(t, ListIsEmpty(head))

	var ids []uint64
	for j := head.Next; j != head; j = j.Next {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []uint64{1, 2}, ids)

	ListRemove(j1)
	ids = nil
	for j := head.Next; j != head; j = j.Next {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []uint64{2}, ids)
}

func TestStoreNextIDAndObserveID(t *testing.T) {
	s := NewStore(0)
	assert.Equal(t, uint64(1), s.NextID())
	assert.Equal(t, uint64(2), s.NextID())

	s.ObserveID(100)
	assert.Equal(t, uint64(101), s.NextID())

	s.ObserveID(50) // lower than current, must not regress
	assert.Equal(t, uint64(102), s.NextID())
}

func TestStoreInsertFindRemove(t *testing.T) {
	s := NewStore(0)
	j := &Job{Rec: Rec{ID: 7}}
	s.Insert(j)
	assert.Same(t, j, s.Find(7))
	assert.Equal(t, 1, s.Len())

	s.Remove(7)
	assert.Nil(t, s.Find(7))
	assert.Equal(t, 0, s.Len())
}
