package tube

import (
	"testing"

	"github.com/nullbound/holdd/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("default"))
	assert.NoError(t, ValidateName("my-tube.1"))
	assert.Error(t, ValidateName(""))
	assert.Error(t, ValidateName("has space"))

	long := make([]byte, MaxNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, ValidateName(string(long)))
}

func TestPriorityFIFOOrdering(t *testing.T) {
	tb := New("jobs")
	j1 := &job.Job{Rec: job.Rec{ID: 1, Pri: 5}}
	j2 := &job.Job{Rec: job.Rec{ID: 2, Pri: 1}}
	j3 := &job.Job{Rec: job.Rec{ID: 3, Pri: 1}}

	tb.EnqueueReady(j1)
	tb.EnqueueReady(j2)
	tb.EnqueueReady(j3)

	first, ok := tb.ReadyHeap().PopMin()
	require.True(t, ok)
	assert.Equal(t, uint64(2), first.ID, "lower pri wins")

	second, ok := tb.ReadyHeap().PopMin()
	require.True(t, ok)
	assert.Equal(t, uint64(3), second.ID, "same-pri ties broken by id (FIFO)")
}

func TestPromoteDue(t *testing.T) {
	tb := New("jobs")
	j1 := &job.Job{Rec: job.Rec{ID: 1, DeadlineAt: 100}}
	j2 := &job.Job{Rec: job.Rec{ID: 2, DeadlineAt: 200}}
	tb.EnqueueDelay(j1)
	tb.EnqueueDelay(j2)

	promoted := tb.PromoteDue(150)
	require.Len(t, promoted, 1)
	assert.Equal(t, uint64(1), promoted[0].ID)
	assert.Equal(t, job.Ready, j1.State)
	assert.Equal(t, job.Delayed, j2.State)
	assert.Equal(t, 1, tb.DelayHeap().Len())
}

func TestBuryUnburyFIFO(t *testing.T) {
	tb := New("jobs")
	j1 := &job.Job{Rec: job.Rec{ID: 1}}
	j2 := &job.Job{Rec: job.Rec{ID: 2}}
	tb.Bury(j1)
	tb.Bury(j2)

	first := tb.UnburyOne()
	require.NotNil(t, first)
	assert.Equal(t, uint64(1), first.ID)

	second := tb.UnburyOne()
	require.NotNil(t, second)
	assert.Equal(t, uint64(2), second.ID)

	assert.Nil(t, tb.UnburyOne())
}

func TestPauseLifecycle(t *testing.T) {
	tb := New("jobs")
	tb.SetPause(1000, 500)
	assert.True(t, tb.IsPaused(1200))
	assert.False(t, tb.IsPaused(1600))

	tb.TryUnpause(1600)
	assert.Equal(t, int64(0), tb.Pause)
}

func TestHasReadyRespectsPause(t *testing.T) {
	tb := New("jobs")
	tb.EnqueueReady(&job.Job{Rec: job.Rec{ID: 1}})
	assert.True(t, tb.HasReady(0))

	tb.SetPause(0, 1000)
	assert.False(t, tb.HasReady(500))
	assert.True(t, tb.HasReady(2000))
}
