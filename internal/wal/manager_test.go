package wal

import (
	"testing"
	"time"

	"github.com/nullbound/holdd/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTube is the minimal job.TubeRef used by WAL tests, standing in for
// internal/tube.Tube without importing it (kept a one-way dependency).
type fakeTube struct{ name string }

func (t *fakeTube) Name() string    { return t.name }
func (t *fakeTube) IncReserved()    {}
func (t *fakeTube) DecReserved()    {}

func findFakeTube(registry map[string]*fakeTube) TubeFinder {
	return func(name string) job.TubeRef {
		if t, ok := registry[name]; ok {
			return t
		}
		t := &fakeTube{name: name}
		registry[name] = t
		return t
	}
}

func TestManagerDisabledIsNoop(t *testing.T) {
	w := NewManager("", 0, false, 0, PreallocClassic)
	assert.False(t, w.Enabled())

	j := &job.Job{Rec: job.Rec{ID: 1, BodySize: 0}, Tube: &fakeTube{"default"}}
	assert.Equal(t, 1, w.ResvPut(j))
	assert.NoError(t, w.Write(j))
}

func TestPutReservationSizing(t *testing.T) {
	dir := t.TempDir()
	w := NewManager(dir, DefaultFilesize, false, time.Second, PreallocClassic)
	store := job.NewStore(0)
	reg := map[string]*fakeTube{}
	_, err := w.Replay(store, findFakeTube(reg))
	require.NoError(t, err)

	j := &job.Job{Rec: job.Rec{ID: store.NextID(), BodySize: 5}, Tube: &fakeTube{"jobs"}, Body: []byte("hello")}
	n := w.ResvPut(j)
	assert.Greater(t, n, 0)
	assert.Equal(t, n, j.WALResv)

	require.NoError(t, w.Write(j))
	assert.Equal(t, 1, w.Stats().RecCount)
	assert.NotNil(t, j.File, "a full record must home the job in a segment")
}

func TestWriteThenShortRecordUpdatesSameJob(t *testing.T) {
	dir := t.TempDir()
	w := NewManager(dir, DefaultFilesize, false, time.Second, PreallocClassic)
	store := job.NewStore(0)
	reg := map[string]*fakeTube{}
	_, err := w.Replay(store, findFakeTube(reg))
	require.NoError(t, err)

	j := &job.Job{Rec: job.Rec{ID: 1, BodySize: 3}, Tube: &fakeTube{"jobs"}, Body: []byte("abc")}
	require.Greater(t, w.ResvPut(j), 0)
	require.NoError(t, w.Write(j))

	require.Greater(t, w.ResvUpdate(), 0)
	j.State = job.Invalid
	require.NoError(t, w.Write(j))
	assert.Nil(t, j.File, "delete record must release the job's file home")
}

func TestReplayRoundTripsPutAndDelete(t *testing.T) {
	dir := t.TempDir()

	w1 := NewManager(dir, DefaultFilesize, false, time.Second, PreallocClassic)
	store1 := job.NewStore(0)
	reg1 := map[string]*fakeTube{}
	_, err := w1.Replay(store1, findFakeTube(reg1))
	require.NoError(t, err)

	reg1["jobs"] = &fakeTube{"jobs"}
	live := &job.Job{Rec: job.Rec{ID: 1, BodySize: 5, State: job.Ready}, Tube: reg1["jobs"], Body: []byte("hello")}
	require.Greater(t, w1.ResvPut(live), 0)
	require.NoError(t, w1.Write(live))

	deleted := &job.Job{Rec: job.Rec{ID: 2, BodySize: 1, State: job.Ready}, Tube: reg1["jobs"], Body: []byte("x")}
	require.Greater(t, w1.ResvPut(deleted), 0)
	require.NoError(t, w1.Write(deleted))
	require.Greater(t, w1.ResvUpdate(), 0)
	deleted.State = job.Invalid
	require.NoError(t, w1.Write(deleted))

	// Simulate a crash/restart: fresh manager, fresh store, replay from disk.
	w2 := NewManager(dir, DefaultFilesize, false, time.Second, PreallocClassic)
	store2 := job.NewStore(0)
	reg2 := map[string]*fakeTube{}
	list, err := w2.Replay(store2, findFakeTube(reg2))
	require.NoError(t, err)

	require.Len(t, list, 1, "only the surviving job should replay")
	assert.EqualValues(t, 1, list[0].ID)
	assert.Equal(t, "hello", string(list[0].Body))
	assert.Nil(t, store2.Find(2), "deleted job must not reappear")
}

func TestReplayDowngradesReservedToReady(t *testing.T) {
	dir := t.TempDir()

	w1 := NewManager(dir, DefaultFilesize, false, time.Second, PreallocClassic)
	store1 := job.NewStore(0)
	reg1 := map[string]*fakeTube{"jobs": {"jobs"}}
	_, err := w1.Replay(store1, findFakeTube(reg1))
	require.NoError(t, err)

	j := &job.Job{Rec: job.Rec{ID: 1, BodySize: 1, State: job.Ready}, Tube: reg1["jobs"], Body: []byte("x")}
	require.Greater(t, w1.ResvPut(j), 0)
	require.NoError(t, w1.Write(j))

	require.Greater(t, w1.ResvUpdate(), 0)
	j.State = job.Reserved
	require.NoError(t, w1.Write(j))

	w2 := NewManager(dir, DefaultFilesize, false, time.Second, PreallocClassic)
	store2 := job.NewStore(0)
	reg2 := map[string]*fakeTube{}
	list, err := w2.Replay(store2, findFakeTube(reg2))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, job.Ready, list[0].State, "a reserved job must replay as ready")
}

func TestRolloverAcrossUndersizedSegments(t *testing.T) {
	dir := t.TempDir()
	// A tiny segment size forces rollover quickly, exercising balance().
	w := NewManager(dir, 512, false, time.Second, PreallocClassic)
	store := job.NewStore(0)
	reg := map[string]*fakeTube{"jobs": {"jobs"}}
	_, err := w.Replay(store, findFakeTube(reg))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		j := &job.Job{Rec: job.Rec{ID: uint64(i + 1), BodySize: 10, State: job.Ready}, Tube: reg["jobs"], Body: make([]byte, 10)}
		n := w.ResvPut(j)
		require.Greater(t, n, 0, "reservation must succeed by rolling onto a new segment")
		require.NoError(t, w.Write(j))
	}

	assert.Greater(t, w.Stats().NFile, 1, "undersized segments must force at least one rollover")
	assert.GreaterOrEqual(t, w.cur.resv, 0)
}
