package conn

import (
	"testing"

	"github.com/nullbound/holdd/internal/job"
	"github.com/nullbound/holdd/internal/tube"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ns = 1_000_000_000

func TestNewConnDefaultsToForeverReserve(t *testing.T) {
	tb := tube.New("default")
	c := New(1, tb)
	assert.Equal(t, -1, c.PendingTimeout)
	assert.True(t, job.ListIsEmpty(c.ReservedJobs))
	assert.False(t, c.HasReservedJob())
}

func TestReserveJobUpdatesStateAndStats(t *testing.T) {
	tb := tube.New("jobs")
	c := New(1, tb)
	j := &job.Job{Rec: job.Rec{ID: 1, TTR: 5 * ns}, Tube: tb}

	c.PendingTimeout = 30
	c.ReserveJob(j, 100)

	assert.Equal(t, job.Reserved, j.State)
	assert.Equal(t, int64(100+5*ns), j.DeadlineAt)
	assert.EqualValues(t, 1, j.ReserveCt)
	assert.Same(t, c, j.Reserver)
	assert.True(t, c.HasReservedJob())
	assert.EqualValues(t, 1, tb.Stat.ReservedCt)
	assert.Equal(t, -1, c.PendingTimeout, "reserving clears any pending reserve-with-timeout")
}

func TestSoonestJobCachesAcrossMultipleReservations(t *testing.T) {
	tb := tube.New("jobs")
	c := New(1, tb)
	j1 := &job.Job{Rec: job.Rec{ID: 1, TTR: 10 * ns}, Tube: tb}
	j2 := &job.Job{Rec: job.Rec{ID: 2, TTR: 2 * ns}, Tube: tb}

	c.ReserveJob(j1, 0)
	c.ReserveJob(j2, 0)

	soonest := c.SoonestJob()
	require.NotNil(t, soonest)
	assert.Equal(t, uint64(2), soonest.ID, "job with the nearer deadline wins")
}

func TestReleaseReservedJobInvalidatesSoonestAndStats(t *testing.T) {
	tb := tube.New("jobs")
	c := New(1, tb)
	j := &job.Job{Rec: job.Rec{ID: 1, TTR: ns}, Tube: tb}
	c.ReserveJob(j, 0)
	require.NotNil(t, c.SoonestJob())

	c.ReleaseReservedJob(j)

	assert.False(t, c.HasReservedJob())
	assert.Nil(t, c.SoonestJob())
	assert.EqualValues(t, 0, tb.Stat.ReservedCt)
}

func TestTickAtForPicksEarlierOfTTRAndPendingTimeout(t *testing.T) {
	tb := tube.New("jobs")
	c := New(1, tb)
	j := &job.Job{Rec: job.Rec{ID: 1, TTR: 10 * ns}, Tube: tb}
	c.ReserveJob(j, 0)

	c.PendingTimeout = 3
	c.PendingDeadline = 3 * ns
	got := c.TickAtFor(0)
	assert.Equal(t, int64(3*ns), got, "3s pending-timeout is sooner than the 10s TTR")
}

func TestTickAtForPendingDeadlineIsAbsoluteNotRelative(t *testing.T) {
	tb := tube.New("jobs")
	c := New(1, tb)

	c.PendingTimeout = 5
	c.PendingDeadline = 5 * ns

	// Rescheduling later (e.g. because some unrelated event on the
	// session happened) must not push the deadline further out — it's a
	// fixed absolute timestamp, not "N seconds from whenever this is
	// called".
	assert.Equal(t, int64(5*ns), c.TickAtFor(0))
	assert.Equal(t, int64(5*ns), c.TickAtFor(2*ns))
	assert.Equal(t, int64(5*ns), c.TickAtFor(4*ns))
}

func TestTickAtForZeroWhenIdle(t *testing.T) {
	tb := tube.New("jobs")
	c := New(1, tb)
	assert.Equal(t, int64(0), c.TickAtFor(0))
}

func TestDeadlineSoonRespectsSafetyMargin(t *testing.T) {
	tb := tube.New("jobs")
	c := New(1, tb)
	j := &job.Job{Rec: job.Rec{ID: 1, TTR: 5 * ns}, Tube: tb}
	c.ReserveJob(j, 0)

	assert.False(t, c.DeadlineSoon(3*ns))
	assert.True(t, c.DeadlineSoon(5*ns-SafetyMargin))
}

func TestWaitingTypeAddsSafetyMarginToTickAt(t *testing.T) {
	tb := tube.New("jobs")
	c := New(1, tb)
	j := &job.Job{Rec: job.Rec{ID: 1, TTR: 5 * ns}, Tube: tb}
	c.ReserveJob(j, 0)
	c.SetWaiting()

	assert.Equal(t, int64(5*ns-SafetyMargin), c.TickAtFor(0))
}
