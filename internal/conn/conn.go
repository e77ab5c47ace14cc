// Package conn implements the per-connection reservation/timeout engine
// described in spec.md §3/§4.G: the tick-at arithmetic that drives TTR
// expiry and reserve-with-timeout, and the soonest-reserved-job cache.
//
// Grounded on original_source/conn.c (conntickat, connsched,
// connsoonestjob, conn_reserve_job).
package conn

import (
	"github.com/nullbound/holdd/internal/job"
	"github.com/nullbound/holdd/internal/ms"
	"github.com/nullbound/holdd/internal/tube"
)

// SafetyMargin shaves 1 second off TTR-based tick scheduling while a
// connection is Waiting, so a DEADLINE_SOON reply has a chance to be
// observed before the real TTR expiry (spec.md §4.G/Glossary).
const SafetyMargin = int64(1_000_000_000) // 1s in ns

// Type is a bitset of the roles a connection has taken on.
type Type byte

const (
	TypeProducer Type = 1 << iota
	TypeWorker
	TypeWaiting
)

// Conn is the reservation-scheduling half of a client connection. The
// socket and protocol-reader half lives in internal/server's session type,
// which embeds a *Conn.
type Conn struct {
	ID int64

	Use   *tube.Tube
	Watch *ms.Set[*tube.Tube]

	Type Type

	// PendingTimeout is seconds to wait in reserve-with-timeout; -1 means
	// forever (plain reserve), 0 means non-blocking.
	PendingTimeout int
	// PendingDeadline is the absolute ns timestamp at which PendingTimeout
	// expires, fixed once when a reserve-with-timeout starts waiting
	// (cmdReserve) rather than recomputed relative to "now" on every tick —
	// otherwise re-deriving it from PendingTimeout on every TickAtFor call
	// would push the deadline out again each time a session is rescheduled
	// for an unrelated reason, and it would never actually elapse. Valid
	// only while PendingTimeout >= 0.
	PendingDeadline int64

	// ReservedJobs is the sentinel head of a circular list of jobs
	// reserved by this connection (job.ListInsert/ListRemove).
	ReservedJobs *job.Job

	// TickAt is the absolute ns timestamp this connection must next be
	// ticked, or 0 if it owns no pending timeout.
	TickAt int64
	// HeapIndex is this connection's position in the server's conn-tick
	// heap; valid only while InConnHeap is true.
	HeapIndex  int
	InConnHeap bool

	soonestJob *job.Job

	Halfclosed bool
}

// New creates a Conn initially using and watching useTube (normally
// `default`), per spec.md §3.
func New(id int64, useTube *tube.Tube) *Conn {
	c := &Conn{
		ID:             id,
		Use:            useTube,
		PendingTimeout: -1,
		ReservedJobs:   &job.Job{},
	}
	job.ListReset(c.ReservedJobs)
	c.Watch = ms.New[*tube.Tube](nil, nil)
	return c
}

// Less implements heap.Interface[*Conn] ordering connections by TickAt,
// for the server's conn-tick heap.
func (c *Conn) Less(o *Conn) bool { return c.TickAt < o.TickAt }

func (c *Conn) hasReservedJob() bool {
	return !job.ListIsEmpty(c.ReservedJobs)
}

// invalidateSoonest clears the soonest-job cache; called by every mutation
// of the reserved list (original_source/conn.c sets c->soonest_job = NULL
// on the same events).
func (c *Conn) invalidateSoonest() { c.soonestJob = nil }

// SoonestJob returns the reserved job with the earliest DeadlineAt, or nil
// if none are reserved. The result is cached until invalidated by a
// reserve/release/delete/bury/timeout on this connection.
func (c *Conn) SoonestJob() *job.Job {
	if c.soonestJob != nil {
		return c.soonestJob
	}
	var soonest *job.Job
	for j := c.ReservedJobs.Next; j != c.ReservedJobs; j = j.Next {
		if soonest == nil || j.DeadlineAt < soonest.DeadlineAt {
			soonest = j
		}
	}
	c.soonestJob = soonest
	return soonest
}

// TickAtFor computes the absolute ns timestamp at which c must next be
// ticked (its soonest TTR expiry, minus SafetyMargin while Waiting; or its
// reserve-with-timeout deadline; whichever is sooner), or 0 if c has
// neither, per spec.md §4.G. now is the current ns timestamp.
func (c *Conn) TickAtFor(now int64) int64 {
	var margin int64
	if c.Type&TypeWaiting != 0 {
		margin = SafetyMargin
	}

	var t int64 = -1
	should := false
	if soonest := c.SoonestJob(); soonest != nil {
		t = soonest.DeadlineAt - now - margin
		should = true
	}
	if c.PendingTimeout >= 0 {
		pt := c.PendingDeadline - now
		if !should || pt < t {
			t = pt
		}
		should = true
	}
	if !should {
		return 0
	}
	return now + t
}

// ReserveJob moves j into c's reserved list, setting j.State = Reserved,
// j.DeadlineAt = now + j.TTR, and bumping reservation counters, per
// spec.md §4.H's deliver step. Mirrors original_source/conn.c's
// conn_reserve_job, including clearing PendingTimeout unconditionally
// (Open Question in spec.md §9, preserved bit-for-bit: see DESIGN.md).
func (c *Conn) ReserveJob(j *job.Job, now int64) {
	j.Tube.IncReserved()
	j.ReserveCt++
	j.DeadlineAt = now + j.TTR
	j.State = job.Reserved
	job.ListInsert(c.ReservedJobs, j)
	j.Reserver = c
	c.PendingTimeout = -1
	c.PendingDeadline = 0
	if c.soonestJob == nil || j.DeadlineAt < c.soonestJob.DeadlineAt {
		c.soonestJob = j
	}
}

// ReleaseReservedJob removes j from c's reserved list (on release, delete,
// bury, or TTR timeout). Callers are responsible for re-enqueuing j
// elsewhere and clearing j.Reserver.
func (c *Conn) ReleaseReservedJob(j *job.Job) {
	job.ListRemove(j)
	j.Tube.DecReserved()
	c.invalidateSoonest()
}

// TouchJob extends j's TTR deadline from now, per spec.md §4.H's touch
// command. j must be one of c's currently reserved jobs.
func (c *Conn) TouchJob(j *job.Job, now int64) {
	j.DeadlineAt = now + j.TTR
	c.invalidateSoonest()
}

// DeadlineSoon reports whether c has a reserved job within SafetyMargin of
// its TTR expiry at time now.
func (c *Conn) DeadlineSoon(now int64) bool {
	j := c.SoonestJob()
	return j != nil && now >= j.DeadlineAt-SafetyMargin
}

// HasReservedJob reports whether c currently holds any reserved jobs.
func (c *Conn) HasReservedJob() bool { return c.hasReservedJob() }

// SetWorker marks c as having issued at least one reserve-family command.
func (c *Conn) SetWorker() { c.Type |= TypeWorker }

// SetProducer marks c as having issued at least one put.
func (c *Conn) SetProducer() { c.Type |= TypeProducer }

// SetWaiting/ClearWaiting toggle the Waiting bit set while blocked in
// reserve.
func (c *Conn) SetWaiting()   { c.Type |= TypeWaiting }
func (c *Conn) ClearWaiting() { c.Type &^= TypeWaiting }
func (c *Conn) IsWaiting() bool { return c.Type&TypeWaiting != 0 }
