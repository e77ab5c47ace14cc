// Package tube implements the named priority/delay queue described in
// spec.md §3/§4.C. Grounded on original_source/tube.c.
package tube

import (
	"strings"

	"github.com/nullbound/holdd/internal/heap"
	"github.com/nullbound/holdd/internal/job"
	"github.com/nullbound/holdd/internal/ms"
)

// MaxNameLen is the maximum tube name length (excluding the NUL
// terminator the C original keeps), per spec.md §3 and
// original_source/dat.h's MAX_TUBE_NAME_LEN.
const MaxNameLen = 200

// NameChars are the characters a tube name may contain, matching the
// client-side validation in
// _examples/compmaniak-go-beanstalk/name.go's NameChars — applied here
// server-side so a malformed name is rejected before a Tube is allocated.
const NameChars = `\-+/;.$_()0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz`

// ErrBadName is returned by ValidateName for an empty, too-long, or
// bad-character tube name.
type ErrBadName struct {
	Name   string
	Reason string
}

func (e *ErrBadName) Error() string { return e.Reason + ": " + e.Name }

// ValidateName checks a tube name against the beanstalkd character class
// and length bound. The `default` tube and any name satisfying NameChars
// up to MaxNameLen bytes are valid.
func ValidateName(name string) error {
	switch {
	case len(name) == 0:
		return &ErrBadName{name, "name is empty"}
	case len(name) > MaxNameLen:
		return &ErrBadName{name, "name is too long"}
	}
	for _, c := range name {
		if !strings.ContainsRune(NameChars, c) {
			return &ErrBadName{name, "name has bad char"}
		}
	}
	return nil
}

// Stats holds the per-tube operation counters from spec.md §3/§4.C,
// surfaced verbatim by the stats-tube command.
type Stats struct {
	UrgentCt   uint64
	ReadyCt    uint64
	ReservedCt uint64
	DelayedCt  uint64
	BuriedCt   uint64
	TotalJobCt uint64
	PauseCt    uint64
}

// delayKey adapts *job.Job to the heap.Interface ordering required by the
// delay heap (keyed by DeadlineAt rather than (Pri, ID)).
type delayKey struct{ *job.Job }

func (d delayKey) Less(o delayKey) bool { return d.Job.DelayLess(o.Job) }

// Tube is a named FIFO/priority queue scoped by name (spec.md §3/§4.C).
type Tube struct {
	name string

	Refs uint

	ready *heap.Heap[*job.Job]
	delay *heap.Heap[delayKey]
	// Buried is the sentinel head of a circular doubly linked list
	// (job.ListInsert/ListRemove), matching original_source/tube.c's
	// dummy-node buried list.
	Buried *job.Job

	// WaitingConns is the FIFO-ish set of consumers blocked in reserve on
	// this tube. Stored as interface{} so tube does not import
	// internal/server; its members are internal/server's *session values,
	// which callers type-assert back.
	WaitingConns *ms.Set[interface{}]

	UsingCt   uint
	WatchingCt uint

	Stat Stats

	// Pause is the configured pause duration; UnpauseAt is the absolute
	// deadline at which the pause lifts. Both zero means "not paused".
	Pause     int64
	UnpauseAt int64
}

var _ job.TubeRef = (*Tube)(nil)

// New creates a Tube named name, truncated to MaxNameLen bytes if needed
// (matching original_source/tube.c's strncpy+truncate behavior for names
// that reach this path via WAL replay of an older, laxer server).
func New(name string) *Tube {
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	t := &Tube{
		name:   name,
		ready:  heap.New(job.SetHeapIndex),
		delay:  heap.New(func(d delayKey, i int) { d.Job.HeapIndex = i }),
		Buried: &job.Job{},
	}
	job.ListReset(t.Buried)
	t.WaitingConns = ms.New[interface{}](nil, nil)
	return t
}

// Name returns the tube's name.
func (t *Tube) Name() string { return t.name }

// ReadyHeap returns the ready heap, for direct peek/iteration by callers
// that need it (e.g. internal/server's peek-ready, reserve).
func (t *Tube) ReadyHeap() *heap.Heap[*job.Job] { return t.ready }

// DelayHeap returns the delay heap.
func (t *Tube) DelayHeap() *heap.Heap[delayKey] { return t.delay }

// EnqueueReady inserts j into the ready heap, setting j.State = Ready.
func (t *Tube) EnqueueReady(j *job.Job) {
	j.State = job.Ready
	j.Tube = t
	t.ready.Insert(j)
	t.Stat.ReadyCt++
	if j.IsUrgent() {
		t.Stat.UrgentCt++
	}
}

// EnqueueDelay inserts j into the delay heap, setting j.State = Delayed.
func (t *Tube) EnqueueDelay(j *job.Job) {
	j.State = job.Delayed
	j.Tube = t
	t.delay.Insert(delayKey{j})
	t.Stat.DelayedCt++
}

// Bury appends j to the buried list, setting j.State = Buried.
func (t *Tube) Bury(j *job.Job) {
	j.State = job.Buried
	j.Tube = t
	job.ListInsert(t.Buried, j)
	t.Stat.BuriedCt++
}

// UnburyOne removes and returns the oldest buried job (FIFO), or nil if
// none are buried.
func (t *Tube) UnburyOne() *job.Job {
	if job.ListIsEmpty(t.Buried) {
		return nil
	}
	j := job.ListRemove(t.Buried.Next)
	t.Stat.BuriedCt--
	return j
}

// PromoteDue moves every delayed job with DeadlineAt <= now into the ready
// heap, per spec.md §4.C's "promote one delayed if due" operation run to
// exhaustion. Returns the jobs promoted, in deadline order, so the caller
// can match them against waiting consumers.
func (t *Tube) PromoteDue(now int64) []*job.Job {
	var promoted []*job.Job
	for {
		top, ok := t.delay.Peek()
		if !ok || top.Job.DeadlineAt > now {
			break
		}
		dk, _ := t.delay.PopMin()
		t.Stat.DelayedCt--
		t.EnqueueReady(dk.Job)
		promoted = append(promoted, dk.Job)
	}
	return promoted
}

// SetPause records a pause of duration d starting now, per spec.md §4.C.
func (t *Tube) SetPause(now, d int64) {
	t.Pause = d
	t.UnpauseAt = now + d
	t.Stat.PauseCt++
}

// IsPaused reports whether the tube is currently paused at time now.
func (t *Tube) IsPaused(now int64) bool {
	return t.Pause > 0 && now < t.UnpauseAt
}

// TryUnpause clears the pause if it has expired.
func (t *Tube) TryUnpause(now int64) {
	if t.Pause > 0 && now >= t.UnpauseAt {
		t.Pause = 0
		t.UnpauseAt = 0
	}
}

// HasReady reports whether the tube has at least one ready job and is not
// currently paused.
func (t *Tube) HasReady(now int64) bool {
	return !t.IsPaused(now) && t.ready.Len() > 0
}

// IncReserved/DecReserved maintain Stat.ReservedCt as jobs move into and
// out of a connection's reserved list. internal/conn calls these through
// job.TubeRef since a job's reserved list lives on the connection, not the
// tube, and tube must not import conn.
func (t *Tube) IncReserved() { t.Stat.ReservedCt++ }
func (t *Tube) DecReserved() {
	if t.Stat.ReservedCt > 0 {
		t.Stat.ReservedCt--
	}
}
