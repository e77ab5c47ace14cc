// Package job implements the Job entity, its lifecycle state machine, and
// the process-wide job store. Grounded on original_source/dat.h's Job and
// Jobrec structs and the job_* functions referenced from conn.c/file.c.
package job

import "fmt"

// State is a Job's position in the lifecycle state machine described in
// spec.md §3.
type State byte

const (
	Invalid State = iota
	Ready
	Reserved
	Buried
	Delayed
	// Copy marks a transient snapshot handed back by peek/stats-job; it is
	// never stored in the job store and has no scheduling membership.
	Copy
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "invalid"
	case Ready:
		return "ready"
	case Reserved:
		return "reserved"
	case Buried:
		return "buried"
	case Delayed:
		return "delayed"
	case Copy:
		return "copy"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// UrgentThreshold mirrors original_source/dat.h's URGENT_THRESHOLD: jobs
// with Pri below this count toward the "current-jobs-urgent" stat.
const UrgentThreshold = 1024

// Rec holds the persistent fields of a job — the part that is written to
// the WAL. Field layout intentionally mirrors original_source/dat.h's
// Jobrec for 1:1 grounding of the binary WAL encoding in internal/wal.
type Rec struct {
	ID         uint64
	Pri        uint32
	Delay      int64 // ns
	TTR        int64 // ns
	BodySize   int32
	CreatedAt  int64 // ns
	DeadlineAt int64 // ns; meaning depends on State (see spec.md §3)
	ReserveCt  uint32
	TimeoutCt  uint32
	ReleaseCt  uint32
	BuryCt     uint32
	KickCt     uint32
	State      State
}

// Reserver identifies the connection holding a job in Reserved state. The
// job package does not depend on internal/conn (which depends on job in
// the other direction), so the reserver is carried as an opaque handle.
type Reserver interface{}

// Job is a single unit of work. Persistent fields live in Rec; everything
// else is in-memory bookkeeping only, per spec.md §3.
type Job struct {
	Rec

	Tube TubeRef // owning tube; see TubeRef doc
	Body []byte

	// Prev/Next link this job into exactly one of: a tube's buried list,
	// or a connection's reserved-jobs list. nil when not linked.
	Prev, Next *Job

	// HeapIndex is this job's position in its tube's ready or delay heap,
	// maintained by that heap's setpos callback.
	HeapIndex int

	// File is the WAL segment holding this job's most recent full record.
	File WALFile
	// FilePrev/FileNext link this job into File's jlist.
	FilePrev, FileNext *Job

	Reserver Reserver

	// WALResv is bytes pre-reserved in File's budget for one future
	// short record on this job (spec.md §4.E/F reservation protocol).
	WALResv int
	// WALUsed is bytes actually consumed across this job's lifetime.
	WALUsed int
}

// TubeRef is the minimal surface internal/job needs from a Tube, breaking
// the import cycle job<->tube (tube owns heaps of *Job).
type TubeRef interface {
	Name() string
	IncReserved()
	DecReserved()
}

// WALFile is the minimal surface internal/job needs from a WAL segment.
type WALFile interface {
	Seq() int
}

// Less implements heap.Interface[*Job] ordering jobs by (pri, id) — used
// by a tube's ready heap. Ties broken by id (monotone), per spec.md §5.
func (j *Job) Less(o *Job) bool {
	if j.Pri != o.Pri {
		return j.Pri < o.Pri
	}
	return j.ID < o.ID
}

// DelayLess orders jobs by DeadlineAt for a tube's delay heap. Go generics
// can't have two Less methods on the same type for two different heaps, so
// internal/tube wraps delay-heap members in a distinct adapter type
// (delayKey) that delegates here.
func (j *Job) DelayLess(o *Job) bool {
	return j.DeadlineAt < o.DeadlineAt
}

// IsUrgent reports whether the job counts toward current-jobs-urgent.
func (j *Job) IsUrgent() bool { return j.Pri < UrgentThreshold }

// SetHeapIndex is the setpos callback for a tube's ready heap
// (internal/heap.New), recording each job's position so it can be
// removed by index in O(log n) (e.g. on delete-while-ready or kick).
func SetHeapIndex(j *Job, i int) { j.HeapIndex = i }

// Snapshot returns a value copy of the job's persistent fields plus body,
// tagged State = Copy, for hand-back from peek/stats-job without risking a
// concurrent mutation of the live Job (original_source/dat.h's
// job_copy + Copy state). The copy carries no scheduling membership.
func (j *Job) Snapshot() *Job {
	cp := &Job{Rec: j.Rec}
	cp.State = Copy
	cp.Body = append([]byte(nil), j.Body...)
	cp.Tube = j.Tube
	return cp
}

// ListReset makes j a self-referential empty list head (sentinel node),
// mirroring original_source/dat.h's job_list_reset.
func ListReset(head *Job) {
	head.Prev = head
	head.Next = head
}

// ListIsEmpty reports whether head (a sentinel) has no members.
func ListIsEmpty(head *Job) bool {
	return head.Next == head
}

// ListInsert splices j in just before head (so it becomes the newest tail
// element of the circular list rooted at head), mirroring
// original_source/dat.h's job_list_insert.
func ListInsert(head, j *Job) {
	j.Prev = head.Prev
	j.Next = head
	head.Prev.Next = j
	head.Prev = j
}

// ListRemove splices j out of whatever circular list it is in and returns
// j. j's own Prev/Next are cleared.
func ListRemove(j *Job) *Job {
	j.Next.Prev = j.Prev
	j.Prev.Next = j.Next
	j.Next = nil
	j.Prev = nil
	return j
}
