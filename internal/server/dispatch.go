package server

import (
	"time"

	"github.com/nullbound/holdd/internal/job"
	"github.com/nullbound/holdd/internal/proto"
	"github.com/nullbound/holdd/internal/tube"
	"go.uber.org/zap"
)

func nowNano() int64 { return time.Now().UnixNano() }

// dispatch executes one parsed Request against live server state and sends
// the resulting reply (or a wire error) to sess, per spec.md §4.H's
// command table. It always runs on the loop goroutine.
func (s *Server) dispatch(sess *session, req *proto.Request) {
	if s.met != nil {
		s.met.CommandsTotal.WithLabelValues(string(req.Cmd)).Inc()
	}
	now := nowNano()
	switch req.Cmd {
	case proto.Put:
		s.cmdPut(sess, req, now)
	case proto.Reserve:
		s.cmdReserve(sess, -1, now)
	case proto.ReserveWithTimeout:
		secs, err := req.ArgInt(0)
		if err != nil {
			sess.send(proto.ErrBadFormat.Bytes())
			return
		}
		s.cmdReserve(sess, secs, now)
	case proto.ReserveJob:
		s.cmdReserveJob(sess, req, now)
	case proto.Delete:
		s.cmdDelete(sess, req, now)
	case proto.Release:
		s.cmdRelease(sess, req, now)
	case proto.Bury:
		s.cmdBury(sess, req, now)
	case proto.Kick:
		s.cmdKick(sess, req, now)
	case proto.KickJob:
		s.cmdKickJob(sess, req, now)
	case proto.Touch:
		s.cmdTouch(sess, req, now)
	case proto.Watch:
		s.cmdWatch(sess, req)
	case proto.Ignore:
		s.cmdIgnore(sess, req)
	case proto.Use:
		s.cmdUse(sess, req)
	case proto.Peek:
		s.cmdPeek(sess, req)
	case proto.PeekReady:
		s.cmdPeekState(sess, peekReady)
	case proto.PeekDelayed:
		s.cmdPeekState(sess, peekDelayed)
	case proto.PeekBuried:
		s.cmdPeekState(sess, peekBuried)
	case proto.Stats:
		s.cmdStats(sess)
	case proto.StatsJob:
		s.cmdStatsJob(sess, req)
	case proto.StatsTube:
		s.cmdStatsTube(sess, req)
	case proto.ListTubes:
		s.cmdListTubes(sess)
	case proto.ListTubeUsed:
		sess.send(proto.Using(sess.Use.Name()))
	case proto.ListTubesWatched:
		s.cmdListTubesWatched(sess)
	case proto.PauseTube:
		s.cmdPauseTube(sess, req, now)
	case proto.Quit:
		s.closeSession(sess.ID)
	default:
		sess.send(proto.ErrUnknown.Bytes())
	}
}

func (s *Server) cmdPut(sess *session, req *proto.Request, now int64) {
	if s.drain {
		sess.send(proto.ErrDraining.Bytes())
		return
	}
	pri, err := req.ArgUint32(0)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	delaySecs, err := req.ArgUint32(1)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	ttrSecs, err := req.ArgUint32(2)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	if ttrSecs == 0 {
		ttrSecs = 1 // original_source/prot.c clamps a zero TTR up to 1s
	}

	id := s.store.NextID()
	j := &job.Job{Rec: job.Rec{
		ID:        id,
		Pri:       pri,
		Delay:     int64(delaySecs) * int64(time.Second),
		TTR:       int64(ttrSecs) * int64(time.Second),
		BodySize:  int32(len(req.Body)),
		CreatedAt: now,
	}}
	j.Body = req.Body
	j.Tube = sess.Use
	tube.Iref(sess.Use)

	if n := s.wal.ResvPut(j); n == 0 && s.wal.Enabled() {
		s.tubes.Dref(sess.Use)
		sess.send(proto.ErrOutOfMem.Bytes())
		return
	}

	if j.Delay > 0 {
		j.DeadlineAt = now + j.Delay
		sess.Use.EnqueueDelay(j)
	} else {
		sess.Use.EnqueueReady(j)
	}
	if err := s.wal.Write(j); err != nil {
		s.log.Warn("wal write failed", zap.Error(err))
	}
	sess.Use.Stat.TotalJobCt++
	s.store.Insert(j)
	sess.SetProducer()
	if s.met != nil {
		s.met.JobsCreated.Inc()
	}

	if j.Delay == 0 {
		s.matchTube(sess.Use, now)
	}
	sess.send(proto.Inserted(id))
}

// cmdReserve implements reserve / reserve-with-timeout. secs < 0 means
// block forever (plain reserve); secs == 0 is a non-blocking try.
func (s *Server) cmdReserve(sess *session, secs int, now int64) {
	sess.SetWorker()
	if j, t := s.bestReadyAcrossWatched(sess, now); j != nil {
		s.deliverJob(sess, t, j, now)
		return
	}
	if secs == 0 {
		sess.send(proto.ErrTimedOut.Bytes())
		return
	}
	sess.PendingTimeout = secs
	if secs >= 0 {
		sess.PendingDeadline = now + int64(secs)*int64(time.Second)
	}
	sess.SetWaiting()
	for _, t := range sess.Watch.Items() {
		t.WaitingConns.Append(sess)
	}
	s.rescheduleSession(sess, now)
}

func (s *Server) cmdReserveJob(sess *session, req *proto.Request, now int64) {
	sess.SetWorker()
	id, err := req.ArgUint(0)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	j := s.store.Find(id)
	if j == nil || j.State != job.Ready {
		sess.send(proto.ErrNotFound.Bytes())
		return
	}
	t := j.Tube.(*tube.Tube)
	s.deliverJob(sess, t, j, now)
}

// bestReadyAcrossWatched returns the lowest (pri,id) ready job across every
// tube sess watches, and that job's tube, or (nil,nil) if none.
func (s *Server) bestReadyAcrossWatched(sess *session, now int64) (*job.Job, *tube.Tube) {
	var best *job.Job
	var bestTube *tube.Tube
	for _, t := range sess.Watch.Items() {
		if !t.HasReady(now) {
			continue
		}
		top, ok := t.ReadyHeap().Peek()
		if ok && (best == nil || top.Less(best)) {
			best, bestTube = top, t
		}
	}
	return best, bestTube
}

// deliverJob pops j from t's ready heap (if j is still Ready), reserves it
// on sess, schedules sess's tick for the new job's TTR expiry, and replies
// RESERVED.
func (s *Server) deliverJob(sess *session, t *tube.Tube, j *job.Job, now int64) {
	if j.State == job.Ready {
		if _, ok := t.ReadyHeap().RemoveAt(j.HeapIndex); ok {
			t.Stat.ReadyCt--
			if j.IsUrgent() {
				t.Stat.UrgentCt--
			}
		}
	}
	sess.ReserveJob(j, now)
	sess.ClearWaiting()
	s.removeFromWaitingSets(sess)
	s.rescheduleSession(sess, now)
	sess.send(proto.Job("RESERVED", j.ID, j.Body))
}

// removeFromWaitingSets drops sess from every watched tube's waiting-conn
// set (a no-op for tubes it wasn't queued on).
func (s *Server) removeFromWaitingSets(sess *session) {
	for _, t := range sess.Watch.Items() {
		t.WaitingConns.Remove(sess)
	}
}

// matchTube delivers t's ready jobs to its waiting consumers (FIFO via
// WaitingConns), per spec.md §4.H's matching rule. Called whenever t gains
// a ready job (put, release, kick, delay promotion, replay).
func (s *Server) matchTube(t *tube.Tube, now int64) {
	for t.HasReady(now) {
		v, ok := t.WaitingConns.Take()
		if !ok {
			return
		}
		waiter := v.(*session)
		if !waiter.IsWaiting() {
			continue
		}
		j, bt := s.bestReadyAcrossWatched(waiter, now)
		if j == nil {
			continue
		}
		s.unscheduleTick(waiter)
		s.deliverJob(waiter, bt, j, now)
	}
}

// unscheduleTick removes sess from the tick heap if it currently occupies
// a slot there (its pending reserve-with-timeout was just satisfied).
func (s *Server) unscheduleTick(sess *session) {
	if sess.InConnHeap {
		s.tickHeap.RemoveAt(sess.HeapIndex)
		sess.InConnHeap = false
	}
}

// requeueTimedOutJob re-enqueues a job whose reservation's TTR expired,
// WAL-logging the implicit release, per spec.md §4.G/§7.
func (s *Server) requeueTimedOutJob(j *job.Job, now int64) {
	t := j.Tube.(*tube.Tube)
	if n := s.wal.ResvUpdate(); n == 0 && s.wal.Enabled() {
		s.log.Warn("wal reservation failed on TTR timeout; continuing in-memory only")
	}
	t.EnqueueReady(j)
	if err := s.wal.Write(j); err != nil {
		s.log.Warn("wal write failed on TTR timeout", zap.Error(err))
	}
	if s.met != nil {
		s.met.JobsTimedOut.Inc()
	}
	s.matchTube(t, now)
}

func (s *Server) cmdDelete(sess *session, req *proto.Request, now int64) {
	id, err := req.ArgUint(0)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	j := s.store.Find(id)
	if j == nil || !s.canTouch(sess, j) {
		sess.send(proto.ErrNotFound.Bytes())
		return
	}
	s.removeFromScheduling(j)
	if j.Reserver == sess {
		sess.ReleaseReservedJob(j)
	}
	j.State = job.Invalid
	if n := s.wal.ResvUpdate(); n == 0 && s.wal.Enabled() {
		sess.send(proto.ErrOutOfMem.Bytes())
		return
	}
	if err := s.wal.Write(j); err != nil {
		s.log.Warn("wal write failed on delete", zap.Error(err))
	}
	s.store.Remove(id)
	if t, ok := j.Tube.(*tube.Tube); ok {
		s.tubes.Dref(t)
	}
	sess.send(proto.Word("DELETED"))
}

// canTouch reports whether sess may mutate j per spec.md §4.H: the
// reserver always may; anyone may if j isn't currently Reserved.
func (s *Server) canTouch(sess *session, j *job.Job) bool {
	if j.State != job.Reserved {
		return true
	}
	return j.Reserver == sess
}

// removeFromScheduling detaches j from whatever ready/delay/buried
// collection currently holds it, without touching a reservation (callers
// handle that separately).
func (s *Server) removeFromScheduling(j *job.Job) {
	t, ok := j.Tube.(*tube.Tube)
	if !ok {
		return
	}
	switch j.State {
	case job.Ready:
		t.ReadyHeap().RemoveAt(j.HeapIndex)
		t.Stat.ReadyCt--
		if j.IsUrgent() {
			t.Stat.UrgentCt--
		}
	case job.Delayed:
		t.DelayHeap().RemoveAt(j.HeapIndex)
		t.Stat.DelayedCt--
	case job.Buried:
		job.ListRemove(j)
		t.Stat.BuriedCt--
	}
}

func (s *Server) cmdRelease(sess *session, req *proto.Request, now int64) {
	id, err := req.ArgUint(0)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	pri, err := req.ArgUint32(1)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	delaySecs, err := req.ArgUint32(2)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	j := s.store.Find(id)
	if j == nil || j.State != job.Reserved || j.Reserver != sess {
		sess.send(proto.ErrNotFound.Bytes())
		return
	}
	sess.ReleaseReservedJob(j)
	j.Reserver = nil
	j.ReleaseCt++
	j.Pri = pri
	t := j.Tube.(*tube.Tube)
	if n := s.wal.ResvUpdate(); n == 0 && s.wal.Enabled() {
		sess.send(proto.ErrOutOfMem.Bytes())
		return
	}
	if delaySecs > 0 {
		j.Delay = int64(delaySecs) * int64(time.Second)
		j.DeadlineAt = now + j.Delay
		t.EnqueueDelay(j)
	} else {
		t.EnqueueReady(j)
	}
	if err := s.wal.Write(j); err != nil {
		s.log.Warn("wal write failed on release", zap.Error(err))
	}
	sess.send(proto.Word("RELEASED"))
	if delaySecs == 0 {
		s.matchTube(t, now)
	}
}

func (s *Server) cmdBury(sess *session, req *proto.Request, now int64) {
	id, err := req.ArgUint(0)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	pri, err := req.ArgUint32(1)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	j := s.store.Find(id)
	if j == nil || j.State != job.Reserved || j.Reserver != sess {
		sess.send(proto.ErrNotFound.Bytes())
		return
	}
	sess.ReleaseReservedJob(j)
	j.Reserver = nil
	j.BuryCt++
	j.Pri = pri
	t := j.Tube.(*tube.Tube)
	if n := s.wal.ResvUpdate(); n == 0 && s.wal.Enabled() {
		sess.send(proto.ErrOutOfMem.Bytes())
		return
	}
	t.Bury(j)
	if err := s.wal.Write(j); err != nil {
		s.log.Warn("wal write failed on bury", zap.Error(err))
	}
	if s.met != nil {
		s.met.JobsBuried.Inc()
	}
	sess.send(proto.Word("BURIED"))
}

func (s *Server) cmdKick(sess *session, req *proto.Request, now int64) {
	bound, err := req.ArgUint(0)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	t := sess.Use
	n := 0
	for uint64(n) < bound {
		j := t.UnburyOne()
		if j == nil {
			break
		}
		s.kickOne(t, j, now)
		n++
	}
	if n == 0 {
		for uint64(n) < bound {
			top, ok := t.DelayHeap().Peek()
			if !ok {
				break
			}
			t.DelayHeap().RemoveAt(top.Job.HeapIndex)
			t.Stat.DelayedCt--
			s.kickOne(t, top.Job, now)
			n++
		}
	}
	if n > 0 {
		s.matchTube(t, now)
	}
	sess.send(proto.Kicked(n))
}

func (s *Server) kickOne(t *tube.Tube, j *job.Job, now int64) {
	j.KickCt++
	j.Delay = 0
	if n := s.wal.ResvUpdate(); n == 0 && s.wal.Enabled() {
		s.log.Warn("wal reservation failed during kick; continuing in-memory only")
	}
	t.EnqueueReady(j)
	if err := s.wal.Write(j); err != nil {
		s.log.Warn("wal write failed during kick", zap.Error(err))
	}
}

func (s *Server) cmdKickJob(sess *session, req *proto.Request, now int64) {
	id, err := req.ArgUint(0)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	j := s.store.Find(id)
	if j == nil || (j.State != job.Buried && j.State != job.Delayed) {
		sess.send(proto.ErrNotFound.Bytes())
		return
	}
	t := j.Tube.(*tube.Tube)
	s.removeFromScheduling(j)
	s.kickOne(t, j, now)
	s.matchTube(t, now)
	sess.send(proto.KickedJob())
}

func (s *Server) cmdTouch(sess *session, req *proto.Request, now int64) {
	id, err := req.ArgUint(0)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	j := s.store.Find(id)
	if j == nil || j.State != job.Reserved || j.Reserver != sess {
		sess.send(proto.ErrNotFound.Bytes())
		return
	}
	sess.TouchJob(j, now)
	if n := s.wal.ResvUpdate(); n == 0 && s.wal.Enabled() {
		sess.send(proto.ErrOutOfMem.Bytes())
		return
	}
	if err := s.wal.Write(j); err != nil {
		s.log.Warn("wal write failed on touch", zap.Error(err))
	}
	s.rescheduleSession(sess, now)
	sess.send(proto.Word("TOUCHED"))
}

func (s *Server) cmdWatch(sess *session, req *proto.Request) {
	name, err := req.ArgString(0)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	if verr := tube.ValidateName(name); verr != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	t := s.findOrMakeTube(name)
	if !sess.Watch.Contains(t) {
		sess.Watch.Append(t)
		t.WatchingCt++
		tube.Iref(t)
	}
	sess.send(proto.Watching(sess.Watch.Len()))
}

func (s *Server) cmdIgnore(sess *session, req *proto.Request) {
	name, err := req.ArgString(0)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	if sess.Watch.Len() <= 1 {
		sess.send(proto.ErrNotIgnored.Bytes())
		return
	}
	t := s.tubes.Find(name)
	if t != nil && sess.Watch.Remove(t) {
		t.WatchingCt--
		s.tubes.Dref(t)
	}
	sess.send(proto.Watching(sess.Watch.Len()))
}

func (s *Server) cmdUse(sess *session, req *proto.Request) {
	name, err := req.ArgString(0)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	if verr := tube.ValidateName(name); verr != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	if t := s.findOrMakeTube(name); t != sess.Use {
		if sess.Use.UsingCt > 0 {
			sess.Use.UsingCt--
		}
		s.tubes.Reassign(&sess.Use, t)
		t.UsingCt++
	}
	sess.send(proto.Using(sess.Use.Name()))
}

func (s *Server) cmdPeek(sess *session, req *proto.Request) {
	id, err := req.ArgUint(0)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	j := s.store.Find(id)
	if j == nil {
		sess.send(proto.ErrNotFound.Bytes())
		return
	}
	cp := j.Snapshot()
	sess.send(proto.Job("FOUND", cp.ID, cp.Body))
}

type peekKind int

const (
	peekReady peekKind = iota
	peekDelayed
	peekBuried
)

func (s *Server) cmdPeekState(sess *session, kind peekKind) {
	t := sess.Use
	var j *job.Job
	switch kind {
	case peekReady:
		if top, ok := t.ReadyHeap().Peek(); ok {
			j = top
		}
	case peekDelayed:
		if top, ok := t.DelayHeap().Peek(); ok {
			j = top.Job
		}
	case peekBuried:
		if !job.ListIsEmpty(t.Buried) {
			j = t.Buried.Next
		}
	}
	if j == nil {
		sess.send(proto.ErrNotFound.Bytes())
		return
	}
	cp := j.Snapshot()
	sess.send(proto.Job("FOUND", cp.ID, cp.Body))
}

func (s *Server) cmdPauseTube(sess *session, req *proto.Request, now int64) {
	name, err := req.ArgString(0)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	secs, err := req.ArgUint32(1)
	if err != nil {
		sess.send(proto.ErrBadFormat.Bytes())
		return
	}
	t := s.tubes.Find(name)
	if t == nil {
		sess.send(proto.ErrNotFound.Bytes())
		return
	}
	t.SetPause(now, int64(secs)*int64(time.Second))
	sess.send(proto.Paused())
}

