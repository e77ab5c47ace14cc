package server

import (
	"time"

	"github.com/nullbound/holdd/internal/proto"
	"github.com/nullbound/holdd/internal/tube"
)

// nextWake returns the absolute ns timestamp of the earliest event the loop
// must wake for: the soonest session tick (TTR expiry or
// reserve-with-timeout deadline), the soonest delay-heap promotion across
// all tubes, or the soonest tube unpause. ok is false if nothing is
// pending and the loop may block indefinitely for new I/O.
func (s *Server) nextWake() (t int64, ok bool) {
	if sess, has := s.tickHeap.Peek(); has {
		t, ok = sess.TickAt, true
	}
	s.tubes.All(func(tb *tube.Tube) {
		if top, has := tb.DelayHeap().Peek(); has {
			if !ok || top.Job.DeadlineAt < t {
				t, ok = top.Job.DeadlineAt, true
			}
		}
		if tb.Pause > 0 {
			if !ok || tb.UnpauseAt < t {
				t, ok = tb.UnpauseAt, true
			}
		}
	})
	return t, ok
}

// armTimer (re)schedules timer to fire at the next pending event, or stops
// it if nothing is pending.
func (s *Server) armTimer(timer *time.Timer, now int64) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	at, ok := s.nextWake()
	if !ok {
		return
	}
	d := time.Duration(at - now)
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

// runTick processes every session whose TickAt has elapsed and promotes
// every tube's due delayed jobs / expired pauses, then tries to match
// waiting consumers against anything that just became ready.
func (s *Server) runTick(now int64) {
	for {
		sess, has := s.tickHeap.Peek()
		if !has || sess.TickAt > now {
			break
		}
		s.tickHeap.PopMin()
		sess.InConnHeap = false
		s.tickSession(sess, now)
	}

	s.tubes.All(func(tb *tube.Tube) {
		tb.TryUnpause(now)
		promoted := tb.PromoteDue(now)
		if len(promoted) > 0 {
			s.matchTube(tb, now)
		}
	})

	if dur, did := s.wal.Maintain(now); did && s.met != nil {
		s.met.FsyncSeconds.Observe(dur.Seconds())
	}
	s.refreshMetrics()
}

// refreshMetrics pushes the server's current per-tube job counts and WAL
// byte usage into the Prometheus gauges (stats.go's cmdStats/cmdStatsTube
// compute the same numbers per-request; this is the same data sampled
// periodically for the pull-based /metrics endpoint instead of once per
// stats command).
func (s *Server) refreshMetrics() {
	if s.met == nil {
		return
	}
	st := s.wal.Stats()
	s.met.WALBytesReserved.Set(float64(st.Resv))
	s.met.WALBytesAlive.Set(float64(st.Alive))
	s.tubes.All(func(tb *tube.Tube) {
		name := tb.Name()
		s.met.JobsReady.WithLabelValues(name).Set(float64(tb.Stat.ReadyCt))
		s.met.JobsReserved.WithLabelValues(name).Set(float64(tb.Stat.ReservedCt))
		s.met.JobsDelayed.WithLabelValues(name).Set(float64(tb.Stat.DelayedCt))
		s.met.JobsBuriedGauge.WithLabelValues(name).Set(float64(tb.Stat.BuriedCt))
	})
}

// tickSession handles one session's elapsed deadline. A session can own
// both an expiring TTR (on a job it already holds) and an independently
// expiring reserve-with-timeout (blocked waiting on a second job) at the
// same time, so the two conditions are checked separately rather than as
// mutually exclusive if/else-if branches: gating the reserve-timeout check
// on "has no other reserved job" would starve TIMED_OUT forever for a
// session that holds one job on a long TTR while waiting on another, per
// spec.md §4.G's "expire TTRs" and "expire reserve-timeouts" being two
// independent per-tick sweeps.
func (s *Server) tickSession(sess *session, now int64) {
	if j := sess.SoonestJob(); j != nil && now >= j.DeadlineAt {
		sess.ReleaseReservedJob(j)
		j.TimeoutCt++
		j.Reserver = nil
		s.requeueTimedOutJob(j, now)
	}
	if sess.IsWaiting() && sess.PendingTimeout >= 0 && now >= sess.PendingDeadline {
		sess.PendingTimeout = -1
		sess.ClearWaiting()
		s.removeFromWaitingSets(sess)
		sess.send(proto.ErrTimedOut.Bytes())
	}
	s.rescheduleSession(sess, now)
}

// rescheduleSession recomputes sess's TickAt and re-inserts it into the
// tick heap if it still owns a pending deadline. Safe to call whether or
// not sess already occupies a heap slot — any existing slot is removed
// first so a session is never present twice.
func (s *Server) rescheduleSession(sess *session, now int64) {
	s.unscheduleTick(sess)
	sess.TickAt = sess.TickAtFor(now)
	if sess.TickAt == 0 {
		return
	}
	s.tickHeap.Insert(sess)
	sess.InConnHeap = true
}
