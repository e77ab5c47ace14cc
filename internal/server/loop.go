package server

import (
	"net"
	"time"

	"github.com/nullbound/holdd/internal/job"
	"github.com/nullbound/holdd/internal/proto"
	"github.com/nullbound/holdd/internal/tube"
	"go.uber.org/zap"
)

// maxConsecutiveUnknown closes a connection that sends this many
// back-to-back unrecognised commands, per spec.md §7's "close conn after
// too many" guidance for UNKNOWN_COMMAND.
const maxConsecutiveUnknown = 32

// loop is the single goroutine that owns every piece of mutable state.
// Grounded on _examples/socket515-gaio/watcher.go's loop(): one select
// over a handful of channels plus a timer, no locks.
func (s *Server) loop() {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case nc := <-s.chNewConn:
			s.handleNewConn(nc)
			s.armTimer(timer, nowNano())
			s.refreshMetrics()

		case in := <-s.chInbound:
			s.handleInbound(in)
			s.armTimer(timer, nowNano())
			s.refreshMetrics()

		case id := <-s.chClosed:
			s.handleClosed(id)
			s.armTimer(timer, nowNano())
			s.refreshMetrics()

		case <-s.chDrain:
			s.drain = !s.drain
			s.log.Info("drain mode toggled", zap.Bool("draining", s.drain))

		case <-timer.C:
			s.runTick(nowNano())
			s.armTimer(timer, nowNano())

		case <-s.die:
			s.shutdown()
			return
		}
	}
}

// handleNewConn registers a freshly accepted connection as a session using
// and watching `default`, then spawns its reader/writer goroutines. Session
// ids, the sessions map, and everything else here is loop-goroutine-owned,
// so registration happens here rather than in acceptLoop.
func (s *Server) handleNewConn(nc net.Conn) {
	s.nextID++
	id := s.nextID
	def := s.findOrMakeTube(DefaultTubeName)
	sess := newSession(id, nc, nil, s.cfg.MaxJobSize)
	s.tubes.Reassign(&sess.Use, def)
	def.UsingCt++
	sess.Watch.Append(def)
	def.WatchingCt++
	tube.Iref(def)
	s.sessions[id] = sess
	if s.met != nil {
		s.met.ConnectionsOpen.Inc()
	}
	go sess.writeLoop()
	go s.readerLoop(id, sess)
}

// handleInbound dispatches one parsed request, or surfaces a parse error,
// to the session it arrived on. Stale references (session already closed
// by a race between its reader goroutine and a prior chClosed) are
// silently dropped.
func (s *Server) handleInbound(in inbound) {
	sess, ok := s.sessions[in.id]
	if !ok {
		return
	}
	if in.err != nil {
		if werr, ok := in.err.(*proto.WireError); ok {
			sess.send(werr.Bytes())
			if werr.Kind == proto.KindUnknownCommand {
				sess.unknownStreak++
				if sess.unknownStreak >= maxConsecutiveUnknown {
					s.closeSession(in.id)
				}
				return
			}
		} else {
			sess.send(proto.ErrInternal.Bytes())
		}
		sess.unknownStreak = 0
		return
	}
	sess.unknownStreak = 0
	s.dispatch(sess, in.req)
}

// handleClosed tears down a session: releases its reserved jobs back to
// Ready (WAL-logging the implicit release, per spec.md §5), removes it
// from every tube's watch/waiting sets and the tick heap, and closes its
// write channel.
func (s *Server) handleClosed(id int64) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	s.unscheduleTick(sess)
	s.removeFromWaitingSets(sess)

	now := nowNano()
	for j := sess.ReservedJobs.Next; j != sess.ReservedJobs; {
		next := j.Next
		s.releaseOnDisconnect(j, now)
		j = next
	}

	for _, t := range sess.Watch.Items() {
		if t.WatchingCt > 0 {
			t.WatchingCt--
		}
		s.tubes.Dref(t)
	}
	if sess.Use != nil && sess.Use.UsingCt > 0 {
		sess.Use.UsingCt--
	}
	s.tubes.Dref(sess.Use)
	sess.Use = nil

	close(sess.closed)
	close(sess.out)
	sess.nc.Close()
	if s.met != nil {
		s.met.ConnectionsOpen.Dec()
	}
}

func (s *Server) releaseOnDisconnect(j *job.Job, now int64) {
	j.Tube.DecReserved()
	j.Next, j.Prev = nil, nil
	j.Reserver = nil
	t := j.Tube.(*tube.Tube)
	if n := s.wal.ResvUpdate(); n == 0 && s.wal.Enabled() {
		s.log.Warn("wal reservation failed releasing jobs on disconnect; continuing in-memory only")
	}
	t.EnqueueReady(j)
	if err := s.wal.Write(j); err != nil {
		s.log.Warn("wal write failed releasing jobs on disconnect", zap.Error(err))
	}
	s.matchTube(t, now)
}

// closeSession tears a session down immediately (quit, or too many
// UNKNOWN_COMMAND replies). Safe to call more than once for the same id.
func (s *Server) closeSession(id int64) {
	s.handleClosed(id)
}

func (s *Server) shutdown() {
	for id := range s.sessions {
		s.handleClosed(id)
	}
}
