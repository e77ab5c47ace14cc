// Package server implements the single-threaded cooperative event loop
// described in spec.md §5: one goroutine ("the loop") owns every piece of
// mutable state (the tube registry, the job store, the WAL manager, the
// conn-tick heap) and is fed exclusively through channels by per-connection
// reader goroutines, a net.Listener accept goroutine, and a ticker.
//
// Grounded on _examples/socket515-gaio/watcher.go's loop() — a single
// select over chPendingNotify/chEventNotify/timer.C/gcNotify/die — adapted
// from delivering async-IO completions to dispatching beanstalkd-style
// commands against job/tube/conn/wal state. Also grounded on
// original_source/serv.c's srvserve (tick, then wait for readiness, then
// drain events, repeat).
package server

import (
	"context"
	"net"
	"time"

	"github.com/nullbound/holdd/internal/heap"
	"github.com/nullbound/holdd/internal/job"
	"github.com/nullbound/holdd/internal/metrics"
	"github.com/nullbound/holdd/internal/proto"
	"github.com/nullbound/holdd/internal/tube"
	"github.com/nullbound/holdd/internal/wal"
	"go.uber.org/zap"
)

// DefaultTubeName is the tube every new connection uses and watches,
// matching original_source/prot.c's "default" constant.
const DefaultTubeName = "default"

// Config bundles the knobs srvserve's caller would normally thread through
// optparse (spec.md §6).
type Config struct {
	MaxJobSize int // `-z`; 0 means unlimited
}

// Server owns every piece of process-wide mutable state and the single
// loop goroutine that mutates it.
type Server struct {
	cfg Config
	log *zap.Logger
	met *metrics.Metrics

	store *job.Store
	tubes *tube.Registry
	wal   *wal.Manager

	sessions map[int64]*session
	nextID   int64

	// tickHeap orders sessions by their next TickAt, mirroring
	// original_source/conn.c's use of a heap of connections keyed by
	// tickat (see spec.md §4.G).
	tickHeap *heap.Heap[*session]

	drain bool

	chNewConn chan net.Conn
	chInbound chan inbound
	chClosed  chan int64
	chDrain   chan struct{}
	die       chan struct{}
}

// sessionSetIndex is the tickHeap's setpos callback, recording each
// session's heap position via its embedded *conn.Conn.HeapIndex.
func sessionSetIndex(s *session, i int) { s.HeapIndex = i }

// New creates a Server. store/tubes/wal may be pre-populated by a prior
// WAL replay (see cmd/holdd); an empty store and a fresh `default` tube are
// created otherwise.
func New(cfg Config, store *job.Store, tubes map[string]*tube.Tube, w *wal.Manager, log *zap.Logger, met *metrics.Metrics) *Server {
	if store == nil {
		store = job.NewStore(0)
	}
	reg := tube.NewRegistryFrom(tubes)
	reg.FindOrMake(DefaultTubeName)
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		log:       log,
		met:       met,
		store:     store,
		tubes:     reg,
		wal:       w,
		sessions:  make(map[int64]*session),
		tickHeap:  heap.New(func(s *session, i int) { sessionSetIndex(s, i) }),
		chNewConn: make(chan net.Conn, 16),
		chInbound: make(chan inbound, 256),
		chClosed:  make(chan int64, 16),
		chDrain:   make(chan struct{}, 1),
		die:       make(chan struct{}),
	}
}

// findOrMakeTube returns the named tube, creating it if necessary. Mirrors
// original_source/tube.c's tube_find_or_make. It does not itself adjust
// Refs — callers own a tube only once they Iref it (use/watch) or attach a
// job to it, per spec.md §3's "job→tube is a strong reference" redesign.
func (s *Server) findOrMakeTube(name string) *tube.Tube {
	return s.tubes.FindOrMake(name)
}

// Replay hands the server's store/tubes to the WAL manager's replay, then
// re-homes every recovered job into its tube's ready/delay/buried
// collection, per spec.md §4.H's round-trip property.
func Replay(w *wal.Manager, tubes map[string]*tube.Tube) (*job.Store, error) {
	store := job.NewStore(0)
	find := func(name string) job.TubeRef {
		if t, ok := tubes[name]; ok {
			return t
		}
		t := tube.New(name)
		tubes[name] = t
		return t
	}
	jobs, err := w.Replay(store, find)
	if err != nil {
		return store, err
	}
	now := time.Now().UnixNano()
	for _, j := range jobs {
		t := j.Tube.(*tube.Tube)
		switch j.State {
		case job.Ready:
			t.EnqueueReady(j)
		case job.Delayed:
			if j.DeadlineAt <= now {
				t.EnqueueReady(j)
			} else {
				t.EnqueueDelay(j)
			}
		case job.Buried:
			t.Bury(j)
		default:
			continue
		}
		// Recovered job keeps its tube alive, matching the strong
		// job->tube reference every other job acquires at put time.
		tube.Iref(t)
	}
	return store, nil
}

// Serve accepts connections on ln and runs the central loop until ctx is
// cancelled. It blocks until shutdown completes.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.acceptLoop(ctx, ln)
	go func() {
		<-ctx.Done()
		close(s.die)
		ln.Close()
	}()
	s.loop()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Warn("accept failed", zap.Error(err))
				return
			}
		}
		select {
		case s.chNewConn <- nc:
		case <-ctx.Done():
			nc.Close()
			return
		}
	}
}

// Drain toggles drain mode: while it is on, puts reply DRAINING (spec.md
// §4.H); the next call turns it off again. A call made while an earlier
// toggle is still pending is dropped. Safe to call from a signal handler
// goroutine.
func (s *Server) Drain() {
	select {
	case s.chDrain <- struct{}{}:
	default:
	}
}

// readerLoop reads bytes off sess's socket, feeds them through its
// proto.Reader, and forwards each fully-parsed Request (or parse error) to
// the central loop via chInbound. It never touches server state directly —
// only the loop goroutine does that — matching spec.md §5's single-mutator
// model.
func (s *Server) readerLoop(id int64, sess *session) {
	buf := make([]byte, 4096)
	for {
		n, err := sess.nc.Read(buf)
		if n > 0 {
			sess.reader.Feed(buf[:n])
			for {
				req, ok, perr := sess.reader.Next()
				if perr != nil {
					s.chInbound <- inbound{id: id, err: perr}
					if perr == proto.ErrLineTooLong {
						// wantCommand left r.buf untouched — calling
						// Next() again would return the same error
						// forever. The line can never be completed, so
						// close the connection instead of looping.
						s.chClosed <- id
						return
					}
					continue
				}
				if !ok {
					break
				}
				s.chInbound <- inbound{id: id, req: req}
			}
		}
		if err != nil {
			s.chClosed <- id
			return
		}
	}
}
