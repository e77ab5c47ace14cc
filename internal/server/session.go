package server

import (
	"net"

	"github.com/nullbound/holdd/internal/conn"
	"github.com/nullbound/holdd/internal/proto"
	"github.com/nullbound/holdd/internal/tube"
)

// session is one client connection: the protocol-scheduling half
// (*conn.Conn, from internal/conn) plus the socket and its read/write
// plumbing. Only the loop goroutine ever reads or mutates session fields
// other than nc/out/closed, which the reader/writer goroutines own.
type session struct {
	*conn.Conn

	nc     net.Conn
	reader *proto.Reader

	out    chan []byte
	closed chan struct{}

	// unknownStreak counts consecutive UNKNOWN_COMMAND replies, closing
	// the connection past maxConsecutiveUnknown (spec.md §7).
	unknownStreak int

	// Tick-heap membership is tracked by the embedded Conn's InConnHeap
	// and HeapIndex; the heap itself is server-owned since it spans all
	// sessions.
}

// inbound is one parsed request arriving from a session's reader goroutine.
type inbound struct {
	id  int64
	req *proto.Request
	err error // set for a parse-level error (already a *proto.WireError)
}

// Less implements heap.Interface[*session] for the server's tick heap by
// delegating to the embedded *conn.Conn's TickAt ordering.
func (s *session) Less(o *session) bool { return s.Conn.Less(o.Conn) }

func newSession(id int64, nc net.Conn, useTube *tube.Tube, maxJobSize int) *session {
	return &session{
		Conn:   conn.New(id, useTube),
		nc:     nc,
		reader: proto.NewReader(maxJobSize),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

// writeLoop drains s.out to the socket until it's closed. Runs on its own
// goroutine so a slow client never blocks the central loop goroutine,
// matching spec.md §5's "only fsync and the readiness wait may block"
// model — everything else, including writes, happens off that goroutine.
func (s *session) writeLoop() {
	for b := range s.out {
		if _, err := s.nc.Write(b); err != nil {
			return
		}
	}
}

// send enqueues a reply, dropping it if the session is already shutting
// down (its out channel was closed) rather than panicking.
func (s *session) send(b []byte) {
	defer func() { recover() }()
	select {
	case s.out <- b:
	case <-s.closed:
	}
}
