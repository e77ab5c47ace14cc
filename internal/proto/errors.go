package proto

import "github.com/pkg/errors"

// Wire error reply tokens, one line each, matching spec.md §4.H/§7's error
// taxonomy. Named and grouped the way
// _examples/compmaniak-go-beanstalk/err.go names the client-side mirror of
// the same taxonomy (resBadFormat, resNotFound, ...).
var (
	wireBadFormat  = []byte("BAD_FORMAT\r\n")
	wireNoCRLF     = []byte("EXPECTED_CRLF\r\n")
	wireUnknownCmd = []byte("UNKNOWN_COMMAND\r\n")
	wireJobTooBig  = []byte("JOB_TOO_BIG\r\n")
	wireDraining   = []byte("DRAINING\r\n")
	wireNotIgnored = []byte("NOT_IGNORED\r\n")
	wireNotFound   = []byte("NOT_FOUND\r\n")
	wireOutOfMem   = []byte("OUT_OF_MEMORY\r\n")
	wireInternal   = []byte("INTERNAL_ERROR\r\n")
	wireDeadline   = []byte("DEADLINE_SOON\r\n")
	wireTimedOut   = []byte("TIMED_OUT\r\n")
)

// Kind classifies a reply error so callers (internal/server) can decide
// whether it also warrants a stderr log (INTERNAL_ERROR) or a connection
// close (too many UNKNOWN_COMMAND in a row), per spec.md §7.
type Kind int

const (
	KindNone Kind = iota
	KindBadFormat
	KindNoCRLF
	KindUnknownCommand
	KindJobTooBig
	KindDraining
	KindNotIgnored
	KindNotFound
	KindOutOfMemory
	KindInternal
	KindDeadlineSoon
	KindTimedOut
)

// WireError pairs a Kind with the exact bytes written back to the client.
type WireError struct {
	Kind Kind
	wire []byte
}

func (e *WireError) Error() string { return string(e.wire[:len(e.wire)-2]) }

// Bytes returns the CRLF-terminated wire reply for e.
func (e *WireError) Bytes() []byte { return e.wire }

var (
	ErrBadFormat  = &WireError{KindBadFormat, wireBadFormat}
	ErrNoCRLF     = &WireError{KindNoCRLF, wireNoCRLF}
	ErrUnknown    = &WireError{KindUnknownCommand, wireUnknownCmd}
	ErrJobTooBig  = &WireError{KindJobTooBig, wireJobTooBig}
	ErrDraining   = &WireError{KindDraining, wireDraining}
	ErrNotIgnored = &WireError{KindNotIgnored, wireNotIgnored}
	ErrNotFound   = &WireError{KindNotFound, wireNotFound}
	ErrOutOfMem   = &WireError{KindOutOfMemory, wireOutOfMem}
	ErrInternal   = &WireError{KindInternal, wireInternal}
	ErrDeadline   = &WireError{KindDeadlineSoon, wireDeadline}
	ErrTimedOut   = &WireError{KindTimedOut, wireTimedOut}

	// ErrLineTooLong is ErrBadFormat's wire twin for the one case the
	// reader can never recover from by itself: a command line longer than
	// LineBufSize with no CRLF anywhere in it yet. wantCommand can't
	// consume or discard the oversized buffer without risking splitting a
	// line the client hasn't finished sending, so the caller (the
	// connection's readerLoop) must close the connection instead of
	// calling Next() again.
	ErrLineTooLong = &WireError{KindBadFormat, wireBadFormat}
)

// wrapf is used by parsing code that wants a Go error chain (for server-side
// logging) alongside the fixed wire reply; the wire bytes never include Go
// error text, only the caller's stderr log does.
func wrapf(base *WireError, format string, args ...interface{}) error {
	return errors.Wrapf(base, format, args...)
}
