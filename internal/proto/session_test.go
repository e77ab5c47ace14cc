package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderParsesSimpleCommand(t *testing.T) {
	r := NewReader(0)
	r.Feed([]byte("delete 5\r\n"))
	req, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Delete, req.Cmd)
	assert.Equal(t, []string{"5"}, req.Args)
}

func TestReaderParsesPutWithBody(t *testing.T) {
	r := NewReader(0)
	r.Feed([]byte("put 0 0 60 5\r\nhello\r\n"))
	req, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Put, req.Cmd)
	assert.Equal(t, "hello", string(req.Body))
}

func TestReaderHandlesPutArrivingInChunks(t *testing.T) {
	r := NewReader(0)
	r.Feed([]byte("put 0 0 60 5\r\nhel"))
	_, ok, err := r.Next()
	require.NoError(t, err)
	require.False(t, ok, "body incomplete, should not yield a request yet")

	r.Feed([]byte("lo\r\n"))
	req, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(req.Body))
}

func TestReaderRejectsUnknownCommand(t *testing.T) {
	r := NewReader(0)
	r.Feed([]byte("frobnicate\r\n"))
	_, _, err := r.Next()
	assert.Same(t, ErrUnknown, err)
}

func TestReaderRejectsBadFormatOnMissingBytesArg(t *testing.T) {
	r := NewReader(0)
	r.Feed([]byte("put 0 0 60\r\n"))
	_, _, err := r.Next()
	assert.Same(t, ErrBadFormat, err)
}

func TestReaderEnforcesMaxJobSizeAndResyncs(t *testing.T) {
	r := NewReader(4)
	r.Feed([]byte("put 0 0 60 10\r\n"))
	_, _, err := r.Next()
	assert.Same(t, ErrJobTooBig, err)

	// The 10-byte body plus its trailing CRLF must be silently discarded,
	// leaving the reader ready for the next real command.
	r.Feed([]byte("0123456789\r\n"))
	for {
		_, ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
	}
	r.Feed([]byte("delete 1\r\n"))
	req, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Delete, req.Cmd)
}

func TestReaderRejectsMissingBodyTerminator(t *testing.T) {
	r := NewReader(0)
	r.Feed([]byte("put 0 0 60 5\r\nhelloXX"))
	_, _, err := r.Next()
	assert.Same(t, ErrNoCRLF, err)
}

func TestReaderFlagsOverlongUnterminatedLine(t *testing.T) {
	r := NewReader(0)
	r.Feed(make([]byte, LineBufSize+1))
	_, _, err := r.Next()
	assert.Same(t, ErrLineTooLong, err)
}
