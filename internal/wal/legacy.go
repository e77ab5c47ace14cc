package wal

import (
	"encoding/binary"
	"io"

	"github.com/nullbound/holdd/internal/job"
	"github.com/pkg/errors"
)

// jobrec5Size is the packed size of a version-5 Jobrec5: same field widths
// as the current format except delay/ttr/created_at/deadline_at are
// unsigned microsecond counts rather than signed nanosecond ones,
// grounded on original_source/file.c's Jobrec5.
const jobrec5Size = jobrecSize

// decodeJobrec5 parses a version-5 record body and converts its
// microsecond timestamps to the nanosecond units used everywhere else in
// this module.
func decodeJobrec5(b []byte) (rec job.Rec, err error) {
	if len(b) != jobrec5Size {
		return rec, errors.Errorf("wal: short v5 jobrec buffer: got %d want %d", len(b), jobrec5Size)
	}
	o := 0
	getU64 := func() uint64 { v := binary.LittleEndian.Uint64(b[o:]); o += 8; return v }
	getU32 := func() uint32 { v := binary.LittleEndian.Uint32(b[o:]); o += 4; return v }
	getI32 := func() int32 { return int32(getU32()) }

	const usToNs = 1000

	rec.ID = getU64()
	rec.Pri = getU32()
	rec.Delay = int64(getU64()) * usToNs
	rec.TTR = int64(getU64()) * usToNs
	rec.BodySize = getI32()
	rec.CreatedAt = int64(getU64()) * usToNs
	rec.DeadlineAt = int64(getU64()) * usToNs
	rec.ReserveCt = getU32()
	rec.TimeoutCt = getU32()
	rec.ReleaseCt = getU32()
	rec.BuryCt = getU32()
	rec.KickCt = getU32()
	rec.State = job.State(b[o])
	return rec, nil
}

// readU64 reads a little-endian uint64 from r, used for the version-5
// record's 8-byte tube-name-length field (the current format uses a
// 4-byte field; see readU32).
func readU64(r io.Reader) (v uint64, ok bool, err error) {
	var b [8]byte
	n, rerr := io.ReadFull(r, b[:])
	if rerr == io.EOF && n == 0 {
		return 0, false, nil
	}
	if rerr != nil {
		return 0, false, errors.Wrap(rerr, "wal: read u64")
	}
	return binary.LittleEndian.Uint64(b[:]), true, nil
}
