// Package wal implements the segmented, reservation-based write-ahead log
// described in spec.md §4.E/4.F: binlog.N segments, a strict
// reserve-before-write protocol with balance invariants, background
// compaction, and crash replay (current and legacy record formats).
//
// Grounded on original_source/file.c and original_source/walg.c,
// translated line-for-line in semantics; binary layout follows
// original_source/dat.h's Jobrec field list exactly, as spelled out in
// spec.md's record BNF (a tightly packed encoding, not the C compiler's
// padded struct layout).
package wal

import (
	"encoding/binary"
	"io"

	"github.com/nullbound/holdd/internal/job"
	"github.com/pkg/errors"
)

// Walver is the current on-disk record format version, matching
// original_source/dat.h's Walver.
const Walver = 7

// Walver5 is the legacy microsecond-timestamp format accepted on replay,
// matching original_source/file.c's Walver5.
const Walver5 = 5

// jobrecSize is the packed encoding size of one Jobrec: u64 id, u32 pri,
// i64 delay, i64 ttr, i32 body_size, i64 created_at, i64 deadline_at,
// u32 reserve_ct, u32 timeout_ct, u32 release_ct, u32 bury_ct, u32 kick_ct,
// u8 state.
const jobrecSize = 8 + 4 + 8 + 8 + 4 + 8 + 8 + 4 + 4 + 4 + 4 + 4 + 1

// deleteRecordSize is z in spec.md's balance invariants: the size of a
// short (state-only) record, u32(name_len=0) followed by one Jobrec.
const deleteRecordSize = 4 + jobrecSize

// encodeJobrec serializes j's persistent fields into the packed Jobrec
// layout.
func encodeJobrec(j *job.Job) []byte {
	b := make([]byte, jobrecSize)
	o := 0
	putU64 := func(v uint64) { binary.LittleEndian.PutUint64(b[o:], v); o += 8 }
	putI64 := func(v int64) { putU64(uint64(v)) }
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(b[o:], v); o += 4 }
	putI32 := func(v int32) { putU32(uint32(v)) }

	putU64(j.ID)
	putU32(j.Pri)
	putI64(j.Delay)
	putI64(j.TTR)
	putI32(j.BodySize)
	putI64(j.CreatedAt)
	putI64(j.DeadlineAt)
	putU32(j.ReserveCt)
	putU32(j.TimeoutCt)
	putU32(j.ReleaseCt)
	putU32(j.BuryCt)
	putU32(j.KickCt)
	b[o] = byte(j.State)
	o++
	return b
}

// decodeJobrec parses the packed Jobrec layout into rec.
func decodeJobrec(b []byte) (rec job.Rec, err error) {
	if len(b) != jobrecSize {
		return rec, errors.Errorf("wal: short jobrec buffer: got %d want %d", len(b), jobrecSize)
	}
	o := 0
	getU64 := func() uint64 { v := binary.LittleEndian.Uint64(b[o:]); o += 8; return v }
	getI64 := func() int64 { return int64(getU64()) }
	getU32 := func() uint32 { v := binary.LittleEndian.Uint32(b[o:]); o += 4; return v }
	getI32 := func() int32 { return int32(getU32()) }

	rec.ID = getU64()
	rec.Pri = getU32()
	rec.Delay = getI64()
	rec.TTR = getI64()
	rec.BodySize = getI32()
	rec.CreatedAt = getI64()
	rec.DeadlineAt = getI64()
	rec.ReserveCt = getU32()
	rec.TimeoutCt = getU32()
	rec.ReleaseCt = getU32()
	rec.BuryCt = getU32()
	rec.KickCt = getU32()
	rec.State = job.State(b[o])
	return rec, nil
}

// writeU32 writes a little-endian uint32 to w.
func writeU32(w io.Writer, v uint32) (int, error) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	n, err := w.Write(b[:])
	return n, err
}

// readU32 reads a little-endian uint32 from r. ok is false on a clean EOF
// (zero bytes read); err is set for any other short read or I/O error.
func readU32(r io.Reader) (v uint32, ok bool, err error) {
	var b [4]byte
	n, rerr := io.ReadFull(r, b[:])
	if rerr == io.EOF && n == 0 {
		return 0, false, nil
	}
	if rerr != nil {
		return 0, false, errors.Wrap(rerr, "wal: read u32")
	}
	return binary.LittleEndian.Uint32(b[:]), true, nil
}
