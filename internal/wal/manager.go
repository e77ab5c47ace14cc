package wal

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nullbound/holdd/internal/job"
	"github.com/pkg/errors"
)

// deleteRecordSizeExported mirrors deleteRecordSize for callers outside
// this package that need to size a fixed reservation budget (nothing,
// inside or outside the package, refers to it today).
const deleteRecordSizeExported = deleteRecordSize

// DefaultFilesize matches original_source/dat.h's default segment size
// (10 MiB).
const DefaultFilesize = 10 * 1024 * 1024

// DefaultSyncRate matches original_source/dat.h's DEFAULT_FSYNC_MS.
const DefaultSyncRate = 50 * time.Millisecond

// Manager is the write-ahead log: a chain of fixed-size segments with a
// strict reserve-before-write protocol. Grounded on
// original_source/dat.h's Wal struct and original_source/walg.c.
type Manager struct {
	dir          string
	filesize     int
	wantSync     bool
	syncRate     int64 // ns
	lastSync     int64
	PreallocMode PreallocMode

	head, tail, cur *File
	nfile           int
	next            int // next unused segment sequence number

	resv  int // total bytes reserved across all segments
	alive int // total bytes of live records across all segments

	nrec int // records written, lifetime
	nmig int // jobs migrated by compaction, lifetime

	use bool // false once a write failure has permanently disabled the log
}

// NewManager creates a WAL manager rooted at dir. Passing dir == "" yields
// a disabled manager whose Reserve/Write calls are no-ops that always
// succeed, matching original_source/walg.c's `if (!w->use) return 1;`
// no-WAL mode.
func NewManager(dir string, filesize int, wantSync bool, syncRate time.Duration, mode PreallocMode) *Manager {
	if filesize <= 0 {
		filesize = DefaultFilesize
	}
	if syncRate <= 0 {
		syncRate = DefaultSyncRate
	}
	return &Manager{
		dir:          dir,
		filesize:     filesize,
		wantSync:     wantSync,
		syncRate:     syncRate.Nanoseconds(),
		PreallocMode: mode,
		use:          dir != "",
	}
}

// Enabled reports whether this manager is backed by a real directory.
func (w *Manager) Enabled() bool { return w.use && w.dir != "" }

// Stats exposes the segment count, current byte accounting and lifetime
// record/migration counters; internal/server feeds Resv and Alive into the
// /metrics WAL gauges (the stats command does not report them).
type Stats struct {
	NFile     int
	Resv      int
	Alive     int
	RecCount  int
	MigCount  int
}

func (w *Manager) Stats() Stats {
	return Stats{NFile: w.nfile, Resv: w.resv, Alive: w.alive, RecCount: w.nrec, MigCount: w.nmig}
}

// DirLock takes an advisory write lock on dir/lock and leaks the fd for
// the lifetime of the process, matching original_source/walg.c's
// waldirlock: the file must never be closed, since releasing it would
// release the lock.
func DirLock(dir string) error {
	path := filepath.Join(dir, "lock")
	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return errors.Wrap(err, "wal: open lock file")
	}
	flock := syscall.Flock_t{
		Type:   syscall.F_WRLCK,
		Whence: io.SeekStart,
		Start:  0,
		Len:    0,
	}
	if err := syscall.FcntlFlock(fd.Fd(), syscall.F_SETLK, &flock); err != nil {
		return errors.Wrap(err, "wal: lock directory")
	}
	// intentionally leak fd: closing it would release the lock, and we
	// hold it for the rest of the process's life.
	return nil
}

// scandir enumerates dir for binlog.N files, returning the lowest N
// found (or a large sentinel if none) and recording next = max+1.
func (w *Manager) scandir() (min int) {
	min = 1 << 30
	max := 0

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.next = 1
		return min
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "binlog.") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, "binlog."))
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
		if n < min {
			min = n
		}
	}
	w.next = max + 1
	return min
}

// TubeFinder resolves (or creates) a tube by name during replay, without
// this package depending on internal/tube directly.
type TubeFinder func(name string) job.TubeRef

// Replay scans dir for existing segments, replays every record into store
// (creating jobs via findTube/store as needed), and returns the replayed
// jobs in file order for the caller to redistribute into tube scheduling
// structures (ready/delay/buried), per spec.md's walinit/walread. It then
// opens a fresh writable segment so the manager is ready to accept new
// writes. If the manager is disabled (no directory), Replay is a no-op.
func (w *Manager) Replay(store *job.Store, findTube TubeFinder) ([]*job.Job, error) {
	if !w.Enabled() {
		return nil, nil
	}
	if err := os.MkdirAll(w.dir, 0700); err != nil {
		return nil, errors.Wrap(err, "wal: create directory")
	}

	min := w.scandir()
	var list []*job.Job
	var readErr error

	for n := min; n < w.next; n++ {
		f := newFile(w, w.dir, n)
		fd, err := os.Open(f.path)
		if err != nil {
			continue
		}
		f.fd = fd
		w.attach(f)
		if err := w.readSegment(f, store, findTube, &list); err != nil {
			readErr = err
		}
		fd.Close()
		f.fd = nil
	}
	if readErr != nil {
		// A segment that fails to parse is replayed only up to the failing
		// record. The error is not logged or returned: replay moves on to
		// the next segment and Replay still returns a nil error.
	}

	if err := w.openNextFile(); err != nil {
		return nil, errors.Wrap(err, "wal: open first writable segment")
	}
	w.cur = w.tail

	return list, nil
}

func (w *Manager) readSegment(f *File, store *job.Store, findTube TubeFinder, list *[]*job.Job) error {
	version, ok, err := readU32(f.fd)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	switch version {
	case Walver:
		for {
			cont, err := w.readRecordV7(f, store, findTube, list)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
	case Walver5:
		for {
			cont, err := w.readRecordV5(f, store, findTube, list)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
	default:
		return errors.Errorf("wal: %s: unknown version %d", f.path, version)
	}
}

// readRecordV7 reads one current-format record, applying it to store/list.
// It returns cont=false when the segment's record stream is exhausted
// (clean EOF or a trailing-zero terminator record).
func (w *Manager) readRecordV7(f *File, store *job.Store, findTube TubeFinder, list *[]*job.Job) (cont bool, err error) {
	namelen, ok, err := readU32(f.fd)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if namelen >= maxTubeNameLen {
		return false, errors.Errorf("wal: %s: namelen %d exceeds maximum", f.path, namelen)
	}
	var tubename string
	if namelen > 0 {
		buf := make([]byte, namelen)
		if _, err := io.ReadFull(f.fd, buf); err != nil {
			return false, errors.Wrap(err, "wal: read tube name")
		}
		tubename = string(buf)
	}

	recBuf := make([]byte, jobrecSize)
	if _, err := io.ReadFull(f.fd, recBuf); err != nil {
		if err == io.EOF {
			return false, nil
		}
		return false, errors.Wrap(err, "wal: read jobrec")
	}
	rec, err := decodeJobrec(recBuf)
	if err != nil {
		return false, err
	}
	if rec.ID == 0 {
		return false, nil // trailing zero-fill terminator
	}

	return w.applyRecord(f, store, findTube, rec, tubename, namelen > 0, list)
}

func (w *Manager) readRecordV5(f *File, store *job.Store, findTube TubeFinder, list *[]*job.Job) (cont bool, err error) {
	namelen, ok, err := readU64(f.fd)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if namelen >= maxTubeNameLen {
		return false, errors.Errorf("wal: %s: v5 namelen %d exceeds maximum", f.path, namelen)
	}
	var tubename string
	if namelen > 0 {
		buf := make([]byte, namelen)
		if _, err := io.ReadFull(f.fd, buf); err != nil {
			return false, errors.Wrap(err, "wal: read v5 tube name")
		}
		tubename = string(buf)
	}

	recBuf := make([]byte, jobrec5Size)
	if _, err := io.ReadFull(f.fd, recBuf); err != nil {
		if err == io.EOF {
			return false, nil
		}
		return false, errors.Wrap(err, "wal: read v5 jobrec")
	}
	rec, err := decodeJobrec5(recBuf)
	if err != nil {
		return false, err
	}
	if rec.ID == 0 {
		return false, nil
	}

	return w.applyRecord(f, store, findTube, rec, tubename, namelen > 0, list)
}

const maxTubeNameLen = 201

// applyRecord implements the shared body of readrec/readrec5: locate or
// create the job, apply the new Rec, splice it into list, and (for a full
// record) read the body and re-home the job's file.
func (w *Manager) applyRecord(f *File, store *job.Store, findTube TubeFinder, rec job.Rec, tubename string, isFull bool, list *[]*job.Job) (bool, error) {
	j := store.Find(rec.ID)
	if j == nil && !isFull {
		// A short record without ever having seen the full record: the
		// introducing segment was already GC'd. Ignore.
		return true, nil
	}

	switch rec.State {
	case job.Reserved:
		rec.State = job.Ready
		fallthrough
	case job.Ready, job.Buried, job.Delayed:
		if j == nil {
			j = &job.Job{Rec: rec, Tube: findTube(tubename)}
			job.ListReset(j)
			store.Insert(j)
			store.ObserveID(j.ID)
			*list = append(*list, j)
		}
		j.Rec = rec

		if isFull {
			if int(rec.BodySize) != len(j.Body) && j.Body != nil {
				return false, errors.Errorf("wal: job %d size changed: was %d, now %d", j.ID, len(j.Body), rec.BodySize)
			}
			body := make([]byte, rec.BodySize)
			if rec.BodySize > 0 {
				if _, err := io.ReadFull(f.fd, body); err != nil {
					return false, errors.Wrap(err, "wal: read job body")
				}
			}
			j.Body = body
			if j.File != nil {
				j.File.(*File).removeJob(j)
			}
			f.addJob(j)
		}
		return true, nil
	case job.Invalid:
		if j != nil {
			job.ListRemove(j)
			for i, x := range *list {
				if x == j {
					*list = append((*list)[:i], (*list)[i+1:]...)
					break
				}
			}
			if j.File != nil {
				j.File.(*File).removeJob(j)
			}
			store.Remove(j.ID)
		}
		return true, nil
	default:
		return true, nil
	}
}

// attach registers f into the segment chain, updating head/tail/nfile.
func (w *Manager) attach(f *File) {
	if w.tail != nil {
		w.tail.next = f
	}
	w.tail = f
	if w.head == nil {
		w.head = f
	}
	w.nfile++
}

// gc unlinks and removes any reference-free segments from the head of the
// chain, in order, mirroring original_source/walg.c's walgc. Segments are
// only ever reclaimed strictly head-first.
func (w *Manager) gc() {
	for w.head != nil && w.head.refs < 1 {
		f := w.head
		w.head = f.next
		if w.tail == f {
			w.tail = f.next
		}
		w.nfile--
		os.Remove(f.path)
	}
}

func (w *Manager) openNextFile() error {
	f := newFile(w, w.dir, w.next)
	if err := f.open(w.filesize); err != nil {
		return err
	}
	w.next++
	w.attach(f)
	return nil
}

// usenext rolls the manager's cur segment forward, closing the old one,
// mirroring original_source/walg.c's usenext.
func (w *Manager) usenext() bool {
	f := w.cur
	if f.next == nil {
		return false
	}
	w.cur = f.next
	f.close()
	return true
}

func (w *Manager) needfree(n int) int {
	if w.tail.free >= n {
		return n
	}
	if w.openNextFile() == nil {
		return n
	}
	return 0
}

func (w *Manager) moveResv(to, from *File, n int) {
	from.resv -= n
	from.free += n
	to.resv += n
	to.free -= n
}

// reserve implements original_source/walg.c's reserve: grows w.resv by n
// bytes, rolling segments forward and rebalancing as needed. Returns n on
// success, 0 on failure (changes rolled back).
func (w *Manager) reserve(n int) int {
	if !w.use {
		return 1
	}
	if w.cur.free >= n {
		w.cur.free -= n
		w.cur.resv += n
		w.resv += n
		return n
	}

	if r := w.needfree(n); r != n {
		return 0
	}

	w.tail.free -= n
	w.tail.resv += n
	w.resv += n
	if !w.balance(n) {
		w.resv -= n
		w.tail.resv -= n
		w.tail.free += n
		return 0
	}
	return n
}

// balance restores the two balance invariants after a reservation that
// had to roll onto the tail segment: cur.resv >= n and cur.resv ≡ n
// (mod z), with every later segment's resv ≡ 0 (mod z). Mirrors
// original_source/walg.c's balance/balancerest.
func (w *Manager) balance(n int) bool {
	for w.cur.resv < n {
		m := w.cur.resv
		if r := w.needfree(m); r != m {
			return false
		}
		w.moveResv(w.cur, w.tail, m)
		if !w.usenext() {
			return false
		}
	}
	return w.balanceRest(w.cur, n)
}

func (w *Manager) balanceRest(b *File, n int) bool {
	const z = deleteRecordSize
	if b == nil {
		return true
	}

	rest := b.resv - n
	r := rest % z
	if r == 0 {
		return w.balanceRest(b.next, 0)
	}

	c := z - r
	if w.tail.resv >= c && b.free >= c {
		w.moveResv(b, w.tail, c)
		return w.balanceRest(b.next, 0)
	}

	if w.needfree(r) != r {
		return false
	}
	w.moveResv(w.tail, b, r)
	return w.balanceRest(b.next, 0)
}

// ResvPut reserves space for j's initial full record plus one future
// short (delete) record, mirroring original_source/walg.c's walresvput.
func (w *Manager) ResvPut(j *job.Job) int {
	z := 4 + len(j.Tube.Name()) + jobrecSize + int(j.BodySize)
	z += deleteRecordSize
	n := w.reserve(z)
	j.WALResv += n
	return n
}

// ResvUpdate reserves space for one short record, mirroring
// original_source/walg.c's walresvupdate.
func (w *Manager) ResvUpdate() int {
	n := w.reserve(deleteRecordSize)
	return n
}

func (w *Manager) resvMigrate(j *job.Job) int {
	z := 4 + len(j.Tube.Name()) + jobrecSize + int(j.BodySize)
	return w.reserve(z)
}

// Write appends j's current state to the log: a short record if j already
// has a full record on file, otherwise a full record (name + body).
// Mirrors original_source/walg.c's walwrite. On a write failure the
// manager disables itself for the remainder of the process, per spec.md
// §7's WAL error-propagation rule.
func (w *Manager) Write(j *job.Job) error {
	if !w.use {
		return nil
	}
	if w.cur.resv <= 0 && !w.usenext() {
		w.use = false
		return errors.New("wal: no further segment available")
	}

	var err error
	if j.File != nil {
		err = w.writeShort(w.cur, j)
	} else {
		err = w.writeFull(w.cur, j)
	}
	w.nrec++
	if err != nil {
		w.cur.close()
		w.use = false
		return err
	}
	return nil
}

func (w *Manager) writeShort(f *File, j *job.Job) error {
	if _, err := f.rawWrite(j, encodeU32(0)); err != nil {
		return err
	}
	if _, err := f.rawWrite(j, encodeJobrec(j)); err != nil {
		return err
	}
	if j.State == job.Invalid {
		if jf, ok := j.File.(*File); ok {
			jf.removeJob(j)
		}
	}
	return nil
}

func (w *Manager) writeFull(f *File, j *job.Job) error {
	f.addJob(j)
	name := j.Tube.Name()
	if _, err := f.rawWrite(j, encodeU32(uint32(len(name)))); err != nil {
		return err
	}
	if _, err := f.rawWrite(j, []byte(name)); err != nil {
		return err
	}
	if _, err := f.rawWrite(j, encodeJobrec(j)); err != nil {
		return err
	}
	if _, err := f.rawWrite(j, j.Body); err != nil {
		return err
	}
	return nil
}

func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	_, _ = writeU32(sliceWriter{b}, v)
	return b
}

type sliceWriter struct{ b []byte }

func (s sliceWriter) Write(p []byte) (int, error) { copy(s.b, p); return len(p), nil }

// ratio reports (free space)/(used space), truncated to an int, mirroring
// original_source/walg.c's ratio.
func (w *Manager) ratio() int64 {
	used := int64(w.alive + w.resv)
	if used == 0 {
		return 0
	}
	total := int64(w.nfile) * int64(w.filesize)
	return (total - used) / used
}

// compact migrates jobs forward from head while free space is at least
// twice used space, mirroring original_source/walg.c's walcompact.
func (w *Manager) compact() {
	for r := w.ratio(); r >= 2; r-- {
		w.moveOne()
	}
}

func (w *Manager) moveOne() {
	if w.head == w.cur || w.head.next == w.cur {
		return
	}
	j := w.head.jlist.FileNext
	if j == w.head.jlist {
		return
	}
	if w.resvMigrate(j) == 0 {
		return
	}
	w.head.removeJob(j)
	w.nmig++
	w.Write(j)
}

// sync fsyncs the current segment if wantSync and the sync interval has
// elapsed, mirroring original_source/walg.c's walsync. now is an absolute
// ns timestamp. did reports whether an fsync actually ran, so callers can
// feed its latency into a histogram without timing a no-op.
func (w *Manager) sync(now int64) (dur time.Duration, did bool) {
	if w.wantSync && now >= w.lastSync+w.syncRate {
		w.lastSync = now
		if w.cur != nil && w.cur.fd != nil {
			start := time.Now()
			w.cur.fd.Sync()
			return time.Since(start), true
		}
	}
	return 0, false
}

// Maintain runs the periodic WAL housekeeping (compaction, then fsync),
// mirroring original_source/walg.c's walmaint. Call once per server tick.
func (w *Manager) Maintain(now int64) (dur time.Duration, did bool) {
	if !w.use {
		return 0, false
	}
	w.compact()
	return w.sync(now)
}
