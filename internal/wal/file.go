package wal

import (
	"os"

	"github.com/nullbound/holdd/internal/job"
	"github.com/pkg/errors"
)

// segFilePerm matches original_source/file.c's filewopen, which creates
// segments mode 0400 (the server never needs to re-open its own segments
// for writing after process restart; replay reopens them read-only).
const segFilePerm = 0400

// File is one binlog.N segment. Grounded on original_source/dat.h's File
// struct and original_source/file.c's file* functions.
type File struct {
	w    *Manager
	seq  int
	path string

	fd      *os.File
	isWOpen bool

	free int // bytes never written or reserved
	resv int // bytes reserved but not yet written

	refs int // live jobs whose most recent full record is in this file, plus one while open for writing

	next *File

	// jlist is the sentinel head of the circular list of jobs whose most
	// recent full record lives in this file (job.FilePrev/FileNext),
	// mirroring original_source/dat.h's File.jlist.
	jlist *job.Job
}

var _ job.WALFile = (*File)(nil)

// Seq implements job.WALFile.
func (f *File) Seq() int { return f.seq }

func newFile(w *Manager, dir string, seq int) *File {
	f := &File{
		w:     w,
		seq:   seq,
		path:  dirJoin(dir, seq),
		jlist: &job.Job{},
	}
	f.jlist.FilePrev = f.jlist
	f.jlist.FileNext = f.jlist
	return f
}

func dirJoin(dir string, seq int) string {
	return dir + "/binlog." + itoa(seq)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// addJob splices j onto the tail of f's jlist and increments f's refcount,
// mirroring original_source/file.c's fileaddjob.
func (f *File) addJob(j *job.Job) {
	h := f.jlist
	j.FilePrev = h.FilePrev
	j.FileNext = h
	h.FilePrev.FileNext = j
	h.FilePrev = j
	j.File = f
	f.incRef()
}

// removeJob splices j out of f's jlist, decrements the used-byte accounting
// and refcount, and clears j's file linkage. It is a no-op if j does not
// currently belong to f, mirroring original_source/file.c's filermjob.
func (f *File) removeJob(j *job.Job) {
	if f == nil || j.File != f {
		return
	}
	j.FileNext.FilePrev = j.FilePrev
	j.FilePrev.FileNext = j.FileNext
	j.FileNext = nil
	j.FilePrev = nil
	j.File = nil
	if f.w != nil {
		f.w.alive -= j.WALUsed
	}
	j.WALUsed = 0
	f.decRef()
}

// incRef/decRef track how many live jobs currently claim f as their most
// recent full-record home, plus the ref open holds until close; decRef triggers the manager's GC sweep when it
// reaches zero, since segments are only ever reclaimed head-first.
func (f *File) incRef() { f.refs++ }

func (f *File) decRef() {
	f.refs--
	if f.refs < 1 && f.w != nil {
		f.w.gc()
	}
}

// open creates the segment on disk, preallocates it to size bytes, and
// writes the version header, mirroring original_source/file.c's
// filewopen.
func (f *File) open(size int) error {
	fd, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE, segFilePerm)
	if err != nil {
		return errors.Wrapf(err, "wal: open segment %s", f.path)
	}
	if err := fallocate(fd, size, f.w.PreallocMode); err != nil {
		fd.Close()
		os.Remove(f.path)
		return errors.Wrapf(err, "wal: preallocate segment %s", f.path)
	}
	if _, err := writeU32(fd, Walver); err != nil {
		fd.Close()
		return errors.Wrapf(err, "wal: write version header %s", f.path)
	}
	f.fd = fd
	f.isWOpen = true
	f.incRef()
	f.free = size - 4
	f.resv = 0
	return nil
}

// close truncates away any unused preallocated tail and closes the fd,
// mirroring original_source/file.c's filewclose.
func (f *File) close() error {
	if f.fd == nil || !f.isWOpen {
		return nil
	}
	var err error
	if f.free > 0 {
		if info, statErr := f.fd.Stat(); statErr == nil {
			if truncErr := f.fd.Truncate(info.Size() - int64(f.free)); truncErr != nil {
				err = errors.Wrap(truncErr, "wal: truncate segment tail")
			}
		}
	}
	if cerr := f.fd.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "wal: close segment")
	}
	f.isWOpen = false
	f.decRef()
	return err
}

// rawWrite appends buf to the segment and updates free/resv bookkeeping,
// mirroring original_source/file.c's filewrite. Caller (Manager) has
// already reserved len(buf) bytes via Reserve.
func (f *File) rawWrite(j *job.Job, buf []byte) (int, error) {
	n, err := f.fd.Write(buf)
	if err != nil {
		return n, errors.Wrap(err, "wal: write record")
	}
	if n != len(buf) {
		return n, errors.Errorf("wal: short write: wrote %d of %d", n, len(buf))
	}
	f.resv -= n
	j.WALResv -= n
	j.WALUsed += n
	if f.w != nil {
		f.w.resv -= n
		f.w.alive += n
	}
	return n, nil
}
