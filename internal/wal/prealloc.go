package wal

import "os"

// PreallocMode selects how a new segment's fixed filesize is claimed on
// disk, matching the `-c`/`-n` flags supplemented from the original
// server's optparse (see SPEC_FULL.md's supplemented-features section).
type PreallocMode int

const (
	// PreallocClassic writes explicit zero pages the whole way, matching
	// original_source/file.c's rawfalloc. Portable across filesystems that
	// don't support sparse allocation, at the cost of actually touching
	// every page up front.
	PreallocClassic PreallocMode = iota
	// PreallocNative extends the file with Truncate, relying on the
	// filesystem to reserve space lazily. Faster, but on some filesystems
	// (notably NFS) may not guarantee the space is actually available at
	// write time.
	PreallocNative
)

const preallocChunk = 4096

// fallocate grows fd to exactly size bytes per mode, leaving the file
// offset at 0 (matching rawfalloc's explicit lseek back to the start so a
// subsequent write begins at byte 0).
func fallocate(fd *os.File, size int, mode PreallocMode) error {
	if mode == PreallocNative {
		if err := fd.Truncate(int64(size)); err != nil {
			return err
		}
		_, err := fd.Seek(0, os.SEEK_SET)
		return err
	}

	var buf [preallocChunk]byte
	for written := 0; written < size; {
		n := preallocChunk
		if size-written < n {
			n = size - written
		}
		w, err := fd.Write(buf[:n])
		if err != nil {
			return err
		}
		written += w
	}
	_, err := fd.Seek(0, os.SEEK_SET)
	return err
}
