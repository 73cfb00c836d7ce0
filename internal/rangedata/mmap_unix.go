//go:build linux || darwin

package rangedata

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OpenMmap opens path and memory-maps it read-only, returning a Data backed
// by bounds-checked slices instead of positional reads (spec §4.A's second
// acceptable strategy). Falls back to the ordinary pread-based Open on mmap
// failure (e.g. a zero-length file, or a filesystem that refuses
// MAP_SHARED).
func OpenMmap(path string) (*Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rangedata: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("rangedata: %w", err)
	}
	size := info.Size()
	if size == 0 {
		f.Close()
		return Open(path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return Open(path)
	}

	h := &file{f: f, mmap: data}
	h.acquire()
	return &Data{h: h, start: 0, length: size}, nil
}

func unmap(b []byte) { _ = unix.Munmap(b) }
