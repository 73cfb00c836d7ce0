//go:build !linux && !darwin

package rangedata

// OpenMmap has no memory-mapped backend on this platform: it opens path
// through the ordinary pread-based Open.
func OpenMmap(path string) (*Data, error) { return Open(path) }

// unmap is unreachable on this platform: h.mmap is always nil here, so the
// guarded call site in file.release never executes this.
func unmap(b []byte) {}
