package flate

import (
	"errors"
	"io"
	"sort"
)

const (
	defaultWindow = 1000000
)

// EntryReader provides random-access ReadAt over the decompressed content
// of a single DEFLATE-compressed archive entry, decoding forward from the
// nearest earlier checkpoint instead of replaying the whole entry on every
// call. compressedSize/size are the entry's stored and uncompressed
// lengths (from the central directory record), which bound how far r can
// be read and let Size report the logical length without decompressing
// anything.
type EntryReader struct {
	r             io.ReaderAt
	compressedSize, size int64
	window        int
	checkpoints   []checkpoint
	active        int
	cursor        int64
}

// NewEntryReader wraps r, an io.ReaderAt positioned at the start of a raw
// DEFLATE stream of compressedSize compressed bytes decoding to size
// uncompressed bytes, for random-access reads against the uncompressed
// content.
func NewEntryReader(r io.ReaderAt, compressedSize, size int64) *EntryReader {
	return &EntryReader{
		r:              r,
		compressedSize: compressedSize, size: size,
		checkpoints: make([]checkpoint, 1),
		window:      max(int(size/5000), defaultWindow/2),
		active:      -1,
	}
}

// Size reports the uncompressed length of the entry.
func (r *EntryReader) Size() int64 {
	return r.size
}

func (r *EntryReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= r.size {
		return 0, io.EOF
	}
	endoff := min(r.size, off+int64(len(p)))

	// Index of the first checkpoint that could satisfy this read
	i := sort.Search(len(r.checkpoints), func(i int) bool {
		return r.checkpoints[i].woffset > off
	}) - 1
	if i < 0 {
		panic("first checkpoint no good")
	}

	cursor := int64(0)
	for cursor < endoff {
		var err error
		if i != r.active { // cache is not sufficient
			if r.active >= 0 {
				r.checkpoints[r.active].thinOut()
			}
			r.active = i
			next, e := advanceToCheckpoint(r.r, r.compressedSize, &r.checkpoints[i], r.window)
			err = e
			if i+1 == len(r.checkpoints) { // tells us how to get the next window
				r.checkpoints = append(r.checkpoints, next)
			}
		}

		usable := r.checkpoints[i].big[maxMatchOffset:]
		// This loop should be a conditional clipped copy()
		for j, b := range usable {
			is := r.checkpoints[i].woffset + int64(j)
			if is >= off && is < endoff {
				p[is-off] = b
				cursor = is + 1
			}
		}

		if cursor == endoff {
			err = io.EOF
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return int(cursor - off), err // might be a harmless EOF or a real problem
		}
		i++
	}
	return int(cursor - off), nil
}

func (r *EntryReader) Read(p []byte) (int, error) {
	n, err := r.ReadAt(p, r.cursor)
	r.cursor += int64(n)
	return n, err
}

func (r *EntryReader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += r.cursor
	case io.SeekEnd:
		offset += r.size
	default:
		return 0, errWhence
	}
	if offset < 0 {
		return 0, errOffset
	}
	r.cursor = offset
	return offset, nil
}

var errWhence = errors.New("Seek: invalid whence")
var errOffset = errors.New("Seek: invalid offset")
