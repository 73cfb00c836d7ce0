package zipcd

import (
	"errors"
	"hash"
	"hash/crc32"
	"io"
)

// ErrChecksum is returned by a ChecksumReader once the full declared entry
// size has been read and the accumulated CRC32 does not match the
// central-directory value.
var ErrChecksum = errors.New("zipcd: checksum error")

// NewChecksumReader wraps r so that reading it to completion verifies its
// CRC32 against want. A mismatch surfaces as ErrChecksum on the read that
// crosses the declared size; a zero want (as some archivers emit for
// zero-length entries) disables the check.
func NewChecksumReader(r io.Reader, size int64, want uint32) io.ReadCloser {
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	return &checksumReader{rc: rc, remain: size, want: want, hash: crc32.NewIEEE()}
}

type checksumReader struct {
	rc     io.ReadCloser
	remain int64
	want   uint32
	hash   hash.Hash32 // nil once the check has failed
}

func (r *checksumReader) Read(b []byte) (n int, err error) {
	if r.hash == nil {
		return r.rc.Read(b)
	}
	n, err = r.rc.Read(b)
	r.hash.Write(b[:n])
	r.remain -= int64(n)
	if r.remain <= 0 && r.want != 0 && r.hash.Sum32() != r.want {
		r.hash = nil
		return n, ErrChecksum
	}
	return n, err
}

func (r *checksumReader) Close() error { return r.rc.Close() }
