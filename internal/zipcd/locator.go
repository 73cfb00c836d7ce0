// Package zipcd implements components B and C of the loader: locating the
// end-of-central-directory record (with ZIP64 variants) by scanning
// backwards from the end of the file, and walking the central-directory
// file headers that record describes.
package zipcd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	eocdSig      = "PK\x05\x06"
	eocd64LocSig = "PK\x06\x07"
	eocd64Sig    = "PK\x06\x06"

	eocdMinSize   = 22
	eocd64LocSize = 20
	eocd64RecSize = 56
	maxCommentLen = 0xFFFF

	// READ_BLOCK_SIZE of spec §4.B: the back-scan reads progressively
	// larger trailing windows of the file in steps of this size.
	readBlockSize = 256
)

var (
	// ErrNotAZipArchive means no valid EOCD record could be located within
	// the format-permitted range (22..22+0xFFFF bytes from EOF).
	ErrNotAZipArchive = errors.New("zipcd: not a zip archive")
	// ErrMalformed means a structural invariant of the format was violated.
	ErrMalformed = errors.New("zipcd: malformed central directory")
	// ErrTruncated means a read ran past the available data.
	ErrTruncated = errors.New("zipcd: truncated read")
)

// EndOfCentralDirectory is the parsed, ZIP64-resolved EOCD record.
type EndOfCentralDirectory struct {
	TotalEntries    uint64
	DirectorySize   int64
	DirectoryOffset int64 // logical, as stored in the archive (pre archive-start correction)
	Comment         []byte
	Zip64           bool
}

// Locate scans r (size bytes) backwards for the EOCD record, resolving
// ZIP64 structures when present, and returns both the parsed record and the
// archive's start offset within r. The start offset is non-zero when an
// executable stub has been prepended ahead of the logical zip data (§4.B).
func Locate(r io.ReaderAt, size int64) (eocd EndOfCentralDirectory, archiveStart int64, err error) {
	rec, recOffset, err := scanForEOCD(r, size)
	if err != nil {
		return EndOfCentralDirectory{}, 0, err
	}

	disk := binary.LittleEndian.Uint16(rec[4:])
	cdDisk := binary.LittleEndian.Uint16(rec[6:])
	totalEntries := uint64(binary.LittleEndian.Uint16(rec[10:]))
	cdSize := int64(binary.LittleEndian.Uint32(rec[12:]))
	cdOffset := int64(binary.LittleEndian.Uint32(rec[16:]))
	commentLen := int(binary.LittleEndian.Uint16(rec[20:]))
	comment := append([]byte(nil), rec[22:22+commentLen]...)

	zip64 := totalEntries == 0xffff || uint32(cdSize) == 0xffffffff || uint32(cdOffset) == 0xffffffff

	// Tentative physical start of the central-directory data; revised below
	// if ZIP64 structures intervene between it and the EOCD.
	cdStartPhysical := recOffset - cdSize

	if zip64 {
		locOffset := recOffset - eocd64LocSize
		if locOffset < 0 {
			return EndOfCentralDirectory{}, 0, ErrNotAZipArchive
		}
		loc := make([]byte, eocd64LocSize)
		if err := readFull(r, loc, locOffset); err != nil {
			return EndOfCentralDirectory{}, 0, err
		}
		if string(loc[:4]) != eocd64LocSig {
			return EndOfCentralDirectory{}, 0, fmt.Errorf("%w: zip64 sentinel present but no locator found", ErrMalformed)
		}
		eocd64Disk := binary.LittleEndian.Uint32(loc[4:])
		totalDisks := binary.LittleEndian.Uint32(loc[16:])
		if eocd64Disk != 0 || totalDisks != 1 {
			return EndOfCentralDirectory{}, 0, fmt.Errorf("%w: spanned archives are not supported", ErrMalformed)
		}

		// The zip64 end record is taken to immediately precede its locator
		// (its fixed-size form, ignoring any extensible data sector), a
		// physical fact independent of the locator's own (logical) offset
		// field — so no archive-start correction is needed to find it.
		rec64Offset := locOffset - eocd64RecSize
		if rec64Offset < 0 {
			return EndOfCentralDirectory{}, 0, ErrNotAZipArchive
		}
		rec64 := make([]byte, eocd64RecSize)
		if err := readFull(r, rec64, rec64Offset); err != nil {
			return EndOfCentralDirectory{}, 0, err
		}
		if string(rec64[:4]) != eocd64Sig {
			return EndOfCentralDirectory{}, 0, fmt.Errorf("%w: zip64 locator points to a non-end-record", ErrMalformed)
		}

		disk = uint16(binary.LittleEndian.Uint32(rec64[16:]))
		cdDisk = uint16(binary.LittleEndian.Uint32(rec64[20:]))
		totalEntries = binary.LittleEndian.Uint64(rec64[32:])
		cdSize = int64(binary.LittleEndian.Uint64(rec64[40:]))
		cdOffset = int64(binary.LittleEndian.Uint64(rec64[48:]))

		cdStartPhysical = rec64Offset - cdSize
	}

	if disk != 0 || cdDisk != 0 {
		return EndOfCentralDirectory{}, 0, fmt.Errorf("%w: spanned archives are not supported", ErrMalformed)
	}
	if cdSize < 0 || cdOffset < 0 || cdStartPhysical < 0 {
		return EndOfCentralDirectory{}, 0, fmt.Errorf("%w: negative central-directory geometry", ErrMalformed)
	}

	archiveStart = cdStartPhysical - cdOffset
	if archiveStart < 0 {
		return EndOfCentralDirectory{}, 0, fmt.Errorf("%w: central-directory offset exceeds physical position", ErrMalformed)
	}

	return EndOfCentralDirectory{
		TotalEntries:    totalEntries,
		DirectorySize:   cdSize,
		DirectoryOffset: cdOffset,
		Comment:         comment,
		Zip64:           zip64,
	}, archiveStart, nil
}

func readFull(r io.ReaderAt, p []byte, off int64) error {
	if off < 0 {
		return fmt.Errorf("%w: negative offset", ErrMalformed)
	}
	n, err := r.ReadAt(p, off)
	if n < len(p) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return nil
}

// scanForEOCD implements the §4.B back-scan: read a trailing block of
// min(READ_BLOCK_SIZE, size) bytes and slide a 22-byte candidate window
// backwards one byte at a time, accepting the first position whose
// signature and comment-length both check out. Grows the block by another
// READ_BLOCK_SIZE and retries when no candidate is found, up to
// 22+0xFFFF bytes or the whole file.
func scanForEOCD(r io.ReaderAt, size int64) (rec []byte, offset int64, err error) {
	if size < eocdMinSize {
		return nil, 0, ErrNotAZipArchive
	}
	maxSize := int64(eocdMinSize + maxCommentLen)

	for blockLen := int64(readBlockSize); ; blockLen += readBlockSize {
		if blockLen > size {
			blockLen = size
		}
		buf := make([]byte, blockLen)
		if err := readFull(r, buf, size-blockLen); err != nil {
			return nil, 0, err
		}

		for winSize := int64(eocdMinSize); winSize <= blockLen; winSize++ {
			start := blockLen - winSize
			if string(buf[start:start+4]) != eocdSig {
				continue
			}
			commentLen := int64(binary.LittleEndian.Uint16(buf[start+20:]))
			if eocdMinSize+commentLen == winSize {
				return buf[start:], size - winSize, nil
			}
		}

		if blockLen >= maxSize || blockLen >= size {
			return nil, 0, ErrNotAZipArchive
		}
	}
}
