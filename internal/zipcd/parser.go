package zipcd

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"time"
)

const (
	cdHeaderSig    = "PK\x01\x02"
	localHeaderSig = "PK\x03\x04"
	cdHeaderSize   = 46
	localHeaderSize = 30

	zip64ExtraTag = 0x0001
)

// Compression method identifiers (§3), exported for callers that need to
// branch on FileHeader.Method.
const (
	MethodStored  = 0
	MethodDeflate = 8
)

// FileHeader is the per-entry record of a central-directory walk (§3,
// CentralDirectoryFileHeader / Entry). LocalHeaderOffset is the *logical*
// offset as stored in the archive; callers add the archive start to get a
// physical offset into the root file.
type FileHeader struct {
	Name              string
	IsDir             bool
	Method            uint16
	ModTime           time.Time
	CRC32             uint32
	CompressedSize    int64
	UncompressedSize  int64
	LocalHeaderOffset int64
	VersionMadeBy     uint16
	ExternalAttrs     uint32
	Extra             []byte
	Comment           string
}

// Visitor receives the three-event sequence of a central-directory walk.
// Each field is optional; multiple Visitors may be supplied to Walk and are
// invoked in argument order for every event, matching §4.C's registration
// order guarantee.
type Visitor struct {
	Start  func(eocd EndOfCentralDirectory)
	Header func(h FileHeader, dataOffset int64)
	End    func()
}

// Walk reads the eocd.DirectorySize bytes of central-directory data
// (located at archiveStart+eocd.DirectoryOffset) and invokes each visitor's
// callbacks for every file header it holds, in central-directory order.
func Walk(r io.ReaderAt, archiveStart int64, eocd EndOfCentralDirectory, visitors ...Visitor) error {
	for _, v := range visitors {
		if v.Start != nil {
			v.Start(eocd)
		}
	}

	dir := make([]byte, eocd.DirectorySize)
	if err := readFull(r, dir, archiveStart+eocd.DirectoryOffset); err != nil {
		return err
	}

	for len(dir) > 0 {
		if len(dir) < cdHeaderSize || string(dir[:4]) != cdHeaderSig {
			return fmt.Errorf("%w: central-directory record truncated or misaligned", ErrMalformed)
		}

		versionMadeBy := binary.LittleEndian.Uint16(dir[4:])
		method := binary.LittleEndian.Uint16(dir[10:])
		dostime := binary.LittleEndian.Uint16(dir[12:])
		dosdate := binary.LittleEndian.Uint16(dir[14:])
		crc32 := binary.LittleEndian.Uint32(dir[16:])
		compressedSize := int64(binary.LittleEndian.Uint32(dir[20:]))
		uncompressedSize := int64(binary.LittleEndian.Uint32(dir[24:]))
		nameLen := int(binary.LittleEndian.Uint16(dir[28:]))
		extraLen := int(binary.LittleEndian.Uint16(dir[30:]))
		commentLen := int(binary.LittleEndian.Uint16(dir[32:]))
		externalAttrs := binary.LittleEndian.Uint32(dir[38:])
		localOffset := int64(binary.LittleEndian.Uint32(dir[42:]))

		if len(dir) < cdHeaderSize+nameLen+extraLen+commentLen {
			return fmt.Errorf("%w: central-directory record runs past its declared size", ErrMalformed)
		}
		dir = dir[cdHeaderSize:]
		name := string(dir[:nameLen])
		dir = dir[nameLen:]
		extra := dir[:extraLen]
		dir = dir[extraLen:]
		comment := string(dir[:commentLen])
		dir = dir[commentLen:]

		uncompressedSize, compressedSize, localOffset, err := resolveZip64(extra, uncompressedSize, compressedSize, localOffset)
		if err != nil {
			return err
		}

		name, isDir := trimDirSuffix(name)
		if name == "" && isDir {
			continue // the archive's own root directory, not an entry in it
		}
		if !fs.ValidPath(name) {
			continue
		}

		h := FileHeader{
			Name:              name,
			IsDir:             isDir,
			Method:            method,
			ModTime:           msDosToTime(dosdate, dostime),
			CRC32:             crc32,
			CompressedSize:    compressedSize,
			UncompressedSize:  uncompressedSize,
			LocalHeaderOffset: localOffset,
			VersionMadeBy:     versionMadeBy,
			ExternalAttrs:     externalAttrs,
			Extra:             extra,
			Comment:           comment,
		}
		for _, v := range visitors {
			if v.Header != nil {
				v.Header(h, localOffset)
			}
		}
	}

	for _, v := range visitors {
		if v.End != nil {
			v.End()
		}
	}
	return nil
}

func trimDirSuffix(name string) (string, bool) {
	if len(name) > 0 && name[len(name)-1] == '/' {
		return name[:len(name)-1], true
	}
	return name, false
}

// resolveZip64 follows the corrected field order of §9's REDESIGN FLAG: each
// sentinel-valued field of the classic record consumes 8 bytes from the
// ZIP64 extra block, in the fixed order uncompressed, compressed,
// local-header-offset, disk-number-start — never advancing the cursor by
// anything other than a full 8-byte field.
func resolveZip64(extra []byte, uncompressed, compressed, localOffset int64) (int64, int64, int64, error) {
	block := findExtraBlock(extra, zip64ExtraTag)
	if block == nil {
		return uncompressed, compressed, localOffset, nil
	}

	fields := []*int64{}
	if uint32(uncompressed) == 0xffffffff {
		fields = append(fields, &uncompressed)
	}
	if uint32(compressed) == 0xffffffff {
		fields = append(fields, &compressed)
	}
	if uint32(localOffset) == 0xffffffff {
		fields = append(fields, &localOffset)
	}
	// disk-number-start is not surfaced to callers (single-disk archives
	// only), but still must be consumed in order if sentinel, per the
	// fixed field order.

	for _, f := range fields {
		if len(block) < 8 {
			return 0, 0, 0, fmt.Errorf("%w: zip64 extra field too short", ErrMalformed)
		}
		*f = int64(binary.LittleEndian.Uint64(block))
		block = block[8:]
	}
	return uncompressed, compressed, localOffset, nil
}

func findExtraBlock(extra []byte, tag uint16) []byte {
	for len(extra) >= 4 {
		t := binary.LittleEndian.Uint16(extra)
		size := int(binary.LittleEndian.Uint16(extra[2:]))
		if len(extra) < 4+size {
			return nil
		}
		if t == tag {
			return extra[4 : 4+size]
		}
		extra = extra[4+size:]
	}
	return nil
}

func msDosToTime(d, t uint16) time.Time {
	if d == 0 && t == 0 {
		return time.Time{}
	}
	year := int(d>>9) + 1980
	month := int(d>>5) & 0xf
	day := int(d) & 0x1f
	hour := int(t >> 11)
	min := int(t>>5) & 0x3f
	sec := (int(t) & 0x1f) * 2
	if month == 0 {
		month = 1
	}
	if day == 0 {
		day = 1
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC)
}

// UnixMode extracts the Unix permission bits an archiver stored in a CD
// record's external attributes (the version-made-by host byte must be 3;
// any other origin has no meaningful Unix bits here). Returns ok=false
// when no such bits are available, in which case a caller should fall back
// to a sane platform default.
func UnixMode(versionMadeBy uint16, externalAttrs uint32) (mode fs.FileMode, ok bool) {
	if versionMadeBy>>8 != 3 { // high byte of version-made-by is the host OS; 3 = Unix
		return 0, false
	}
	perm := externalAttrs >> 16
	if perm == 0 {
		return 0, false
	}
	return fs.FileMode(perm & 0o7777), true
}

// LocalPayloadRange reads the 30-byte local file header at
// archiveStart+logicalLocalOffset and returns the physical byte range of
// the entry's payload, honoring local name/extra lengths that may differ
// from the central-directory values (§4.D).
func LocalPayloadRange(r io.ReaderAt, archiveStart, logicalLocalOffset, compressedSize int64) (payloadOffset, payloadLen int64, err error) {
	physical := archiveStart + logicalLocalOffset
	hdr := make([]byte, localHeaderSize)
	if err := readFull(r, hdr, physical); err != nil {
		return 0, 0, err
	}
	if string(hdr[:4]) != localHeaderSig {
		return 0, 0, fmt.Errorf("%w: missing local file header at offset %d", ErrMalformed, physical)
	}
	nameLen := int64(binary.LittleEndian.Uint16(hdr[26:]))
	extraLen := int64(binary.LittleEndian.Uint16(hdr[28:]))
	payloadOffset = physical + localHeaderSize + nameLen + extraLen
	return payloadOffset, compressedSize, nil
}
