// Package entryindex implements component D: a table of entries parsed
// from a central directory, hash-indexed for O(1) lookup, preserving
// central-directory order for deterministic iteration.
package entryindex

import (
	"io"
	"iter"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/archlayer/nestedjar/internal/zipcd"
)

// Entry is the logical record exposed to consumers (§3). Two entries are
// equal by full name.
type Entry struct {
	Name              string
	IsDir             bool
	Method            uint16
	Size              int64
	CompressedSize    int64
	CRC               uint32
	LocalHeaderOffset int64
	VersionMadeBy     uint16
	ExternalAttrs     uint32
	Extra             []byte
	Comment           string
}

// Index is immutable once built: safe to share across goroutines without
// further synchronization (§5: "EntryIndex is immutable after
// construction").
type Index struct {
	entries []Entry // central-directory order
	hashes  []uint64
	slots   []int32 // linear-probe hash table; -1 marks an empty slot
	mask    int
	signed  bool
}

// Build walks the central directory located by zipcd.Locate and constructs
// an Index. Name hashing is case-sensitive and byte-wise, exactly over the
// name bytes as the central directory stored them (§4.D).
func Build(r io.ReaderAt, archiveStart int64, eocd zipcd.EndOfCentralDirectory) (*Index, error) {
	ix := &Index{}

	err := zipcd.Walk(r, archiveStart, eocd, zipcd.Visitor{
		Header: func(h zipcd.FileHeader, dataOffset int64) {
			ix.entries = append(ix.entries, Entry{
				Name:              h.Name,
				IsDir:             h.IsDir,
				Method:            h.Method,
				Size:              h.UncompressedSize,
				CompressedSize:    h.CompressedSize,
				CRC:               h.CRC32,
				LocalHeaderOffset: h.LocalHeaderOffset,
				VersionMadeBy:     h.VersionMadeBy,
				ExternalAttrs:     h.ExternalAttrs,
				Extra:             h.Extra,
				Comment:           h.Comment,
			})
			if strings.HasPrefix(h.Name, "META-INF/") && strings.HasSuffix(h.Name, ".SF") {
				ix.signed = true
			}
		},
	})
	if err != nil {
		return nil, err
	}

	ix.buildHashTable()
	return ix, nil
}

func (ix *Index) buildHashTable() {
	n := len(ix.entries)
	size := 8
	for size*3/4 <= n { // load factor <= 0.75
		size *= 2
	}
	slots := make([]int32, size)
	for i := range slots {
		slots[i] = -1
	}
	hashes := make([]uint64, n)

	mask := size - 1
	for i, e := range ix.entries {
		h := xxhash.Sum64String(e.Name)
		hashes[i] = h
		slot := int(h) & mask
		for slots[slot] != -1 {
			slot = (slot + 1) & mask
		}
		slots[slot] = int32(i)
	}

	ix.hashes = hashes
	ix.slots = slots
	ix.mask = mask
}

// Get looks up an entry by exact name.
func (ix *Index) Get(name string) (Entry, bool) {
	if len(ix.slots) == 0 {
		return Entry{}, false
	}
	h := xxhash.Sum64String(name)
	slot := int(h) & ix.mask
	for {
		ei := ix.slots[slot]
		if ei == -1 {
			return Entry{}, false
		}
		if ix.hashes[ei] == h && ix.entries[ei].Name == name {
			return ix.entries[ei], true
		}
		slot = (slot + 1) & ix.mask
	}
}

// Contains reports whether name is present.
func (ix *Index) Contains(name string) bool {
	_, ok := ix.Get(name)
	return ok
}

// Len returns the number of entries.
func (ix *Index) Len() int { return len(ix.entries) }

// Iter yields entries in central-directory order — significant, since
// consumers rely on it for deterministic classpath output (§4.D).
func (ix *Index) Iter() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range ix.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// Signed reports whether any entry name begins with "META-INF/" and ends in
// ".SF" (§4.D signed-jar detection). Informational only — verification is
// out of scope.
func (ix *Index) Signed() bool { return ix.signed }

// PayloadRange resolves an entry's compressed-payload byte range within the
// root file, honoring local-header name/extra lengths that may differ from
// the central-directory's (§4.D).
func PayloadRange(r io.ReaderAt, archiveStart int64, e Entry) (offset, length int64, err error) {
	return zipcd.LocalPayloadRange(r, archiveStart, e.LocalHeaderOffset, e.CompressedSize)
}
