// Package archive implements component E: the nested-archive abstraction
// that ties together central-directory locating (zipcd), entry lookup
// (entryindex), and manifest inheritance into a single construct that can
// itself be the parent of further nested archives.
package archive

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"io"
	"io/fs"
	"iter"
	"path/filepath"
	"strings"
	"sync"
	"weak"

	"github.com/allegro/bigcache/v3"
	"github.com/dgryski/go-tinylfu"
	"golang.org/x/sync/singleflight"

	"github.com/archlayer/nestedjar/internal/entryindex"
	"github.com/archlayer/nestedjar/internal/flate"
	"github.com/archlayer/nestedjar/internal/manifest"
	"github.com/archlayer/nestedjar/internal/rangedata"
	"github.com/archlayer/nestedjar/internal/zipcd"
)

// Kind identifies how an Archive was constructed (§4.X).
type Kind int

const (
	Direct Kind = iota
	NestedJar
	NestedDirectory
	ExplodedDirectory
)

// ErrNestedEntryCompressed is returned when an entry selected for nested-jar
// access is not stored uncompressed. A nested jar's bytes must be the raw
// child-archive bytes, never requiring a decompression pass first.
var ErrNestedEntryCompressed = errors.New("archive: nested jar entry must be stored, not compressed")

// ErrClosed is returned when an Archive is used after Close, whether it was
// closed directly or inherited closure from an ancestor it was opened
// through (§4.X: "a closed root transitively invalidates all children").
var ErrClosed = errors.New("archive: closed")

const (
	childCacheSize = 64
	decompressCacheMB = 256
	decompressCacheShards = 256
)

// Archive is a single level of the nesting hierarchy: either the root
// on-disk file, or a jar/zip nested inside another Archive's entry.
//
// An Archive is safe for concurrent use once returned from OpenRoot or
// Open.
type Archive struct {
	kind         Kind
	id           string // composite identity: root path, or "<parent.id>!/<entry>"
	data         *rangedata.Data
	archiveStart int64
	index        *entryindex.Index // nil for a host-directory-backed archive
	prefix       string            // entry-name prefix stripped when index was carved from a parent's central directory as a NESTED_DIRECTORY view
	dir          string            // host directory for NestedDirectory/ExplodedDirectory

	parentManifest func() (manifest.Manifest, error)

	manifestWeak weak.Pointer[manifest.Manifest]
	manifestSF   singleflight.Group

	cdSF     singleflight.Group
	children *tinylfu.T[string, *Archive]
	childSF  singleflight.Group

	mu           sync.Mutex
	closed       bool
	liveChildren []*Archive
}

var decompressCache *bigcache.BigCache

func init() {
	c, err := bigcache.New(context.Background(), bigcache.Config{
		HardMaxCacheSize: decompressCacheMB,
		Shards:           decompressCacheShards,
	})
	if err != nil {
		panic(err)
	}
	decompressCache = c
}

func decompressCacheGet(key string) ([]byte, bool) {
	if decompressCache == nil {
		return nil, false
	}
	b, err := decompressCache.Get(key)
	if err != nil {
		return nil, false
	}
	return b, true
}

func decompressCachePut(key string, b []byte) {
	if decompressCache != nil {
		_ = decompressCache.Set(key, b)
	}
}

var hashSeed = maphash.MakeSeed()

func hashID(s string) uint64 { return maphash.String(hashSeed, s) }

func newChildCache() *tinylfu.T[string, *Archive] {
	return tinylfu.New[string, *Archive](childCacheSize, childCacheSize*10, hashID,
		tinylfu.OnEvict(func(_ string, child *Archive) {
			child.Close()
		}))
}

// ID returns the archive's composite identity, usable as a stable cache key
// and as the basis of a jar: URL.
func (a *Archive) ID() string { return a.id }

// SplitID decomposes a composite identity produced by ID into the root
// file/directory path and the chain of "!/"-joined segments descended
// through to reach it (empty for a root archive). Callers outside this
// package use it to compose jar: URLs without needing to know the "!/"
// join convention is the same one used internally.
func SplitID(id string) (root string, segments []string) {
	parts := strings.Split(id, "!/")
	return parts[0], parts[1:]
}

// Kind reports how the archive was constructed.
func (a *Archive) Kind() Kind { return a.kind }

// OpenRoot opens the on-disk file at path, locates its central directory
// (honoring any prepended executable stub), and indexes its entries.
func OpenRoot(path string) (*Archive, error) {
	data, err := rangedata.OpenMmap(path)
	if err != nil {
		return nil, err
	}

	eocd, archiveStart, err := zipcd.Locate(data, data.Size())
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	index, err := entryindex.Build(data, archiveStart, eocd)
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	a := &Archive{
		kind:         Direct,
		id:           path,
		data:         data,
		archiveStart: archiveStart,
		index:        index,
	}
	a.children = newChildCache()
	return a, nil
}

// OpenDirectory wraps a real filesystem directory as an Archive root — the
// EXPLODED_DIRECTORY construction path, for an archive whose entries have
// already been unpacked to a directory tree on disk.
func OpenDirectory(dir string) (*Archive, error) {
	a := &Archive{
		kind: ExplodedDirectory,
		id:   dir,
		dir:  dir,
	}
	a.children = newChildCache()
	return a, nil
}

// Open resolves a single path segment against a (kind-appropriate) parent
// archive, returning the nested Archive it names. For a zip-backed parent
// the segment must name either a directory entry (opened as a
// prefix-filtered NESTED_DIRECTORY view) or a stored (uncompressed) file
// entry holding a complete zip/jar; for a directory-backed parent it simply
// descends into the named subdirectory.
func Open(parent *Archive, segment string) (*Archive, error) {
	id := parent.id + "!/" + segment

	parent.mu.Lock()
	closed := parent.closed
	parent.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%s: %w", segment, ErrClosed)
	}

	if child, ok := parent.children.Get(id); ok {
		return child, nil
	}

	v, err, _ := parent.childSF.Do(id, func() (any, error) {
		if child, ok := parent.children.Get(id); ok {
			return child, nil
		}
		child, err := build(parent, segment, id)
		if err != nil {
			return nil, err
		}
		parent.children.Add(id, child)
		parent.mu.Lock()
		parent.liveChildren = append(parent.liveChildren, child)
		parent.mu.Unlock()
		return child, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Archive), nil
}

// build constructs the Archive named by segment within parent, picking one
// of §4.E's three construction paths:
//
//   - parent is host-directory-backed (ExplodedDirectory, or a
//     NestedDirectory already rooted in one): descend into the matching
//     subdirectory. Type = NESTED_DIRECTORY.
//   - segment names a directory entry of parent's own central directory
//     (no payload of its own): build a prefix-filtered, prefix-stripped
//     view over the SAME EntryIndex and byte range, rather than locating a
//     new central directory. Type = NESTED_DIRECTORY.
//   - otherwise segment must name a stored (uncompressed) file entry, whose
//     payload is itself a complete zip/jar: locate its own central
//     directory and index it. Type = NESTED_JAR.
func build(parent *Archive, segment, id string) (*Archive, error) {
	if parent.index == nil {
		return &Archive{
			kind:           NestedDirectory,
			id:             id,
			dir:            parent.dir + "/" + segment,
			parentManifest: parent.Manifest,
			children:       newChildCache(),
		}, nil
	}

	full := parent.prefix + segment

	// A directory entry in a zip/jar central directory is stored under its
	// name with a trailing "/" (which the EntryIndex strips, marking the
	// entry IsDir) and carries no payload of its own; don't attempt to
	// locate a central directory inside it. Build a prefix-filtered,
	// prefix-stripped view over the parent's own EntryIndex instead.
	if de, ok := parent.index.Get(full); ok && de.IsDir {
		sub, err := parent.data.SubRange(0, parent.data.Size())
		if err != nil {
			return nil, err
		}
		child := &Archive{
			kind:           NestedDirectory,
			id:             id,
			data:           sub,
			archiveStart:   parent.archiveStart,
			index:          parent.index,
			prefix:         full + "/",
			parentManifest: parent.Manifest,
		}
		child.children = newChildCache()
		return child, nil
	}

	e, ok := parent.index.Get(full)
	if !ok {
		return nil, fmt.Errorf("%s: %w", segment, fs.ErrNotExist)
	}
	if e.IsDir {
		return nil, fmt.Errorf("%s: %w", segment, fs.ErrInvalid)
	}

	if e.Method != zipcd.MethodStored {
		return nil, fmt.Errorf("%s: %w", segment, ErrNestedEntryCompressed)
	}

	off, length, err := entryindex.PayloadRange(parent.data, parent.archiveStart, e)
	if err != nil {
		return nil, err
	}
	sub, err := parent.data.SubRange(off, length)
	if err != nil {
		return nil, err
	}

	eocd, archiveStart, err := zipcd.Locate(sub, sub.Size())
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("%s: %w", segment, err)
	}
	index, err := entryindex.Build(sub, archiveStart, eocd)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("%s: %w", segment, err)
	}

	child := &Archive{
		kind:           NestedJar,
		id:             id,
		data:           sub,
		archiveStart:   archiveStart,
		index:          index,
		parentManifest: parent.Manifest,
	}
	child.children = newChildCache()
	return child, nil
}

// isClosed reports whether this archive, or an ancestor it was opened
// through, has been closed.
func (a *Archive) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Has reports whether name is a readable entry of this archive. Returns
// false, rather than an error, once the archive is closed — callers that
// need to distinguish "absent" from "closed" should use OpenEntry.
func (a *Archive) Has(name string) bool {
	if a.isClosed() {
		return false
	}
	if a.index != nil {
		return a.index.Contains(a.prefix + name)
	}
	_, err := statDir(a.dir, name)
	return err == nil
}

// Entries yields every regular-file entry's name: in central-directory
// order for a zip-backed archive, or in filepath.WalkDir order (relative,
// slash-separated) for a directory-backed one. Yields nothing once the
// archive is closed.
func (a *Archive) Entries() iter.Seq[string] {
	return func(yield func(string) bool) {
		if a.isClosed() {
			return
		}
		if a.index == nil {
			if a.dir == "" {
				return
			}
			filepath.WalkDir(a.dir, func(p string, d fs.DirEntry, err error) error {
				if err != nil || d.IsDir() {
					return nil
				}
				rel, rerr := filepath.Rel(a.dir, p)
				if rerr != nil {
					return nil
				}
				if !yield(filepath.ToSlash(rel)) {
					return io.EOF // any non-nil error halts WalkDir; reused as a stop signal
				}
				return nil
			})
			return
		}
		for e := range a.index.Iter() {
			if e.IsDir {
				continue
			}
			name, ok := a.stripPrefix(e.Name)
			if !ok {
				continue
			}
			if !yield(name) {
				return
			}
		}
	}
}

// stripPrefix reports whether entryName lies under a's prefix (the empty
// string for a root archive or a NESTED_JAR), returning it with the prefix
// removed.
func (a *Archive) stripPrefix(entryName string) (string, bool) {
	if a.prefix == "" {
		return entryName, true
	}
	if !strings.HasPrefix(entryName, a.prefix) {
		return "", false
	}
	rel := entryName[len(a.prefix):]
	if rel == "" {
		return "", false
	}
	return rel, true
}

// OpenEntry returns a reader for a single entry's decompressed content.
func (a *Archive) OpenEntry(name string) (io.ReadCloser, error) {
	if a.isClosed() {
		return nil, fmt.Errorf("%s: %w", name, ErrClosed)
	}
	if a.index == nil {
		return openHostFile(a.dir, name)
	}

	e, ok := a.index.Get(a.prefix + name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	}
	if e.IsDir {
		return nil, fmt.Errorf("%s: %w", name, fs.ErrInvalid)
	}

	off, length, err := entryindex.PayloadRange(a.data, a.archiveStart, e)
	if err != nil {
		return nil, err
	}
	raw := io.NewSectionReader(a.data, off, length)

	switch e.Method {
	case zipcd.MethodStored:
		return zipcd.NewChecksumReader(raw, e.Size, e.CRC), nil
	case zipcd.MethodDeflate:
		rc, err := a.openDeflated(name, e, raw)
		if err != nil {
			return nil, err
		}
		return zipcd.NewChecksumReader(rc, e.Size, e.CRC), nil
	default:
		return nil, fmt.Errorf("%s: unsupported compression method %d", name, e.Method)
	}
}

func (a *Archive) openDeflated(name string, e entryindex.Entry, raw io.ReaderAt) (io.ReadCloser, error) {
	key := a.id + "#" + name
	if b, ok := decompressCacheGet(key); ok && int64(len(b)) == e.Size {
		return io.NopCloser(strings.NewReader(string(b))), nil
	}

	v, err, _ := a.cdSF.Do(key, func() (any, error) {
		if b, ok := decompressCacheGet(key); ok && int64(len(b)) == e.Size {
			return b, nil
		}
		fr := flate.NewEntryReader(raw, e.CompressedSize, e.Size)
		b := make([]byte, e.Size)
		if _, err := fr.ReadAt(b, 0); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		decompressCachePut(key, b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(string(v.([]byte)))), nil
}

// Manifest returns the parsed META-INF/MANIFEST.MF main attributes,
// building and caching it on first use. A directory archive, or a nested
// archive whose own manifest entry is absent, inherits its containing
// archive's manifest via the closure captured at construction time — never
// a parent pointer, so the chain cannot be walked backwards incorrectly
// once an Archive is detached.
func (a *Archive) Manifest() (manifest.Manifest, error) {
	if a.isClosed() {
		return nil, ErrClosed
	}
	a.mu.Lock()
	p := a.manifestWeak.Value()
	a.mu.Unlock()
	if p != nil {
		return *p, nil
	}

	v, err, _ := a.manifestSF.Do("", func() (any, error) {
		a.mu.Lock()
		p := a.manifestWeak.Value()
		a.mu.Unlock()
		if p != nil {
			return *p, nil
		}
		m, err := a.buildManifest()
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.manifestWeak = weak.Make(&m)
		a.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(manifest.Manifest), nil
}

func (a *Archive) buildManifest() (manifest.Manifest, error) {
	rc, err := a.OpenEntry("META-INF/MANIFEST.MF")
	switch {
	case err == nil:
		defer rc.Close()
		return manifest.Parse(rc)
	case errors.Is(err, fs.ErrNotExist):
		if a.parentManifest != nil {
			return a.parentManifest()
		}
		return manifest.Manifest{}, nil
	default:
		return nil, err
	}
}

// Close marks the archive closed, recursively closes every child still
// live (even ones no longer resident in the bounded child cache), and
// releases the archive's own underlying byte range, if any. Safe to call
// more than once. Closing a root transitively invalidates every
// NestedJar/NestedDirectory descended from it still held by a caller: their
// later OpenEntry/Manifest calls report ErrClosed, Has reports false, and
// Entries/NestedArchives yield nothing, rather than silently continuing to
// serve reads (§4.X).
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	kids := a.liveChildren
	a.liveChildren = nil
	a.mu.Unlock()

	for _, c := range kids {
		c.Close()
	}

	if a.data != nil {
		return a.data.Close()
	}
	return nil
}

// NestedArchives implements §4.E's pluggable-predicate child-enumeration
// operation: it walks this archive's own entries, in central-directory
// order, and for each one first asks searchFilter whether the entry is even
// a candidate nested archive (e.g. matches a naming convention), then asks
// includeFilter whether the caller wants it included. Only entries passing
// both are opened and yielded — a selective filter pair avoids paying to
// open entries that will be rejected. Either filter may be nil to accept
// everything. Directory entries are valid candidates (they open as
// NESTED_DIRECTORY); yields nothing for a directory-backed or closed
// archive.
func (a *Archive) NestedArchives(searchFilter, includeFilter func(entryindex.Entry) bool) iter.Seq[*Archive] {
	return func(yield func(*Archive) bool) {
		if a.isClosed() || a.index == nil {
			return
		}
		for e := range a.index.Iter() {
			name, ok := a.stripPrefix(e.Name)
			if !ok {
				continue
			}
			name = strings.TrimSuffix(name, "/")
			if name == "" {
				continue
			}
			e.Name = name
			if searchFilter != nil && !searchFilter(e) {
				continue
			}
			if includeFilter != nil && !includeFilter(e) {
				continue
			}
			child, err := Open(a, name)
			if err != nil {
				continue
			}
			if !yield(child) {
				return
			}
		}
	}
}
