// Package classpath implements component G: an ordered classpath of
// archive/exploded-directory roots, supporting first-match and all-match
// resource lookup, binary-class-name loading, and per-class package/manifest
// association.
package classpath

import (
	"fmt"
	"io"
	"io/fs"
	"iter"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/singleflight"

	"github.com/archlayer/nestedjar/internal/archive"
	"github.com/archlayer/nestedjar/internal/jarurl"
	"github.com/archlayer/nestedjar/internal/manifest"
)

// Entry is one classpath root: an already-resolved archive (of any Kind)
// plus an optional sidecar index giving its declared entry order. Index is
// nil when the root has no such sidecar, in which case the archive's own
// natural order (central-directory order, or discovery order for a
// directory) is used.
type Entry struct {
	Archive *archive.Archive
	Index   []string
}

// Resolver holds the ordered classpath and the package/manifest
// association cache used by DefinePackageFor.
type Resolver struct {
	entries []Entry

	packageSF    singleflight.Group
	packageCache sync.Map // package name -> manifest.Manifest
}

// New builds a Resolver over entries in classpath order (first entry wins
// ties in find_resource). An entry lacking an explicit Index has one loaded
// automatically from its archive's classpath-index sidecar, if it carries
// one. An entry whose manifest declares a Class-Path attribute (a
// space-separated list of paths relative to the entry's own on-disk
// directory) has those additional roots appended immediately after it, in
// the order listed; an entry with no filesystem directory of its own — any
// nested jar or nested directory view — cannot resolve Class-Path entries
// and its attribute, if present, is ignored.
func New(entries ...Entry) *Resolver {
	expanded := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if len(e.Index) == 0 {
			if idx, err := LoadIndex(e.Archive); err == nil && len(idx) > 0 {
				e.Index = idx
			}
		}
		expanded = append(expanded, e)
		expanded = append(expanded, classPathEntries(e)...)
	}
	return &Resolver{entries: expanded}
}

// classPathEntries resolves e's manifest Class-Path attribute, if any, into
// additional classpath entries. Each listed path is opened as a root
// archive relative to the directory containing e's own root file; entries
// that fail to open (missing, not a valid archive) are silently skipped, in
// keeping with find_resource's "absent" rather than error semantics for
// classpath construction.
func classPathEntries(e Entry) []Entry {
	root, segs := archive.SplitID(e.Archive.ID())
	if len(segs) != 0 {
		return nil
	}

	m, err := e.Archive.Manifest()
	if err != nil {
		return nil
	}
	cp, ok := m.Get("Class-Path")
	if !ok || strings.TrimSpace(cp) == "" {
		return nil
	}

	baseDir := filepath.Dir(root)
	var out []Entry
	for _, rel := range strings.Fields(cp) {
		a, err := archive.OpenRoot(filepath.Join(baseDir, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		out = append(out, Entry{Archive: a})
	}
	return out
}

func (r *Resolver) find(name string) (Entry, bool) {
	for _, e := range r.entries {
		if e.Archive.Has(name) {
			return e, true
		}
	}
	return Entry{}, false
}

func (r *Resolver) urlFor(e Entry, name string) jarurl.URL {
	root, segs := archive.SplitID(e.Archive.ID())
	full := make([]string, 0, len(segs)+1)
	full = append(full, segs...)
	full = append(full, name)
	return jarurl.URL{Root: "file://" + root, Segments: full}
}

// FindResource returns the URL of the first classpath entry containing
// name, in declared order.
func (r *Resolver) FindResource(name string) (jarurl.URL, bool) {
	e, ok := r.find(name)
	if !ok {
		return jarurl.URL{}, false
	}
	return r.urlFor(e, name), true
}

// FindResources yields a URL for every classpath entry containing name, in
// order, including duplicates across roots.
func (r *Resolver) FindResources(name string) iter.Seq[jarurl.URL] {
	return func(yield func(jarurl.URL) bool) {
		for _, e := range r.entries {
			if e.Archive.Has(name) {
				if !yield(r.urlFor(e, name)) {
					return
				}
			}
		}
	}
}

// FindResourcesRoot yields one URL per classpath root (find_resources("")).
func (r *Resolver) FindResourcesRoot() iter.Seq[jarurl.URL] {
	return func(yield func(jarurl.URL) bool) {
		for _, e := range r.entries {
			root, segs := archive.SplitID(e.Archive.ID())
			full := append(append([]string{}, segs...), "")
			u := jarurl.URL{Root: "file://" + root, Segments: full}
			if !yield(u) {
				return
			}
		}
	}
}

// FindResourcesGlob yields a URL for every entry across every root whose
// name matches a doublestar pattern, honoring each root's declared order
// (its sidecar Index when present, its natural order otherwise).
func (r *Resolver) FindResourcesGlob(pattern string) iter.Seq[jarurl.URL] {
	return func(yield func(jarurl.URL) bool) {
		for _, e := range r.entries {
			for name := range orderedNames(e) {
				ok, err := doublestar.Match(pattern, name)
				if err != nil || !ok {
					continue
				}
				if !yield(r.urlFor(e, name)) {
					return
				}
			}
		}
	}
}

// orderedNames applies the §4.G ordering rule: indexed names first in
// declared order, then any remaining entries the index didn't list, in
// discovery order.
func orderedNames(e Entry) iter.Seq[string] {
	return func(yield func(string) bool) {
		if len(e.Index) == 0 {
			for n := range e.Archive.Entries() {
				if !yield(n) {
					return
				}
			}
			return
		}

		seen := make(map[string]bool, len(e.Index))
		for _, n := range e.Index {
			seen[n] = true
			if !yield(n) {
				return
			}
		}
		for n := range e.Archive.Entries() {
			if seen[n] {
				continue
			}
			if !yield(n) {
				return
			}
		}
	}
}

// LoadClassBytes translates a binary class name (a.b.C) to its entry name
// (a/b/C.class) and reads it via the first classpath entry that has it.
func (r *Resolver) LoadClassBytes(binaryName string) ([]byte, error) {
	name := strings.ReplaceAll(binaryName, ".", "/") + ".class"
	e, ok := r.find(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", binaryName, fs.ErrNotExist)
	}
	rc, err := e.Archive.OpenEntry(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// DefinePackageFor resolves the manifest attributes governing className's
// package: the manifest of whichever classpath entry actually supplied the
// class. Concurrent callers racing to define the same package observe the
// same result (idempotent winner), cached for the lifetime of the
// Resolver.
func (r *Resolver) DefinePackageFor(className string) (manifest.Manifest, error) {
	pkg := packageOf(className)
	if v, ok := r.packageCache.Load(pkg); ok {
		return v.(manifest.Manifest), nil
	}

	v, err, _ := r.packageSF.Do(pkg, func() (any, error) {
		if v, ok := r.packageCache.Load(pkg); ok {
			return v, nil
		}
		classFile := strings.ReplaceAll(className, ".", "/") + ".class"
		e, ok := r.find(classFile)
		if !ok {
			return manifest.Manifest{}, nil
		}
		m, err := e.Archive.Manifest()
		if err != nil {
			return nil, err
		}
		r.packageCache.Store(pkg, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(manifest.Manifest), nil
}

func packageOf(className string) string {
	i := strings.LastIndex(className, ".")
	if i < 0 {
		return ""
	}
	return className[:i]
}
