// Package unpack materializes entries marked with an "UNPACK:" comment
// convention onto the real filesystem, for the rare case where a consumer
// (typically a native library loader) cannot accept an in-archive byte
// range and needs an actual path. Extraction happens lazily, once per
// entry, into a process-scoped directory removed when the Extractor is
// closed.
package unpack

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/archlayer/nestedjar/internal/archive"
	"github.com/archlayer/nestedjar/internal/entryindex"
	"github.com/archlayer/nestedjar/internal/zipcd"
)

// CommentMarker is the entry-comment convention flagging an entry for
// disk extraction rather than in-archive access.
const CommentMarker = "UNPACK:"

// Marked reports whether an entry's comment carries the UNPACK: marker.
func Marked(comment string) bool {
	return len(comment) >= len(CommentMarker) && comment[:len(CommentMarker)] == CommentMarker
}

// Extractor owns a single process-scoped scratch directory, mapping
// (archive identity, entry name) pairs to extracted file paths. Safe for
// concurrent use.
type Extractor struct {
	root string

	mu    sync.Mutex
	paths map[string]string
}

// New creates a fresh scratch directory under os.TempDir, unique to this
// process.
func New() (*Extractor, error) {
	root, err := os.MkdirTemp("", "nestedjar-unpack-")
	if err != nil {
		return nil, fmt.Errorf("unpack: %w", err)
	}
	return &Extractor{root: root, paths: make(map[string]string)}, nil
}

// Close removes the scratch directory and everything extracted into it.
func (x *Extractor) Close() error {
	return os.RemoveAll(x.root)
}

// Extract materializes entry from a onto disk, returning its path. Calling
// Extract twice for the same (archive, entry) pair returns the
// already-extracted path without re-reading the archive.
func (x *Extractor) Extract(a *archive.Archive, entry entryindex.Entry) (string, error) {
	key := a.ID() + "#" + entry.Name

	x.mu.Lock()
	if p, ok := x.paths[key]; ok {
		x.mu.Unlock()
		return p, nil
	}
	x.mu.Unlock()

	rc, err := a.OpenEntry(entry.Name)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	dest := filepath.Join(x.root, sanitize(key), filepath.FromSlash(entry.Name))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("unpack: %w", err)
	}

	mode := os.FileMode(0o644)
	if m, ok := zipcd.UnixMode(entry.VersionMadeBy, entry.ExternalAttrs); ok {
		mode = m
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return "", fmt.Errorf("unpack: %w", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return "", fmt.Errorf("unpack: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("unpack: %w", err)
	}

	x.mu.Lock()
	x.paths[key] = dest
	x.mu.Unlock()
	return dest, nil
}

func sanitize(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
