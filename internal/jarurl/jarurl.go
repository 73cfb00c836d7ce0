// Package jarurl implements component F: the composite jar: URL scheme,
// bidirectional mapping between `jar:<outer-file-url>!/<seg>(!/<seg>)*`
// strings and (root file, path segments) tuples, plus a stream handler that
// walks those segments through internal/archive.
//
// Grounded on the teacher's own "Special"-character path-splitting
// convention (fs.go/path.go): a textual path is a sequence of elements
// joined by a reserved separator, each boundary marking a dive into a
// different filesystem. Here the separator is the grammar's own "!/"
// rather than a private marker character, since jar: URLs are an external
// wire format, not an internal map key.
package jarurl

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/archlayer/nestedjar/internal/archive"
)

// Scheme is the URL scheme this package registers and parses.
const Scheme = "jar"

// ErrBadURL means raw did not match the composite URL grammar.
var ErrBadURL = errors.New("jarurl: malformed composite url")

// URL is the parsed form of a jar: URL: an outer-file URL (itself any
// scheme, typically file:) plus an ordered list of "!/"-delimited
// segments. All but the last segment name a nested archive to descend
// into; the last names an entry to open, or is empty to mean "the archive
// itself".
type URL struct {
	Root     string
	Segments []string
}

// Parse splits raw on the literal "!/" sequence per §4.F's grammar.
func Parse(raw string) (URL, error) {
	const prefix = Scheme + ":"
	if !strings.HasPrefix(raw, prefix) {
		return URL{}, fmt.Errorf("%w: missing %q prefix", ErrBadURL, prefix)
	}
	rest := raw[len(prefix):]

	i := strings.Index(rest, "!/")
	if i < 0 {
		return URL{}, fmt.Errorf("%w: missing \"!/\" separator", ErrBadURL)
	}

	root := normalizeFileURL(rest[:i])
	tail := rest[i+2:]

	var segments []string
	if tail == "" {
		segments = []string{""}
	} else {
		segments = strings.Split(tail, "!/")
	}
	return URL{Root: root, Segments: segments}, nil
}

// String reassembles the composite URL text.
func (u URL) String() string {
	return Scheme + ":" + u.Root + "!/" + strings.Join(u.Segments, "!/")
}

// RootPath extracts the local filesystem path from a file: root URL.
func (u URL) RootPath() (string, error) {
	parsed, err := url.Parse(u.Root)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "" && parsed.Scheme != "file" {
		return "", fmt.Errorf("%w: unsupported root scheme %q", ErrBadURL, parsed.Scheme)
	}
	return parsed.Path, nil
}

// normalizeFileURL collapses the UNC-path form file://// down to file://,
// per §4.F.
func normalizeFileURL(u string) string {
	const unc = "file:////"
	if strings.HasPrefix(u, unc) {
		return "file://" + strings.TrimPrefix(u, unc)
	}
	return u
}

// Handler is the stream handler of §4.F: it owns a cache of opened root
// archives and walks jar: URLs against them.
type Handler struct {
	mu    sync.Mutex
	roots map[string]*archive.Archive
}

// NewHandler constructs an empty Handler.
func NewHandler() *Handler {
	return &Handler{roots: make(map[string]*archive.Archive)}
}

var (
	globalHandler *Handler
	registerOnce  sync.Once
)

// Register installs the process-wide jar: handler. Idempotent: subsequent
// calls are no-ops, matching §4.F's "registration is idempotent"
// requirement.
func Register() *Handler {
	registerOnce.Do(func() {
		globalHandler = NewHandler()
	})
	return globalHandler
}

func (h *Handler) rootArchive(rootURL string) (*archive.Archive, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if a, ok := h.roots[rootURL]; ok {
		return a, nil
	}

	u := URL{Root: rootURL}
	path, err := u.RootPath()
	if err != nil {
		return nil, err
	}
	a, err := archive.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	h.roots[rootURL] = a
	return a, nil
}

// Resolve walks every non-terminal segment of u through archive.Open,
// returning the resulting archive and the final (possibly empty) segment
// still to be opened within it.
func (h *Handler) Resolve(u URL) (a *archive.Archive, final string, err error) {
	a, err = h.rootArchive(u.Root)
	if err != nil {
		return nil, "", err
	}
	for _, seg := range u.Segments[:len(u.Segments)-1] {
		a, err = archive.Open(a, seg)
		if err != nil {
			return nil, "", err
		}
	}
	return a, u.Segments[len(u.Segments)-1], nil
}

// OpenArchive resolves raw all the way to an Archive, descending into a
// terminal "!/" segment if present.
func (h *Handler) OpenArchive(raw string) (*archive.Archive, error) {
	u, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	a, final, err := h.Resolve(u)
	if err != nil {
		return nil, err
	}
	if final == "" {
		return a, nil
	}
	return archive.Open(a, final)
}

// Open opens raw's terminal entry for reading. It is an error for raw to
// name an archive itself (a trailing "!/" with nothing after it) — use
// OpenArchive for that case.
func (h *Handler) Open(raw string) (io.ReadCloser, error) {
	u, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	a, final, err := h.Resolve(u)
	if err != nil {
		return nil, err
	}
	if final == "" {
		return nil, fmt.Errorf("%w: %q names an archive, not an entry", ErrBadURL, raw)
	}
	return a.OpenEntry(final)
}

// Join builds a composite URL for an entry or nested-archive path found
// underneath an already-resolved archive, given the archive chain's own
// composite identity as produced by archive.Archive.ID.
func Join(rootURL string, archiveChainSegments []string, entry string) URL {
	segs := append(append([]string{}, archiveChainSegments...), entry)
	return URL{Root: rootURL, Segments: segs}
}
