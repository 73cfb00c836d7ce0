package classpath

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/archlayer/nestedjar/internal/archive"
)

// DefaultIndexPath is the conventional sidecar location consulted when an
// archive's manifest does not name one via Spring-Boot-Classpath-Index.
const DefaultIndexPath = "BOOT-INF/classpath.idx"

// LoadIndex reads a's classpath-index sidecar, a plain-text, YAML-list-style
// file naming a's own entries in the order they should appear on the
// classpath (§6 "Classpath index sidecar"). The sidecar's location is either
// named by the Spring-Boot-Classpath-Index manifest attribute or, absent
// that, DefaultIndexPath. A nil, error-free result means a simply has no
// declared ordering — not every archive carries one.
func LoadIndex(a *archive.Archive) ([]string, error) {
	path := DefaultIndexPath
	if m, err := a.Manifest(); err == nil {
		if v, ok := m.Get("Spring-Boot-Classpath-Index"); ok && strings.TrimSpace(v) != "" {
			path = v
		}
	}

	rc, err := a.OpenEntry(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer rc.Close()
	return parseIndex(rc)
}

// parseIndex decodes lines of the form `- "name"`, one entry name per line.
// Blank lines are skipped; surrounding whitespace and quotes are trimmed.
func parseIndex(r io.Reader) ([]string, error) {
	var names []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "-")
		line = strings.TrimSpace(line)
		line = strings.Trim(line, `"`)
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("classpath: %w", err)
	}
	return names, nil
}
