// Package manifest parses JAR-style META-INF/MANIFEST.MF main attributes.
//
// The format is RFC 822 header folding (a line beginning with a single
// space continues the previous line) terminated by a blank line, which is
// exactly what net/mail already knows how to read.
package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/mail"
)

// Manifest is the main-section attribute map of a MANIFEST.MF file, keyed
// by each attribute name in canonical MIME header form (net/mail's
// normalization: "main-class" is stored as "Main-Class").
type Manifest map[string]string

// ErrNoManifestVersion is returned when a non-empty main section lacks a
// Manifest-Version header — mandatory in a well-formed MANIFEST.MF. A
// wholly absent/empty manifest is a different, tolerated case (see Parse)
// and does not trigger this error.
var ErrNoManifestVersion = errors.New("manifest: missing Manifest-Version attribute")

// Parse reads the main section of a MANIFEST.MF stream. Per-entry sections
// (separated by a blank line) are ignored; nothing in this loader needs
// them. A completely empty main section is returned as an empty Manifest
// rather than an error — the archive simply has nothing declared — but a
// non-empty one missing Manifest-Version is malformed and reported as such.
func Parse(r io.Reader) (Manifest, error) {
	main, _, err := splitSections(r)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(main)) == 0 {
		return Manifest{}, nil
	}

	msg, err := mail.ReadMessage(bytes.NewReader(append(main, '\n')))
	if err != nil {
		return nil, err
	}

	m := make(Manifest, len(msg.Header))
	for k := range msg.Header {
		m[k] = msg.Header.Get(k)
	}
	if _, ok := m.Get("Manifest-Version"); !ok {
		return nil, ErrNoManifestVersion
	}
	return m, nil
}

// Get reads a single attribute, reporting whether it was present.
func (m Manifest) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// splitSections returns the main section (everything before the first
// blank line) with line endings normalized to \n. Per-entry sections after
// it are discarded; rest is always nil.
func splitSections(r io.Reader) (main []byte, rest []byte, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	var buf bytes.Buffer
	inMain := true
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			inMain = false
			continue
		}
		if inMain {
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), nil, nil
}
