package classpath

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/archlayer/nestedjar/internal/archive"
)

func TestParseIndexSkipsBlankLinesAndQuotes(t *testing.T) {
	src := "- \"BOOT-INF/lib/a.jar\"\n\n- \"BOOT-INF/lib/b.jar\"\n"
	got, err := parseIndex(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"BOOT-INF/lib/a.jar", "BOOT-INF/lib/b.jar"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestLoadIndexUsesDefaultPath(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "app.jar")
	writeJar(t, p, map[string]string{
		"BOOT-INF/classpath.idx": "- \"BOOT-INF/lib/x.jar\"\n- \"BOOT-INF/lib/y.jar\"\n",
	})
	a := openRoot(t, p)

	idx, err := LoadIndex(a)
	if err != nil {
		t.Fatal(err)
	}
	if len(idx) != 2 || idx[0] != "BOOT-INF/lib/x.jar" || idx[1] != "BOOT-INF/lib/y.jar" {
		t.Fatalf("unexpected index: %v", idx)
	}
}

func TestLoadIndexUsesManifestAttribute(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "app.jar")
	writeJar(t, p, map[string]string{
		"META-INF/MANIFEST.MF":  "Manifest-Version: 1.0\r\nSpring-Boot-Classpath-Index: custom/index.idx\r\n",
		"custom/index.idx":      "- \"lib/only.jar\"\n",
	})
	a := openRoot(t, p)

	idx, err := LoadIndex(a)
	if err != nil {
		t.Fatal(err)
	}
	if len(idx) != 1 || idx[0] != "lib/only.jar" {
		t.Fatalf("unexpected index: %v", idx)
	}
}

func TestLoadIndexAbsentReturnsNil(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "app.jar")
	writeJar(t, p, map[string]string{"a.txt": "1"})
	a := openRoot(t, p)

	idx, err := LoadIndex(a)
	if err != nil {
		t.Fatal(err)
	}
	if idx != nil {
		t.Fatalf("expected nil index, got %v", idx)
	}
}

func TestNewAutoPopulatesIndexOrdering(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "app.jar")
	writeJar(t, p, map[string]string{
		"BOOT-INF/classpath.idx": "- \"b.txt\"\n- \"a.txt\"\n",
		"a.txt":                  "1",
		"b.txt":                  "2",
	})
	a := openRoot(t, p)

	r := New(Entry{Archive: a})
	var names []string
	for n := range orderedNames(r.entries[0]) {
		names = append(names, n)
	}
	if len(names) < 2 || names[0] != "b.txt" || names[1] != "a.txt" {
		t.Fatalf("expected sidecar order b.txt,a.txt first, got %v", names)
	}
}

func TestNewExpandsClassPathManifestAttribute(t *testing.T) {
	dir := t.TempDir()
	appPath := filepath.Join(dir, "app.jar")
	libPath := filepath.Join(dir, "lib.jar")
	writeJar(t, appPath, map[string]string{
		"META-INF/MANIFEST.MF": "Manifest-Version: 1.0\r\nClass-Path: lib.jar\r\n",
		"app.txt":              "1",
	})
	writeJar(t, libPath, map[string]string{"lib.txt": "2"})

	r := New(Entry{Archive: openRoot(t, appPath)})
	if len(r.entries) != 2 {
		t.Fatalf("expected Class-Path to append a second entry, got %d", len(r.entries))
	}
	if !r.entries[1].Archive.Has("lib.txt") {
		t.Fatal("expected the Class-Path jar's content to be reachable")
	}
	u, ok := r.FindResource("lib.txt")
	if !ok || u.Root != "file://"+libPath {
		t.Fatalf("expected lib.txt resolved from %s, got %v ok=%v", libPath, u, ok)
	}
}

func TestNewIgnoresClassPathOnNestedArchive(t *testing.T) {
	dir := t.TempDir()
	outerPath := filepath.Join(dir, "outer.jar")

	inner := filepath.Join(t.TempDir(), "inner.jar")
	writeJar(t, inner, map[string]string{
		"META-INF/MANIFEST.MF": "Manifest-Version: 1.0\r\nClass-Path: lib.jar\r\n",
		"inner.txt":            "1",
	})
	innerBytes, err := os.ReadFile(inner)
	if err != nil {
		t.Fatal(err)
	}

	f, err := os.Create(outerPath)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "lib/inner.jar", Method: zip.Store})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(innerBytes); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	outer := openRoot(t, outerPath)
	nested, err := archive.Open(outer, "lib/inner.jar")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { nested.Close() })

	r := New(Entry{Archive: nested})
	if len(r.entries) != 1 {
		t.Fatalf("expected no Class-Path expansion for a nested archive, got %d entries", len(r.entries))
	}
}
