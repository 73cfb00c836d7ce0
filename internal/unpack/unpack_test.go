package unpack

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/archlayer/nestedjar/internal/archive"
	"github.com/archlayer/nestedjar/internal/entryindex"
	"github.com/archlayer/nestedjar/internal/zipcd"
)

func TestMarked(t *testing.T) {
	if !Marked("UNPACK:lib/native.so") {
		t.Fatal("expected UNPACK: prefix to be recognized")
	}
	if Marked("not marked") {
		t.Fatal("expected a plain comment to not be recognized")
	}
}

func TestExtractWritesFileAndCaches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.jar")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("lib/native.so")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("binary-content"))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	a, err := archive.OpenRoot(path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	x, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer x.Close()

	rc, err := a.OpenEntry("lib/native.so")
	if err != nil {
		t.Fatal(err)
	}
	rc.Close()

	rf, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()
	info, err := rf.Stat()
	if err != nil {
		t.Fatal(err)
	}
	eocd, archiveStart, err := zipcd.Locate(rf, info.Size())
	if err != nil {
		t.Fatal(err)
	}
	idx, err := entryindex.Build(rf, archiveStart, eocd)
	if err != nil {
		t.Fatal(err)
	}
	entry, found := idx.Get("lib/native.so")
	if !found {
		t.Fatal("expected lib/native.so in index")
	}

	p1, err := x.Extract(a, entry)
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(p1)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "binary-content" {
		t.Fatalf("got %q", got)
	}

	p2, err := x.Extract(a, entry)
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Fatalf("expected cached extraction path, got %q then %q", p1, p2)
	}
}
