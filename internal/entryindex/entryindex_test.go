package entryindex

import (
	"archive/zip"
	"bytes"
	"fmt"
	"testing"

	"github.com/archlayer/nestedjar/internal/zipcd"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func buildIndex(t *testing.T, files map[string]string) *Index {
	t.Helper()
	data := buildZip(t, files)
	r := bytes.NewReader(data)
	eocd, archiveStart, err := zipcd.Locate(r, int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	ix, err := Build(r, archiveStart, eocd)
	if err != nil {
		t.Fatal(err)
	}
	return ix
}

func TestGetFindsKnownEntry(t *testing.T) {
	ix := buildIndex(t, map[string]string{
		"a.txt":                  "1",
		"dir/b.txt":              "2",
		"com/example/Main.class": "3",
	})
	e, ok := ix.Get("dir/b.txt")
	if !ok {
		t.Fatal("expected dir/b.txt to be found")
	}
	if e.Name != "dir/b.txt" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestGetMissingEntry(t *testing.T) {
	ix := buildIndex(t, map[string]string{"a.txt": "1"})
	if _, ok := ix.Get("nope.txt"); ok {
		t.Fatal("expected nope.txt to be absent")
	}
}

func TestContainsMatchesGet(t *testing.T) {
	ix := buildIndex(t, map[string]string{"a.txt": "1"})
	if !ix.Contains("a.txt") {
		t.Fatal("expected a.txt present")
	}
	if ix.Contains("b.txt") {
		t.Fatal("expected b.txt absent")
	}
}

func TestIterPreservesCentralDirectoryOrder(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"z.txt", "a.txt", "m.txt"} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	r := bytes.NewReader(buf.Bytes())
	eocd, archiveStart, err := zipcd.Locate(r, int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	ix, err := Build(r, archiveStart, eocd)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for e := range ix.Iter() {
		names = append(names, e.Name)
	}
	if len(names) != 3 {
		t.Fatalf("expected 3 entries, got %v", names)
	}
	// archive/zip.Writer preserves Create call order in the central
	// directory; our iterator must reproduce it rather than re-sorting.
	if names[0] != "z.txt" || names[1] != "a.txt" || names[2] != "m.txt" {
		t.Fatalf("expected creation order, got %v", names)
	}
}

func TestSignedDetection(t *testing.T) {
	unsigned := buildIndex(t, map[string]string{"a.txt": "1"})
	if unsigned.Signed() {
		t.Fatal("expected unsigned archive to report Signed() == false")
	}

	signed := buildIndex(t, map[string]string{
		"META-INF/MANIFEST.MF": "Manifest-Version: 1.0\n",
		"META-INF/CERT.SF":     "signature block",
	})
	if !signed.Signed() {
		t.Fatal("expected META-INF/*.SF entry to report Signed() == true")
	}
}

func TestLenMatchesEntryCount(t *testing.T) {
	ix := buildIndex(t, map[string]string{"a.txt": "1", "b.txt": "2"})
	if ix.Len() != 2 {
		t.Fatalf("expected 2, got %d", ix.Len())
	}
}

func TestPayloadRangeYieldsOriginalBytes(t *testing.T) {
	// Stored, so the payload range holds the entry's bytes as written.
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "f.txt", Method: zip.Store})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("payload-bytes")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	r := bytes.NewReader(data)
	eocd, archiveStart, err := zipcd.Locate(r, int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	ix, err := Build(r, archiveStart, eocd)
	if err != nil {
		t.Fatal(err)
	}
	e, ok := ix.Get("f.txt")
	if !ok {
		t.Fatal("expected f.txt")
	}
	off, length, err := PayloadRange(r, archiveStart, e)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, length)
	if _, err := r.ReadAt(got, off); err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload-bytes" {
		t.Fatalf("got %q", got)
	}
}

func TestLargeEntryCountRehashesCorrectly(t *testing.T) {
	files := make(map[string]string, 200)
	for i := 0; i < 200; i++ {
		files[namesFor(i)] = "x"
	}
	ix := buildIndex(t, files)
	if ix.Len() != 200 {
		t.Fatalf("expected 200 entries, got %d", ix.Len())
	}
	for i := 0; i < 200; i++ {
		if !ix.Contains(namesFor(i)) {
			t.Fatalf("expected %s present", namesFor(i))
		}
	}
}

func namesFor(i int) string {
	return fmt.Sprintf("entries/file%03d.bin", i)
}
