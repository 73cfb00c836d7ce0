package classpath

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/archlayer/nestedjar/internal/archive"
)

func writeJar(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(content))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

func openRoot(t *testing.T, path string) *archive.Archive {
	t.Helper()
	a, err := archive.OpenRoot(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestFindResourceFirstMatchWins(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "one.jar")
	p2 := filepath.Join(dir, "two.jar")
	writeJar(t, p1, map[string]string{"m/r.txt": "from-one"})
	writeJar(t, p2, map[string]string{"m/r.txt": "from-two"})

	r := New(
		Entry{Archive: openRoot(t, p1)},
		Entry{Archive: openRoot(t, p2)},
	)

	u, ok := r.FindResource("m/r.txt")
	if !ok {
		t.Fatal("expected m/r.txt to be found")
	}
	if u.Root != "file://"+p1 {
		t.Fatalf("expected first root to win, got %q", u.Root)
	}
}

func TestFindResourcesYieldsAllMatches(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "one.jar")
	p2 := filepath.Join(dir, "two.jar")
	writeJar(t, p1, map[string]string{"m/r.txt": "from-one"})
	writeJar(t, p2, map[string]string{"m/r.txt": "from-two"})

	r := New(
		Entry{Archive: openRoot(t, p1)},
		Entry{Archive: openRoot(t, p2)},
	)

	var roots []string
	for u := range r.FindResources("m/r.txt") {
		roots = append(roots, u.Root)
	}
	if len(roots) != 2 {
		t.Fatalf("expected 2 matches, got %v", roots)
	}
}

func TestFindResourcesRootYieldsOnePerRoot(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "one.jar")
	p2 := filepath.Join(dir, "two.jar")
	writeJar(t, p1, map[string]string{"a.txt": "1"})
	writeJar(t, p2, map[string]string{"b.txt": "2"})

	r := New(
		Entry{Archive: openRoot(t, p1)},
		Entry{Archive: openRoot(t, p2)},
	)

	var n int
	for u := range r.FindResourcesRoot() {
		if len(u.Segments) != 1 || u.Segments[0] != "" {
			t.Fatalf("expected a terminal empty segment, got %v", u.Segments)
		}
		n++
	}
	if n != 2 {
		t.Fatalf("expected 2 roots, got %d", n)
	}
}

func TestLoadClassBytes(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "app.jar")
	writeJar(t, p, map[string]string{"com/example/Main.class": "classbytes"})

	r := New(Entry{Archive: openRoot(t, p)})
	b, err := r.LoadClassBytes("com.example.Main")
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "classbytes" {
		t.Fatalf("got %q", b)
	}
}

func TestLoadClassBytesMissing(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "app.jar")
	writeJar(t, p, map[string]string{"a.txt": "1"})

	r := New(Entry{Archive: openRoot(t, p)})
	if _, err := r.LoadClassBytes("com.example.Missing"); err == nil {
		t.Fatal("expected an error for a missing class")
	}
}

func TestDefinePackageForUsesOwningArchiveManifest(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "app.jar")
	writeJar(t, p, map[string]string{
		"META-INF/MANIFEST.MF":   "Manifest-Version: 1.0\r\nImplementation-Title: demo\r\n",
		"com/example/Main.class": "classbytes",
	})

	r := New(Entry{Archive: openRoot(t, p)})
	m, err := r.DefinePackageFor("com.example.Main")
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := m.Get("Implementation-Title"); v != "demo" {
		t.Fatalf("expected demo, got %q", v)
	}

	// Cached second call must agree.
	m2, err := r.DefinePackageFor("com.example.Main")
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := m2.Get("Implementation-Title"); v != "demo" {
		t.Fatalf("expected cached demo, got %q", v)
	}
}

func TestFindResourcesGlobMatchesPattern(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "app.jar")
	writeJar(t, p, map[string]string{
		"com/example/Main.class":  "1",
		"com/example/Util.class":  "2",
		"res/icon.png":            "3",
	})

	r := New(Entry{Archive: openRoot(t, p)})
	var matches []string
	for u := range r.FindResourcesGlob("com/**/*.class") {
		matches = append(matches, u.Segments[len(u.Segments)-1])
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %v", matches)
	}
}
