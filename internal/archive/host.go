package archive

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// statDir and openHostFile back NestedDirectory/ExplodedDirectory archives,
// whose entries live on the real filesystem rather than in a zip central
// directory (an archive already unpacked to a directory tree, opened
// through OpenDirectory).

func statDir(dir, name string) (fs.FileInfo, error) {
	return os.Stat(filepath.Join(dir, filepath.FromSlash(name)))
}

func openHostFile(dir, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(name)))
	if err != nil {
		return nil, err
	}
	return f, nil
}
