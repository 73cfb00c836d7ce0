// jarfind opens a self-contained executable jar, prints its Main-Class and
// entry count, and streams one named resource to stdout.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/archlayer/nestedjar/internal/archive"
	"github.com/archlayer/nestedjar/internal/classpath"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: jarfind <jar-path> [resource-name]")
		os.Exit(1)
	}
	path := os.Args[1]

	a, err := archive.OpenRoot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer a.Close()

	m, err := a.Manifest()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if mainClass, ok := m.Get("Main-Class"); ok {
		fmt.Printf("Main-Class: %s\n", mainClass)
	}

	entries := make([]string, 0, 16)
	for name := range a.Entries() {
		entries = append(entries, name)
	}
	fmt.Printf("%d entries\n", len(entries))

	cp := classpath.New(classpath.Entry{Archive: a})

	if len(os.Args) < 3 {
		return
	}
	resource := os.Args[2]

	u, ok := cp.FindResource(resource)
	if !ok {
		fmt.Fprintf(os.Stderr, "%s: not found on classpath\n", resource)
		os.Exit(1)
	}
	fmt.Println(u.String())

	rc, err := a.OpenEntry(resource)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer rc.Close()
	io.Copy(os.Stdout, rc)
}
