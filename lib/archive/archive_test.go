// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

func TestParse(t *testing.T) {
	for _, name := range []string{"tar", "tar.gz", "tar.zst", "tar.lz4"} {
		compression, err := Parse(name)
		if err != nil {
			t.Errorf("Parse(%q): %v", name, err)
			continue
		}
		if compression.String() != name {
			t.Errorf("Parse(%q).String() = %q", name, compression.String())
		}
		if compression.Extension() != "."+name {
			t.Errorf("Extension() = %q, want %q", compression.Extension(), "."+name)
		}
	}

	if _, err := Parse("zip"); err == nil {
		t.Error("Parse accepted an unknown format")
	}
}

func buildTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for path, content := range map[string]string{
		"bin/tool":        "binary content",
		"lib/libfoo.so.1": "library",
	} {
		full := filepath.Join(dir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink("libfoo.so.1", filepath.Join(dir, "lib/libfoo.so")); err != nil {
		t.Fatal(err)
	}
	return dir
}

func readEntries(t *testing.T, r io.Reader) map[string]*tar.Header {
	t.Helper()
	entries := make(map[string]*tar.Header)
	tr := tar.NewReader(r)
	var order []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading tar: %v", err)
		}
		entries[header.Name] = header
		order = append(order, header.Name)
	}
	if !sort.StringsAreSorted(order) {
		t.Errorf("tar entries not sorted: %v", order)
	}
	return entries
}

func TestCreateZstd(t *testing.T) {
	dir := buildTree(t)
	out := filepath.Join(t.TempDir(), "bundle.tar.zst")

	if err := Create(dir, out, Zstd); err != nil {
		t.Fatalf("Create: %v", err)
	}

	file, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	decoder, err := zstd.NewReader(file)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer decoder.Close()

	entries := readEntries(t, decoder)
	if _, ok := entries["bin/tool"]; !ok {
		t.Errorf("archive lacks bin/tool; entries: %v", entries)
	}
	link, ok := entries["lib/libfoo.so"]
	if !ok {
		t.Fatal("archive lacks the symlink entry")
	}
	if link.Typeflag != tar.TypeSymlink || link.Linkname != "libfoo.so.1" {
		t.Errorf("symlink entry = type %c target %q, want symlink to libfoo.so.1",
			link.Typeflag, link.Linkname)
	}
	if mode := entries["bin/tool"].FileInfo().Mode().Perm(); mode != 0o755 {
		t.Errorf("bin/tool mode = %o, want 755", mode)
	}
}

func TestCreateGzip(t *testing.T) {
	dir := buildTree(t)
	out := filepath.Join(t.TempDir(), "bundle.tar.gz")

	if err := Create(dir, out, Gzip); err != nil {
		t.Fatalf("Create: %v", err)
	}

	file, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	gz, err := gzip.NewReader(file)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer gz.Close()

	if entries := readEntries(t, gz); len(entries) == 0 {
		t.Error("empty archive")
	}
}

func TestCreatePlainTar(t *testing.T) {
	dir := buildTree(t)
	out := filepath.Join(t.TempDir(), "bundle.tar")

	if err := Create(dir, out, None); err != nil {
		t.Fatalf("Create: %v", err)
	}

	file, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	if entries := readEntries(t, file); len(entries) != 5 {
		// bin/, bin/tool, lib/, lib/libfoo.so, lib/libfoo.so.1
		t.Errorf("got %d entries, want 5", len(entries))
	}
}
