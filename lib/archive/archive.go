// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive builds compressed tarballs of staged bundle trees
// for GCS export. Entries are written in sorted path order so the
// same tree always produces the same archive layout.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the archive compression algorithm.
type Compression uint8

const (
	// None writes a plain tar. For content that is already
	// compressed.
	None Compression = iota

	// Gzip is the widest-compatibility option.
	Gzip

	// Zstd is the default: good ratios on mixed binary/text content
	// with fast decompression.
	Zstd

	// LZ4 trades ratio for the fastest decompression.
	LZ4
)

// String returns the archive format name as used in manifests and
// upload metadata.
func (c Compression) String() string {
	switch c {
	case None:
		return "tar"
	case Gzip:
		return "tar.gz"
	case Zstd:
		return "tar.zst"
	case LZ4:
		return "tar.lz4"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// Extension returns the file extension including the leading dot.
func (c Compression) Extension() string {
	return "." + c.String()
}

// Parse maps an archive format name to its Compression value.
func Parse(name string) (Compression, error) {
	switch name {
	case "tar":
		return None, nil
	case "tar.gz":
		return Gzip, nil
	case "tar.zst":
		return Zstd, nil
	case "tar.lz4":
		return LZ4, nil
	default:
		return 0, fmt.Errorf("unknown archive format %q", name)
	}
}

// Create tars the contents of dir (not dir itself) into a compressed
// archive at out. Symlinks are stored as links; file mode and
// modification time are preserved.
func Create(dir, out string, compression Compression) (err error) {
	outFile, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("creating archive %s: %w", out, err)
	}
	defer func() {
		if closeErr := outFile.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing archive %s: %w", out, closeErr)
		}
	}()

	compressed, finish, err := newCompressor(outFile, compression)
	if err != nil {
		return err
	}

	tarWriter := tar.NewWriter(compressed)
	if err := writeTree(tarWriter, dir); err != nil {
		return err
	}
	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("finalizing tar: %w", err)
	}
	return finish()
}

// newCompressor wraps w in the requested compression writer and
// returns it with a finish function that flushes and closes the
// compression layer (but not w).
func newCompressor(w io.Writer, compression Compression) (io.Writer, func() error, error) {
	switch compression {
	case None:
		return w, func() error { return nil }, nil
	case Gzip:
		gz := gzip.NewWriter(w)
		return gz, gz.Close, nil
	case Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing zstd writer: %w", err)
		}
		return zw, zw.Close, nil
	case LZ4:
		lw := lz4.NewWriter(w)
		return lw, lw.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown compression %d", compression)
	}
}

// writeTree writes every entry under dir to tw in sorted path order.
func writeTree(tw *tar.Writer, dir string) error {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", dir, err)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := writeEntry(tw, dir, path); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(tw *tar.Writer, dir, path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("stating %s: %w", path, err)
	}

	var linkTarget string
	if info.Mode()&os.ModeSymlink != 0 {
		linkTarget, err = os.Readlink(path)
		if err != nil {
			return fmt.Errorf("reading link %s: %w", path, err)
		}
	}

	header, err := tar.FileInfoHeader(info, linkTarget)
	if err != nil {
		return fmt.Errorf("building tar header for %s: %w", path, err)
	}

	relative, err := filepath.Rel(dir, path)
	if err != nil {
		return fmt.Errorf("relativizing %s: %w", path, err)
	}
	header.Name = filepath.ToSlash(relative)
	if info.IsDir() && !strings.HasSuffix(header.Name, "/") {
		header.Name += "/"
	}

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", path, err)
	}

	if !info.Mode().IsRegular() {
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer file.Close()

	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("archiving %s: %w", path, err)
	}
	return nil
}
