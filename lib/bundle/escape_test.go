// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateNoEscapesAcceptsContainedTree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "bin/tool", "content")
	writeFile(t, root, "lib/libfoo.so.1", "lib")
	if err := os.Symlink("libfoo.so.1", filepath.Join(root, "lib/libfoo.so")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("../lib/libfoo.so", filepath.Join(root, "bin/lib-alias")); err != nil {
		t.Fatal(err)
	}

	if err := ValidateNoEscapes(root); err != nil {
		t.Errorf("ValidateNoEscapes: %v", err)
	}
}

func TestValidateNoEscapesRejectsEscape(t *testing.T) {
	outside := t.TempDir()
	writeFile(t, outside, "secret", "secret")

	root := t.TempDir()
	writeFile(t, root, "bin/tool", "content")

	// Relative link whose chain resolves outside the bundle root. Each
	// hop is relative, so only full resolution catches it.
	relative, err := filepath.Rel(filepath.Join(root, "bin"), filepath.Join(outside, "secret"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(relative, filepath.Join(root, "bin/escape")); err != nil {
		t.Fatal(err)
	}

	if err := ValidateNoEscapes(root); err == nil {
		t.Error("ValidateNoEscapes accepted an escaping symlink")
	}
}

func TestValidateNoEscapesRejectsBrokenLink(t *testing.T) {
	root := t.TempDir()
	if err := os.Symlink("no-such-file", filepath.Join(root, "dangling")); err != nil {
		t.Fatal(err)
	}

	if err := ValidateNoEscapes(root); err == nil {
		t.Error("ValidateNoEscapes accepted a dangling symlink")
	}
}
