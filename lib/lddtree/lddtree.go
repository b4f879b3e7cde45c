// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

// Package lddtree wraps the lddtree tool for ELF dependency closure
// copying: given a dynamically linked binary and a bundle root, it
// copies the binary plus every shared library it transitively needs
// into the bundle, rewrites run paths so the binary finds the bundled
// libraries, and generates interpreter wrapper scripts.
package lddtree

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path"
	"strings"
)

// Copier copies one ELF binary and its shared-library closure into a
// bundle tree. It is a self-contained step per binary.
type Copier interface {
	// CopyTree copies binary into bundleRoot, placing the binary in
	// destDir (a bundle-root-relative directory) and its library
	// closure under lib/.
	CopyTree(ctx context.Context, binary, bundleRoot, destDir string) error
}

// CLI invokes the lddtree executable.
type CLI struct {
	// Binary overrides the tool path. Empty means PATH lookup of
	// "lddtree".
	Binary string

	// Root is passed as the ELF root for library resolution, so
	// closures computed against a build sysroot resolve that
	// sysroot's libraries. Empty means the live root.
	Root string
}

// CopyTree runs lddtree --copy-to-tree for one binary.
func (c *CLI) CopyTree(ctx context.Context, binary, bundleRoot, destDir string) error {
	args := []string{
		"--copy-to-tree", bundleRoot,
		"--libdir", "/lib",
		"--bindir", path.Join("/", destDir),
		"--generate-wrappers",
	}
	if c.Root != "" && c.Root != "/" {
		args = append(args, "--root", c.Root)
	}
	args = append(args, binary)

	tool := c.Binary
	if tool == "" {
		tool = "lddtree"
	}

	var stderr bytes.Buffer
	command := exec.CommandContext(ctx, tool, args...)
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return fmt.Errorf("lddtree %s: %w (stderr: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
