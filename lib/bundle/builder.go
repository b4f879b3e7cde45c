// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

// Package bundle stages the on-disk directory tree for one subtool
// package: it enumerates source files per path mapping, copies them
// into the bundle (recreating symlinks, expanding ELF shared-library
// closures), records a content hash per placed file, and validates
// that no symlink escapes the bundle root.
//
// The staging tree is rebuilt from scratch on every run; previous
// state is deleted first, so re-running against unchanged sources is
// idempotent down to the computed digest.
package bundle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/chromeos-dev/subtools/lib/filetype"
	"github.com/chromeos-dev/subtools/lib/lddtree"
	"github.com/chromeos-dev/subtools/lib/manifest"
	"github.com/chromeos-dev/subtools/lib/portage"
)

// minBuildIDLength is the minimum hex length for an ELF build ID to
// serve as the content hash; shorter IDs fall back to content hashing.
const minBuildIDLength = 8

// buildIDHashLength truncates long build IDs in the hash index.
const buildIDHashLength = 16

// Env carries the collaborators the builder needs. All are explicit
// instances owned by the driver — no package-level singletons — so
// tests construct independent environments without shared state.
type Env struct {
	Logger     *slog.Logger
	Classifier *filetype.Classifier

	// Packages resolves ebuild filters to installed packages and
	// their file lists.
	Packages portage.Query

	// Lddtree performs ELF dependency closure copies. Nil disables
	// closure expansion (dynamic binaries are copied as plain bytes).
	Lddtree lddtree.Copier

	// Sysroot roots "/"-prefixed input globs. Empty means "/".
	Sysroot string

	// SourceRoot roots "//"-prefixed input globs (source-checkout-
	// relative patterns).
	SourceRoot string
}

func (e *Env) sysroot() string {
	if e.Sysroot == "" {
		return "/"
	}
	return e.Sysroot
}

// Result is what a bundling run produces beyond the tree itself.
type Result struct {
	// Record accumulates the content-hash index and size accounting.
	// Attribution fields are filled in by the caller after reverse
	// package lookup.
	Record *Record

	// Attributed maps source paths to their owning package for files
	// enumerated through an ebuild filter.
	Attributed map[string]portage.Package

	// Unattributed lists source paths copied via direct filesystem
	// globs, pending reverse file-to-package resolution.
	Unattributed []string
}

// Builder stages one subtool bundle. Not safe for concurrent use; the
// pipeline is strictly sequential.
type Builder struct {
	env  Env
	m    *manifest.Manifest
	root string

	hashes       map[string]string
	attributed   map[string]portage.Package
	unattributed map[string]struct{}
	fileCount    int
}

// NewBuilder returns a Builder that stages the manifest's files under
// root. The directory is deleted and recreated by Run.
func NewBuilder(env Env, m *manifest.Manifest, root string) *Builder {
	return &Builder{
		env:          env,
		m:            m,
		root:         root,
		hashes:       make(map[string]string),
		attributed:   make(map[string]portage.Package),
		unattributed: make(map[string]struct{}),
	}
}

// Run executes the bundling pass: deletes any previous staging tree,
// processes every path mapping in order, and returns the accumulated
// result. Failures are *manifest.BundlingError and abort the run
// immediately.
func (b *Builder) Run(ctx context.Context) (*Result, error) {
	if err := os.RemoveAll(b.root); err != nil {
		return nil, fmt.Errorf("clearing bundle directory: %w", err)
	}
	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return nil, fmt.Errorf("creating bundle directory: %w", err)
	}

	for i := range b.m.Paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := b.runMapping(ctx, i); err != nil {
			return nil, err
		}
	}

	totalSize, err := treeSize(b.root)
	if err != nil {
		return nil, err
	}

	unattributed := make([]string, 0, len(b.unattributed))
	for source := range b.unattributed {
		unattributed = append(unattributed, source)
	}

	return &Result{
		Record: &Record{
			Version:   RecordVersion,
			Hashes:    b.hashes,
			FileCount: b.fileCount,
			TotalSize: totalSize,
		},
		Attributed:   b.attributed,
		Unattributed: unattributed,
	}, nil
}

// Root returns the bundle staging directory.
func (b *Builder) Root() string {
	return b.root
}

// runMapping enumerates and copies one path mapping. A mapping whose
// globs contribute zero new files fails the run: silent empty globs
// are manifest bugs, not permissible no-ops.
func (b *Builder) runMapping(ctx context.Context, index int) error {
	mapping := &b.m.Paths[index]

	stripRE, err := regexp.Compile(mapping.StripPrefixRegex)
	if err != nil {
		return b.bundlingError(fmt.Sprintf("paths[%d]: strip_prefix_regex: %v", index, err))
	}

	startCount := b.fileCount

	if mapping.EbuildFilter != "" {
		if err := b.copyPackageFiles(ctx, index, mapping, stripRE); err != nil {
			return err
		}
	} else {
		if err := b.copyGlobbedFiles(ctx, index, mapping, stripRE); err != nil {
			return err
		}
	}

	copied := b.fileCount - startCount
	if copied == 0 {
		return b.bundlingError(fmt.Sprintf(
			"paths[%d]: input %v matched no files", index, mapping.Input))
	}
	b.env.Logger.Info("mapping bundled",
		"subtool", b.m.Name, "mapping", index, "files", copied)
	return nil
}

// copyPackageFiles enumerates the file list of the single installed
// package matching the ebuild filter, keeping entries that match any
// input glob.
func (b *Builder) copyPackageFiles(ctx context.Context, index int, mapping *manifest.PathMapping, stripRE *regexp.Regexp) error {
	pkg, err := b.env.Packages.ResolveOne(ctx, mapping.EbuildFilter)
	if err != nil {
		return b.bundlingError(fmt.Sprintf(
			"paths[%d]: ebuild_filter %q: %v", index, mapping.EbuildFilter, err))
	}

	files, err := b.env.Packages.Files(ctx, pkg)
	if err != nil {
		return b.bundlingError(fmt.Sprintf("paths[%d]: %v", index, err))
	}

	for _, pattern := range mapping.Input {
		relPattern := strings.TrimLeft(pattern, "/")
		for _, installed := range files {
			relative := strings.TrimPrefix(installed, "/")
			matched, err := fnmatch(relPattern, relative)
			if err != nil {
				return b.bundlingError(fmt.Sprintf("paths[%d]: %v", index, err))
			}
			if !matched {
				continue
			}
			realSource := filepath.Join(b.env.sysroot(), relative)
			if err := b.copyPath(ctx, realSource, "/"+relative, mapping, stripRE, &pkg); err != nil {
				return err
			}
		}
	}
	return nil
}

// copyGlobbedFiles enumerates the live filesystem. "/"-prefixed
// patterns are rooted at the sysroot, "//"-prefixed at the source
// checkout; in both cases the leading slashes are stripped and the
// pattern applied relative to the root.
func (b *Builder) copyGlobbedFiles(ctx context.Context, index int, mapping *manifest.PathMapping, stripRE *regexp.Regexp) error {
	for _, pattern := range mapping.Input {
		root := b.env.sysroot()
		if strings.HasPrefix(pattern, "//") {
			if b.env.SourceRoot == "" {
				return b.bundlingError(fmt.Sprintf(
					"paths[%d]: pattern %q is source-rooted but no source root is configured",
					index, pattern))
			}
			root = b.env.SourceRoot
		}

		matches, err := filepath.Glob(filepath.Join(root, strings.TrimLeft(pattern, "/")))
		if err != nil {
			return b.bundlingError(fmt.Sprintf("paths[%d]: glob %q: %v", index, pattern, err))
		}

		for _, match := range matches {
			relative, err := filepath.Rel(root, match)
			if err != nil {
				return fmt.Errorf("relativizing %s: %w", match, err)
			}
			logical := "/" + filepath.ToSlash(relative)
			if err := b.copyPath(ctx, match, logical, mapping, stripRE, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// copyPath dispatches one matched source path by file class. The
// logical path (root-relative, slash-prefixed) is what the strip
// regex applies to, so destinations are independent of where the
// sysroot is mounted.
func (b *Builder) copyPath(ctx context.Context, realSource, logical string, mapping *manifest.PathMapping, stripRE *regexp.Regexp, owner *portage.Package) error {
	info, err := os.Lstat(realSource)
	if err != nil {
		return b.bundlingError(fmt.Sprintf("stating %s: %v", realSource, err))
	}

	if info.Mode()&os.ModeSymlink != 0 && b.m.SymlinkMode == manifest.SymlinkFollow {
		resolved, err := filepath.EvalSymlinks(realSource)
		if err != nil {
			return b.bundlingError(fmt.Sprintf("following symlink %s: %v", realSource, err))
		}
		realSource = resolved
		info, err = os.Lstat(realSource)
		if err != nil {
			return b.bundlingError(fmt.Sprintf("stating %s: %v", realSource, err))
		}
	}

	destination, err := b.destinationFor(logical, mapping, stripRE)
	if err != nil {
		return err
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		if err := b.copySymlink(realSource, destination); err != nil {
			return err
		}
	case info.Mode().IsRegular():
		if err := b.copyRegular(ctx, realSource, destination, mapping); err != nil {
			return err
		}
	default:
		// Directories and special files matched incidentally by a
		// glob are skipped without error.
		return nil
	}

	b.recordSource(realSource, owner)
	return nil
}

// destinationFor computes the bundle-root-relative destination path:
// the mapping's dest directory joined with the stripped source path.
func (b *Builder) destinationFor(logical string, mapping *manifest.PathMapping, stripRE *regexp.Regexp) (string, error) {
	stripped := strings.TrimLeft(stripRE.ReplaceAllString(logical, ""), "/")
	if stripped == "" {
		return "", b.bundlingError(fmt.Sprintf(
			"strip_prefix_regex %q leaves no destination name for %s",
			mapping.StripPrefixRegex, logical))
	}
	return path.Join(mapping.Dest, stripped), nil
}

// copySymlink recreates a relative symlink in the bundle. Absolute
// targets are rejected: the bundle must stay relocatable, and an
// absolute link would point outside it on any other machine.
func (b *Builder) copySymlink(realSource, destination string) error {
	target, err := os.Readlink(realSource)
	if err != nil {
		return b.bundlingError(fmt.Sprintf("reading symlink %s: %v", realSource, err))
	}
	if filepath.IsAbs(target) {
		return b.bundlingError(fmt.Sprintf(
			"symlink %s has absolute target %s; absolute symlinks cannot enter a relocatable bundle",
			realSource, target))
	}

	destAbs := filepath.Join(b.root, filepath.FromSlash(destination))
	if existing, err := os.Readlink(destAbs); err == nil {
		if existing == target {
			return nil
		}
		return b.bundlingError(fmt.Sprintf(
			"destination %s already exists with different link target (%s vs %s)",
			destination, existing, target))
	}

	if err := b.checkFileLimit(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destAbs), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(destAbs), err)
	}
	if err := os.Symlink(target, destAbs); err != nil {
		return b.bundlingError(fmt.Sprintf("creating symlink %s: %v", destination, err))
	}

	b.hashes[destination] = HashSymlinkTarget(target)
	b.fileCount++
	return nil
}

// copyRegular copies one regular file, with ELF closure expansion for
// dynamically linked binaries.
func (b *Builder) copyRegular(ctx context.Context, realSource, destination string, mapping *manifest.PathMapping) error {
	destAbs := filepath.Join(b.root, filepath.FromSlash(destination))

	if _, err := os.Lstat(destAbs); err == nil {
		identical, err := identicalFiles(realSource, destAbs)
		if err != nil {
			return fmt.Errorf("comparing %s with %s: %w", realSource, destAbs, err)
		}
		if identical {
			// Idempotent re-copy of the same content (two globs
			// matched the same file). The hash was recorded on the
			// first copy.
			return nil
		}
		return b.bundlingError(fmt.Sprintf(
			"destination %s already exists with different content; refusing to clobber",
			destination))
	}

	if err := b.checkFileLimit(); err != nil {
		return err
	}

	kind, err := b.env.Classifier.Classify(realSource)
	if err != nil {
		return b.bundlingError(err.Error())
	}

	hash, err := b.contentHash(realSource, kind)
	if err != nil {
		return b.bundlingError(err.Error())
	}

	if kind == filetype.ElfDynamic && !mapping.OpaqueData && b.env.Lddtree != nil {
		if err := b.copyElfClosure(ctx, realSource, destination, destAbs); err != nil {
			return err
		}
	} else {
		if err := copyFileContents(realSource, destAbs); err != nil {
			return b.bundlingError(err.Error())
		}
	}

	b.hashes[destination] = hash
	b.fileCount++
	return nil
}

// copyElfClosure delegates to lddtree: the binary lands in the
// destination directory with its run path rewritten, shared libraries
// under lib/, plus any interpreter wrapper scripts. Closure additions
// are hashed afterward so the digest covers them, but only the
// matched binary counts toward the file limit.
func (b *Builder) copyElfClosure(ctx context.Context, realSource, destination, destAbs string) error {
	destDir := path.Dir(destination)
	if err := b.env.Lddtree.CopyTree(ctx, realSource, b.root, destDir); err != nil {
		return b.bundlingError(err.Error())
	}

	// lddtree places the binary under its own basename; honor a
	// renaming strip_prefix_regex.
	placed := filepath.Join(b.root, filepath.FromSlash(destDir), filepath.Base(realSource))
	if placed != destAbs {
		if err := os.Rename(placed, destAbs); err != nil {
			return fmt.Errorf("renaming %s to %s: %w", placed, destAbs, err)
		}
	}

	return b.hashClosureAdditions()
}

// hashClosureAdditions walks the bundle and records hashes for files
// the last closure copy introduced (anything without an index entry).
func (b *Builder) hashClosureAdditions() error {
	return filepath.WalkDir(b.root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		relative, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		destination := filepath.ToSlash(relative)
		if _, done := b.hashes[destination]; done {
			return nil
		}

		if entry.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			b.hashes[destination] = HashSymlinkTarget(target)
			return nil
		}
		hash, err := HashFile(p)
		if err != nil {
			return err
		}
		b.hashes[destination] = hash
		return nil
	})
}

// contentHash picks the hash for a regular file: the embedded GNU
// build ID for ELF objects when present (truncated — a change
// detector, not a security boundary), content hash otherwise.
func (b *Builder) contentHash(realSource string, kind filetype.Kind) (string, error) {
	if kind == filetype.ElfDynamic || kind == filetype.ElfStatic {
		id, err := filetype.BuildID(realSource)
		if err != nil {
			return "", err
		}
		if len(id) >= minBuildIDLength {
			if len(id) > buildIDHashLength {
				id = id[:buildIDHashLength]
			}
			return id, nil
		}
	}
	return HashFile(realSource)
}

// checkFileLimit fails the run the moment copying one more file would
// exceed the manifest cap. This is a guard against runaway globs, not
// a soft warning: exactly max_files files are copied, then the run
// aborts.
func (b *Builder) checkFileLimit() error {
	if b.fileCount >= b.m.MaxFiles {
		return b.bundlingError(fmt.Sprintf(
			"bundle exceeds max_files (%d); tighten the input globs or raise the limit",
			b.m.MaxFiles))
	}
	return nil
}

// recordSource tracks attribution for a copied source path: directly
// when the mapping carried an ebuild filter, otherwise queued for
// batch reverse lookup.
func (b *Builder) recordSource(realSource string, owner *portage.Package) {
	if owner != nil {
		b.attributed[realSource] = *owner
		return
	}
	b.unattributed[realSource] = struct{}{}
}

func (b *Builder) bundlingError(reason string) error {
	return &manifest.BundlingError{
		Subtool:  b.m.Name,
		Reason:   reason,
		Manifest: b.m.Dump(),
	}
}

// copyFileContents copies src to dest byte for byte, preserving mode
// and modification time.
func copyFileContents(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stating %s: %w", src, err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dest, err)
	}

	if err := os.Chtimes(dest, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("preserving mtime of %s: %w", dest, err)
	}
	return nil
}

// identicalFiles reports whether two files have identical bytes.
func identicalFiles(a, b string) (bool, error) {
	infoA, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	infoB, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	if infoA.Size() != infoB.Size() {
		return false, nil
	}

	fileA, err := os.Open(a)
	if err != nil {
		return false, err
	}
	defer fileA.Close()
	fileB, err := os.Open(b)
	if err != nil {
		return false, err
	}
	defer fileB.Close()

	bufA := make([]byte, 64*1024)
	bufB := make([]byte, 64*1024)
	for {
		nA, errA := io.ReadFull(fileA, bufA)
		nB, errB := io.ReadFull(fileB, bufB)
		if !bytes.Equal(bufA[:nA], bufB[:nB]) {
			return false, nil
		}
		if errA == io.EOF || errA == io.ErrUnexpectedEOF {
			return errB == io.EOF || errB == io.ErrUnexpectedEOF, nil
		}
		if errA != nil {
			return false, errA
		}
		if errB != nil {
			return false, errB
		}
	}
}

// treeSize sums the sizes of all regular files under root.
func treeSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sizing bundle tree: %w", err)
	}
	return total, nil
}
