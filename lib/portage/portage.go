// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

// Package portage provides typed access to the installed-package
// database via the portage-utils CLI tools (qlist, qfile). The
// bundling pipeline uses it as an external lookup service: resolving
// an atom to exactly one installed package, listing a package's
// installed files, and reverse-mapping bundled files to the packages
// that installed them.
package portage

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// Package identifies one installed Portage package.
type Package struct {
	// Category is the package category, e.g. "dev-util".
	Category string

	// Name is the package name, e.g. "shellcheck".
	Name string

	// Version is the full version including revision, e.g. "0.9.0-r1".
	Version string

	// Overlay is the repository the package's ebuild came from. Used
	// to decide whether bundle content is privately sourced.
	Overlay string
}

// CPVR returns the canonical category/name-version identifier.
func (p Package) CPVR() string {
	return p.Category + "/" + p.Name + "-" + p.Version
}

// Query is the installed-package lookup service consumed by the
// bundling pipeline. Implementations: [CLI] (portage-utils) for
// production, in-memory fakes for tests.
type Query interface {
	// ResolveOne resolves an atom to exactly one installed package.
	// Zero or multiple matches are errors.
	ResolveOne(ctx context.Context, atom string) (Package, error)

	// Files lists the absolute installed paths of a package, relative
	// to the sysroot (leading slash included).
	Files(ctx context.Context, pkg Package) ([]string, error)

	// Owners maps each given absolute path to the installed package
	// that owns it. Paths owned by no package are absent from the
	// result; that is not an error.
	Owners(ctx context.Context, paths []string) (map[string]Package, error)
}

// DefaultPublicOverlays is the fixed allowlist of overlay names whose
// packages may be exported to public namespaces without an explicit
// prefix.
func DefaultPublicOverlays() map[string]bool {
	return map[string]bool{
		"portage-stable": true,
		"chromiumos":     true,
		"eclass-overlay": true,
		"crossdev":       true,
	}
}

// PrivatePackages returns the subset of packages whose overlay is not
// in the public set, sorted by CPVR.
func PrivatePackages(packages []Package, public map[string]bool) []Package {
	var private []Package
	for _, pkg := range packages {
		if !public[pkg.Overlay] {
			private = append(private, pkg)
		}
	}
	sort.Slice(private, func(i, j int) bool {
		return private[i].CPVR() < private[j].CPVR()
	})
	return private
}

// CLI queries the installed-package database of a sysroot by shelling
// out to portage-utils. All commands run with ROOT pointed at the
// sysroot so queries against build sysroots work from outside them.
type CLI struct {
	// Sysroot is the root whose package database is queried.
	// Empty means "/".
	Sysroot string

	// QlistBinary and QfileBinary override the tool paths. Empty
	// means PATH lookup of "qlist" and "qfile".
	QlistBinary string
	QfileBinary string
}

// qlistFormat emits one whitespace-separated record per installed
// package: category, name, version-revision, repository.
const qlistFormat = "%{CATEGORY} %{PN} %{PVR} %{REPO}"

// ResolveOne resolves atom to exactly one installed package.
func (c *CLI) ResolveOne(ctx context.Context, atom string) (Package, error) {
	out, err := c.run(ctx, c.qlist(), "-I", "-F", qlistFormat, atom)
	if err != nil {
		return Package{}, fmt.Errorf("resolving %q: %w", atom, err)
	}

	var matches []Package
	for _, line := range splitLines(out) {
		pkg, err := parseQlistRecord(line)
		if err != nil {
			return Package{}, fmt.Errorf("resolving %q: %w", atom, err)
		}
		matches = append(matches, pkg)
	}

	switch len(matches) {
	case 0:
		return Package{}, fmt.Errorf("no installed package matches %q", atom)
	case 1:
		return matches[0], nil
	default:
		names := make([]string, len(matches))
		for i, pkg := range matches {
			names[i] = pkg.CPVR()
		}
		return Package{}, fmt.Errorf("%q matches %d installed packages: %s",
			atom, len(matches), strings.Join(names, ", "))
	}
}

// Files lists the installed file paths of pkg.
func (c *CLI) Files(ctx context.Context, pkg Package) ([]string, error) {
	out, err := c.run(ctx, c.qlist(), "-e", pkg.CPVR())
	if err != nil {
		return nil, fmt.Errorf("listing files of %s: %w", pkg.CPVR(), err)
	}
	return splitLines(out), nil
}

// Owners reverse-maps paths to their owning packages via qfile.
func (c *CLI) Owners(ctx context.Context, paths []string) (map[string]Package, error) {
	if len(paths) == 0 {
		return map[string]Package{}, nil
	}

	// qfile exits non-zero when some paths are unowned; that is the
	// expected case for e.g. generated files, so only hard failures
	// (tool missing, database unreadable) are errors.
	args := append([]string{"-v"}, paths...)
	out, err := c.runAllowExit1(ctx, c.qfile(), args...)
	if err != nil {
		return nil, fmt.Errorf("mapping files to packages: %w", err)
	}

	// Each output line is "category/name-version: /path". Overlay
	// information is not in qfile output; resolve it per distinct
	// package afterward.
	owners := make(map[string]Package)
	overlays := make(map[string]string)
	for _, line := range splitLines(out) {
		cpvr, path, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		pkg, err := ParseCPVR(strings.TrimSpace(cpvr))
		if err != nil {
			return nil, fmt.Errorf("mapping files to packages: %w", err)
		}

		overlay, ok := overlays[pkg.CPVR()]
		if !ok {
			resolved, err := c.ResolveOne(ctx, "="+pkg.CPVR())
			if err != nil {
				return nil, fmt.Errorf("resolving overlay of %s: %w", pkg.CPVR(), err)
			}
			overlay = resolved.Overlay
			overlays[pkg.CPVR()] = overlay
		}
		pkg.Overlay = overlay
		owners[strings.TrimSpace(path)] = pkg
	}
	return owners, nil
}

func (c *CLI) qlist() string {
	if c.QlistBinary != "" {
		return c.QlistBinary
	}
	return "qlist"
}

func (c *CLI) qfile() string {
	if c.QfileBinary != "" {
		return c.QfileBinary
	}
	return "qfile"
}

// run executes a portage-utils command and returns stdout. Stderr is
// captured separately and included in error messages on failure.
func (c *CLI) run(ctx context.Context, binary string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, binary, args...)
	if c.Sysroot != "" && c.Sysroot != "/" {
		command.Env = append(command.Environ(), "ROOT="+c.Sysroot)
	}
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w (stderr: %s)",
			binary, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// runAllowExit1 is run, except that exit status 1 is treated as
// success with partial output.
func (c *CLI) runAllowExit1(ctx context.Context, binary string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, binary, args...)
	if c.Sysroot != "" && c.Sysroot != "/" {
		command.Env = append(command.Environ(), "ROOT="+c.Sysroot)
	}
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return stdout.String(), nil
		}
		return "", fmt.Errorf("%s %s: %w (stderr: %s)",
			binary, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// parseQlistRecord parses one qlistFormat output line.
func parseQlistRecord(line string) (Package, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return Package{}, fmt.Errorf("malformed qlist record %q", line)
	}
	return Package{
		Category: fields[0],
		Name:     fields[1],
		Version:  fields[2],
		Overlay:  fields[3],
	}, nil
}

// ParseCPVR parses a "category/name-version[-rN]" identifier. The
// version starts at the first dash followed by a digit, matching
// Portage's naming rules (package names never have a dash-digit
// component that is not the version).
func ParseCPVR(cpvr string) (Package, error) {
	category, rest, ok := strings.Cut(cpvr, "/")
	if !ok || category == "" || rest == "" {
		return Package{}, fmt.Errorf("malformed package identifier %q", cpvr)
	}

	for i := 0; i+1 < len(rest); i++ {
		if rest[i] == '-' && rest[i+1] >= '0' && rest[i+1] <= '9' {
			return Package{
				Category: category,
				Name:     rest[:i],
				Version:  rest[i+1:],
			}, nil
		}
	}
	return Package{}, fmt.Errorf("package identifier %q has no version", cpvr)
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
