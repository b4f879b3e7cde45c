// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

// Package cipd provides typed access to the cipd CLI for the three
// operations the export pipeline needs: searching existing instances
// by tag, building a local package file, and creating (uploading) an
// instance with tags and refs.
//
// CIPD itself deduplicates by content hash — creating an instance
// with identical content only attaches new tags. The pipeline relies
// on that property instead of re-implementing it.
package cipd

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// Client is the CIPD registry interface consumed by the uploader.
type Client interface {
	// Search returns the instance identifiers of existing instances
	// of pkg carrying every given tag. An empty result is not an
	// error.
	Search(ctx context.Context, pkg string, tags map[string]string) ([]string, error)

	// BuildPackage packs the contents of dir into a local package
	// file at out without uploading. Used for dry runs.
	BuildPackage(ctx context.Context, pkg, dir, out string) error

	// Create builds and uploads an instance from dir with the given
	// tags and refs.
	Create(ctx context.Context, pkg, dir string, tags map[string]string, refs []string) error
}

// CLI invokes the cipd executable.
type CLI struct {
	// Binary overrides the tool path. Empty means PATH lookup of
	// "cipd".
	Binary string

	// ServiceURL overrides the registry endpoint.
	ServiceURL string
}

// Search lists instances of pkg matching all tags.
func (c *CLI) Search(ctx context.Context, pkg string, tags map[string]string) ([]string, error) {
	args := []string{"search", pkg}
	for _, tag := range formatTags(tags) {
		args = append(args, "-tag", tag)
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", pkg, err)
	}
	return parseSearchOutput(out), nil
}

// BuildPackage packs dir into a local package file at out.
func (c *CLI) BuildPackage(ctx context.Context, pkg, dir, out string) error {
	_, err := c.run(ctx, "pkg-build", "-name", pkg, "-in", dir, "-out", out)
	if err != nil {
		return fmt.Errorf("building package %s: %w", pkg, err)
	}
	return nil
}

// Create builds and uploads an instance from dir.
func (c *CLI) Create(ctx context.Context, pkg, dir string, tags map[string]string, refs []string) error {
	args := []string{"create", "-name", pkg, "-in", dir}
	for _, tag := range formatTags(tags) {
		args = append(args, "-tag", tag)
	}
	for _, ref := range refs {
		args = append(args, "-ref", ref)
	}

	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("creating package %s: %w", pkg, err)
	}
	return nil
}

// run executes a cipd command and returns stdout. Stderr is captured
// separately and included in error messages on failure.
func (c *CLI) run(ctx context.Context, args ...string) (string, error) {
	tool := c.Binary
	if tool == "" {
		tool = "cipd"
	}
	if c.ServiceURL != "" {
		args = append(args, "-service-url", c.ServiceURL)
	}

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, tool, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("cipd %s: %w (stderr: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// formatTags renders a tag map as sorted "key:value" strings. Sorted
// order keeps command lines (and their logs) deterministic.
func formatTags(tags map[string]string) []string {
	formatted := make([]string, 0, len(tags))
	for key, value := range tags {
		formatted = append(formatted, key+":"+value)
	}
	sort.Strings(formatted)
	return formatted
}

// parseSearchOutput extracts instance identifiers from cipd search
// output. The output is a header line ("Instances:" or "No matching
// instances.") followed by indented "package:instance-id" lines.
func parseSearchOutput(out string) []string {
	var instances []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, ":") || strings.HasPrefix(line, "No matching") {
			continue
		}
		// "pkg/path:instance-id" — the instance ID follows the last
		// colon.
		if i := strings.LastIndex(line, ":"); i >= 0 && i+1 < len(line) {
			instances = append(instances, line[i+1:])
		}
	}
	return instances
}
