// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

// Package gcs provides the two Google Cloud Storage operations the
// export pipeline needs — an object existence check and a local-to-
// remote copy — implemented by shelling out to gsutil.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Client is the storage interface consumed by the uploader.
type Client interface {
	// Exists reports whether an object exists at the gs:// URI.
	Exists(ctx context.Context, uri string) (bool, error)

	// Copy uploads the local file to the gs:// URI. When publicRead
	// is set the object is created with a public-read ACL.
	Copy(ctx context.Context, local, uri string, publicRead bool) error
}

// CLI invokes the gsutil executable.
type CLI struct {
	// Binary overrides the tool path. Empty means PATH lookup of
	// "gsutil".
	Binary string
}

// Exists checks object existence via gsutil stat. gsutil exits with
// status 1 when the object is absent; any other failure is an error.
func (c *CLI) Exists(ctx context.Context, uri string) (bool, error) {
	var stderr bytes.Buffer
	command := exec.CommandContext(ctx, c.tool(), "-q", "stat", uri)
	command.Stderr = &stderr

	err := command.Run()
	if err == nil {
		return true, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("gsutil stat %s: %w (stderr: %s)",
		uri, err, strings.TrimSpace(stderr.String()))
}

// Copy uploads local to uri.
func (c *CLI) Copy(ctx context.Context, local, uri string, publicRead bool) error {
	args := []string{"cp"}
	if publicRead {
		args = append(args, "-a", "public-read")
	}
	args = append(args, local, uri)

	var stderr bytes.Buffer
	command := exec.CommandContext(ctx, c.tool(), args...)
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return fmt.Errorf("gsutil %s: %w (stderr: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (c *CLI) tool() string {
	if c.Binary != "" {
		return c.Binary
	}
	return "gsutil"
}
