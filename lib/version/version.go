// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

// Package version exposes the build identity of the subtools binary.
package version

import (
	"fmt"
	"runtime"
)

// Stamped at link time:
//
//	go build -ldflags "-X github.com/chromeos-dev/subtools/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Unstamped builds report the zero values below.
var (
	// Version is the release version, bumped by hand when a release is
	// cut. Development builds keep the -dev suffix.
	Version = "0.1.0-dev"

	// GitCommit is the short hash of the commit the binary was built
	// from.
	GitCommit = "unknown"

	// GitDirty is "true" when the build tree had local modifications.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"
)

// Info renders the one-line version string: release, commit (with a
// -dirty marker for modified trees), and build time.
func Info() string {
	commit := GitCommit
	if GitDirty == "true" {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (%s, %s)", Version, commit, BuildTime)
}

// Full renders Info plus the Go runtime and target platform, for the
// version subcommand.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns the bare release version.
func Short() string {
	return Version
}
