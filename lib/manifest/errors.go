// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import "fmt"

// InvalidError reports a manifest that is malformed or violates a
// static constraint: bad name, no path mappings, or a missing required
// CIPD prefix for privately sourced content. Always fatal for the
// subtool; never retried.
type InvalidError struct {
	// Subtool is the manifest name, when known.
	Subtool string

	// Reason describes the violated constraint.
	Reason string

	// Manifest is the indented dump of the parsed manifest, included
	// so CI logs identify the offending declaration directly.
	Manifest string
}

func (e *InvalidError) Error() string {
	return errorMessage("invalid manifest", e.Subtool, e.Reason, e.Manifest)
}

// BundlingError reports a runtime bundling failure: an absolute
// symlink, a destination clobber conflict, the file-count cap, an
// input glob matching nothing, a symlink escaping the bundle root, or
// unattributable bundle content. Always fatal for the subtool; a
// driver iterating multiple subtools may continue with the next one.
type BundlingError struct {
	Subtool  string
	Reason   string
	Manifest string
}

func (e *BundlingError) Error() string {
	return errorMessage("bundling failed", e.Subtool, e.Reason, e.Manifest)
}

func errorMessage(class, subtool, reason, dump string) string {
	msg := class
	if subtool != "" {
		msg = fmt.Sprintf("%s for %q", class, subtool)
	}
	msg += ": " + reason
	if dump != "" {
		msg += "\nmanifest:\n" + dump
	}
	return msg
}
