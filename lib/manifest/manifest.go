// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest defines the per-subtool package manifest: which
// files to bundle, where they land inside the bundle, and which
// backend the bundle is exported to.
//
// Manifests are authored as JSONC files (JSON extended with comments
// and trailing commas), one file per subtool in a config directory.
// A manifest is parsed once, validated once, and never mutated.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/tidwall/jsonc"
)

// Export backends.
const (
	// ExportCIPD exports the bundle as a CIPD package instance.
	ExportCIPD = "cipd"
	// ExportGCS exports the bundle as a compressed tarball object.
	ExportGCS = "gcs"
)

// Symlink handling modes.
const (
	// SymlinkPreserve recreates relative symlinks verbatim in the
	// bundle. Absolute symlink targets are rejected: the bundle must
	// stay relocatable.
	SymlinkPreserve = "preserve"
	// SymlinkFollow dereferences symlinks and copies target content.
	SymlinkFollow = "follow"
)

// Upload trigger policies.
const (
	// TriggerDigest deduplicates uploads by full content digest: any
	// byte change produces a new instance.
	TriggerDigest = "digest"
	// TriggerRevision deduplicates by source ebuild revision only.
	// Byte-different rebuilds of the same revision reuse the existing
	// instance and receive metadata-only tag updates.
	TriggerRevision = "revision"
)

// Defaults applied during Parse for fields left unset.
const (
	DefaultDest        = "bin"
	DefaultStripPrefix = "^.*/"
	DefaultMaxFiles    = 100
	DefaultGCSArchive  = "tar.zst"
)

// nameRE constrains package names: lowercase alphanumerics, dash and
// underscore, with dots allowed after the first character.
var nameRE = regexp.MustCompile(`^[a-z0-9_-]+[a-z0-9_.-]*$`)

// PathMapping selects a set of source files and maps them to a
// destination subdirectory inside the bundle.
type PathMapping struct {
	// Input is a list of glob patterns. Patterns beginning with "/"
	// are rooted at the sysroot; patterns beginning with "//" are
	// rooted at the source checkout. Every mapping must match at
	// least one file — an empty match is a manifest bug, not a no-op.
	Input []string `json:"input"`

	// Dest is the subdirectory under the bundle root. Default "bin".
	Dest string `json:"dest,omitempty"`

	// StripPrefixRegex is removed from the front of each matched
	// source path to form the destination name. The default strips
	// everything up to the last slash.
	StripPrefixRegex string `json:"strip_prefix_regex,omitempty"`

	// EbuildFilter restricts enumeration to files owned by exactly
	// one installed package matching this atom.
	EbuildFilter string `json:"ebuild_filter,omitempty"`

	// OpaqueData disables ELF closure expansion for files matched by
	// this mapping: dynamically linked binaries are copied as plain
	// bytes without pulling in their shared libraries.
	OpaqueData bool `json:"opaque_data,omitempty"`
}

// Manifest describes one subtool package.
type Manifest struct {
	// Name is the package name, also used as the work directory name.
	Name string `json:"name"`

	// Type is the export backend: ExportCIPD or ExportGCS.
	Type string `json:"type"`

	// Paths are the file selections. Order affects only progress
	// accounting, never bundle content or digest.
	Paths []PathMapping `json:"paths"`

	// SymlinkMode is SymlinkPreserve (default) or SymlinkFollow.
	SymlinkMode string `json:"symlink_mode,omitempty"`

	// MaxFiles caps the number of files copied into the bundle.
	// Exceeding it aborts bundling immediately — it is a guard
	// against runaway globs.
	MaxFiles int `json:"max_files,omitempty"`

	// UploadTrigger is TriggerDigest (default) or TriggerRevision.
	UploadTrigger string `json:"upload_trigger,omitempty"`

	// CIPDPrefix overrides the default CIPD package prefix. Required
	// when any contributing package comes from a private overlay.
	CIPDPrefix string `json:"cipd_prefix,omitempty"`

	// GCS export options.
	GCSBucket  string `json:"gcs_bucket,omitempty"`
	GCSPrefix  string `json:"gcs_prefix,omitempty"`
	GCSArchive string `json:"gcs_archive,omitempty"`

	validated bool
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result and applies field defaults. Parse failures
// are reported as *InvalidError.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
		return nil, &InvalidError{Reason: fmt.Sprintf("parsing manifest: %v", err)}
	}
	m.applyDefaults()
	return &m, nil
}

// ReadFile reads and parses a JSONC manifest file.
func ReadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func (m *Manifest) applyDefaults() {
	if m.SymlinkMode == "" {
		m.SymlinkMode = SymlinkPreserve
	}
	if m.MaxFiles == 0 {
		m.MaxFiles = DefaultMaxFiles
	}
	if m.UploadTrigger == "" {
		m.UploadTrigger = TriggerDigest
	}
	if m.GCSArchive == "" {
		m.GCSArchive = DefaultGCSArchive
	}
	for i := range m.Paths {
		if m.Paths[i].Dest == "" {
			m.Paths[i].Dest = DefaultDest
		}
		if m.Paths[i].StripPrefixRegex == "" {
			m.Paths[i].StripPrefixRegex = DefaultStripPrefix
		}
	}
}

// Validate checks the manifest's static constraints. It is idempotent:
// after the first successful call, subsequent calls return nil without
// re-checking. The only side effect is recording that validation
// passed.
func (m *Manifest) Validate() error {
	if m.validated {
		return nil
	}

	if !nameRE.MatchString(m.Name) {
		return m.invalid(fmt.Sprintf("name %q must match %s", m.Name, nameRE))
	}
	if m.Type != ExportCIPD && m.Type != ExportGCS {
		return m.invalid(fmt.Sprintf("type %q must be %q or %q", m.Type, ExportCIPD, ExportGCS))
	}
	if len(m.Paths) == 0 {
		return m.invalid("at least one path mapping is required")
	}
	for i, mapping := range m.Paths {
		if len(mapping.Input) == 0 {
			return m.invalid(fmt.Sprintf("paths[%d]: input is empty", i))
		}
		if _, err := regexp.Compile(mapping.StripPrefixRegex); err != nil {
			return m.invalid(fmt.Sprintf("paths[%d]: strip_prefix_regex: %v", i, err))
		}
	}
	if m.SymlinkMode != SymlinkPreserve && m.SymlinkMode != SymlinkFollow {
		return m.invalid(fmt.Sprintf("symlink_mode %q must be %q or %q",
			m.SymlinkMode, SymlinkPreserve, SymlinkFollow))
	}
	if m.UploadTrigger != TriggerDigest && m.UploadTrigger != TriggerRevision {
		return m.invalid(fmt.Sprintf("upload_trigger %q must be %q or %q",
			m.UploadTrigger, TriggerDigest, TriggerRevision))
	}
	if m.MaxFiles < 0 {
		return m.invalid("max_files must be positive")
	}

	m.validated = true
	return nil
}

func (m *Manifest) invalid(reason string) error {
	return &InvalidError{Subtool: m.Name, Reason: reason, Manifest: m.Dump()}
}

// Dump returns the manifest as indented JSON. Error messages embed
// this dump so a CI failure log is self-describing without reopening
// the manifest file.
func (m *Manifest) Dump() string {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Sprintf("(unprintable manifest: %v)", err)
	}
	return string(data)
}
