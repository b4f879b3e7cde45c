// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

package subtool

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/chromeos-dev/subtools/lib/bundle"
	"github.com/chromeos-dev/subtools/lib/manifest"
	"github.com/chromeos-dev/subtools/lib/portage"
)

// UploadMetadataVersion is written into every new metadata file.
//
// Compatibility contract: fields are never removed, readers ignore
// unknown fields, and every known field has a default when absent.
// Old metadata therefore stays readable indefinitely; the version
// field exists only to gate a future genuinely incompatible change.
const UploadMetadataVersion = 1

// DefaultCIPDPrefix is the public namespace used when a manifest sets
// no explicit cipd_prefix. Only publicly sourced bundles may default
// here.
const DefaultCIPDPrefix = "chromiumos/infra/tools"

// DefaultGCSBucket receives GCS exports when the manifest names no
// bucket.
const DefaultGCSBucket = "chromeos-localmirror"

// CIPD tag keys. builderTagValue identifies this pipeline as the
// instance source.
const (
	builderTagKey   = "builder"
	builderTagValue = "sdk-subtools"
	ebuildSourceTag = "ebuild_source"
	contentHashTag  = "subtools_hash"
)

// UploadMetadata is the versioned record bridging prepare-upload and
// upload, which may run in different processes. Exactly one of
// CIPDPackage and GCSMetadata is populated.
type UploadMetadata struct {
	Version     int          `json:"upload_metadata_version"`
	CIPDPackage *CIPDPackage `json:"cipd_package,omitempty"`
	GCSMetadata *GCSMetadata `json:"gcs_metadata,omitempty"`
}

// CIPDPackage holds CIPD upload coordinates.
type CIPDPackage struct {
	// Package is the fully qualified CIPD package name.
	Package string `json:"package"`

	// Tags carries provenance: the builder tag, the comma-joined
	// contributing source packages, and the content digest.
	Tags map[string]string `json:"tags"`

	// Refs are moved to the new instance on upload.
	Refs []string `json:"refs"`

	// SearchTags restricts which tag keys participate in the
	// existing-instance dedup search. Empty means all tags. Under
	// the revision-only upload trigger the content digest is
	// excluded, so byte-different rebuilds of an unchanged ebuild
	// revision reuse the existing instance.
	SearchTags []string `json:"search_tags,omitempty"`
}

// DedupTags returns the tag subset used for the dedup search.
func (p *CIPDPackage) DedupTags() map[string]string {
	if len(p.SearchTags) == 0 {
		return p.Tags
	}
	subset := make(map[string]string, len(p.SearchTags))
	for _, key := range p.SearchTags {
		if value, ok := p.Tags[key]; ok {
			subset[key] = value
		}
	}
	return subset
}

// GCSMetadata holds GCS upload coordinates. The object path embeds
// the digest, so existence at the path is the dedup check — no
// separate index.
type GCSMetadata struct {
	Bucket      string `json:"bucket"`
	PackageName string `json:"package_name"`
	Version     string `json:"version"`
	Digest      string `json:"digest"`
	Compression string `json:"compression"`
	Prefix      string `json:"prefix,omitempty"`
}

// ObjectURI returns the deterministic destination:
// gs://{bucket}/{prefix?}/{package_name}/{version}/{digest}{ext}.
func (g *GCSMetadata) ObjectURI() string {
	parts := []string{g.Bucket}
	if g.Prefix != "" {
		parts = append(parts, g.Prefix)
	}
	parts = append(parts, g.PackageName, g.Version, g.Digest+"."+g.Compression)
	return "gs://" + strings.Join(parts, "/")
}

// buildMetadata assembles the metadata record for a bundled subtool.
func (s *Subtool) buildMetadata(record *bundle.Record, digest string) *UploadMetadata {
	meta := &UploadMetadata{Version: UploadMetadataVersion}

	if s.m.Type == manifest.ExportCIPD {
		prefix := s.m.CIPDPrefix
		if prefix == "" {
			prefix = DefaultCIPDPrefix
		}
		pkg := &CIPDPackage{
			Package: prefix + "/" + s.m.Name,
			Tags: map[string]string{
				builderTagKey:   builderTagValue,
				ebuildSourceTag: strings.Join(record.SourcePackages, ","),
				contentHashTag:  digest,
			},
			Refs: []string{"latest"},
		}
		if s.m.UploadTrigger == manifest.TriggerRevision {
			pkg.SearchTags = []string{builderTagKey, ebuildSourceTag}
		}
		meta.CIPDPackage = pkg
		return meta
	}

	bucket := s.m.GCSBucket
	if bucket == "" {
		bucket = DefaultGCSBucket
	}
	meta.GCSMetadata = &GCSMetadata{
		Bucket:      bucket,
		PackageName: s.m.Name,
		Version:     gcsVersion(record, digest),
		Digest:      digest,
		Compression: s.m.GCSArchive,
		Prefix:      s.m.GCSPrefix,
	}
	return meta
}

// gcsVersion derives a human-meaningful version component for the
// object path: the version of the lexically first contributing
// package, falling back to a digest prefix when attribution yields
// nothing parseable.
func gcsVersion(record *bundle.Record, digest string) string {
	if len(record.SourcePackages) > 0 {
		if pkg, err := portage.ParseCPVR(record.SourcePackages[0]); err == nil {
			return pkg.Version
		}
	}
	if len(digest) >= 16 {
		return digest[:16]
	}
	return digest
}

// WriteMetadataFile serializes metadata as indented JSON.
func WriteMetadataFile(path string, meta *UploadMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling upload metadata: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing upload metadata: %w", err)
	}
	return nil
}

// ReadMetadataFile reads a metadata file written by any historical
// writer version: unknown keys are ignored, absent known fields get
// defaults.
func ReadMetadataFile(path string) (*UploadMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Callers distinguish a missing file (phase not run) from a
		// corrupt one, so pass the raw error through.
		return nil, err
	}

	var meta UploadMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding upload metadata %s: %w", path, err)
	}

	if meta.Version == 0 {
		meta.Version = UploadMetadataVersion
	}
	if meta.CIPDPackage != nil {
		if meta.CIPDPackage.Refs == nil {
			meta.CIPDPackage.Refs = []string{"latest"}
		}
		if meta.CIPDPackage.Tags == nil {
			meta.CIPDPackage.Tags = map[string]string{}
		}
	}
	if meta.GCSMetadata != nil && meta.GCSMetadata.Compression == "" {
		meta.GCSMetadata.Compression = manifest.DefaultGCSArchive
	}
	return &meta, nil
}
