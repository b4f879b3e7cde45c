// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chromeos-dev/subtools/lib/codec"
)

// RecordVersion is written into every new record. Readers accept any
// version: unknown fields are ignored and missing fields defaulted,
// so old readers tolerate new records and vice versa.
const RecordVersion = 1

// Record is the persisted outcome of a bundling run. Bundling and
// upload preparation may run as separate process invocations, so
// everything the uploader needs — the content-hash index, attribution,
// and size accounting — survives on disk next to the bundle tree.
type Record struct {
	Version int `cbor:"version"`

	// Hashes maps each bundle-root-relative destination path to its
	// content hash. Every file placed in the bundle has exactly one
	// entry.
	Hashes map[string]string `cbor:"hashes"`

	// SourcePackages are the CPVR identifiers of every installed
	// package whose files contributed to the bundle, sorted.
	SourcePackages []string `cbor:"source_packages"`

	// PrivatePackages is the subset of SourcePackages sourced from
	// overlays outside the public allowlist, sorted.
	PrivatePackages []string `cbor:"private_packages"`

	// FileCount is the number of copy/symlink operations performed
	// (shared-library closure files are not counted individually).
	FileCount int `cbor:"file_count"`

	// TotalSize is the total byte size of the bundle tree.
	TotalSize int64 `cbor:"total_size"`
}

// WriteRecord atomically persists a record: written to a temporary
// file in the same directory, then renamed, so readers never see a
// partial record.
func WriteRecord(path string, record *Record) error {
	data, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling bundle record: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".record-*")
	if err != nil {
		return fmt.Errorf("creating temp record file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing bundle record: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing bundle record: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming bundle record to %s: %w", path, err)
	}
	success = true
	return nil
}

// ReadRecord reads a record, defaulting fields absent from
// older-version files.
func ReadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bundle record %s: %w", path, err)
	}

	var record Record
	if err := codec.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding bundle record %s: %w", path, err)
	}
	if record.Version == 0 {
		record.Version = RecordVersion
	}
	if record.Hashes == nil {
		record.Hashes = make(map[string]string)
	}
	return &record, nil
}
