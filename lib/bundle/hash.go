// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/zeebo/blake3"
)

// Domain separation keys for BLAKE3 keyed hashing. The same bytes
// hashed in different contexts (file content, symlink target, final
// digest) must not collide. Changing a key invalidates every digest
// previously computed in that domain.
var (
	fileDomainKey   = domainKey("subtools.bundle.file")
	linkDomainKey   = domainKey("subtools.bundle.symlink")
	digestDomainKey = domainKey("subtools.bundle.digest")
)

// domainKey builds a 32-byte BLAKE3 key from an ASCII domain name,
// zero-padded. Readable ASCII keeps the keys inspectable in hex dumps
// without sacrificing any cryptographic property.
func domainKey(name string) [32]byte {
	if len(name) > 32 {
		panic("bundle: domain key name too long: " + name)
	}
	var key [32]byte
	copy(key[:], name)
	return key
}

// HashFile computes the hex-encoded file-domain BLAKE3 hash of the
// file at path, streamed to keep memory constant.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher, err := blake3.NewKeyed(fileDomainKey[:])
	if err != nil {
		panic("bundle: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// HashSymlinkTarget computes the hex-encoded link-domain hash over
// the bytes of a symlink's target string. Symlinks are hashed by what
// they point at, never by dereferenced content.
func HashSymlinkTarget(target string) string {
	hasher, err := blake3.NewKeyed(linkDomainKey[:])
	if err != nil {
		panic("bundle: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(target))
	return hex.EncodeToString(hasher.Sum(nil))
}

// Digest computes the package digest over a content-hash index:
// (destination, hash) pairs are sorted by destination, the raw hash
// bytes concatenated in that order, and the concatenation hashed once
// in the digest domain. The result is independent of bundling
// traversal order but sensitive to any file's content, presence, or
// absence.
func Digest(hashes map[string]string) (string, error) {
	destinations := make([]string, 0, len(hashes))
	for destination := range hashes {
		destinations = append(destinations, destination)
	}
	sort.Strings(destinations)

	hasher, err := blake3.NewKeyed(digestDomainKey[:])
	if err != nil {
		panic("bundle: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	for _, destination := range destinations {
		raw, err := hex.DecodeString(hashes[destination])
		if err != nil {
			return "", fmt.Errorf("content hash for %s is not hex: %w", destination, err)
		}
		hasher.Write(raw)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
