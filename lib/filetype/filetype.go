// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

// Package filetype classifies filesystem entries for the bundling
// pipeline. The classification drives how a file is copied into a
// bundle: symlinks are recreated, dynamically linked ELF binaries get
// a shared-library closure copy, everything else is a plain byte copy.
//
// Classification is an explicit enumerated result rather than a string
// comparison so that copy logic switches on a closed set of cases.
package filetype

import (
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// Kind is the classification of a single filesystem entry.
type Kind int

const (
	// Other covers directories, sockets, devices, and anything else
	// the copier silently skips.
	Other Kind = iota

	// Regular is a regular file that is not an ELF object.
	Regular

	// Symlink is a symbolic link (classified without dereferencing).
	Symlink

	// ElfStatic is an ELF object with no dynamic loader dependency.
	ElfStatic

	// ElfDynamic is a dynamically linked ELF binary or shared object.
	// These trigger shared-library closure copying unless the path
	// mapping marks its data opaque.
	ElfDynamic
)

// String returns the human-readable name of a kind.
func (k Kind) String() string {
	switch k {
	case Regular:
		return "regular"
	case Symlink:
		return "symlink"
	case ElfStatic:
		return "elf-static"
	case ElfDynamic:
		return "elf-dynamic"
	default:
		return "other"
	}
}

// Classifier classifies paths and memoizes results per path. It is an
// explicitly constructed instance owned by the pipeline driver, not a
// process-wide cache, so tests can build independent classifiers
// without state leaking between them.
//
// The cache assumes files do not change between classification and
// copy, which holds for the bundling pipeline: sources are installed
// package content, not files being written concurrently.
type Classifier struct {
	cache map[string]Kind
}

// NewClassifier returns an empty Classifier.
func NewClassifier() *Classifier {
	return &Classifier{cache: make(map[string]Kind)}
}

// Classify returns the kind of the entry at path. Symlinks are
// reported as Symlink without following them.
func (c *Classifier) Classify(path string) (Kind, error) {
	if kind, ok := c.cache[path]; ok {
		return kind, nil
	}

	kind, err := classify(path)
	if err != nil {
		return Other, err
	}
	c.cache[path] = kind
	return kind, nil
}

// elfMagic is the four-byte ELF identification prefix.
var elfMagic = [4]byte{0x7f, 'E', 'L', 'F'}

func classify(path string) (Kind, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return Other, fmt.Errorf("classifying %s: %w", path, err)
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return Symlink, nil
	case !info.Mode().IsRegular():
		return Other, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return Other, fmt.Errorf("classifying %s: %w", path, err)
	}
	defer file.Close()

	var magic [4]byte
	if _, err := io.ReadFull(file, magic[:]); err != nil {
		// Shorter than four bytes: a regular (tiny) file.
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Regular, nil
		}
		return Other, fmt.Errorf("reading %s: %w", path, err)
	}
	if magic != elfMagic {
		return Regular, nil
	}

	elfFile, err := elf.NewFile(file)
	if err != nil {
		// ELF magic but unparseable: treat as opaque regular data
		// rather than failing the whole bundle.
		return Regular, nil
	}
	defer elfFile.Close()

	if isDynamic(elfFile) {
		return ElfDynamic, nil
	}
	return ElfStatic, nil
}

// isDynamic reports whether an ELF object needs the dynamic loader:
// it has a PT_INTERP segment (a program with an interpreter) or a
// dynamic section (a shared object or PIE with DT_NEEDED entries).
func isDynamic(f *elf.File) bool {
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_INTERP {
			return true
		}
	}
	return f.Section(".dynamic") != nil
}

// BuildID extracts the GNU build ID from an ELF file, hex-encoded.
// Returns an empty string (and no error) when the file carries no
// build ID note. Non-ELF input is an error — callers should classify
// first.
func BuildID(path string) (string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for build ID: %w", path, err)
	}
	defer f.Close()

	// The note is usually in its own section; fall back to scanning
	// PT_NOTE segments for stripped section tables.
	if section := f.Section(".note.gnu.build-id"); section != nil {
		data, err := section.Data()
		if err != nil {
			return "", fmt.Errorf("reading build ID note in %s: %w", path, err)
		}
		if id := parseBuildIDNote(data, f.ByteOrder); id != "" {
			return id, nil
		}
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		data, err := io.ReadAll(prog.Open())
		if err != nil {
			return "", fmt.Errorf("reading note segment in %s: %w", path, err)
		}
		if id := parseBuildIDNote(data, f.ByteOrder); id != "" {
			return id, nil
		}
	}

	return "", nil
}

// noteTypeBuildID is NT_GNU_BUILD_ID.
const noteTypeBuildID = 3

// parseBuildIDNote scans a run of ELF notes for a GNU build ID entry
// and returns its descriptor hex-encoded, or "" if absent. Note
// entries are a 12-byte header (name size, descriptor size, type)
// followed by the name and descriptor, each padded to 4 bytes.
func parseBuildIDNote(data []byte, order binary.ByteOrder) string {
	for len(data) >= 12 {
		nameSize := order.Uint32(data[0:4])
		descSize := order.Uint32(data[4:8])
		noteType := order.Uint32(data[8:12])
		data = data[12:]

		namePadded := int(align4(nameSize))
		descPadded := int(align4(descSize))
		if namePadded+descPadded > len(data) {
			return ""
		}

		name := data[:nameSize]
		desc := data[namePadded : namePadded+int(descSize)]
		data = data[namePadded+descPadded:]

		if noteType == noteTypeBuildID && string(name) == "GNU\x00" {
			return hex.EncodeToString(desc)
		}
	}
	return ""
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}
