// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ValidateNoEscapes resolves every path under root (following
// symlinks; missing targets are errors) and verifies the result stays
// a descendant of the bundle root. Relative symlinks are accepted at
// copy time, so a crafted chain like "../../etc/passwd" is only
// catchable here, after the whole tree exists.
func ValidateNoEscapes(root string) error {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("resolving bundle root %s: %w", root, err)
	}
	prefix := resolvedRoot + string(os.PathSeparator)

	return filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", p, err)
		}
		if resolved != resolvedRoot && !strings.HasPrefix(resolved, prefix) {
			return fmt.Errorf("%s resolves to %s, outside the bundle root", p, resolved)
		}
		return nil
	})
}
