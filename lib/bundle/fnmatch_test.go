// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import "testing"

func TestFnmatch(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		// "*" crosses path separators, unlike path.Match.
		{"usr/bin/*", "usr/bin/shellcheck", true},
		{"usr/*", "usr/bin/shellcheck", true},
		{"*/shellcheck", "usr/bin/shellcheck", true},
		{"usr/bin/shellcheck", "usr/bin/shellcheck", true},
		{"usr/bin/sh?llcheck", "usr/bin/shellcheck", true},
		{"usr/bin/sh?llcheck", "usr/bin/shllcheck", false},
		{"usr/lib/*", "usr/bin/shellcheck", false},
		{"usr/bin/*.so.[0-9]", "usr/bin/libfoo.so.1", true},
		{"usr/bin/*.so.[!0-9]", "usr/bin/libfoo.so.1", false},
		{"usr/bin/*.so.[!0-9]", "usr/bin/libfoo.so.x", true},
		// Anchored: no substring matching.
		{"bin/tool", "usr/bin/tool", false},
		{"usr/bin/tool", "usr/bin/tool.extra", false},
		// Regex metacharacters in names are literal.
		{"usr/bin/a+b", "usr/bin/a+b", true},
		{"usr/bin/a+b", "usr/bin/aab", false},
		// Unterminated class is a literal bracket.
		{"usr/bin/tool[", "usr/bin/tool[", true},
		{"", "", true},
		{"*", "anything/at/all", true},
	}
	for _, tt := range tests {
		got, err := fnmatch(tt.pattern, tt.name)
		if err != nil {
			t.Errorf("fnmatch(%q, %q): %v", tt.pattern, tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("fnmatch(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}
