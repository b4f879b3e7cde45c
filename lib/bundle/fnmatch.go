// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"fmt"
	"regexp"
	"strings"
)

// fnmatch reports whether name matches a shell-style pattern. Unlike
// path.Match, "*" and "?" match across path separators — package file
// lists are filtered the way a shell case statement would, so
// "usr/bin/*" and "*/shellcheck" both match "usr/bin/shellcheck".
func fnmatch(pattern, name string) (bool, error) {
	re, err := translatePattern(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(name), nil
}

// translatePattern converts a shell glob to an anchored regexp:
// "*" → ".*", "?" → ".", "[...]" passes through as a character class
// (with leading "!" meaning negation), everything else is quoted.
func translatePattern(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString(`\A`)

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		case '[':
			j := i + 1
			if j < len(runes) && (runes[j] == '!' || runes[j] == '^') {
				j++
			}
			if j < len(runes) && runes[j] == ']' {
				j++
			}
			for j < len(runes) && runes[j] != ']' {
				j++
			}
			if j >= len(runes) {
				// Unterminated class: treat the bracket literally,
				// matching fnmatch semantics.
				sb.WriteString(regexp.QuoteMeta("["))
				continue
			}
			class := string(runes[i+1 : j])
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			sb.WriteString("[" + class + "]")
			i = j
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}

	sb.WriteString(`\z`)
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("glob pattern %q: %w", pattern, err)
	}
	return re, nil
}
