// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

package cipd

import (
	"reflect"
	"testing"
)

func TestFormatTags(t *testing.T) {
	tags := map[string]string{
		"subtools_hash": "abc123",
		"builder":       "sdk-subtools",
		"ebuild_source": "dev-util/shellcheck-0.9.0-r1",
	}
	got := formatTags(tags)
	want := []string{
		"builder:sdk-subtools",
		"ebuild_source:dev-util/shellcheck-0.9.0-r1",
		"subtools_hash:abc123",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("formatTags = %v, want %v", got, want)
	}

	if got := formatTags(nil); len(got) != 0 {
		t.Errorf("formatTags(nil) = %v, want empty", got)
	}
}

func TestParseSearchOutput(t *testing.T) {
	out := `Instances:
  chromiumos/infra/tools/shellcheck:abcdef1234567890deadbeefabcdef1234567890C
  chromiumos/infra/tools/shellcheck:0011223344556677889900112233445566778899C
`
	got := parseSearchOutput(out)
	want := []string{
		"abcdef1234567890deadbeefabcdef1234567890C",
		"0011223344556677889900112233445566778899C",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseSearchOutput = %v, want %v", got, want)
	}
}

func TestParseSearchOutputEmpty(t *testing.T) {
	if got := parseSearchOutput("No matching instances.\n"); len(got) != 0 {
		t.Errorf("parseSearchOutput = %v, want empty", got)
	}
	if got := parseSearchOutput(""); len(got) != 0 {
		t.Errorf("parseSearchOutput of empty output = %v, want empty", got)
	}
}
