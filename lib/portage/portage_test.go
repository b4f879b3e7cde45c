// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

package portage

import (
	"reflect"
	"testing"
)

func TestParseCPVR(t *testing.T) {
	tests := []struct {
		in      string
		want    Package
		wantErr bool
	}{
		{
			in:   "dev-util/shellcheck-0.9.0-r1",
			want: Package{Category: "dev-util", Name: "shellcheck", Version: "0.9.0-r1"},
		},
		{
			in:   "sys-devel/gcc-12.3.0",
			want: Package{Category: "sys-devel", Name: "gcc", Version: "12.3.0"},
		},
		{
			// Dashes in the name are fine; the version starts at the
			// first dash-digit boundary.
			in:   "dev-util/clang-format-16.0_pre1",
			want: Package{Category: "dev-util", Name: "clang-format", Version: "16.0_pre1"},
		},
		{in: "no-category", wantErr: true},
		{in: "dev-util/noversion", wantErr: true},
		{in: "/shellcheck-1.0", wantErr: true},
		{in: "dev-util/", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseCPVR(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseCPVR(%q) succeeded with %+v, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCPVR(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCPVR(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestCPVRRoundTrip(t *testing.T) {
	pkg := Package{Category: "dev-util", Name: "shellcheck", Version: "0.9.0-r1"}
	parsed, err := ParseCPVR(pkg.CPVR())
	if err != nil {
		t.Fatalf("ParseCPVR: %v", err)
	}
	if parsed != pkg {
		t.Errorf("round trip = %+v, want %+v", parsed, pkg)
	}
}

func TestParseQlistRecord(t *testing.T) {
	pkg, err := parseQlistRecord("dev-util shellcheck 0.9.0-r1 chromiumos")
	if err != nil {
		t.Fatalf("parseQlistRecord: %v", err)
	}
	want := Package{Category: "dev-util", Name: "shellcheck", Version: "0.9.0-r1", Overlay: "chromiumos"}
	if pkg != want {
		t.Errorf("parseQlistRecord = %+v, want %+v", pkg, want)
	}

	if _, err := parseQlistRecord("malformed line"); err == nil {
		t.Error("parseQlistRecord of short record succeeded")
	}
}

func TestPrivatePackages(t *testing.T) {
	public := DefaultPublicOverlays()
	packages := []Package{
		{Category: "dev-util", Name: "b-tool", Version: "1.0", Overlay: "chromeos-partner"},
		{Category: "dev-util", Name: "shellcheck", Version: "0.9.0", Overlay: "chromiumos"},
		{Category: "dev-util", Name: "a-tool", Version: "2.0", Overlay: "chromeos-internal"},
		{Category: "sys-apps", Name: "coreutils", Version: "9.1", Overlay: "portage-stable"},
	}

	private := PrivatePackages(packages, public)
	got := make([]string, len(private))
	for i, pkg := range private {
		got[i] = pkg.CPVR()
	}
	want := []string{"dev-util/a-tool-2.0", "dev-util/b-tool-1.0"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("PrivatePackages = %v, want %v", got, want)
	}
}

func TestPrivatePackagesAllPublic(t *testing.T) {
	packages := []Package{
		{Category: "dev-util", Name: "shellcheck", Version: "0.9.0", Overlay: "chromiumos"},
	}
	if private := PrivatePackages(packages, DefaultPublicOverlays()); len(private) != 0 {
		t.Errorf("PrivatePackages = %v, want none", private)
	}
}

func TestSplitLines(t *testing.T) {
	lines := splitLines("a\n\n  b  \nc\n")
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("splitLines = %v, want %v", lines, want)
	}
}
