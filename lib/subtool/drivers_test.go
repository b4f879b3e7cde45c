// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

package subtool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeManifestFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestInstalledSubtoolsSkipsBroken(t *testing.T) {
	env, _, _ := testEnv(t)
	dir := t.TempDir()
	writeManifestFile(t, dir, "beta.jsonc", `{
		"name": "beta",
		"type": "gcs",
		"paths": [{"input": ["/usr/bin/beta"]}]
	}`)
	writeManifestFile(t, dir, "alpha.jsonc", `{
		"name": "alpha",
		"type": "cipd",
		"paths": [{"input": ["/usr/bin/alpha"]}]
	}`)
	writeManifestFile(t, dir, "broken.jsonc", `{"name": "BROKEN"`)
	writeManifestFile(t, dir, "notes.txt", "not a manifest")

	subtools, err := InstalledSubtools(env, dir)
	if err == nil {
		t.Error("broken manifest did not surface an error")
	}
	if len(subtools) != 2 {
		t.Fatalf("loaded %d subtools, want 2", len(subtools))
	}
	// Sorted filename order.
	if subtools[0].Name() != "alpha" || subtools[1].Name() != "beta" {
		t.Errorf("order = [%s %s], want [alpha beta]", subtools[0].Name(), subtools[1].Name())
	}
}

func TestBundleAllContinuesPastFailures(t *testing.T) {
	env, _, _ := testEnv(t)

	// The first subtool's glob matches nothing; the second is fine.
	failing := newSubtool(t, env, `{
		"name": "missing",
		"type": "cipd",
		"paths": [{"input": ["/usr/bin/no-such-file"]}]
	}`)
	working := newSubtool(t, env, cipdManifest)

	err := BundleAll(context.Background(), []*Subtool{failing, working})
	if err == nil {
		t.Error("BundleAll swallowed the failure")
	}
	if failing.State() != Unbundled {
		t.Errorf("failing subtool state = %v, want unbundled", failing.State())
	}
	if working.State() != Bundled {
		t.Errorf("working subtool state = %v, want bundled", working.State())
	}
}

func TestBundledSubtoolsFilters(t *testing.T) {
	env, _, _ := testEnv(t)
	dir := t.TempDir()
	writeManifestFile(t, dir, "shellcheck.jsonc", cipdManifest)
	writeManifestFile(t, dir, "other.jsonc", `{
		"name": "other",
		"type": "gcs",
		"paths": [{"input": ["/usr/bin/other"]}]
	}`)

	subtools, err := InstalledSubtools(env, dir)
	if err != nil {
		t.Fatalf("InstalledSubtools: %v", err)
	}
	for _, s := range subtools {
		if s.Name() == "shellcheck" {
			if err := s.Bundle(context.Background()); err != nil {
				t.Fatalf("Bundle: %v", err)
			}
		}
	}

	bundled, err := BundledSubtools(env, dir)
	if err != nil {
		t.Fatalf("BundledSubtools: %v", err)
	}
	if len(bundled) != 1 || bundled[0].Name() != "shellcheck" {
		t.Errorf("bundled = %v, want just shellcheck", bundled)
	}
}
