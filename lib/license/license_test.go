// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

package license

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/chromeos-dev/subtools/lib/portage"
)

func writeVDBLicense(t *testing.T, sysroot string, pkg portage.Package, declaration string) {
	t.Helper()
	dir := filepath.Join(sysroot, "var/db/pkg", pkg.Category, pkg.Name+"-"+pkg.Version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "LICENSE"), []byte(declaration), 0o644); err != nil {
		t.Fatal(err)
	}
}

func decompress(t *testing.T, path string) string {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	gz, err := gzip.NewReader(file)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer gz.Close()
	data, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("decompressing report: %v", err)
	}
	return string(data)
}

func TestGenerate(t *testing.T) {
	sysroot := t.TempDir()
	shellcheck := portage.Package{
		Category: "dev-util", Name: "shellcheck", Version: "0.9.0-r1", Overlay: "chromiumos",
	}
	unknownPkg := portage.Package{
		Category: "dev-util", Name: "mystery", Version: "1.0", Overlay: "chromiumos",
	}
	writeVDBLicense(t, sysroot, shellcheck, "GPL-3\n")

	generator := &VDBGenerator{Sysroot: sysroot}
	dest := filepath.Join(t.TempDir(), ReportName)
	err := generator.Generate(context.Background(), []portage.Package{unknownPkg, shellcheck}, dest)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	report := decompress(t, dest)
	if !strings.Contains(report, "dev-util/shellcheck-0.9.0-r1") {
		t.Errorf("report lacks the package identifier:\n%s", report)
	}
	if !strings.Contains(report, "GPL-3") {
		t.Errorf("report lacks the license declaration:\n%s", report)
	}
	if !strings.Contains(report, "unknown") {
		t.Errorf("report lacks the unknown-license fallback:\n%s", report)
	}
	// Sorted by package: mystery sorts before shellcheck.
	if strings.Index(report, "mystery") > strings.Index(report, "shellcheck") {
		t.Error("report entries are not sorted by package")
	}
}

func TestGenerateDeterministic(t *testing.T) {
	sysroot := t.TempDir()
	pkg := portage.Package{Category: "dev-util", Name: "tool", Version: "1.0", Overlay: "chromiumos"}
	writeVDBLicense(t, sysroot, pkg, "BSD")

	generator := &VDBGenerator{Sysroot: sysroot}
	dir := t.TempDir()
	first := filepath.Join(dir, "first.html.gz")
	second := filepath.Join(dir, "second.html.gz")
	for _, dest := range []string{first, second} {
		if err := generator.Generate(context.Background(), []portage.Package{pkg}, dest); err != nil {
			t.Fatalf("Generate: %v", err)
		}
	}

	firstBytes, err := os.ReadFile(first)
	if err != nil {
		t.Fatal(err)
	}
	secondBytes, err := os.ReadFile(second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(firstBytes, secondBytes) {
		t.Error("identical inputs produced byte-different reports")
	}
}

func TestGenerateEscapesHTML(t *testing.T) {
	sysroot := t.TempDir()
	pkg := portage.Package{Category: "dev-util", Name: "tool", Version: "1.0", Overlay: "chromiumos"}
	writeVDBLicense(t, sysroot, pkg, `<script>alert("x")</script>`)

	generator := &VDBGenerator{Sysroot: sysroot}
	dest := filepath.Join(t.TempDir(), ReportName)
	if err := generator.Generate(context.Background(), []portage.Package{pkg}, dest); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if report := decompress(t, dest); strings.Contains(report, "<script>") {
		t.Error("license declaration was not HTML-escaped")
	}
}
