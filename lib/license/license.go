// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

// Package license aggregates the license declarations of a bundle's
// contributing packages into a single gzip-compressed HTML report
// placed inside the bundle. The report file participates in bundle
// hashing like any other file.
package license

import (
	"context"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/chromeos-dev/subtools/lib/portage"
)

// ReportName is the bundle-root-relative path of the generated report.
const ReportName = "license.html.gz"

// Generator emits one license report covering the given packages.
type Generator interface {
	Generate(ctx context.Context, packages []portage.Package, dest string) error
}

// VDBGenerator reads each package's recorded license declaration from
// the Portage VDB (/var/db/pkg/<category>/<name-version>/LICENSE).
type VDBGenerator struct {
	// Sysroot is the root whose VDB is read. Empty means "/".
	Sysroot string
}

type reportEntry struct {
	Package string
	Overlay string
	License string
}

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head><title>Bundled package licenses</title></head>
<body>
<h1>Bundled package licenses</h1>
<table>
<tr><th>Package</th><th>Overlay</th><th>License</th></tr>
{{range .}}<tr><td>{{.Package}}</td><td>{{.Overlay}}</td><td>{{.License}}</td></tr>
{{end}}</table>
</body>
</html>
`))

// Generate writes the gzip-compressed report to dest.
func (g *VDBGenerator) Generate(ctx context.Context, packages []portage.Package, dest string) (err error) {
	entries := make([]reportEntry, 0, len(packages))
	for _, pkg := range packages {
		if err := ctx.Err(); err != nil {
			return err
		}
		declaration, err := g.readLicense(pkg)
		if err != nil {
			return err
		}
		entries = append(entries, reportEntry{
			Package: pkg.CPVR(),
			Overlay: pkg.Overlay,
			License: declaration,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Package < entries[j].Package })

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating license report %s: %w", dest, err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing license report: %w", closeErr)
		}
	}()

	// gzip.NewWriter leaves the header mtime zero, so identical
	// package sets produce byte-identical reports across runs.
	gz := gzip.NewWriter(file)
	if err := reportTemplate.Execute(gz, entries); err != nil {
		return fmt.Errorf("rendering license report: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compressing license report: %w", err)
	}
	return nil
}

// readLicense returns the package's VDB license declaration, or
// "unknown" when the VDB entry carries none.
func (g *VDBGenerator) readLicense(pkg portage.Package) (string, error) {
	root := g.Sysroot
	if root == "" {
		root = "/"
	}
	path := filepath.Join(root, "var/db/pkg", pkg.Category, pkg.Name+"-"+pkg.Version, "LICENSE")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "unknown", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading license of %s: %w", pkg.CPVR(), err)
	}
	declaration := strings.TrimSpace(string(data))
	if declaration == "" {
		declaration = "unknown"
	}
	return declaration, nil
}
