// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

package subtool

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
)

// InstalledSubtools loads every *.jsonc manifest in configDir, in
// sorted filename order. Manifests that fail to parse or validate are
// logged and skipped; their errors are joined into the returned error
// alongside the successfully loaded subtools, so a driver can both
// proceed and report.
func InstalledSubtools(env Env, configDir string) ([]*Subtool, error) {
	paths, err := filepath.Glob(filepath.Join(configDir, "*.jsonc"))
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", configDir, err)
	}
	sort.Strings(paths)

	var subtools []*Subtool
	var errs []error
	for _, path := range paths {
		subtool, err := Load(env, path)
		if err != nil {
			env.Logger.Error("skipping manifest", "path", path, "error", err)
			errs = append(errs, err)
			continue
		}
		subtools = append(subtools, subtool)
	}
	return subtools, errors.Join(errs...)
}

// BundledSubtools returns the subset of installed subtools whose work
// directories carry a bundled stamp — the candidates for upload
// preparation in a later build step.
func BundledSubtools(env Env, configDir string) ([]*Subtool, error) {
	subtools, err := InstalledSubtools(env, configDir)
	if err != nil && subtools == nil {
		return nil, err
	}

	var bundled []*Subtool
	for _, subtool := range subtools {
		if subtool.State() >= Bundled {
			bundled = append(bundled, subtool)
		}
	}
	return bundled, err
}

// BundleAll bundles each subtool in turn. A failure is fatal for that
// subtool only: the driver logs it and continues with the next one,
// returning the joined failures at the end.
func BundleAll(ctx context.Context, subtools []*Subtool) error {
	return forEach(ctx, subtools, "bundling", func(s *Subtool) error {
		return s.Bundle(ctx)
	})
}

// PrepareUploads prepares upload metadata for each subtool in turn,
// continuing past per-subtool failures.
func PrepareUploads(ctx context.Context, subtools []*Subtool) error {
	return forEach(ctx, subtools, "preparing upload", func(s *Subtool) error {
		return s.PrepareUpload(ctx)
	})
}

// UploadAll uploads each subtool in turn, continuing past per-subtool
// failures.
func UploadAll(ctx context.Context, subtools []*Subtool, dryRun bool) error {
	return forEach(ctx, subtools, "uploading", func(s *Subtool) error {
		return s.Upload(ctx, dryRun)
	})
}

func forEach(ctx context.Context, subtools []*Subtool, verb string, op func(*Subtool) error) error {
	var errs []error
	for _, subtool := range subtools {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := op(subtool); err != nil {
			subtool.env.Logger.Error(verb+" failed", "subtool", subtool.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
