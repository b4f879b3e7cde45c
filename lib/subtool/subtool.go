// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

// Package subtool orchestrates the export pipeline for one declared
// subtool package: bundle the files its manifest selects, attribute
// them to the installed packages that provided them, prepare upload
// metadata, and upload to CIPD or GCS with deduplication.
//
// The lifecycle is a simple on-disk state machine — unbundled →
// bundled → upload-prepared → uploaded — tracked with stamp files so
// each phase can run as a separate process invocation (separate build
// steps in CI). Everything is single-threaded and synchronous; the
// work root is owned by one build step at a time, an assumption
// enforced by the surrounding orchestration rather than by locks here.
package subtool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chromeos-dev/subtools/lib/archive"
	"github.com/chromeos-dev/subtools/lib/bundle"
	"github.com/chromeos-dev/subtools/lib/cipd"
	"github.com/chromeos-dev/subtools/lib/filetype"
	"github.com/chromeos-dev/subtools/lib/gcs"
	"github.com/chromeos-dev/subtools/lib/lddtree"
	"github.com/chromeos-dev/subtools/lib/license"
	"github.com/chromeos-dev/subtools/lib/manifest"
	"github.com/chromeos-dev/subtools/lib/portage"
)

// Bundle size caps by export backend. Exceeding a cap is fatal at
// prepare time, never truncated or warned.
const (
	maxCIPDBundleBytes = 500 << 20 // 500 MiB
	maxGCSBundleBytes  = 5 << 30   // 5 GiB
)

// Filenames under a subtool's work directory.
const (
	bundleDirName    = "bundle"
	recordFileName   = "record.cbor"
	MetadataFileName = "subtool_upload.json"
	bundledStamp     = ".bundled"
	uploadedStamp    = ".uploaded"
)

// State is a subtool's position in the export lifecycle, derived from
// on-disk markers (stamp presence, metadata file presence). No stamp
// content is ever read.
type State int

const (
	Unbundled State = iota
	Bundled
	UploadPrepared
	Uploaded
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Bundled:
		return "bundled"
	case UploadPrepared:
		return "upload-prepared"
	case Uploaded:
		return "uploaded"
	default:
		return "unbundled"
	}
}

// Env carries every collaborator and path the pipeline needs,
// constructed once by the driver and passed explicitly. Tests build
// independent Envs with fakes; nothing here is process-global.
type Env struct {
	Logger     *slog.Logger
	Classifier *filetype.Classifier
	Packages   portage.Query
	Lddtree    lddtree.Copier
	CIPD       cipd.Client
	GCS        gcs.Client

	// Licenses generates the bundled license report. Nil skips
	// report generation.
	Licenses license.Generator

	// PublicOverlays is the allowlist of overlay names whose
	// packages may default to the public CIPD namespace. Nil means
	// [portage.DefaultPublicOverlays].
	PublicOverlays map[string]bool

	// WorkRoot holds per-subtool work directories
	// (<WorkRoot>/<name>/). Each subtool owns its subdirectory
	// exclusively.
	WorkRoot string

	// Sysroot and SourceRoot root the manifest input globs.
	Sysroot    string
	SourceRoot string
}

func (e *Env) publicOverlays() map[string]bool {
	if e.PublicOverlays != nil {
		return e.PublicOverlays
	}
	return portage.DefaultPublicOverlays()
}

// Subtool is one declared package artifact, described by one manifest.
type Subtool struct {
	env Env
	m   *manifest.Manifest
}

// New wraps a parsed manifest. The manifest is validated lazily by
// Bundle; callers that want early validation call Validate themselves.
func New(env Env, m *manifest.Manifest) *Subtool {
	return &Subtool{env: env, m: m}
}

// Load reads, parses, and validates a manifest file.
func Load(env Env, path string) (*Subtool, error) {
	m, err := manifest.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return New(env, m), nil
}

// Name returns the manifest package name.
func (s *Subtool) Name() string {
	return s.m.Name
}

// Manifest returns the parsed manifest.
func (s *Subtool) Manifest() *manifest.Manifest {
	return s.m
}

// String returns the manifest dump; error paths embed it so CI logs
// identify the offending declaration without reopening the file.
func (s *Subtool) String() string {
	return s.m.Dump()
}

func (s *Subtool) dir() string {
	return filepath.Join(s.env.WorkRoot, s.m.Name)
}

// BundleDir returns the bundle staging tree directory.
func (s *Subtool) BundleDir() string {
	return filepath.Join(s.dir(), bundleDirName)
}

func (s *Subtool) recordPath() string   { return filepath.Join(s.dir(), recordFileName) }
func (s *Subtool) metadataPath() string { return filepath.Join(s.dir(), MetadataFileName) }
func (s *Subtool) stampPath(stamp string) string {
	return filepath.Join(s.dir(), stamp)
}

// State derives the lifecycle state from on-disk markers.
func (s *Subtool) State() State {
	switch {
	case fileExists(s.stampPath(uploadedStamp)):
		return Uploaded
	case fileExists(s.metadataPath()) && fileExists(s.stampPath(bundledStamp)):
		return UploadPrepared
	case fileExists(s.stampPath(bundledStamp)):
		return Bundled
	default:
		return Unbundled
	}
}

// Clean deletes the subtool's work directory — bundle tree, record,
// metadata, and stamps — resetting it to unbundled.
func (s *Subtool) Clean() error {
	if err := os.RemoveAll(s.dir()); err != nil {
		return fmt.Errorf("cleaning %s: %w", s.m.Name, err)
	}
	return nil
}

// Bundle stages the bundle tree from scratch: previous state is
// deleted, every path mapping copied, contributing packages resolved,
// the license report generated, symlink escapes checked, and the
// bundle record plus the bundled stamp written.
func (s *Subtool) Bundle(ctx context.Context) error {
	if err := s.m.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir(), 0o755); err != nil {
		return fmt.Errorf("creating work directory for %s: %w", s.m.Name, err)
	}
	// Invalidate downstream state from any previous run.
	for _, stale := range []string{
		s.stampPath(bundledStamp), s.stampPath(uploadedStamp),
		s.metadataPath(), s.recordPath(),
	} {
		if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale %s: %w", stale, err)
		}
	}

	builder := bundle.NewBuilder(bundle.Env{
		Logger:     s.env.Logger,
		Classifier: s.env.Classifier,
		Packages:   s.env.Packages,
		Lddtree:    s.env.Lddtree,
		Sysroot:    s.env.Sysroot,
		SourceRoot: s.env.SourceRoot,
	}, s.m, s.BundleDir())

	result, err := builder.Run(ctx)
	if err != nil {
		return err
	}

	record := result.Record
	packages, err := s.attribute(ctx, result)
	if err != nil {
		return err
	}
	record.SourcePackages = cpvrList(packages)
	record.PrivatePackages = cpvrList(portage.PrivatePackages(packages, s.env.publicOverlays()))

	if err := s.generateLicenseReport(ctx, packages, record); err != nil {
		return err
	}

	if err := bundle.ValidateNoEscapes(s.BundleDir()); err != nil {
		return s.bundlingError(err.Error())
	}

	if err := bundle.WriteRecord(s.recordPath(), record); err != nil {
		return err
	}
	if err := touch(s.stampPath(bundledStamp)); err != nil {
		return err
	}

	s.env.Logger.Info("bundled",
		"subtool", s.m.Name,
		"files", record.FileCount,
		"bytes", record.TotalSize,
		"source_packages", len(record.SourcePackages))
	return nil
}

// attribute resolves every bundled source file to its owning installed
// package. A bundle none of whose content is attributable cannot be
// exported: provenance tags and license aggregation both depend on
// the source package set.
func (s *Subtool) attribute(ctx context.Context, result *bundle.Result) ([]portage.Package, error) {
	byCPVR := make(map[string]portage.Package)
	for _, pkg := range result.Attributed {
		byCPVR[pkg.CPVR()] = pkg
	}

	if len(result.Unattributed) > 0 {
		pending := append([]string(nil), result.Unattributed...)
		sort.Strings(pending)
		owners, err := s.env.Packages.Owners(ctx, pending)
		if err != nil {
			return nil, s.bundlingError(fmt.Sprintf("attributing bundled files: %v", err))
		}
		for _, pkg := range owners {
			byCPVR[pkg.CPVR()] = pkg
		}
	}

	if len(byCPVR) == 0 {
		return nil, s.bundlingError("bundled files are not attributable to any installed package")
	}

	packages := make([]portage.Package, 0, len(byCPVR))
	for _, pkg := range byCPVR {
		packages = append(packages, pkg)
	}
	sort.Slice(packages, func(i, j int) bool { return packages[i].CPVR() < packages[j].CPVR() })
	return packages, nil
}

// generateLicenseReport emits the aggregated license report into the
// bundle and accounts for it in the record like any copied file.
func (s *Subtool) generateLicenseReport(ctx context.Context, packages []portage.Package, record *bundle.Record) error {
	if s.env.Licenses == nil {
		return nil
	}

	dest := filepath.Join(s.BundleDir(), license.ReportName)
	if err := s.env.Licenses.Generate(ctx, packages, dest); err != nil {
		return s.bundlingError(fmt.Sprintf("generating license report: %v", err))
	}

	hash, err := bundle.HashFile(dest)
	if err != nil {
		return s.bundlingError(fmt.Sprintf("hashing license report: %v", err))
	}
	info, err := os.Stat(dest)
	if err != nil {
		return fmt.Errorf("stating license report: %w", err)
	}
	record.Hashes[license.ReportName] = hash
	record.FileCount++
	record.TotalSize += info.Size()
	return nil
}

// PrepareUpload validates the bundled tree against the backend size
// cap and privacy policy, computes the package digest, and writes the
// upload metadata JSON. Requires a prior successful Bundle (possibly
// in a different process).
func (s *Subtool) PrepareUpload(ctx context.Context) error {
	if err := s.m.Validate(); err != nil {
		return err
	}
	if !fileExists(s.stampPath(bundledStamp)) {
		return s.bundlingError("not bundled; run bundling before preparing an upload")
	}

	record, err := bundle.ReadRecord(s.recordPath())
	if err != nil {
		return err
	}

	sizeCap := int64(maxCIPDBundleBytes)
	if s.m.Type == manifest.ExportGCS {
		sizeCap = maxGCSBundleBytes
	}
	if record.TotalSize > sizeCap {
		return s.bundlingError(fmt.Sprintf(
			"bundle is %d bytes, exceeding the %d byte cap for %s export",
			record.TotalSize, sizeCap, s.m.Type))
	}

	// Privately sourced artifacts must never default into the public
	// CIPD namespace; an explicit prefix is an owner's deliberate
	// choice of destination.
	if s.m.Type == manifest.ExportCIPD && s.m.CIPDPrefix == "" && len(record.PrivatePackages) > 0 {
		return &manifest.InvalidError{
			Subtool: s.m.Name,
			Reason: fmt.Sprintf(
				"bundle includes private packages (%s) but no explicit cipd_prefix is set",
				strings.Join(record.PrivatePackages, ", ")),
			Manifest: s.m.Dump(),
		}
	}

	digest, err := bundle.Digest(record.Hashes)
	if err != nil {
		return s.bundlingError(err.Error())
	}

	meta := s.buildMetadata(record, digest)
	if err := WriteMetadataFile(s.metadataPath(), meta); err != nil {
		return err
	}

	s.env.Logger.Info("upload prepared", "subtool", s.m.Name, "digest", digest)
	return nil
}

// Upload reads the prepared metadata and uploads to the configured
// backend, skipping entirely when an equivalent upload already
// exists. With dryRun set, CIPD builds a local package file for
// inspection and GCS logs the would-be object; neither uploads.
func (s *Subtool) Upload(ctx context.Context, dryRun bool) error {
	meta, err := ReadMetadataFile(s.metadataPath())
	if err != nil {
		if os.IsNotExist(err) {
			return s.bundlingError("no upload metadata; run prepare-upload first")
		}
		return err
	}

	switch {
	case meta.CIPDPackage != nil:
		return s.uploadCIPD(ctx, meta.CIPDPackage, dryRun)
	case meta.GCSMetadata != nil:
		return s.uploadGCS(ctx, meta.GCSMetadata, dryRun)
	default:
		return fmt.Errorf("upload metadata for %s names no backend", s.m.Name)
	}
}

func (s *Subtool) uploadCIPD(ctx context.Context, pkg *CIPDPackage, dryRun bool) error {
	instances, err := s.env.CIPD.Search(ctx, pkg.Package, pkg.DedupTags())
	if err != nil {
		return fmt.Errorf("uploading %s: %w", s.m.Name, err)
	}
	if len(instances) > 0 {
		s.env.Logger.Info("upload skipped: matching instance exists",
			"subtool", s.m.Name, "package", pkg.Package, "instance", instances[0])
		if !dryRun {
			return touch(s.stampPath(uploadedStamp))
		}
		return nil
	}

	if dryRun {
		out := filepath.Join(s.dir(), s.m.Name+".cipd")
		if err := s.env.CIPD.BuildPackage(ctx, pkg.Package, s.BundleDir(), out); err != nil {
			return fmt.Errorf("dry-run package build for %s: %w", s.m.Name, err)
		}
		s.env.Logger.Info("dry run: local package built, not uploaded",
			"subtool", s.m.Name, "package", pkg.Package, "path", out)
		return nil
	}

	if err := s.env.CIPD.Create(ctx, pkg.Package, s.BundleDir(), pkg.Tags, pkg.Refs); err != nil {
		return fmt.Errorf("uploading %s: %w", s.m.Name, err)
	}
	s.env.Logger.Info("uploaded", "subtool", s.m.Name, "package", pkg.Package)
	return touch(s.stampPath(uploadedStamp))
}

func (s *Subtool) uploadGCS(ctx context.Context, meta *GCSMetadata, dryRun bool) error {
	uri := meta.ObjectURI()

	exists, err := s.env.GCS.Exists(ctx, uri)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", s.m.Name, err)
	}
	if exists {
		// Dedup is purely digest-in-path: the object existing at the
		// digest-addressed URI means identical content is already up.
		s.env.Logger.Info("upload skipped: object exists",
			"subtool", s.m.Name, "uri", uri)
		if !dryRun {
			return touch(s.stampPath(uploadedStamp))
		}
		return nil
	}

	if dryRun {
		s.env.Logger.Info("dry run: would compress and upload",
			"subtool", s.m.Name, "uri", uri, "compression", meta.Compression)
		return nil
	}

	compression, err := archive.Parse(meta.Compression)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", s.m.Name, err)
	}

	tarball := filepath.Join(s.dir(), s.m.Name+compression.Extension())
	if err := archive.Create(s.BundleDir(), tarball, compression); err != nil {
		return fmt.Errorf("uploading %s: %w", s.m.Name, err)
	}

	if err := s.env.GCS.Copy(ctx, tarball, uri, true); err != nil {
		return fmt.Errorf("uploading %s: %w", s.m.Name, err)
	}
	s.env.Logger.Info("uploaded", "subtool", s.m.Name, "uri", uri)
	return touch(s.stampPath(uploadedStamp))
}

func (s *Subtool) bundlingError(reason string) error {
	return &manifest.BundlingError{
		Subtool:  s.m.Name,
		Reason:   reason,
		Manifest: s.m.Dump(),
	}
}

func cpvrList(packages []portage.Package) []string {
	cpvrs := make([]string, len(packages))
	for i, pkg := range packages {
		cpvrs[i] = pkg.CPVR()
	}
	sort.Strings(cpvrs)
	return cpvrs
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// touch creates an empty stamp file. Stamp presence is the state;
// content is never read.
func touch(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("writing stamp %s: %w", path, err)
	}
	return file.Close()
}
