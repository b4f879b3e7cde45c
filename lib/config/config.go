// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the subtools
// exporter. Configuration comes from a single YAML file named by the
// SUBTOOLS_CONFIG environment variable or a --config flag — no
// discovery, no hidden overrides — with defaults for every field so a
// missing file is only an error when explicitly requested.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/chromeos-dev/subtools/lib/cipd"
	"github.com/chromeos-dev/subtools/lib/filetype"
	"github.com/chromeos-dev/subtools/lib/gcs"
	"github.com/chromeos-dev/subtools/lib/lddtree"
	"github.com/chromeos-dev/subtools/lib/license"
	"github.com/chromeos-dev/subtools/lib/portage"
	"github.com/chromeos-dev/subtools/lib/subtool"
)

// Config is the exporter configuration.
type Config struct {
	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Tools overrides external tool binary paths. Empty values mean
	// PATH lookup.
	Tools ToolsConfig `yaml:"tools"`

	// PublicOverlays replaces the built-in allowlist of overlay
	// names whose packages may export to public namespaces.
	PublicOverlays []string `yaml:"public_overlays"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// WorkRoot holds per-subtool bundle staging and metadata
	// directories.
	WorkRoot string `yaml:"work_root"`

	// ConfigDir is scanned for *.jsonc subtool manifests.
	ConfigDir string `yaml:"config_dir"`

	// Sysroot roots absolute manifest input globs and package
	// database queries.
	Sysroot string `yaml:"sysroot"`

	// SourceRoot roots "//"-prefixed (checkout-relative) input globs.
	SourceRoot string `yaml:"source_root"`
}

// ToolsConfig overrides external tool paths.
type ToolsConfig struct {
	CIPD    string `yaml:"cipd"`
	Gsutil  string `yaml:"gsutil"`
	Lddtree string `yaml:"lddtree"`
	Qlist   string `yaml:"qlist"`
	Qfile   string `yaml:"qfile"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Paths: PathsConfig{
			WorkRoot:  filepath.Join(homeDir, ".cache", "subtools"),
			ConfigDir: "/usr/share/subtools",
			Sysroot:   "/",
		},
	}
}

// Load loads configuration from the SUBTOOLS_CONFIG environment
// variable, falling back to pure defaults when it is unset.
func Load() (*Config, error) {
	path := os.Getenv("SUBTOOLS_CONFIG")
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file, merged over
// defaults. The only expansion performed is ${VAR} substitution in
// paths, for portability of shared config files.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Paths.WorkRoot == "" {
		return fmt.Errorf("paths.work_root is required")
	}
	if c.Paths.ConfigDir == "" {
		return fmt.Errorf("paths.config_dir is required")
	}
	if c.Paths.Sysroot == "" {
		return fmt.Errorf("paths.sysroot is required")
	}
	return nil
}

var varPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func (c *Config) expandVariables() {
	expand := func(s string) string {
		return varPattern.ReplaceAllStringFunc(s, func(match string) string {
			name := match[2 : len(match)-1]
			return os.Getenv(name)
		})
	}
	c.Paths.WorkRoot = expand(c.Paths.WorkRoot)
	c.Paths.ConfigDir = expand(c.Paths.ConfigDir)
	c.Paths.Sysroot = expand(c.Paths.Sysroot)
	c.Paths.SourceRoot = expand(c.Paths.SourceRoot)
}

// Env assembles the pipeline environment from this configuration:
// exec-backed clients for every external tool, a fresh classifier,
// and the overlay allowlist.
func (c *Config) Env(logger *slog.Logger) subtool.Env {
	overlays := portage.DefaultPublicOverlays()
	if len(c.PublicOverlays) > 0 {
		overlays = make(map[string]bool, len(c.PublicOverlays))
		for _, name := range c.PublicOverlays {
			overlays[name] = true
		}
	}

	return subtool.Env{
		Logger:     logger,
		Classifier: filetype.NewClassifier(),
		Packages: &portage.CLI{
			Sysroot:     c.Paths.Sysroot,
			QlistBinary: c.Tools.Qlist,
			QfileBinary: c.Tools.Qfile,
		},
		Lddtree: &lddtree.CLI{
			Binary: c.Tools.Lddtree,
			Root:   c.Paths.Sysroot,
		},
		CIPD:           &cipd.CLI{Binary: c.Tools.CIPD},
		GCS:            &gcs.CLI{Binary: c.Tools.Gsutil},
		Licenses:       &license.VDBGenerator{Sysroot: c.Paths.Sysroot},
		PublicOverlays: overlays,
		WorkRoot:       c.Paths.WorkRoot,
		Sysroot:        c.Paths.Sysroot,
		SourceRoot:     c.Paths.SourceRoot,
	}
}
