// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the subtools CLI command tree. Each
// subcommand maps to one phase of the export pipeline, so CI can run
// the phases as separate build steps while operators run them ad hoc
// from the same binary.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/chromeos-dev/subtools/cmd/subtools/cli"
	"github.com/chromeos-dev/subtools/lib/config"
	"github.com/chromeos-dev/subtools/lib/subtool"
	"github.com/chromeos-dev/subtools/lib/version"
)

// Root builds and returns the complete subtools CLI command tree.
func Root(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name: "subtools",
		Description: `Subtools: bundle and export installed tools from a build sysroot.

Each subtool is declared by a JSONC manifest naming the files to
bundle and the export destination (CIPD or GCS). The pipeline runs in
three phases, each restartable as its own process: bundle,
prepare-upload, upload.`,
		Subcommands: []*cli.Command{
			bundleCommand(logger),
			prepareUploadCommand(logger),
			uploadCommand(logger),
			cleanCommand(logger),
			listCommand(logger),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(_ context.Context, _ []string) error {
					fmt.Printf("subtools %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Bundle every installed subtool manifest",
				Command:     "subtools bundle",
			},
			{
				Description: "Bundle one subtool from a specific manifest directory",
				Command:     "subtools bundle --config-dir /build/amd64-host/usr/share/subtools shellcheck",
			},
			{
				Description: "Prepare and inspect uploads without uploading",
				Command:     "subtools prepare-upload && subtools upload --dry-run",
			},
		},
	}
}

// options carries the flags shared by every pipeline subcommand.
type options struct {
	configPath string
	configDir  string
	workRoot   string
	sysroot    string
}

func (o *options) flagSet(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.StringVar(&o.configPath, "config", "", "configuration file (default $SUBTOOLS_CONFIG)")
	flags.StringVar(&o.configDir, "config-dir", "", "directory scanned for *.jsonc manifests")
	flags.StringVar(&o.workRoot, "work-root", "", "directory for bundle staging and state")
	flags.StringVar(&o.sysroot, "sysroot", "", "sysroot holding the installed packages")
	return flags
}

// load resolves configuration (file, environment, defaults, then flag
// overrides) and assembles the pipeline environment.
func (o *options) load(logger *slog.Logger) (subtool.Env, string, error) {
	var cfg *config.Config
	var err error
	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return subtool.Env{}, "", err
	}

	if o.configDir != "" {
		cfg.Paths.ConfigDir = o.configDir
	}
	if o.workRoot != "" {
		cfg.Paths.WorkRoot = o.workRoot
	}
	if o.sysroot != "" {
		cfg.Paths.Sysroot = o.sysroot
	}
	return cfg.Env(logger), cfg.Paths.ConfigDir, nil
}

// selected returns the subtools named in args, or every installed
// subtool when args is empty. Naming a subtool with no manifest is an
// error. In the run-everything case broken manifests do not stop the
// phase: the loadable subtools are returned together with the joined
// load error, and runPhase folds that error into the command result.
func selected(env subtool.Env, configDir string, args []string) ([]*subtool.Subtool, error) {
	subtools, loadErr := subtool.InstalledSubtools(env, configDir)
	if len(args) == 0 {
		return subtools, loadErr
	}

	byName := make(map[string]*subtool.Subtool, len(subtools))
	for _, s := range subtools {
		byName[s.Name()] = s
	}
	picked := make([]*subtool.Subtool, 0, len(args))
	for _, name := range args {
		s, ok := byName[name]
		if !ok {
			// The name may be missing because its manifest failed to
			// load; surface that alongside the lookup failure.
			return nil, errors.Join(fmt.Errorf("no manifest for subtool %q in %s", name, configDir), loadErr)
		}
		picked = append(picked, s)
	}
	return picked, nil
}

// runPhase runs one pipeline phase over the selected subtools. A
// manifest load failure surfaces in the returned error even when the
// phase itself succeeds, so a corrupt manifest cannot pass unnoticed
// with a zero exit.
func runPhase(subtools []*subtool.Subtool, loadErr error, phase func([]*subtool.Subtool) error) error {
	if len(subtools) == 0 && loadErr != nil {
		return loadErr
	}
	return errors.Join(loadErr, phase(subtools))
}

func bundleCommand(logger *slog.Logger) *cli.Command {
	opts := &options{}
	return &cli.Command{
		Name:    "bundle",
		Summary: "Copy manifest-selected files into per-subtool bundle trees",
		Usage:   "subtools bundle [flags] [subtool...]",
		Flags:   func() *pflag.FlagSet { return opts.flagSet("bundle") },
		Run: func(ctx context.Context, args []string) error {
			env, configDir, err := opts.load(logger)
			if err != nil {
				return err
			}
			subtools, loadErr := selected(env, configDir, args)
			return runPhase(subtools, loadErr, func(subtools []*subtool.Subtool) error {
				return subtool.BundleAll(ctx, subtools)
			})
		},
	}
}

func prepareUploadCommand(logger *slog.Logger) *cli.Command {
	opts := &options{}
	return &cli.Command{
		Name:    "prepare-upload",
		Summary: "Compute digests and write upload metadata for bundled subtools",
		Usage:   "subtools prepare-upload [flags] [subtool...]",
		Flags:   func() *pflag.FlagSet { return opts.flagSet("prepare-upload") },
		Run: func(ctx context.Context, args []string) error {
			env, configDir, err := opts.load(logger)
			if err != nil {
				return err
			}
			subtools, loadErr := selectedBundled(env, configDir, args)
			return runPhase(subtools, loadErr, func(subtools []*subtool.Subtool) error {
				return subtool.PrepareUploads(ctx, subtools)
			})
		},
	}
}

func uploadCommand(logger *slog.Logger) *cli.Command {
	opts := &options{}
	dryRun := false
	return &cli.Command{
		Name:    "upload",
		Summary: "Upload prepared bundles to CIPD or GCS, skipping duplicates",
		Usage:   "subtools upload [flags] [subtool...]",
		Flags: func() *pflag.FlagSet {
			flags := opts.flagSet("upload")
			flags.BoolVar(&dryRun, "dry-run", false, "build or describe the upload without uploading")
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			env, configDir, err := opts.load(logger)
			if err != nil {
				return err
			}
			subtools, loadErr := selectedBundled(env, configDir, args)
			return runPhase(subtools, loadErr, func(subtools []*subtool.Subtool) error {
				return subtool.UploadAll(ctx, subtools, dryRun)
			})
		},
	}
}

// selectedBundled narrows the run-everything case to subtools that
// have been bundled; explicitly named subtools are passed through so
// the pipeline reports why they are not ready.
func selectedBundled(env subtool.Env, configDir string, args []string) ([]*subtool.Subtool, error) {
	if len(args) > 0 {
		return selected(env, configDir, args)
	}
	return subtool.BundledSubtools(env, configDir)
}

func cleanCommand(logger *slog.Logger) *cli.Command {
	opts := &options{}
	return &cli.Command{
		Name:    "clean",
		Summary: "Delete per-subtool work directories, resetting them to unbundled",
		Usage:   "subtools clean [flags] [subtool...]",
		Flags:   func() *pflag.FlagSet { return opts.flagSet("clean") },
		Run: func(ctx context.Context, args []string) error {
			env, configDir, err := opts.load(logger)
			if err != nil {
				return err
			}
			subtools, loadErr := selected(env, configDir, args)
			return runPhase(subtools, loadErr, func(subtools []*subtool.Subtool) error {
				for _, s := range subtools {
					if err := s.Clean(); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func listCommand(logger *slog.Logger) *cli.Command {
	opts := &options{}
	return &cli.Command{
		Name:    "list",
		Summary: "List installed subtool manifests and their pipeline state",
		Usage:   "subtools list [flags]",
		Flags:   func() *pflag.FlagSet { return opts.flagSet("list") },
		Run: func(ctx context.Context, args []string) error {
			env, configDir, err := opts.load(logger)
			if err != nil {
				return err
			}
			subtools, loadErr := selected(env, configDir, args)
			return runPhase(subtools, loadErr, func(subtools []*subtool.Subtool) error {
				tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
				fmt.Fprintf(tw, "NAME\tTYPE\tSTATE\n")
				for _, s := range subtools {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name(), s.Manifest().Type, s.State())
				}
				return tw.Flush()
			})
		},
	}
}
