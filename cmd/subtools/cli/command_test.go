// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestExecuteDispatchesSubcommand(t *testing.T) {
	var ran []string
	root := &Command{
		Name: "subtools",
		Subcommands: []*Command{
			{
				Name: "bundle",
				Run: func(ctx context.Context, args []string) error {
					ran = append(ran, "bundle")
					return nil
				},
			},
			{
				Name: "upload",
				Run: func(ctx context.Context, args []string) error {
					ran = append(ran, "upload")
					return nil
				},
			},
		},
	}

	if err := root.Execute(context.Background(), []string{"upload"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(ran) != 1 || ran[0] != "upload" {
		t.Errorf("ran = %v, want [upload]", ran)
	}
}

func TestExecuteUnknownSubcommand(t *testing.T) {
	root := &Command{
		Name:        "subtools",
		Subcommands: []*Command{{Name: "bundle", Run: func(context.Context, []string) error { return nil }}},
	}

	err := root.Execute(context.Background(), []string{"bundel"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("Execute = %v, want unknown command error", err)
	}
}

func TestExecuteRequiresSubcommand(t *testing.T) {
	root := &Command{
		Name:        "subtools",
		Subcommands: []*Command{{Name: "bundle", Run: func(context.Context, []string) error { return nil }}},
	}

	err := root.Execute(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "subcommand required") {
		t.Errorf("Execute = %v, want subcommand-required error", err)
	}
}

func TestExecuteParsesFlags(t *testing.T) {
	var dryRun bool
	var positional []string
	cmd := &Command{
		Name: "upload",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("upload", pflag.ContinueOnError)
			flags.BoolVar(&dryRun, "dry-run", false, "")
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			positional = args
			return nil
		},
	}

	if err := cmd.Execute(context.Background(), []string{"--dry-run", "shellcheck"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !dryRun {
		t.Error("--dry-run was not parsed")
	}
	if len(positional) != 1 || positional[0] != "shellcheck" {
		t.Errorf("args = %v, want [shellcheck]", positional)
	}
}

func TestExecuteUnknownFlag(t *testing.T) {
	cmd := &Command{
		Name: "bundle",
		Flags: func() *pflag.FlagSet {
			return pflag.NewFlagSet("bundle", pflag.ContinueOnError)
		},
		Run: func(context.Context, []string) error { return nil },
	}

	err := cmd.Execute(context.Background(), []string{"--no-such-flag"})
	if err == nil || !strings.Contains(err.Error(), "--help") {
		t.Errorf("Execute = %v, want error pointing at --help", err)
	}
}

func TestPrintHelpListsSubcommands(t *testing.T) {
	root := &Command{
		Name:    "subtools",
		Summary: "Bundle and export installed tools",
		Subcommands: []*Command{
			{Name: "bundle", Summary: "Stage bundle trees"},
			{Name: "upload", Summary: "Upload prepared bundles"},
		},
	}

	var sb strings.Builder
	root.PrintHelp(&sb)
	help := sb.String()
	for _, want := range []string{"bundle", "Stage bundle trees", "upload", "Usage:"} {
		if !strings.Contains(help, want) {
			t.Errorf("help lacks %q:\n%s", want, help)
		}
	}
}

func TestFullNameNesting(t *testing.T) {
	leaf := &Command{Name: "status", Run: func(context.Context, []string) error { return nil }}
	root := &Command{Name: "subtools", Subcommands: []*Command{leaf}}

	if err := root.Execute(context.Background(), []string{"status"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := leaf.fullName(); got != "subtools status" {
		t.Errorf("fullName = %q, want %q", got, "subtools status")
	}
}
