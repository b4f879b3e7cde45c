// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

// Command subtools bundles and exports installed tools from a build
// sysroot, driven by JSONC manifests.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chromeos-dev/subtools/cmd/subtools/commands"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	return commands.Root(logger).Execute(ctx, os.Args[1:])
}
