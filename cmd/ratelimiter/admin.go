// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/process"
	"storj.io/throttle/pkg/limits"
	"storj.io/throttle/pkg/limits/limitdb"
)

// withStorage opens the configured storage for a one-off command.
func withStorage(ctx context.Context, log *zap.Logger, config limits.Config, fn func(db limitdb.Storage) error) (err error) {
	db, err := limits.OpenStorage(ctx, log.Named("storage"), config)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	return fn(db)
}

func newLimiter(log *zap.Logger, db limitdb.Storage, config limits.Config) (*limitdb.Limiter, error) {
	catalog, err := limitdb.ParseCatalog(config.Actions)
	if err != nil {
		return nil, err
	}
	return limitdb.NewLimiter(log.Named("limiter"), db, catalog, config.Limiter), nil
}

func cmdSweep(cmd *cobra.Command, _ []string) error {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log := zap.L()

	return withStorage(ctx, log, runCfg, func(db limitdb.Storage) error {
		result, err := limitdb.NewSweeper(log.Named("sweeper"), db, runCfg.Sweep).Run(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d idle records in %d pages (%d failed)\n",
			result.Deleted, result.Pages, result.FailedPages)
		return nil
	})
}

func cmdReset(cmd *cobra.Command, args []string) error {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log := zap.L()
	subject, action := args[0], args[1]

	return withStorage(ctx, log, runCfg, func(db limitdb.Storage) error {
		limiter, err := newLimiter(log, db, runCfg)
		if err != nil {
			return err
		}
		if err := limiter.Reset(ctx, subject, action); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reset %s for %s\n", action, subject)
		return nil
	})
}

func cmdStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log := zap.L()
	subject, action := args[0], args[1]

	return withStorage(ctx, log, runCfg, func(db limitdb.Storage) error {
		limiter, err := newLimiter(log, db, runCfg)
		if err != nil {
			return err
		}
		usage, err := limiter.Status(ctx, subject, action)
		if err != nil {
			return err
		}
		printUsage(cmd.OutOrStdout(), subject, action, usage)
		return nil
	})
}

func printUsage(w io.Writer, subject, action string, usage limitdb.Usage) {
	remaining := color.GreenString("%d", usage.Remaining)
	if usage.Remaining == 0 {
		remaining = color.RedString("%d", usage.Remaining)
	}

	fmt.Fprintf(w, "subject:   %s\n", subject)
	fmt.Fprintf(w, "action:    %s\n", action)
	fmt.Fprintf(w, "used:      %d of %d\n", usage.Used, usage.Limit)
	fmt.Fprintf(w, "remaining: %s\n", remaining)
	fmt.Fprintf(w, "resets at: %s\n", time.UnixMilli(usage.ResetAt).UTC().Format(time.RFC3339))
	if usage.Degraded {
		fmt.Fprintln(w, color.YellowString("storage unavailable; usage is unknown"))
	}
}
