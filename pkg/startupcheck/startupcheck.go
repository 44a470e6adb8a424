// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package startupcheck holds checks that must pass before a service reports
// itself started.
package startupcheck

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/throttle/pkg/backoff"
)

const defaultTimeout = 60 * time.Second

var (
	mon = monkit.Package()

	// Error is a class of startup check errors.
	Error = errs.Class("startup check")
)

// Pinger is anything with a connectivity check, like limitdb.Storage.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config configures StorageCheck.
type Config struct {
	Enabled bool          `help:"whether to wait for storage to become reachable before reporting startup done" default:"true"`
	Timeout time.Duration `help:"how long to wait for storage to become reachable" default:"60s" testDefault:"5s"`
}

// StorageCheck waits for storage to answer pings.
type StorageCheck struct {
	log     *zap.Logger
	db      Pinger
	timeout time.Duration
	backoff backoff.ExponentialBackoff
}

// NewStorageCheck returns a new StorageCheck.
func NewStorageCheck(log *zap.Logger, db Pinger, config Config) *StorageCheck {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &StorageCheck{
		log:     log,
		db:      db,
		timeout: timeout,
		backoff: backoff.ExponentialBackoff{Min: 100 * time.Millisecond, Max: 5 * time.Second, MaxAttempts: 1000},
	}
}

// Check pings storage until it answers or the timeout elapses.
func (c *StorageCheck) Check(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	retry := c.backoff
	for attempt := 1; ; attempt++ {
		err := c.db.Ping(ctx)
		if err == nil {
			c.log.Info("storage reachable", zap.Int("attempts", attempt))
			return nil
		}
		c.log.Warn("storage unreachable", zap.Int("attempt", attempt), zap.Error(err))

		if waitErr := retry.Wait(ctx); waitErr != nil {
			return Error.New("storage unreachable after %d attempts: %w", attempt, errs.Combine(err, waitErr))
		}
	}
}
