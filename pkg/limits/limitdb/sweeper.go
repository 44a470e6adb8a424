// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package limitdb

import (
	"context"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SweepError is returned when a sweep could not finish a single page.
var SweepError = errs.Class("sweep")

// SweepConfig configures the idle record sweeper.
type SweepConfig struct {
	Run            bool          `help:"whether to delete idle records on a schedule" default:"true"`
	Schedule       string        `help:"cron expression (UTC) of when to delete idle records" default:"0 3 * * *"`
	IdleThreshold  time.Duration `help:"how long a record must go without updates before it is deleted" default:"24h"`
	PageSize       int           `help:"how many records are listed and deleted at a time" default:"500"`
	PagesPerSecond float64       `help:"maximum pages processed per second; zero means unpaced" default:"0"`
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Deleted     int
	Pages       int
	FailedPages int
}

// Sweeper deletes records that have been idle longer than a threshold.
//
// Pages are independent: a sweep can be interrupted after any page, and
// concurrent sweeps only repeat each other's deletes.
type Sweeper struct {
	log    *zap.Logger
	db     Storage
	config SweepConfig

	nowFn func() time.Time
}

// NewSweeper constructs a Sweeper.
func NewSweeper(log *zap.Logger, db Storage, config SweepConfig) *Sweeper {
	return &Sweeper{
		log:    log,
		db:     db,
		config: config,
		nowFn:  time.Now,
	}
}

// TestingSetNow replaces the clock.
func (s *Sweeper) TestingSetNow(nowFn func() time.Time) {
	s.nowFn = nowFn
}

// Run sweeps every record once. A page whose deletion fails is logged and
// skipped; a failed listing ends the sweep since there is no cursor to
// continue from. Run returns an error only if no page succeeded, or if ctx
// is canceled.
func (s *Sweeper) Run(ctx context.Context) (result SweepResult, err error) {
	defer mon.Task()(&ctx)(&err)

	pageSize := s.config.PageSize
	if pageSize <= 0 || pageSize > MaxBatchSize {
		pageSize = MaxBatchSize
	}

	var limiter *rate.Limiter
	if s.config.PagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.config.PagesPerSecond), 1)
	}

	defer func() {
		mon.IntVal("ratelimit_sweep_deleted").Observe(int64(result.Deleted))
		s.log.Info("sweep finished",
			zap.Int("deleted", result.Deleted),
			zap.Int("pages", result.Pages),
			zap.Int("failed pages", result.FailedPages),
			zap.Error(err))
	}()

	var cursor string
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return result, err
			}
		}

		next, deleted, err := s.sweepPage(ctx, cursor, pageSize)
		if err != nil {
			result.FailedPages++
			s.log.Warn("sweeping page failed", zap.String("cursor", cursor), zap.Error(err))
		} else {
			result.Pages++
			result.Deleted += deleted
		}

		if next == "" {
			break
		}
		cursor = next
	}

	if result.Pages == 0 && result.FailedPages > 0 {
		return result, SweepError.New("all %d pages failed", result.FailedPages)
	}
	return result, nil
}

// sweepPage deletes the idle records of one page. next is set whenever the
// listing succeeded, even if deletion failed.
func (s *Sweeper) sweepPage(ctx context.Context, cursor string, pageSize int) (next string, deleted int, err error) {
	defer mon.Task()(&ctx)(&err)

	entries, next, err := s.db.List(ctx, cursor, pageSize)
	if err != nil {
		return "", 0, err
	}

	idleBefore := s.nowFn().Add(-s.config.IdleThreshold).UnixMilli()

	var idle []Key
	for _, entry := range entries {
		if entry.LastUpdate < idleBefore {
			idle = append(idle, entry.Key)
		}
	}
	if len(idle) == 0 {
		return next, 0, nil
	}

	if err := s.db.Delete(ctx, idle...); err != nil {
		return next, 0, err
	}

	s.log.Debug("deleted idle records", zap.Int("count", len(idle)))

	return next, len(idle), nil
}
