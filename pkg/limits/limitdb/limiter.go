// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package limitdb

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// LimiterConfig configures a Limiter.
type LimiterConfig struct {
	Timeout time.Duration `help:"how long a single storage operation may take before the limiter gives up on it" default:"2s" testDefault:"10s"`
	Breaker BreakerConfig
}

// Limiter enforces a Catalog of sliding window limits on top of Storage.
//
// Check admits or denies events atomically per key. When storage fails, it
// admits without enforcement and says so in the Result. Status is a
// read-only projection of the same state.
type Limiter struct {
	log     *zap.Logger
	db      Storage
	catalog *Catalog

	timeout time.Duration
	breaker *breaker

	nowFn func() time.Time
}

// NewLimiter constructs a Limiter.
func NewLimiter(log *zap.Logger, db Storage, catalog *Catalog, config LimiterConfig) *Limiter {
	return &Limiter{
		log:     log,
		db:      db,
		catalog: catalog,
		timeout: config.Timeout,
		breaker: newBreaker(log.Named("breaker"), config.Breaker),
		nowFn:   time.Now,
	}
}

// TestingSetNow replaces the clock.
func (l *Limiter) TestingSetNow(nowFn func() time.Time) {
	l.nowFn = nowFn
}

// Now returns the current time of the limiter's clock.
func (l *Limiter) Now() time.Time {
	return l.nowFn()
}

// Catalog returns the enforced catalog.
func (l *Limiter) Catalog() *Catalog {
	return l.catalog
}

// Check decides whether subject may perform action now, recording the event
// if so. Only an empty subject (AuthError) or an unknown action
// (ConfigError) make it return an error.
func (l *Limiter) Check(ctx context.Context, subject, action string) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	key, config, err := l.resolve(subject, action)
	if err != nil {
		return Result{}, err
	}

	now := l.nowFn().UnixMilli()

	var result Result
	if err := l.withStore(ctx, func(ctx context.Context) error {
		return l.db.Update(ctx, key, func(current *Record) (*Record, error) {
			var next *Record
			next, result = admit(current, config, now)
			return next, nil
		})
	}); err != nil {
		if ConflictError.Has(err) {
			mon.Event("ratelimit_contended")
		}
		mon.Event("ratelimit_degraded")
		l.log.Warn("admitting without enforcement", zap.Stringer("key", key), zap.Error(err))

		return Result{
			Decision:  DecisionDegradedAllowed,
			Limit:     config.Limit,
			Remaining: config.Limit,
			ResetAt:   now + config.WindowMillis(),
			Reason:    err.Error(),
		}, nil
	}

	switch result.Decision {
	case DecisionAllowed:
		mon.Event("ratelimit_allowed")
	case DecisionDenied:
		mon.Event("ratelimit_denied")
		l.log.Debug("denied", zap.Stringer("key", key), zap.Int("limit", config.Limit))
	}

	return result, nil
}

// Status reports the usage of subject for action without recording
// anything. Storage failures yield the usage of an unused key, flagged
// Degraded.
func (l *Limiter) Status(ctx context.Context, subject, action string) (_ Usage, err error) {
	defer mon.Task()(&ctx)(&err)

	key, config, err := l.resolve(subject, action)
	if err != nil {
		return Usage{}, err
	}

	now := l.nowFn().UnixMilli()

	var record *Record
	if err := l.withStore(ctx, func(ctx context.Context) (err error) {
		record, err = l.db.Get(ctx, key)
		return err
	}); err != nil {
		l.log.Warn("reporting defaults", zap.Stringer("key", key), zap.Error(err))

		u := usage(nil, config, now)
		u.Degraded = true
		return u, nil
	}

	return usage(record, config, now), nil
}

// Reset forgets every event of subject for action. Resetting a key that has
// no record is not an error.
func (l *Limiter) Reset(ctx context.Context, subject, action string) (err error) {
	defer mon.Task()(&ctx)(&err)

	key, _, err := l.resolve(subject, action)
	if err != nil {
		return err
	}

	if err := l.withTimeout(ctx, func(ctx context.Context) error {
		return l.db.Delete(ctx, key)
	}); err != nil {
		return err
	}

	l.log.Info("reset", zap.Stringer("key", key))

	return nil
}

func (l *Limiter) resolve(subject, action string) (Key, ActionConfig, error) {
	if subject == "" {
		return Key{}, ActionConfig{}, AuthError.New("missing subject")
	}
	config, err := l.catalog.Lookup(action)
	if err != nil {
		return Key{}, ActionConfig{}, err
	}
	return Key{Subject: subject, Action: action}, config, nil
}

// withStore runs fn bounded by the timeout and guarded by the breaker.
func (l *Limiter) withStore(ctx context.Context, fn func(ctx context.Context) error) error {
	return l.breaker.do(func() error {
		return l.withTimeout(ctx, fn)
	})
}

func (l *Limiter) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	if l.timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return fn(ctx)
}
