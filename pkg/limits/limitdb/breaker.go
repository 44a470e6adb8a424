// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package limitdb

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// BreakerConfig configures the circuit breaker in front of storage.
type BreakerConfig struct {
	Enabled      bool          `help:"whether to stop calling storage after repeated failures" default:"true"`
	MinRequests  int           `help:"minimum number of requests in an interval before tripping" default:"20"`
	FailureRatio float64       `help:"failure ratio that trips the breaker" default:"0.5"`
	Interval     time.Duration `help:"how often failure counts are cleared while closed" default:"1m"`
	OpenTimeout  time.Duration `help:"how long the breaker stays open before probing storage" default:"10s"`
	Probes       int           `help:"how many requests may probe storage while half-open" default:"1"`
}

type breaker struct {
	cb *gobreaker.CircuitBreaker
}

func newBreaker(log *zap.Logger, config BreakerConfig) *breaker {
	if !config.Enabled {
		return nil
	}

	minRequests := uint32(config.MinRequests)
	return &breaker{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "storage",
		MaxRequests: uint32(config.Probes),
		Interval:    config.Interval,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= config.FailureRatio
		},
		// Callers giving up and contention on a single key are not
		// storage failures.
		IsSuccessful: func(err error) bool {
			return err == nil || errs.Is(err, context.Canceled) || ConflictError.Has(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("circuit", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})}
}

// do runs fn unless the breaker is open. A nil breaker always runs fn.
func (b *breaker) do(fn func() error) error {
	if b == nil {
		return fn()
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errs.Is(err, gobreaker.ErrOpenState) || errs.Is(err, gobreaker.ErrTooManyRequests) {
		return StoreError.Wrap(err)
	}
	return err
}
