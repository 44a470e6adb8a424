// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

// Package backoff provides bounded exponential delays for retrying
// conflicting store transactions.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

// ErrExhausted is returned by Wait once the retry budget is spent.
var ErrExhausted = errs.Class("retries exhausted")

// ExponentialBackoff provides jittered delays between failing attempts. The
// zero value is usable and retries until the context is done; a copy must be
// made per operation because it is stateful.
type ExponentialBackoff struct {
	Delay       time.Duration `help:"the active time between retries, typically not set" default:"0ms"`
	Max         time.Duration `help:"the maximum time between retries" default:"100ms"`
	Min         time.Duration `help:"the minimum time between retries" default:"2ms"`
	MaxAttempts int           `help:"the maximum number of retries before giving up; zero retries until the deadline" default:"0"`

	attempts int
}

func (e *ExponentialBackoff) init() {
	if e.Max == 0 {
		e.Max = 100 * time.Millisecond
	}
	if e.Min == 0 {
		e.Min = 2 * time.Millisecond
	}
}

// Wait should be called when there is a failure. Each time it is called the
// delay doubles, up to Max, and it sleeps a random duration between half of
// that delay and all of it, so racing callers spread out. It returns ErrExhausted without
// sleeping once MaxAttempts waits have happened.
func (e *ExponentialBackoff) Wait(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	e.init()
	if e.MaxAttempts > 0 && e.attempts >= e.MaxAttempts {
		return ErrExhausted.New("after %d attempts", e.attempts)
	}
	e.attempts++

	if e.Delay == 0 {
		e.Delay = e.Min
	} else {
		e.Delay *= 2
	}
	if e.Delay > e.Max {
		e.Delay = e.Max
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	t := time.NewTimer(jitter(e.Delay))
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exhausted returns true if no more retries are allowed. Without MaxAttempts
// only the context ends retries.
func (e *ExponentialBackoff) Exhausted() bool {
	return e.MaxAttempts > 0 && e.attempts >= e.MaxAttempts
}

// Attempts returns how many times Wait has slept.
func (e *ExponentialBackoff) Attempts() int {
	return e.attempts
}

// jitter returns a duration in [d/2, d].
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(d-half+1)
}
