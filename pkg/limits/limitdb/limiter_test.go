// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package limitdb_test

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/throttle/pkg/backoff"
	"storj.io/throttle/pkg/limits/badgerlimits"
	"storj.io/throttle/pkg/limits/limitdb"
	"storj.io/throttle/pkg/limits/limitdb/limitdbtest"
	"storj.io/throttle/pkg/limits/memlimits"
)

var epoch = time.UnixMilli(1_700_000_000_000)

// clock is a settable time source.
type clock struct{ now atomic.Int64 }

func newClock() *clock {
	c := new(clock)
	c.set(0)
	return c
}

func (c *clock) set(offset time.Duration) { c.now.Store(epoch.Add(offset).UnixMilli()) }

func (c *clock) Now() time.Time { return time.UnixMilli(c.now.Load()) }

func testCatalog(t *testing.T) *limitdb.Catalog {
	catalog, err := limitdb.NewCatalog(map[string]limitdb.ActionConfig{
		"messages": {Limit: 3, Window: time.Minute},
		"likes":    {Limit: 5, Window: time.Hour},
		"posts":    {Limit: 60, Window: time.Hour},
	})
	require.NoError(t, err)
	return catalog
}

func newLimiter(t *testing.T, db limitdb.Storage, config limitdb.LimiterConfig) (*limitdb.Limiter, *clock) {
	c := newClock()
	limiter := limitdb.NewLimiter(zaptest.NewLogger(t), db, testCatalog(t), config)
	limiter.TestingSetNow(c.Now)
	return limiter, c
}

func TestLimiter_slidingWindow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	limiter, c := newLimiter(t, memlimits.New(), limitdb.LimiterConfig{})

	for i, remaining := range []int{2, 1, 0} {
		c.set(time.Duration(i) * 10 * time.Second)

		result, err := limiter.Check(ctx, "alice", "messages")
		require.NoError(t, err)
		assert.Equal(t, limitdb.DecisionAllowed, result.Decision)
		assert.True(t, result.Admitted())
		assert.False(t, result.Degraded())
		assert.Equal(t, remaining, result.Remaining)
		assert.Equal(t, 3, result.Limit)
		assert.Equal(t, c.Now().Add(time.Minute).UnixMilli(), result.ResetAt)
	}

	c.set(30 * time.Second)
	result, err := limiter.Check(ctx, "alice", "messages")
	require.NoError(t, err)
	assert.Equal(t, limitdb.DecisionDenied, result.Decision)
	assert.False(t, result.Admitted())
	assert.Zero(t, result.Remaining)
	// the oldest event, at t=0, leaves the window at t=60.
	assert.Equal(t, epoch.Add(time.Minute).UnixMilli(), result.ResetAt)
	assert.Equal(t, epoch.Add(time.Minute), result.ResetTime())

	// the denial was not recorded.
	usage, err := limiter.Status(ctx, "alice", "messages")
	require.NoError(t, err)
	assert.Equal(t, 3, usage.Used)

	// t=0 has aged out; t=10, t=20 and t=61 now fill the window.
	c.set(61 * time.Second)
	result, err = limiter.Check(ctx, "alice", "messages")
	require.NoError(t, err)
	assert.Equal(t, limitdb.DecisionAllowed, result.Decision)
	assert.Zero(t, result.Remaining)

	// once everything but t=61 is gone there are two slots left.
	c.set(81 * time.Second)
	usage, err = limiter.Status(ctx, "alice", "messages")
	require.NoError(t, err)
	assert.Equal(t, limitdb.Usage{
		Used:      1,
		Limit:     3,
		Remaining: 2,
		ResetAt:   epoch.Add(121 * time.Second).UnixMilli(),
	}, usage)

	// other subjects and actions are independent.
	result, err = limiter.Check(ctx, "bob", "messages")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Remaining)
	result, err = limiter.Check(ctx, "alice", "likes")
	require.NoError(t, err)
	assert.Equal(t, 4, result.Remaining)
}

func TestLimiter_admissionBound(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	limiter, c := newLimiter(t, memlimits.New(), limitdb.LimiterConfig{})

	// one check every 7 seconds for 10 minutes; no 60 second window may
	// contain more than 3 admissions.
	var admitted []time.Duration
	for offset := time.Duration(0); offset < 10*time.Minute; offset += 7 * time.Second {
		c.set(offset)
		result, err := limiter.Check(ctx, "carol", "messages")
		require.NoError(t, err)
		if result.Admitted() {
			admitted = append(admitted, offset)
		}
	}

	require.NotEmpty(t, admitted)
	for i := range admitted {
		var inWindow int
		for _, other := range admitted[i:] {
			if other-admitted[i] < time.Minute {
				inWindow++
			}
		}
		assert.LessOrEqual(t, inWindow, 3, "window starting at %s", admitted[i])
	}
}

func TestLimiter_concurrent(t *testing.T) {
	openBadger := func(config badgerlimits.Config) func(t *testing.T) limitdb.Storage {
		return func(t *testing.T) limitdb.Storage {
			db, err := badgerlimits.Open(zaptest.NewLogger(t), config)
			require.NoError(t, err)
			t.Cleanup(func() { require.NoError(t, db.Close()) })
			return db
		}
	}

	for _, tt := range []struct {
		name   string
		open   func(t *testing.T) limitdb.Storage
		action string
		checks int
		limit  int
	}{
		{"memory", func(t *testing.T) limitdb.Storage { return memlimits.New() }, "likes", 20, 5},
		{"badger", openBadger(badgerlimits.Config{
			ConflictBackoff: backoff.ExponentialBackoff{Min: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 1000},
		}), "likes", 20, 5},
		{"badger default backoff", openBadger(badgerlimits.Config{}), "posts", 100, 60},
	} {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testcontext.New(t)
			defer ctx.Cleanup()

			limiter, _ := newLimiter(t, tt.open(t), limitdb.LimiterConfig{Timeout: 10 * time.Second})

			var allowed, denied atomic.Int64
			for i := 0; i < tt.checks; i++ {
				ctx.Go(func() error {
					result, err := limiter.Check(ctx, "racer", tt.action)
					if err != nil {
						return err
					}
					switch result.Decision {
					case limitdb.DecisionAllowed:
						allowed.Add(1)
					case limitdb.DecisionDenied:
						denied.Add(1)
					default:
						t.Errorf("unexpected decision %s: %s", result.Decision, result.Reason)
					}
					return nil
				})
			}
			ctx.Wait()

			assert.EqualValues(t, tt.limit, allowed.Load())
			assert.EqualValues(t, tt.checks-tt.limit, denied.Load())
		})
	}
}

func TestLimiter_failOpen(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := limitdbtest.NewFailingStorage(memlimits.New())
	limiter, c := newLimiter(t, db, limitdb.LimiterConfig{})

	db.FailAlways(limitdbtest.OpUpdate, limitdbtest.OpGet)

	for i := 0; i < 10; i++ {
		result, err := limiter.Check(ctx, "dave", "messages")
		require.NoError(t, err)
		assert.Equal(t, limitdb.DecisionDegradedAllowed, result.Decision)
		assert.True(t, result.Admitted())
		assert.True(t, result.Degraded())
		assert.Equal(t, 3, result.Remaining)
		assert.Equal(t, c.Now().Add(time.Minute).UnixMilli(), result.ResetAt)
		assert.Contains(t, result.Reason, "simulated outage")
	}

	usage, err := limiter.Status(ctx, "dave", "messages")
	require.NoError(t, err)
	assert.True(t, usage.Degraded)
	assert.Equal(t, 0, usage.Used)
	assert.Equal(t, 3, usage.Remaining)

	// nothing was recorded while storage was down.
	db.Recover()
	usage, err = limiter.Status(ctx, "dave", "messages")
	require.NoError(t, err)
	assert.False(t, usage.Degraded)
	assert.Equal(t, 0, usage.Used)
}

func TestLimiter_timeout(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := &blockingStorage{Storage: memlimits.New()}
	limiter, _ := newLimiter(t, db, limitdb.LimiterConfig{Timeout: 10 * time.Millisecond})

	result, err := limiter.Check(ctx, "erin", "messages")
	require.NoError(t, err)
	assert.True(t, result.Degraded())
}

// blockingStorage never completes an update before its context ends.
type blockingStorage struct {
	limitdb.Storage
}

func (b *blockingStorage) Update(ctx context.Context, key limitdb.Key, fn limitdb.UpdateFunc) error {
	<-ctx.Done()
	return limitdb.StoreError.Wrap(ctx.Err())
}

func TestLimiter_breaker(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := limitdbtest.NewFailingStorage(memlimits.New())
	limiter, _ := newLimiter(t, db, limitdb.LimiterConfig{
		Breaker: limitdb.BreakerConfig{
			Enabled:      true,
			MinRequests:  5,
			FailureRatio: 0.5,
			Interval:     time.Hour,
			OpenTimeout:  time.Hour,
			Probes:       1,
		},
	})

	db.FailAlways(limitdbtest.OpUpdate)
	for i := 0; i < 5; i++ {
		result, err := limiter.Check(ctx, "frank", "messages")
		require.NoError(t, err)
		assert.True(t, result.Degraded())
	}
	require.Equal(t, 5, db.Calls(limitdbtest.OpUpdate))

	// the breaker is open: storage is no longer called, checks still pass.
	db.Recover()
	for i := 0; i < 5; i++ {
		result, err := limiter.Check(ctx, "frank", "messages")
		require.NoError(t, err)
		assert.True(t, result.Degraded())
	}
	assert.Equal(t, 5, db.Calls(limitdbtest.OpUpdate))
}

func TestLimiter_breakerIgnoresContention(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := &contendedStorage{Storage: memlimits.New(), subject: "hot"}
	limiter, _ := newLimiter(t, db, limitdb.LimiterConfig{
		Breaker: limitdb.BreakerConfig{
			Enabled:      true,
			MinRequests:  5,
			FailureRatio: 0.5,
			Interval:     time.Hour,
			OpenTimeout:  time.Hour,
			Probes:       1,
		},
	})

	for i := 0; i < 20; i++ {
		result, err := limiter.Check(ctx, "hot", "messages")
		require.NoError(t, err)
		assert.True(t, result.Degraded())
	}

	// other keys are still enforced.
	for i := 0; i < 5; i++ {
		result, err := limiter.Check(ctx, "cold", "messages")
		require.NoError(t, err)
		assert.False(t, result.Degraded(), "check %d: %s", i, result.Reason)
		assert.Equal(t, i < 3, result.Admitted())
	}
}

func TestLimiter_hotKeyBurst(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	// A single retry makes most of the burst lose its race.
	db, err := badgerlimits.Open(zaptest.NewLogger(t), badgerlimits.Config{
		ConflictBackoff: backoff.ExponentialBackoff{Min: time.Microsecond, Max: time.Microsecond, MaxAttempts: 1},
	})
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	limiter, _ := newLimiter(t, db, limitdb.LimiterConfig{
		Timeout: 10 * time.Second,
		Breaker: limitdb.BreakerConfig{
			Enabled:      true,
			MinRequests:  20,
			FailureRatio: 0.5,
			Interval:     time.Minute,
			OpenTimeout:  time.Hour,
			Probes:       1,
		},
	})

	for i := 0; i < 100; i++ {
		ctx.Go(func() error {
			_, err := limiter.Check(ctx, "attacker", "posts")
			return err
		})
	}
	ctx.Wait()

	var allowed int
	for i := 0; i < 80; i++ {
		result, err := limiter.Check(ctx, "victim", "messages")
		require.NoError(t, err)
		require.False(t, result.Degraded(), "check %d: %s", i, result.Reason)
		if result.Admitted() {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)
}

// contendedStorage fails every update of subject as if it lost every race.
type contendedStorage struct {
	limitdb.Storage
	subject string
}

func (c *contendedStorage) Update(ctx context.Context, key limitdb.Key, fn limitdb.UpdateFunc) error {
	if key.Subject == c.subject {
		return limitdb.StoreError.Wrap(limitdb.ConflictError.New("lost every race on %s", key))
	}
	return c.Storage.Update(ctx, key, fn)
}

func TestLimiter_preconditions(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := limitdbtest.NewFailingStorage(memlimits.New())
	limiter, _ := newLimiter(t, db, limitdb.LimiterConfig{})

	_, err := limiter.Check(ctx, "", "messages")
	require.Error(t, err)
	assert.True(t, limitdb.AuthError.Has(err))

	_, err = limiter.Check(ctx, "grace", "unknown")
	require.Error(t, err)
	assert.True(t, limitdb.ConfigError.Has(err))

	_, err = limiter.Status(ctx, "", "messages")
	require.Error(t, err)
	assert.True(t, limitdb.AuthError.Has(err))

	_, err = limiter.Status(ctx, "grace", "unknown")
	require.Error(t, err)
	assert.True(t, limitdb.ConfigError.Has(err))

	err = limiter.Reset(ctx, "grace", "unknown")
	require.Error(t, err)
	assert.True(t, limitdb.ConfigError.Has(err))

	// rejected calls never reach storage.
	assert.Zero(t, db.Calls(limitdbtest.OpUpdate))
	assert.Zero(t, db.Calls(limitdbtest.OpGet))
	assert.Zero(t, db.Calls(limitdbtest.OpDelete))
}

func TestLimiter_reset(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := limitdbtest.NewFailingStorage(memlimits.New())
	limiter, _ := newLimiter(t, db, limitdb.LimiterConfig{})

	for i := 0; i < 3; i++ {
		_, err := limiter.Check(ctx, "heidi", "messages")
		require.NoError(t, err)
	}

	require.NoError(t, limiter.Reset(ctx, "heidi", "messages"))
	require.NoError(t, limiter.Reset(ctx, "heidi", "messages"))

	usage, err := limiter.Status(ctx, "heidi", "messages")
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Used)
	assert.Equal(t, 3, usage.Remaining)

	result, err := limiter.Check(ctx, "heidi", "messages")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Remaining)

	// administrative callers see storage failures.
	db.FailAlways(limitdbtest.OpDelete)
	err = limiter.Reset(ctx, "heidi", "messages")
	require.Error(t, err)
	assert.True(t, limitdb.StoreError.Has(err))
}

func TestLimiter_statusPurity(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	run := func(statusCalls int) []limitdb.Result {
		limiter, c := newLimiter(t, memlimits.New(), limitdb.LimiterConfig{})

		var results []limitdb.Result
		for i := 0; i < 6; i++ {
			c.set(time.Duration(i) * 15 * time.Second)
			for j := 0; j < statusCalls; j++ {
				_, err := limiter.Status(ctx, "ivan", "messages")
				require.NoError(t, err)
			}
			result, err := limiter.Check(ctx, "ivan", "messages")
			require.NoError(t, err)
			results = append(results, result)
		}
		return results
	}

	expected := run(0)
	for _, n := range []int{1, 5} {
		assert.Equal(t, expected, run(n), strconv.Itoa(n)+" status calls per check")
	}
}
