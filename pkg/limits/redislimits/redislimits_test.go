// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package redislimits_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/throttle/pkg/backoff"
	"storj.io/throttle/pkg/limits/limitdb/limitdbtest"
	"storj.io/throttle/pkg/limits/redislimits"
)

// TestDB needs a disposable Redis, e.g.
// STORJ_TEST_REDIS=redis://localhost:6379/15.
func TestDB(t *testing.T) {
	url := os.Getenv("STORJ_TEST_REDIS")
	if url == "" {
		t.Skip("STORJ_TEST_REDIS is not set")
	}

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	defer ctx.Check(log.Sync)

	db, err := redislimits.Open(ctx, log, redislimits.Config{
		URL:    url,
		Prefix: "test:" + testrand.UUID().String(),
		ConflictBackoff: backoff.ExponentialBackoff{
			Min:         time.Millisecond,
			Max:         5 * time.Millisecond,
			MaxAttempts: 1000,
		},
	})
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	limitdbtest.RunStorage(ctx, t, db)
}

func TestOpen_badURL(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	_, err := redislimits.Open(ctx, zaptest.NewLogger(t), redislimits.Config{URL: "http://localhost"})
	require.Error(t, err)
	require.True(t, redislimits.Error.Has(err))
}
