// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package limitdb_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/throttle/pkg/limits/limitdb"
	"storj.io/throttle/pkg/limits/limitdb/limitdbtest"
	"storj.io/throttle/pkg/limits/memlimits"
)

func newSweeper(t *testing.T, db limitdb.Storage, pageSize int) *limitdb.Sweeper {
	sweeper := limitdb.NewSweeper(zaptest.NewLogger(t), db, limitdb.SweepConfig{
		IdleThreshold: 24 * time.Hour,
		PageSize:      pageSize,
	})
	sweeper.TestingSetNow(func() time.Time { return epoch })
	return sweeper
}

func putAged(ctx *testcontext.Context, t *testing.T, db limitdb.Storage, key limitdb.Key, age time.Duration) {
	at := epoch.Add(-age).UnixMilli()
	limitdbtest.Put(ctx, t, db, key, &limitdb.Record{Requests: []int64{at}, FirstRequestAt: at, LastRequestAt: at, LastUpdate: at})
}

func TestSweeper(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := memlimits.New()

	idle := limitdb.Key{Subject: "idle", Action: "messages"}
	active := limitdb.Key{Subject: "active", Action: "messages"}
	putAged(ctx, t, db, idle, 25*time.Hour)
	putAged(ctx, t, db, active, time.Hour)

	sweeper := newSweeper(t, db, 500)

	result, err := sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, limitdb.SweepResult{Deleted: 1, Pages: 1}, result)

	r, err := db.Get(ctx, idle)
	require.NoError(t, err)
	assert.Nil(t, r)
	r, err = db.Get(ctx, active)
	require.NoError(t, err)
	assert.NotNil(t, r)

	result, err = sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, limitdb.SweepResult{Deleted: 0, Pages: 1}, result)
}

func TestSweeper_pages(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := memlimits.New()
	for i := 0; i < 23; i++ {
		age := time.Hour
		if i%2 == 0 {
			age = 48 * time.Hour
		}
		putAged(ctx, t, db, limitdb.Key{Subject: "subject-" + strconv.Itoa(i), Action: "likes"}, age)
	}

	result, err := newSweeper(t, db, 5).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, result.Deleted)
	assert.Equal(t, 5, result.Pages)
	assert.Zero(t, result.FailedPages)

	entries, _, err := db.List(ctx, "", limitdb.MaxBatchSize)
	require.NoError(t, err)
	assert.Len(t, entries, 11)
}

func TestSweeper_partialFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := limitdbtest.NewFailingStorage(memlimits.New())
	for i := 0; i < 10; i++ {
		putAged(ctx, t, db, limitdb.Key{Subject: "subject-" + strconv.Itoa(i), Action: "likes"}, 30*time.Hour)
	}

	// the first page's delete fails, the second page is still swept.
	db.FailTimes(limitdbtest.OpDelete, 1)

	sweeper := newSweeper(t, db, 5)
	result, err := sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, limitdb.SweepResult{Deleted: 5, Pages: 1, FailedPages: 1}, result)

	// the next run picks up what was left.
	result, err = sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, limitdb.SweepResult{Deleted: 5, Pages: 1}, result)
}

func TestSweeper_allPagesFail(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := limitdbtest.NewFailingStorage(memlimits.New())
	putAged(ctx, t, db, limitdb.Key{Subject: "someone", Action: "likes"}, 30*time.Hour)

	db.FailAlways(limitdbtest.OpList)
	result, err := newSweeper(t, db, 5).Run(ctx)
	require.Error(t, err)
	assert.True(t, limitdb.SweepError.Has(err))
	assert.Equal(t, limitdb.SweepResult{FailedPages: 1}, result)

	db.Recover()
	db.FailAlways(limitdbtest.OpDelete)
	result, err = newSweeper(t, db, 5).Run(ctx)
	require.Error(t, err)
	assert.Equal(t, limitdb.SweepResult{FailedPages: 1}, result)
}

func TestSweeper_canceled(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := memlimits.New()
	putAged(ctx, t, db, limitdb.Key{Subject: "someone", Action: "likes"}, 30*time.Hour)

	canceled, cancel := context.WithCancel(ctx)
	cancel()

	result, err := newSweeper(t, db, 5).Run(canceled)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, result.Deleted)
}
