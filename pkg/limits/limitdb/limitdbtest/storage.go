// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package limitdbtest contains behavior tests shared by every
// limitdb.Storage backend, and helpers to simulate failing backends.
package limitdbtest

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/throttle/pkg/limits/limitdb"
)

// Concurrency is the number of goroutines racing on one key in RunStorage.
const Concurrency = 16

// Put writes record under key unconditionally.
func Put(ctx *testcontext.Context, t testing.TB, db limitdb.Storage, key limitdb.Key, record *limitdb.Record) {
	t.Helper()

	require.NoError(t, db.Update(ctx, key, func(*limitdb.Record) (*limitdb.Record, error) {
		return record, nil
	}))
}

// Options adjust RunStorage for backends with limited test doubles.
type Options struct {
	// SkipConcurrent skips racing updates, for emulators that do not
	// model transaction conflicts.
	SkipConcurrent bool
}

// RunStorage runs the shared behavior tests against db. db must be empty.
func RunStorage(ctx *testcontext.Context, t *testing.T, db limitdb.Storage, opts ...Options) {
	var opt Options
	for _, o := range opts {
		opt = o
	}

	require.NoError(t, db.Ping(ctx))

	t.Run("Get missing", func(t *testing.T) {
		r, err := db.Get(ctx, limitdb.Key{Subject: "nobody", Action: "messages"})
		require.NoError(t, err)
		assert.Nil(t, r)
	})

	t.Run("Update", func(t *testing.T) {
		key := limitdb.Key{Subject: "update", Action: "messages"}

		// no write on a missing record leaves it missing.
		require.NoError(t, db.Update(ctx, key, func(current *limitdb.Record) (*limitdb.Record, error) {
			assert.Nil(t, current)
			return nil, nil
		}))
		r, err := db.Get(ctx, key)
		require.NoError(t, err)
		require.Nil(t, r)

		first := &limitdb.Record{Requests: []int64{1, 2}, FirstRequestAt: 1, LastRequestAt: 2, LastUpdate: 2}
		Put(ctx, t, db, key, first)

		r, err = db.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, first, r)

		require.NoError(t, db.Update(ctx, key, func(current *limitdb.Record) (*limitdb.Record, error) {
			assert.Equal(t, first, current)
			next := current.Clone()
			next.Requests = append(next.Requests[1:], 3)
			next.LastRequestAt, next.LastUpdate = 3, 3
			return next, nil
		}))

		r, err = db.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, &limitdb.Record{Requests: []int64{2, 3}, FirstRequestAt: 1, LastRequestAt: 3, LastUpdate: 3}, r)

		// no write on an existing record leaves it as it was.
		require.NoError(t, db.Update(ctx, key, func(current *limitdb.Record) (*limitdb.Record, error) {
			return nil, nil
		}))
		r2, err := db.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, r, r2)

		// errors returned by fn are passed through and nothing is written.
		errTest := limitdb.ConfigError.New("test")
		err = db.Update(ctx, key, func(current *limitdb.Record) (*limitdb.Record, error) {
			return &limitdb.Record{}, errTest
		})
		require.Error(t, err)
		assert.True(t, limitdb.ConfigError.Has(err))
		r2, err = db.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, r, r2)

		require.NoError(t, db.Delete(ctx, key))
	})

	t.Run("Update concurrent", func(t *testing.T) {
		if opt.SkipConcurrent {
			t.Skip("backend does not model conflicts")
		}

		key := limitdb.Key{Subject: "concurrent", Action: "messages"}

		for i := 0; i < Concurrency; i++ {
			i := int64(i)
			ctx.Go(func() error {
				return db.Update(ctx, key, func(current *limitdb.Record) (*limitdb.Record, error) {
					next := current.Clone()
					if next == nil {
						next = new(limitdb.Record)
					}
					next.Requests = append(next.Requests, i)
					next.LastUpdate = i
					return next, nil
				})
			})
		}
		ctx.Wait()

		r, err := db.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.Len(t, r.Requests, Concurrency, "every update must observe the previous one")

		require.NoError(t, db.Delete(ctx, key))
	})

	t.Run("Delete", func(t *testing.T) {
		key := limitdb.Key{Subject: "delete", Action: "likes"}
		Put(ctx, t, db, key, &limitdb.Record{Requests: []int64{1}, LastUpdate: 1})

		require.NoError(t, db.Delete(ctx, key))
		require.NoError(t, db.Delete(ctx, key), "deleting twice is harmless")
		require.NoError(t, db.Delete(ctx), "deleting nothing is harmless")

		r, err := db.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, r)

		keys := make([]limitdb.Key, limitdb.MaxBatchSize+1)
		for i := range keys {
			keys[i] = limitdb.Key{Subject: strconv.Itoa(i), Action: "likes"}
		}
		err = db.Delete(ctx, keys...)
		require.Error(t, err)
		assert.True(t, limitdb.StoreError.Has(err))
		require.NoError(t, db.Delete(ctx, keys[:limitdb.MaxBatchSize]...))
	})

	t.Run("List", func(t *testing.T) {
		const count = 25

		expected := make(map[limitdb.Key]int64)
		for i := 0; i < count; i++ {
			key := limitdb.Key{Subject: "subject-" + strconv.Itoa(i), Action: "reports"}
			lastUpdate := int64(1000 + i)
			Put(ctx, t, db, key, &limitdb.Record{Requests: []int64{lastUpdate}, LastUpdate: lastUpdate})
			expected[key] = lastUpdate
		}

		_, _, err := db.List(ctx, "", 0)
		require.Error(t, err)
		_, _, err = db.List(ctx, "", limitdb.MaxBatchSize+1)
		require.Error(t, err)

		listed := make(map[limitdb.Key]int64)
		var cursor string
		for pages := 0; ; pages++ {
			require.Less(t, pages, count, "listing doesn't terminate")

			entries, next, err := db.List(ctx, cursor, 7)
			require.NoError(t, err)
			require.LessOrEqual(t, len(entries), 7)

			for _, entry := range entries {
				listed[entry.Key] = entry.LastUpdate
			}
			if next == "" {
				break
			}
			cursor = next
		}

		assert.Equal(t, expected, listed)

		keys := make([]limitdb.Key, 0, len(expected))
		for key := range expected {
			keys = append(keys, key)
		}
		require.NoError(t, db.Delete(ctx, keys...))

		entries, next, err := db.List(ctx, "", limitdb.MaxBatchSize)
		require.NoError(t, err)
		assert.Empty(t, entries)
		assert.Empty(t, next)
	})
}
