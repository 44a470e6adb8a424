// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package redislimits implements limitdb.Storage on top of Redis, using
// WATCH/MULTI compare-and-swap for updates.
package redislimits

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/throttle/pkg/backoff"
	"storj.io/throttle/pkg/limits/limitdb"
)

var (
	_ limitdb.Storage = (*DB)(nil)

	// Error is a class of redislimits errors.
	Error = errs.Class("redislimits")
	mon   = monkit.Package()
)

// Config configures the Redis database.
type Config struct {
	// URL is in the form redis://[user:password@]host:port/db.
	URL string `user:"true" help:"redis URL to store rate limit records in" default:""`

	// Prefix namespaces every key written, so one Redis database can hold
	// several independent deployments.
	Prefix string `help:"prefix for keys stored in redis" default:"ratelimit"`

	ConflictBackoff backoff.ExponentialBackoff
}

// DB is rate limit storage based on Redis.
//
// Records are stored as encoded strings under <prefix>:<key>. Every record
// key is also a member of the sorted set <prefix>:index, all with score 0,
// which gives List a strict lexicographic order to page through.
type DB struct {
	log    *zap.Logger
	client *redis.Client

	prefix  string
	backoff backoff.ExponentialBackoff
}

// Open connects to Redis.
func Open(ctx context.Context, log *zap.Logger, config Config) (*DB, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	prefix := strings.Trim(config.Prefix, ":")
	if prefix == "" {
		prefix = "ratelimit"
	}

	return &DB{
		log:     log,
		client:  redis.NewClient(opts),
		prefix:  prefix,
		backoff: config.ConflictBackoff,
	}, nil
}

// Get retrieves the record.
// It returns (nil, nil) if the key does not exist.
func (db *DB) Get(ctx context.Context, key limitdb.Key) (_ *limitdb.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := db.lookupRecord(ctx, db.client, key)
	if err != nil {
		return nil, wrap(err)
	}
	return record, nil
}

// Update watches the record key, runs fn, and writes the result in a MULTI
// block. A concurrent write to the key aborts the block, which is retried
// with backoff.
func (db *DB) Update(ctx context.Context, key limitdb.Key, fn limitdb.UpdateFunc) (err error) {
	defer mon.Task()(&ctx)(&err)

	rk := db.recordKey(key)
	conflictBackoff := db.backoff

	for {
		var fnErr error
		err := db.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := db.lookupRecord(ctx, tx, key)
			if err != nil {
				return err
			}

			next, err := fn(current)
			if err != nil {
				fnErr = err
				return err
			}
			if next == nil {
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, rk, limitdb.MarshalRecord(next), 0)
				pipe.ZAdd(ctx, db.indexKey(), redis.Z{Member: key.String()})
				return nil
			})
			return err
		}, rk)

		switch {
		case fnErr != nil:
			return fnErr
		case errors.Is(err, redis.TxFailedErr):
			mon.Event("ratelimit_txn_backoff")
			if err := conflictBackoff.Wait(ctx); err != nil {
				return wrap(errs.Combine(redis.TxFailedErr, err))
			}
		default:
			return wrap(err)
		}
	}
}

// Delete removes the records and their index entries atomically.
// It is not an error if a key does not exist.
func (db *DB) Delete(ctx context.Context, keys ...limitdb.Key) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(keys) == 0 {
		return nil
	}
	if err := limitdb.CheckBatch(len(keys)); err != nil {
		return err
	}

	rks := make([]string, 0, len(keys))
	members := make([]interface{}, 0, len(keys))
	for _, key := range keys {
		rks = append(rks, db.recordKey(key))
		members = append(members, key.String())
	}

	_, err = db.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, rks...)
		pipe.ZRem(ctx, db.indexKey(), members...)
		return nil
	})
	return wrap(err)
}

// List pages through the index in lexicographic order.
func (db *DB) List(ctx context.Context, cursor string, limit int) (entries []limitdb.Entry, next string, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := limitdb.CheckBatch(limit); err != nil {
		return nil, "", err
	}

	start := "-"
	if cursor != "" {
		start = "(" + cursor
	}

	// One extra member tells whether another page exists.
	members, err := db.client.ZRangeByLex(ctx, db.indexKey(), &redis.ZRangeBy{
		Min:   start,
		Max:   "+",
		Count: int64(limit + 1),
	}).Result()
	if err != nil {
		return nil, "", wrap(err)
	}
	if len(members) == 0 {
		return nil, "", nil
	}
	if len(members) > limit {
		members = members[:limit]
		next = members[limit-1]
	}

	rks := make([]string, len(members))
	for i, m := range members {
		rks[i] = db.prefix + ":" + m
	}

	values, err := db.client.MGet(ctx, rks...).Result()
	if err != nil {
		return nil, "", wrap(err)
	}

	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Removed between the two reads.
			continue
		}

		key, err := limitdb.ParseKey(members[i])
		if err != nil {
			return nil, "", wrap(err)
		}
		record, err := limitdb.UnmarshalRecord([]byte(s))
		if err != nil {
			return nil, "", wrap(err)
		}
		entries = append(entries, limitdb.Entry{Key: key, LastUpdate: record.LastUpdate})
	}

	return entries, next, nil
}

// Ping attempts to do a database roundtrip and returns an error if it can't.
func (db *DB) Ping(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := db.client.Ping(ctx).Err(); err != nil {
		return Error.New("unable to ping: %w", err)
	}
	return nil
}

// Run is a no-op.
func (db *DB) Run(ctx context.Context) error {
	return nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return Error.Wrap(db.client.Close())
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (db *DB) lookupRecord(ctx context.Context, c getter, key limitdb.Key) (*limitdb.Record, error) {
	val, err := c.Get(ctx, db.recordKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return limitdb.UnmarshalRecord(val)
}

func (db *DB) recordKey(key limitdb.Key) string {
	return db.prefix + ":" + key.String()
}

func (db *DB) indexKey() string {
	return db.prefix + ":index"
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errs.Is(err, redis.TxFailedErr) {
		err = limitdb.ConflictError.Wrap(err)
	}
	return limitdb.StoreError.Wrap(Error.Wrap(err))
}
