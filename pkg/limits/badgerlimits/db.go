// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package badgerlimits implements limitdb.Storage on top of BadgerDB
// optimistic transactions.
package badgerlimits

import (
	"context"
	"strings"
	"time"

	badger "github.com/outcaste-io/badger/v3"
	"github.com/outcaste-io/badger/v3/options"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/throttle/pkg/backoff"
	"storj.io/throttle/pkg/limits/limitdb"
)

// keyPrefix namespaces rate limit records so the database can be shared.
const keyPrefix = "ratelimit/"

var (
	mon = monkit.Package()

	// Error is the default error class for the badgerlimits package.
	Error = errs.Class("badgerlimits")
)

var _ limitdb.Storage = (*DB)(nil)

// Config provides options for opening a DB.
type Config struct {
	// Path is where to store data. Empty means in memory.
	Path string `user:"true" help:"path where to store rate limit records; empty means in memory" default:""`

	// ConflictBackoff configures retries for conflicting transactions
	// that occur when many checks race on the same key. By default they
	// are retried until the context is done.
	ConflictBackoff backoff.ExponentialBackoff

	GCInterval time.Duration `help:"how often value log garbage collection runs" default:"10m"`
}

// DB is rate limit storage based on BadgerDB.
type DB struct {
	log *zap.Logger
	db  *badger.DB

	config Config
}

// Open opens the underlying storage engine.
func Open(log *zap.Logger, config Config) (*DB, error) {
	if log == nil {
		return nil, Error.New("needs non-nil logger")
	}

	opt := badger.DefaultOptions(config.Path)

	if inMemory := config.Path == ""; inMemory {
		log.Warn("in-memory mode enabled. All data will be lost on shutdown!")
		opt = opt.WithInMemory(inMemory)
	}

	// Records are tiny and rewritten constantly; fsync every write so an
	// admitted check is never forgotten by a crash.
	opt = opt.WithSyncWrites(true)
	opt = opt.WithCompactL0OnClose(true)
	opt = opt.WithCompression(options.None)
	opt = opt.WithBlockCacheSize(0)
	opt = opt.WithLogger(badgerLogger{log.Sugar().Named("storage")})

	db, err := badger.Open(opt)
	if err != nil {
		return nil, Error.New("open: %w", err)
	}

	return &DB{
		log:    log,
		db:     db,
		config: config,
	}, nil
}

// Get retrieves the record.
// It returns (nil, nil) if the key does not exist.
func (db *DB) Get(ctx context.Context, key limitdb.Key) (record *limitdb.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.View(func(txn *badger.Txn) error {
		record, err = lookupRecord(txn, key)
		return err
	})
	if err != nil {
		return nil, wrap(err)
	}
	return record, nil
}

// Update runs fn in a read-write transaction, retrying it when the commit
// conflicts with a concurrent update of the same key.
func (db *DB) Update(ctx context.Context, key limitdb.Key, fn limitdb.UpdateFunc) (err error) {
	defer mon.Task()(&ctx)(&err)

	var fnErr error
	err = db.txnWithBackoff(ctx, func(txn *badger.Txn) error {
		fnErr = nil

		current, err := lookupRecord(txn, key)
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

		return txn.Set(recordKey(key), limitdb.MarshalRecord(next))
	})
	if fnErr != nil {
		return fnErr
	}
	return wrap(err)
}

// Delete removes the records in one transaction.
// It is not an error if a key does not exist.
func (db *DB) Delete(ctx context.Context, keys ...limitdb.Key) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(keys) == 0 {
		return nil
	}
	if err := limitdb.CheckBatch(len(keys)); err != nil {
		return err
	}

	return wrap(db.txnWithBackoff(ctx, func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(recordKey(key)); err != nil {
				return err
			}
		}
		return nil
	}))
}

// List returns entries in canonical key order. The cursor is the canonical
// form of the last key of the previous page.
func (db *DB) List(ctx context.Context, cursor string, limit int) (entries []limitdb.Entry, next string, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := limitdb.CheckBatch(limit); err != nil {
		return nil, "", err
	}

	err = db.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Prefix = []byte(keyPrefix)

		it := txn.NewIterator(opt)
		defer it.Close()

		for it.Seek([]byte(keyPrefix + cursor)); it.Valid(); it.Next() {
			item := it.Item()

			k := strings.TrimPrefix(string(item.Key()), keyPrefix)
			if cursor != "" && k == cursor {
				continue
			}
			if len(entries) == limit {
				next = entries[len(entries)-1].Key.String()
				return nil
			}

			key, err := limitdb.ParseKey(k)
			if err != nil {
				return err
			}

			var record *limitdb.Record
			if err := item.Value(func(val []byte) error {
				record, err = limitdb.UnmarshalRecord(val)
				return err
			}); err != nil {
				return err
			}

			entries = append(entries, limitdb.Entry{Key: key, LastUpdate: record.LastUpdate})
		}

		return nil
	})
	if err != nil {
		return nil, "", wrap(err)
	}
	return entries, next, nil
}

// Ping attempts to do a database roundtrip and returns an error if it can't.
func (db *DB) Ping(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err = db.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(keyPrefix))
		if errs.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	}); err != nil {
		return Error.New("unable to read: %w", err)
	}

	lsm, vlog := db.db.Size()
	mon.IntVal("ratelimit_badger_bytes_lsm").Observe(lsm)
	mon.IntVal("ratelimit_badger_bytes_vlog").Observe(vlog)

	return nil
}

// Run garbage collects the value log every GCInterval until ctx is
// canceled. It returns immediately in in-memory mode.
func (db *DB) Run(ctx context.Context) error {
	if db.config.Path == "" || db.config.GCInterval <= 0 {
		return nil
	}

	ticker := time.NewTicker(db.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			db.gcValueLog(ctx)
		}
	}
}

// gcValueLog garbage collects the value log until there is nothing left to
// rewrite.
func (db *DB) gcValueLog(ctx context.Context) {
	var err error
	defer mon.Task()(&ctx)(nil)

	for err == nil && ctx.Err() == nil {
		if err = db.db.RunValueLogGC(.5); errs.Is(err, badger.ErrNoRewrite) {
			err = nil
			break
		}
	}
	db.log.Debug("value log garbage collection finished", zap.Error(err))
}

// Close closes the underlying storage engine.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// UnderlyingDB returns underlying BadgerDB. This method is most useful in
// tests.
func (db *DB) UnderlyingDB() *badger.DB {
	return db.db
}

func (db *DB) txnWithBackoff(ctx context.Context, f func(txn *badger.Txn) error) error {
	// db.config.ConflictBackoff needs to be copied. Otherwise, we are using one
	// for all queries.
	conflictBackoff := db.config.ConflictBackoff
	for {
		if err := ctx.Err(); err != nil {
			if conflictBackoff.Attempts() > 0 {
				return errs.Combine(badger.ErrConflict, err)
			}
			return err
		}
		if err := db.db.Update(f); err != nil {
			if errs.Is(err, badger.ErrConflict) {
				mon.Event("ratelimit_txn_backoff")
				if err := conflictBackoff.Wait(ctx); err != nil {
					return errs.Combine(badger.ErrConflict, err)
				}
				continue
			}
			return err
		}
		return nil
	}
}

func lookupRecord(txn *badger.Txn, key limitdb.Key) (*limitdb.Record, error) {
	item, err := txn.Get(recordKey(key))
	if err != nil {
		if errs.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var record *limitdb.Record
	if err := item.Value(func(val []byte) error {
		record, err = limitdb.UnmarshalRecord(val)
		return err
	}); err != nil {
		return nil, err
	}
	return record, nil
}

func recordKey(key limitdb.Key) []byte {
	return []byte(keyPrefix + key.String())
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errs.Is(err, badger.ErrConflict) {
		err = limitdb.ConflictError.Wrap(err)
	}
	return limitdb.StoreError.Wrap(Error.Wrap(err))
}

// badgerLogger wraps zap's SugaredLogger, so it's possible to use it as badger's Logger.
type badgerLogger struct {
	*zap.SugaredLogger
}

// Warningf wraps zap's Warnf.
func (l badgerLogger) Warningf(format string, v ...interface{}) {
	l.Warnf(format, v...)
}
