// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package memlimits

import (
	"context"
	"sort"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/throttle/pkg/limits/limitdb"
)

var (
	mon = monkit.Package()

	// Error is a class of memlimits errors.
	Error = errs.Class("memlimits")
)

var _ limitdb.Storage = (*DB)(nil)

// DB is a record store backed by an in memory map. It is only useful for a
// single process, e.g. tests and local development.
type DB struct {
	mu      sync.Mutex
	records map[string]*limitdb.Record
}

// New constructs a DB.
func New() *DB {
	return &DB{records: make(map[string]*limitdb.Record)}
}

// Get retrieves the record.
// It returns (nil, nil) if the key does not exist.
func (d *DB) Get(ctx context.Context, key limitdb.Key) (_ *limitdb.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.records[key.String()].Clone(), nil
}

// Update runs fn while holding the lock, which makes updates trivially
// linearizable.
func (d *DB) Update(ctx context.Context, key limitdb.Key, fn limitdb.UpdateFunc) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := ctx.Err(); err != nil {
		return limitdb.StoreError.Wrap(Error.Wrap(err))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	next, err := fn(d.records[key.String()].Clone())
	if err != nil {
		return err
	}
	if next != nil {
		d.records[key.String()] = next.Clone()
	}
	return nil
}

// Delete removes the records.
// It is not an error if a key does not exist.
func (d *DB) Delete(ctx context.Context, keys ...limitdb.Key) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(keys) == 0 {
		return nil
	}
	if err := limitdb.CheckBatch(len(keys)); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, key := range keys {
		delete(d.records, key.String())
	}
	return nil
}

// List returns entries in canonical key order. The cursor is the last key
// of the previous page.
func (d *DB) List(ctx context.Context, cursor string, limit int) (entries []limitdb.Entry, next string, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := limitdb.CheckBatch(limit); err != nil {
		return nil, "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make([]string, 0, len(d.records))
	for k := range d.records {
		if k > cursor {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	if len(keys) > limit {
		keys = keys[:limit]
		next = keys[limit-1]
	}

	for _, k := range keys {
		key, err := limitdb.ParseKey(k)
		if err != nil {
			return nil, "", Error.Wrap(err)
		}
		entries = append(entries, limitdb.Entry{Key: key, LastUpdate: d.records[k].LastUpdate})
	}

	return entries, next, nil
}

// Ping attempts to do a database roundtrip and returns an error if it can't.
func (d *DB) Ping(context.Context) error { return nil }

// Run is a no-op.
func (d *DB) Run(context.Context) error { return nil }

// Close closes the database.
func (d *DB) Close() error { return nil }
