// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package limitdb

import (
	"context"

	"github.com/zeebo/errs"
)

var (
	// ConfigError is returned for requests naming an action the catalog
	// doesn't know, and for invalid catalogs.
	ConfigError = errs.Class("config")

	// AuthError is returned when a request carries no usable identity.
	AuthError = errs.Class("auth")

	// StoreError is a class of errors returned by storage backends.
	StoreError = errs.Class("store")

	// ConflictError marks store errors caused by concurrent updates of the
	// same key outlasting the retries. Storage itself is healthy.
	ConflictError = errs.Class("conflict")
)

// MaxBatchSize bounds how many keys a single Delete or List call handles.
const MaxBatchSize = 500

// Entry is a key listed by Storage.List with the bookkeeping the sweeper
// needs to decide whether the record is idle.
type Entry struct {
	Key        Key
	LastUpdate int64
}

// UpdateFunc computes the next state of a record from its current state.
// current is nil when the record doesn't exist; returning a nil record
// leaves storage untouched. UpdateFunc may be called more than once if the
// backend retries, so it must not have side effects.
type UpdateFunc func(current *Record) (next *Record, err error)

// Storage is a persistent keyed store of Records shared by every instance of
// the rate limiter.
type Storage interface {
	// Get retrieves the record.
	// It returns (nil, nil) if the key does not exist.
	Get(ctx context.Context, key Key) (*Record, error)

	// Update runs fn against the current record and writes its result
	// atomically. Concurrent updates of the same key are linearizable;
	// conflicts are retried up to a bounded budget, after which an error is
	// returned.
	Update(ctx context.Context, key Key, fn UpdateFunc) error

	// Delete removes up to MaxBatchSize records as one batch.
	// It is not an error if a key does not exist.
	Delete(ctx context.Context, keys ...Key) error

	// List returns up to limit entries following cursor, in key order, and
	// the cursor of the next page. An empty cursor starts from the
	// beginning; an empty next cursor means there are no more pages.
	List(ctx context.Context, cursor string, limit int) (entries []Entry, next string, err error)

	// Ping attempts a roundtrip to the backend and returns an error if it
	// can't.
	Ping(ctx context.Context) error

	// Run runs background maintenance of the backend until ctx is
	// canceled. Backends without maintenance return immediately.
	Run(ctx context.Context) error

	// Close closes the backend.
	Close() error
}

// CheckBatch returns an error if n exceeds MaxBatchSize or isn't positive.
func CheckBatch(n int) error {
	if n <= 0 || n > MaxBatchSize {
		return StoreError.New("batch size must be 0 < n <= %d, was %d", MaxBatchSize, n)
	}
	return nil
}
