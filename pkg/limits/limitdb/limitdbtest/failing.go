// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package limitdbtest

import (
	"context"
	"sync"

	"github.com/zeebo/errs"

	"storj.io/throttle/pkg/limits/limitdb"
)

// ErrUnavailable is returned by a FailingStorage operation that is set to
// fail.
var ErrUnavailable = limitdb.StoreError.New("simulated outage")

// Operation names a Storage method that FailingStorage can fail.
type Operation string

// Operations that can be failed.
const (
	OpGet    Operation = "get"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpList   Operation = "list"
)

// FailingStorage wraps a Storage and fails selected operations on demand.
type FailingStorage struct {
	limitdb.Storage

	mu      sync.Mutex
	failing map[Operation]int // remaining failures; negative fails forever
	calls   map[Operation]int
}

// NewFailingStorage wraps db. Nothing fails until configured.
func NewFailingStorage(db limitdb.Storage) *FailingStorage {
	return &FailingStorage{
		Storage: db,
		failing: make(map[Operation]int),
		calls:   make(map[Operation]int),
	}
}

// FailAlways makes every call of the operations fail.
func (f *FailingStorage) FailAlways(ops ...Operation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range ops {
		f.failing[op] = -1
	}
}

// FailTimes makes the next n calls of op fail.
func (f *FailingStorage) FailTimes(op Operation, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[op] = n
}

// Recover stops failing every operation.
func (f *FailingStorage) Recover() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = make(map[Operation]int)
}

// Calls returns how many times op was called, failed or not.
func (f *FailingStorage) Calls(op Operation) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FailingStorage) fail(op Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[op]++

	switch n := f.failing[op]; {
	case n < 0:
		return errs.Wrap(ErrUnavailable)
	case n > 0:
		f.failing[op] = n - 1
		return errs.Wrap(ErrUnavailable)
	}
	return nil
}

// Get implements limitdb.Storage.
func (f *FailingStorage) Get(ctx context.Context, key limitdb.Key) (*limitdb.Record, error) {
	if err := f.fail(OpGet); err != nil {
		return nil, err
	}
	return f.Storage.Get(ctx, key)
}

// Update implements limitdb.Storage.
func (f *FailingStorage) Update(ctx context.Context, key limitdb.Key, fn limitdb.UpdateFunc) error {
	if err := f.fail(OpUpdate); err != nil {
		return err
	}
	return f.Storage.Update(ctx, key, fn)
}

// Delete implements limitdb.Storage.
func (f *FailingStorage) Delete(ctx context.Context, keys ...limitdb.Key) error {
	if err := f.fail(OpDelete); err != nil {
		return err
	}
	return f.Storage.Delete(ctx, keys...)
}

// List implements limitdb.Storage.
func (f *FailingStorage) List(ctx context.Context, cursor string, limit int) ([]limitdb.Entry, string, error) {
	if err := f.fail(OpList); err != nil {
		return nil, "", err
	}
	return f.Storage.List(ctx, cursor, limit)
}
