// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package limitdb defines the persisted state of the sliding-window rate
// limiter and the storage contract every backend has to satisfy.
//
// A Record exists per (subject, action) Key. It is created lazily by the
// first admitted check, rewritten atomically by every admitted check, and
// deleted by an administrative reset or by the idle sweeper. Deleting a
// record is always safe: absence is equivalent to "never used".
package limitdb
