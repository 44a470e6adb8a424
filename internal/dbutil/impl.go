// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package dbutil classifies storage connection strings.
package dbutil

import (
	"strings"

	"github.com/zeebo/errs"
)

// Implementation type of valid storage backends.
type Implementation int

const (
	// Unknown is an unknown backend.
	Unknown Implementation = iota
	// Memory is a process-local map.
	Memory
	// Badger is a Badger kv store.
	Badger
	// Spanner is a Cloud Spanner database.
	Spanner
	// Redis is a Redis kv store.
	Redis
)

// ImplementationForScheme returns the Implementation that is used for
// the url with the provided scheme.
func ImplementationForScheme(scheme string) Implementation {
	switch scheme {
	case "memory", "mem":
		return Memory
	case "badger":
		return Badger
	case "spanner":
		return Spanner
	case "redis", "rediss":
		return Redis
	default:
		return Unknown
	}
}

// String returns the canonical scheme of the implementation.
func (impl Implementation) String() string {
	switch impl {
	case Memory:
		return "memory"
	case Badger:
		return "badger"
	case Spanner:
		return "spanner"
	case Redis:
		return "redis"
	default:
		return "unknown"
	}
}

// SplitConnStr returns the implementation and the scheme-less remainder of
// a connection string like badger:///var/lib/ratelimiter.
func SplitConnStr(s string) (impl Implementation, rest string, err error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return Unknown, "", errs.New("database connection string must contain a scheme: %q", s)
	}
	impl = ImplementationForScheme(scheme)
	if impl == Unknown {
		return Unknown, "", errs.New("unknown scheme: %q", s)
	}
	return impl, rest, nil
}
