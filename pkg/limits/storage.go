// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package limits

import (
	"context"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/throttle/internal/dbutil"
	"storj.io/throttle/pkg/limits/badgerlimits"
	"storj.io/throttle/pkg/limits/limitdb"
	"storj.io/throttle/pkg/limits/memlimits"
	"storj.io/throttle/pkg/limits/redislimits"
	"storj.io/throttle/pkg/limits/spannerlimits"
)

// OpenStorage opens the rate limit storage, determining the backend based on
// the connection string.
//
// The remainder of the connection string overrides the backend config: it
// is the path for badger and the database name for spanner. Redis receives
// the whole string as its URL.
func OpenStorage(ctx context.Context, log *zap.Logger, config Config) (_ limitdb.Storage, err error) {
	defer mon.Task()(&ctx)(&err)

	impl, rest, err := dbutil.SplitConnStr(config.Storage)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	switch impl {
	case dbutil.Memory:
		return memlimits.New(), nil
	case dbutil.Badger:
		badgerConfig := config.Badger
		if rest != "" {
			badgerConfig.Path = rest
		}
		return badgerlimits.Open(log, badgerConfig)
	case dbutil.Spanner:
		spannerConfig := config.Spanner
		if rest != "" {
			spannerConfig.DatabaseName = rest
		}
		return spannerlimits.Open(ctx, log, spannerConfig)
	case dbutil.Redis:
		redisConfig := config.Redis
		redisConfig.URL = config.Storage
		return redislimits.Open(ctx, log, redisConfig)
	default:
		return nil, Error.Wrap(errs.New("unknown scheme: %q", config.Storage))
	}
}
