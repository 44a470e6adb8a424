// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package limits

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zeebo/errs"

	"storj.io/throttle/internal/dbutil"
	"storj.io/throttle/pkg/limits/badgerlimits"
	"storj.io/throttle/pkg/limits/httplimits"
	"storj.io/throttle/pkg/limits/limitdb"
	"storj.io/throttle/pkg/limits/redislimits"
	"storj.io/throttle/pkg/limits/spannerlimits"
	"storj.io/throttle/pkg/startupcheck"
)

// Config holds the rate limiter service's configuration.
type Config struct {
	ListenAddr    string `user:"true" help:"public HTTP address to listen on" default:":20200"`
	ListenAddrTLS string `user:"true" help:"public HTTPS address to listen on" default:":20201"`
	CertFile      string `user:"true" help:"server certificate file" default:""`
	KeyFile       string `user:"true" help:"server key file" default:""`
	ProxyProtocol bool   `help:"expect PROXY protocol headers on incoming connections" default:"false"`

	TrafficLogging bool          `help:"whether to log requests and responses" default:"true"`
	IdleTimeout    time.Duration `help:"maximum time to wait for the next request" default:"60s"`
	ShutdownDelay  time.Duration `help:"time to delay server shutdown while returning 503s on the live health endpoint" devDefault:"0s" releaseDefault:"15s"`

	Storage string   `user:"true" help:"storage backend url: memory://, badger://PATH, spanner://DATABASE or redis://HOST:PORT/DB" default:"memory://"`
	Actions []string `help:"enforced actions in the form name=limit/window" default:"messages=60/1m,profileUpdates=10/1h,likes=100/1h,apiCalls=1000/1h,notifications=60/1m,reports=10/1h,blocks=20/1h"`

	StartupCheck startupcheck.Config

	Limiter limitdb.LimiterConfig
	Sweep   limitdb.SweepConfig
	HTTP    httplimits.Config

	Badger  badgerlimits.Config
	Spanner spannerlimits.Config
	Redis   redislimits.Config
}

// Validate checks the config and returns every problem found.
func (config Config) Validate() error {
	var group errs.Group

	if config.ListenAddr == "" {
		group.Add(errs.New("listen address parameter '--listen-addr' is required"))
	}
	if (config.CertFile == "") != (config.KeyFile == "") {
		group.Add(errs.New("'--cert-file' and '--key-file' must be set together"))
	}

	if _, _, err := dbutil.SplitConnStr(config.Storage); err != nil {
		group.Add(errs.New("storage parameter '--storage': %v", err))
	}

	if _, err := limitdb.ParseCatalog(config.Actions); err != nil {
		group.Add(err)
	}

	if config.HTTP.AuthToken == "" && !config.HTTP.AllowAnonymous {
		group.Add(errs.New("'--http.auth-token' is required unless '--http.allow-anonymous' is set"))
	}

	if config.Limiter.Timeout <= 0 {
		group.Add(errs.New("limiter timeout must be positive, was %s", config.Limiter.Timeout))
	}

	if config.Sweep.Run {
		if _, err := cron.ParseStandard(config.Sweep.Schedule); err != nil {
			group.Add(errs.New("sweep schedule %q: %v", config.Sweep.Schedule, err))
		}
	}
	if config.Sweep.IdleThreshold <= 0 {
		group.Add(errs.New("sweep idle threshold must be positive, was %s", config.Sweep.IdleThreshold))
	}
	if config.Sweep.PageSize <= 0 || config.Sweep.PageSize > limitdb.MaxBatchSize {
		group.Add(errs.New("sweep page size must be between 1 and %d, was %d", limitdb.MaxBatchSize, config.Sweep.PageSize))
	}

	return Error.Wrap(group.Err())
}
