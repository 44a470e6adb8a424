// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package limits assembles the rate limiter service: storage, limiter,
// sweeper schedule and HTTP endpoint.
package limits

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
	"storj.io/throttle/pkg/httpserver"
	"storj.io/throttle/pkg/limits/httplimits"
	"storj.io/throttle/pkg/limits/limitdb"
	"storj.io/throttle/pkg/startupcheck"
)

var (
	mon = monkit.Package()

	// Error is a class of limits errors.
	Error = errs.Class("limits")
)

// Peer is the representation of the rate limiter service.
type Peer struct {
	log     *zap.Logger
	db      limitdb.Storage
	limiter *limitdb.Limiter
	sweeper *limitdb.Sweeper
	res     *httplimits.Resources
	server  *httpserver.Server
	cron    *cron.Cron

	config Config
}

// New constructs new Peer. It opens storage, so the caller must call Close
// even if Run is never called.
func New(ctx context.Context, log *zap.Logger, config Config) (_ *Peer, err error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	catalog, err := limitdb.ParseCatalog(config.Actions)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	db, err := OpenStorage(ctx, log.Named("storage"), config)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, db.Close())
		}
	}()

	if config.HTTP.AuthToken == "" {
		log.Warn("no gateway token configured; any caller can check limits on behalf of any subject")
	}

	limiter := limitdb.NewLimiter(log.Named("limiter"), db, catalog, config.Limiter)
	sweeper := limitdb.NewSweeper(log.Named("sweeper"), db, config.Sweep)
	res := httplimits.New(log.Named("resources"), limiter, sweeper, db, nil, config.HTTP)

	var tlsConfig *httpserver.TLSConfig
	if config.CertFile != "" && config.KeyFile != "" {
		tlsConfig = &httpserver.TLSConfig{
			CertFile: config.CertFile,
			KeyFile:  config.KeyFile,
		}
	}

	server, err := httpserver.New(log, res, httpserver.Config{
		Name:           "ratelimiter",
		Address:        config.ListenAddr,
		AddressTLS:     config.ListenAddrTLS,
		ProxyProtocol:  config.ProxyProtocol,
		TrafficLogging: config.TrafficLogging,
		TLSConfig:      tlsConfig,
		IdleTimeout:    config.IdleTimeout,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	return &Peer{
		log:     log,
		db:      db,
		limiter: limiter,
		sweeper: sweeper,
		res:     res,
		server:  server,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(zap.NewStdLog(log.Named("cron"))))),
		),
		config: config,
	}, nil
}

// Run starts the service and blocks until ctx is canceled or a component
// fails.
func (p *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, groupCtx := errgroup.WithContext(ctx)

	if p.config.Sweep.Run {
		if _, err := p.cron.AddFunc(p.config.Sweep.Schedule, func() {
			if _, err := p.sweeper.Run(groupCtx); err != nil {
				p.log.Warn("scheduled sweep failed", zap.Error(err))
			}
		}); err != nil {
			return Error.Wrap(err)
		}
		p.cron.Start()

		group.Go(func() error {
			<-groupCtx.Done()
			// Wait for a sweep in progress to observe cancellation.
			<-p.cron.Stop().Done()
			return nil
		})
	}

	group.Go(func() error {
		return errs2.IgnoreCanceled(p.db.Run(groupCtx))
	})

	group.Go(func() error {
		return p.server.Run(groupCtx)
	})

	group.Go(func() error {
		if p.config.StartupCheck.Enabled {
			check := startupcheck.NewStorageCheck(p.log.Named("startupcheck"), p.db, p.config.StartupCheck)
			if err := check.Check(groupCtx); err != nil {
				return err
			}
		}
		p.res.SetStartupDone()
		return nil
	})

	p.log.Info("rate limiter started",
		zap.String("address", p.server.Addr()),
		zap.Strings("actions", p.limiter.Catalog().Actions()),
		zap.Bool("sweep", p.config.Sweep.Run))

	return group.Wait()
}

// Close drains the live health endpoint for ShutdownDelay, then stops the
// HTTP server and closes storage.
func (p *Peer) Close() error {
	p.res.SetShuttingDown()
	if p.config.ShutdownDelay > 0 {
		p.log.Info("Waiting before server shutdown", zap.Duration("Delay", p.config.ShutdownDelay))
		time.Sleep(p.config.ShutdownDelay)
	}

	return errs.Combine(
		p.server.Shutdown(),
		p.db.Close(),
	)
}

// Address returns the web address the peer is listening on.
func (p *Peer) Address() string {
	return p.server.Addr()
}

// AddressTLS returns the TLS web address the peer is listening on, or an
// empty string if TLS isn't configured.
func (p *Peer) AddressTLS() string {
	return p.server.AddrTLS()
}

// Limiter returns the limiter the peer serves.
func (p *Peer) Limiter() *limitdb.Limiter {
	return p.limiter
}

// Sweeper returns the sweeper the peer schedules.
func (p *Peer) Sweeper() *limitdb.Sweeper {
	return p.sweeper
}
