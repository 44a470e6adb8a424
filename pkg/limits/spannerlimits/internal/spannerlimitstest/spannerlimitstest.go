// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package spannerlimitstest

import (
	"context"

	database "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"cloud.google.com/go/spanner/spannertest"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/throttle/pkg/limits/spannerlimits"
)

// Error is the error class for this package.
var Error = errs.Class("spannerlimitstest")

// DatabaseName is accepted by servers from ConfigureTestServer.
const DatabaseName = "projects/P/instances/I/databases/D"

// ConfigureTestServer returns an initialized test server, emulating Cloud
// Spanner locally, with the rate_limits table created.
func ConfigureTestServer(ctx context.Context, logger *zap.Logger) (_ *spannertest.Server, err error) {
	server, err := spannertest.NewServer("localhost:0")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	server.SetLogger(func(format string, args ...interface{}) {
		logger.Sugar().Debugf(format, args...)
	})

	a, err := database.NewDatabaseAdminClient(ctx, spannerlimits.EmulatorOpts(server.Addr)...)
	if err != nil {
		server.Close()
		return nil, Error.Wrap(err)
	}
	defer func() {
		err = Error.Wrap(errs.Combine(err, a.Close()))
		if err != nil {
			server.Close()
		}
	}()

	o, err := a.UpdateDatabaseDdl(ctx, &databasepb.UpdateDatabaseDdlRequest{
		Database:   DatabaseName,
		Statements: []string{spannerlimits.TableDDL},
	})
	if err != nil {
		return nil, err
	}
	return server, o.Wait(ctx)
}
