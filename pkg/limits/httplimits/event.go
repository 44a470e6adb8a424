// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package httplimits

import (
	"net/http"

	"storj.io/common/http/requestid"
	"storj.io/common/useragent"
	"storj.io/eventkit"
	"storj.io/throttle/pkg/limits/limitdb"
)

var ek = eventkit.Package()

// checkEvent reports a decision. Subjects are left out; they identify users.
func checkEvent(r *http.Request, action string, result limitdb.Result) {
	ek.Event("check",
		eventkit.String("action", action),
		eventkit.String("decision", result.Decision.String()),
		eventkit.Int64("remaining", int64(result.Remaining)),
		eventkit.String("reason", result.Reason),
		eventkit.String("user-agent", product(r)),
		eventkit.String("request-id", requestid.FromContext(r.Context())))
}

// product returns the leading product of the user agent, truncated to keep
// event cardinality in check.
func product(r *http.Request) string {
	agents, err := useragent.ParseEntries([]byte(r.UserAgent()))
	if err != nil || len(agents) == 0 || agents[0].Product == "" {
		return "unknown"
	}
	if p := agents[0].Product; len(p) > 32 {
		return p[:32]
	}
	return agents[0].Product
}
