// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package httplimits

import (
	"net/http"
	"strconv"
	"time"
)

// setRateLimitHeaders sets the RateLimit-* fields of
// draft-ietf-httpapi-ratelimit-headers. Reset is in seconds from now.
func setRateLimitHeaders(w http.ResponseWriter, limit, remaining int, resetAt int64, now time.Time) {
	h := w.Header()
	h.Set("RateLimit-Limit", strconv.Itoa(limit))
	h.Set("RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("RateLimit-Reset", strconv.FormatInt(secondsUntil(resetAt, now), 10))
}

// secondsUntil rounds up, so clients that wait the advertised time are
// never early.
func secondsUntil(resetAt int64, now time.Time) int64 {
	millis := resetAt - now.UnixMilli()
	if millis <= 0 {
		return 0
	}
	return (millis + 999) / 1000
}
