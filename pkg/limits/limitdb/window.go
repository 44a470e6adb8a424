// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package limitdb

import "sort"

// admit evaluates one check of config against current at now (unix millis).
// It returns the record to write, or nil when the check is denied, together
// with the decision.
func admit(current *Record, config ActionConfig, now int64) (*Record, Result) {
	window := config.WindowMillis()
	requests := current.InWindow(now - window)

	if len(requests) >= config.Limit {
		return nil, Result{
			Decision:  DecisionDenied,
			Limit:     config.Limit,
			Remaining: 0,
			ResetAt:   requests[0] + window,
		}
	}

	next := &Record{
		Requests:       insertSorted(requests, now),
		FirstRequestAt: now,
		LastRequestAt:  now,
		LastUpdate:     now,
	}
	if current != nil && current.FirstRequestAt != 0 {
		next.FirstRequestAt = current.FirstRequestAt
	}

	return next, Result{
		Decision:  DecisionAllowed,
		Limit:     config.Limit,
		Remaining: config.Limit - len(next.Requests),
		ResetAt:   now + window,
	}
}

// insertSorted inserts ts keeping requests ascending. Instances with skewed
// clocks can produce a ts older than the newest stored one.
func insertSorted(requests []int64, ts int64) []int64 {
	i := sort.Search(len(requests), func(i int) bool { return requests[i] > ts })
	requests = append(requests, 0)
	copy(requests[i+1:], requests[i:])
	requests[i] = ts
	return requests
}

// usage projects current onto config at now without modifying it.
func usage(current *Record, config ActionConfig, now int64) Usage {
	window := config.WindowMillis()
	requests := current.InWindow(now - window)

	u := Usage{
		Used:      len(requests),
		Limit:     config.Limit,
		Remaining: config.Limit - len(requests),
		ResetAt:   now + window,
	}
	if u.Remaining < 0 {
		u.Remaining = 0
	}
	if len(requests) > 0 {
		u.ResetAt = requests[0] + window
	}
	return u
}
