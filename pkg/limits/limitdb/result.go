// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package limitdb

import "time"

// Decision is the outcome of a check.
type Decision int

const (
	// DecisionAllowed admits the event; it has been recorded.
	DecisionAllowed Decision = iota + 1
	// DecisionDenied rejects the event; nothing was recorded.
	DecisionDenied
	// DecisionDegradedAllowed admits the event without enforcement because
	// storage failed.
	DecisionDegradedAllowed
)

// String implements fmt.Stringer.
func (d Decision) String() string {
	switch d {
	case DecisionAllowed:
		return "allowed"
	case DecisionDenied:
		return "denied"
	case DecisionDegradedAllowed:
		return "degraded-allowed"
	default:
		return "unknown"
	}
}

// Result is the outcome of Limiter.Check.
type Result struct {
	Decision Decision

	Limit     int
	Remaining int
	// ResetAt is when, in unix milliseconds, the decision may change: the
	// oldest counted event leaves the window for denials, and the admitted
	// event does otherwise.
	ResetAt int64

	// Reason explains a degraded decision.
	Reason string
}

// Admitted returns whether the caller may proceed.
func (r Result) Admitted() bool {
	return r.Decision == DecisionAllowed || r.Decision == DecisionDegradedAllowed
}

// Degraded returns whether the result was decided without storage.
func (r Result) Degraded() bool {
	return r.Decision == DecisionDegradedAllowed
}

// ResetTime returns ResetAt as time.Time.
func (r Result) ResetTime() time.Time {
	return time.UnixMilli(r.ResetAt)
}

// Usage is the outcome of Limiter.Status.
type Usage struct {
	Used      int
	Limit     int
	Remaining int
	ResetAt   int64

	// Degraded is set when storage could not be read and Usage holds the
	// defaults of an unused key.
	Degraded bool
}
