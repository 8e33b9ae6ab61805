// Package ratelimit implements fixed-window request counters keyed by client.
//
// A window opens on the first request from a key and lasts Rate.Period. The
// first Rate.Limit requests inside a window are allowed; further requests are
// refused without being counted. Once the window has elapsed the next request
// opens a new one. Bursts of up to twice the limit are possible across a
// window boundary.
package ratelimit

import (
	"context"
	"time"
)

// Rate is the number of requests allowed per period.
type Rate struct {
	Limit  int
	Period time.Duration
}

// Decision is the outcome of taking one request from a key's window.
type Decision struct {
	Allowed   bool
	Count     int       // requests counted in the current window
	Remaining int       // requests still allowed in the current window
	ResetAt   time.Time // when the current window ends
}

// RetryAfter is how long a refused caller should wait, measured from now.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// Store counts requests per key. Take must be safe for concurrent use and
// must make the check and the increment a single atomic step.
type Store interface {
	Take(ctx context.Context, key string) (Decision, error)
}

// Key builds the store key for a client identifier.
func Key(clientID string) string {
	return "rate_limit_" + clientID
}
