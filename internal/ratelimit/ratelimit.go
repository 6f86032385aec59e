// Package ratelimit implements the per-user, per-endpoint sliding-window
// request counter that guards the task submission routes.
//
// Each key keeps one hit count per fixed window. The estimate for a request
// at time t blends the previous and the current window:
//
//	estimate = prev * (1 - elapsed/window) + curr
//
// where elapsed is the time since the current window started. A request is
// admitted when the estimate, counting itself, does not exceed the limit.
// Both backends check and increment in one atomic step; a refused request
// is not counted.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Estimate   float64
	Remaining  int
	RetryAfter time.Duration
}

// Counter admits or refuses one request for key.
type Counter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Key builds the counter key for a user and a route template.
func Key(userID, route string) string {
	return "quota:" + userID + ":" + route
}

// Window is the shared limit arithmetic of the backends.
type Window struct {
	Limit int
	Size  time.Duration
}

// Validate rejects windows the counters cannot represent.
func (w Window) Validate() error {
	if w.Limit < 1 {
		return errors.New("ratelimit: limit must be >= 1")
	}
	if w.Size < time.Second || w.Size%time.Second != 0 {
		return errors.New("ratelimit: window must be a whole number of seconds")
	}
	return nil
}

// bounds returns the current window start (unix seconds), the previous
// window start, and the weight of the previous window at now.
func (w Window) bounds(now time.Time) (start, prevStart int64, weight float64) {
	size := int64(w.Size / time.Second)
	unix := now.Unix()
	start = unix - unix%size
	elapsed := now.Sub(time.Unix(start, 0))
	weight = 1 - float64(elapsed)/float64(w.Size)
	if weight < 0 {
		weight = 0
	}
	return start, start - size, weight
}

// decide applies the limit. curr already includes the request itself.
func (w Window) decide(prev, curr int64, weight float64, now time.Time, start int64) Decision {
	est := float64(prev)*weight + float64(curr)
	return w.outcome(est, est <= float64(w.Limit), now, start)
}

func (w Window) outcome(est float64, allowed bool, now time.Time, start int64) Decision {
	d := Decision{Limit: w.Limit, Estimate: est, Allowed: allowed}
	if allowed {
		d.Remaining = max(0, int(math.Floor(float64(w.Limit)-est)))
		return d
	}
	d.RetryAfter = time.Unix(start, 0).Add(w.Size).Sub(now)
	if d.RetryAfter < time.Second {
		d.RetryAfter = time.Second
	}
	return d
}
