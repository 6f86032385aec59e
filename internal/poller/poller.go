// Package poller runs bounded, fixed-interval status checks on the client
// side. It never changes server state: giving up leaves the task as it was.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when every attempt ran without reaching a final
// answer. The work may still complete later.
var ErrTimeout = errors.New("polling timed out")

// Defaults match the server's advertised result latency.
const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxAttempts = 60
)

// Check inspects the remote state once. done=true stops polling; a non-nil
// error stops polling and is returned as is.
type Check func(ctx context.Context, attempt int) (done bool, err error)

// Poller calls a Check at most MaxAttempts times, Interval apart.
type Poller struct {
	Interval    time.Duration
	MaxAttempts int

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New returns a poller, substituting defaults for non-positive values.
func New(interval time.Duration, attempts int) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	return &Poller{Interval: interval, MaxAttempts: attempts, Sleep: sleepCtx}
}

// Until runs check until it reports done, fails, the context ends, or the
// attempts run out (ErrTimeout). The first check runs immediately.
func (p *Poller) Until(ctx context.Context, check Check) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, p.Interval); err != nil {
				return err
			}
		}
		done, err := check(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrTimeout, p.MaxAttempts)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
