package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/voicegen-backend/internal/repo"
)

var errDenied = errors.New("ratelimit: denied")

// purgeEvery is how many Allow calls pass between expired-row sweeps.
const purgeEvery = 1000

// GormCounter stores windows in the rate_windows table. The increment and
// the check share one transaction, which is rolled back on refusal.
type GormCounter struct {
	DB     *gorm.DB
	Window Window

	// Now is replaced in tests.
	Now func() time.Time

	calls atomic.Uint64
}

// NewGormCounter validates w and returns a counter over db.
func NewGormCounter(db *gorm.DB, w Window) (*GormCounter, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &GormCounter{DB: db, Window: w}, nil
}

func (c *GormCounter) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Allow implements Counter.
func (c *GormCounter) Allow(ctx context.Context, key string) (Decision, error) {
	now := c.now()
	start, prevStart, weight := c.Window.bounds(now)
	expires := time.Unix(start, 0).Add(2 * c.Window.Size)

	var d Decision
	err := c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		curr, err := repo.IncrementRateWindow(ctx, tx, key, start, expires)
		if err != nil {
			return err
		}
		prev, err := repo.GetRateWindowHits(ctx, tx, key, prevStart)
		if err != nil {
			return err
		}
		d = c.Window.decide(prev, curr, weight, now, start)
		if !d.Allowed {
			return errDenied
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDenied) {
		return Decision{}, err
	}

	if c.calls.Add(1)%purgeEvery == 0 {
		if n, perr := repo.PurgeRateWindows(ctx, c.DB, now); perr != nil {
			zerolog.Ctx(ctx).Warn().Err(perr).Msg("purge rate windows")
		} else if n > 0 {
			zerolog.Ctx(ctx).Debug().Int64("rows", n).Msg("purged rate windows")
		}
	}
	return d, nil
}
