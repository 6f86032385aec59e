package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/voicegen-backend/internal/observability"
	"github.com/tbourn/voicegen-backend/internal/ratelimit"
	"github.com/tbourn/voicegen-backend/internal/services"
)

// Quota applies the per-user, per-route sliding window. It must run after
// Auth. Idempotent replays pass without being counted.
//
// Counter failures are logged and the request is let through: the ledger
// still guards spending, and an unavailable counter store should not take
// the submit routes down with it.
func Quota(counter ratelimit.Counter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsReplay(c) {
			c.Next()
			return
		}
		route := c.FullPath()
		d, err := counter.Allow(c.Request.Context(), ratelimit.Key(UserID(c), route))
		if err != nil {
			LoggerFrom(c).Warn().Err(err).Msg("quota counter unavailable")
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			observability.QuotaDenials.WithLabelValues(route).Inc()
			h.Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
			_ = c.Error(services.ErrQuotaExceeded)
			abort(c, http.StatusTooManyRequests, "too_many_requests", services.ErrQuotaExceeded.Error())
			return
		}
		c.Next()
	}
}
