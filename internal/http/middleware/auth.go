// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the two gates in front of every non-public route:
//   - Auth verifies the bearer token, provisions the user on first sight and
//     refuses blocked accounts.
//   - AdminGate looks the caller up in the role table. Token claims never
//     grant admin rights.
package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/voicegen-backend/internal/auth"
	"github.com/tbourn/voicegen-backend/internal/domain"
	"github.com/tbourn/voicegen-backend/internal/services"
)

// TokenVerifier checks a bearer token and returns the caller identity.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// Provisioner resolves a verified identity to a stored user, creating it
// on first use.
type Provisioner interface {
	Provision(ctx context.Context, userID, email string) (*domain.User, error)
}

// AdminChecker answers role lookups for AdminGate.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// Auth verifies "Authorization: Bearer <jwt>" and stores the user in the
// context. Missing or invalid tokens yield 401 before any handler runs;
// blocked users yield 403.
func Auth(v TokenVerifier, p Provisioner) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="api"`)
			abort(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		id, err := v.Verify(token)
		if err != nil {
			LoggerFrom(c).Debug().Err(err).Msg("token rejected")
			c.Header("WWW-Authenticate", `Bearer realm="api", error="invalid_token"`)
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}

		user, err := p.Provision(c.Request.Context(), id.UserID, id.Email)
		switch {
		case errors.Is(err, services.ErrUnauthorized):
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		case err != nil:
			LoggerFrom(c).Error().Err(err).Str("user_id", id.UserID).Msg("provision user")
			abort(c, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		case user.Blocked:
			abort(c, http.StatusForbidden, "forbidden", "account is blocked")
			return
		}

		c.Set(UserIDKey, user.ID)
		c.Set(userKey, user)
		setLogger(c, LoggerFrom(c).With().Str("user_id", user.ID).Logger())
		c.Next()
	}
}

// CurrentUser returns the user loaded by Auth, or nil.
func CurrentUser(c *gin.Context) *domain.User {
	if v, ok := c.Get(userKey); ok {
		if u, ok := v.(*domain.User); ok {
			return u
		}
	}
	return nil
}

// AdminGate admits only users holding the admin role. It must run after Auth.
func AdminGate(ch AdminChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := UserID(c)
		if uid == "" {
			abort(c, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		ok, err := ch.IsAdmin(c.Request.Context(), uid)
		if err != nil {
			LoggerFrom(c).Error().Err(err).Msg("admin role lookup")
			abort(c, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		if !ok {
			abort(c, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		c.Next()
	}
}
