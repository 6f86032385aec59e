// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the response utilities shared by all endpoints: the
// error envelope, the mapping from service errors to HTTP status and code,
// pagination metadata and the list ETag helper.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/voicegen-backend/internal/http/middleware"
	"github.com/tbourn/voicegen-backend/internal/services"
	"github.com/tbourn/voicegen-backend/internal/utils"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"resource not found"`
	// Offending input field for validation failures
	Field string `json:"field,omitempty" example:"text"`
}

// fail aborts the request with a structured error and logs server-side errors.
func fail(c *gin.Context, status int, code, msg string) {
	failField(c, status, code, msg, "")
}

func failField(c *gin.Context, status int, code, msg, field string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
		Field:     field,
	}

	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail(), used by the router for NoRoute
// and NoMethod.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// writeError translates a service error into the envelope. Unknown errors
// are logged with their cause and reported as internal_error without it.
func writeError(c *gin.Context, err error) {
	var (
		verr *services.ValidationError
		vend *services.VendorError
	)
	switch {
	case errors.As(err, &verr):
		failField(c, http.StatusBadRequest, ErrCodeValidation, verr.Error(), verr.Field)
	case errors.As(err, &vend):
		middleware.LoggerFrom(c).Warn().
			Str("op", vend.Op).
			Int("vendor_status", vend.Status).
			Str("detail", vend.Detail).
			Msg("vendor call failed")
		fail(c, http.StatusBadGateway, ErrCodeVendor, vend.Error())
	case errors.Is(err, services.ErrUnauthorized):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, err.Error())
	case errors.Is(err, services.ErrInvalidAPIKey):
		fail(c, http.StatusUnauthorized, ErrCodeInvalidAPIKey, err.Error())
	case errors.Is(err, services.ErrForbidden):
		fail(c, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.Is(err, services.ErrInsufficientFunds):
		fail(c, http.StatusPaymentRequired, ErrCodeInsufficientFunds, err.Error())
	case errors.Is(err, services.ErrBalanceCeiling), errors.Is(err, services.ErrDeltaTooLarge):
		fail(c, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, services.ErrOrderProcessed),
		errors.Is(err, services.ErrTaskDeleted),
		errors.Is(err, services.ErrDuplicateTxID):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, services.ErrTaskNotFound),
		errors.Is(err, services.ErrOrderNotFound),
		errors.Is(err, services.ErrUserNotFound),
		errors.Is(err, services.ErrPackageNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrQuotaExceeded):
		fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, err.Error())
	default:
		_ = c.Error(err)
		middleware.LoggerFrom(c).Error().Err(err).Msg("unhandled service error")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// noContent writes an HTTP 204 No Content response.
func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// pageParams reads page and page_size from the query string.
func pageParams(c *gin.Context) utils.PageParams {
	return utils.ParsePage(c.Query("page"), c.Query("page_size"))
}

func paginate(p utils.PageParams, total int64) Pagination {
	pages := utils.TotalPages(total, p.PageSize)
	return Pagination{
		Page:       p.Page,
		PageSize:   p.PageSize,
		Total:      total,
		TotalPages: pages,
		HasNext:    p.Page < pages,
	}
}

// StatsFunc reports the row count and latest update of a user's collection.
type StatsFunc func() (int64, *time.Time, error)

// notModified sets a weak ETag built from stats and the query string and
// reports whether the client's If-None-Match already matches it. Stats
// failures skip the ETag rather than the request.
func notModified(c *gin.Context, kind, userID string, stats StatsFunc) bool {
	count, maxTS, err := stats()
	if err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Str("kind", kind).Msg("etag stats")
		return false
	}
	var ts int64
	if maxTS != nil {
		ts = maxTS.UnixNano()
	}
	etag := fmt.Sprintf(`W/"%s:%s:%d:%d:%s"`, kind, userID, count, ts, c.Request.URL.RawQuery)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}
