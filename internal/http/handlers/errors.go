// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable; clients branch on them. Generic
// codes mirror HTTP status semantics, the rest name a business outcome that
// status alone cannot convey (insufficient_funds, vendor_error).
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "validation_failed",
//	  "message": "text: must not be empty",
//	  "field": "text"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeTooLarge         = "payload_too_large"

	// Domain-specific:
	ErrCodeValidation        = "validation_failed"
	ErrCodeInsufficientFunds = "insufficient_funds"
	ErrCodeVendor            = "vendor_error"
	ErrCodeInvalidAPIKey     = "invalid_api_key"
)
