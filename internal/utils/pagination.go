// Package utils provides small helpers shared by handlers and services.
package utils

import "strconv"

// Page bounds for list endpoints.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// AtoiDefault parses s as an int, returning def when s is empty or invalid.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// PageParams is a 1-based page request.
type PageParams struct {
	Page     int
	PageSize int
}

// NormalizePage clamps page to >= 1 and pageSize to [1, MaxPageSize],
// using DefaultPageSize for non-positive sizes.
func NormalizePage(page, pageSize int) PageParams {
	if page < 1 {
		page = 1
	}
	switch {
	case pageSize <= 0:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}
	return PageParams{Page: page, PageSize: pageSize}
}

// ParsePage reads raw query values and normalizes them.
func ParsePage(page, pageSize string) PageParams {
	return NormalizePage(AtoiDefault(page, 1), AtoiDefault(pageSize, DefaultPageSize))
}

// Offset is the number of rows to skip.
func (p PageParams) Offset() int { return (p.Page - 1) * p.PageSize }

// TotalPages rounds total/pageSize up.
func TotalPages(total int64, pageSize int) int {
	if pageSize <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}
