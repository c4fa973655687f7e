package model

import (
	"fmt"
	"strings"
	"time"
)

// Field length limits for request bodies.
const (
	MaxQueryTextLen = 4 * 1024
	MaxUserIDLen    = 255
)

// ValidateUserID checks that a user ID is non-empty, bounded and free of
// control characters.
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("user_id is required")
	}
	if len(id) > MaxUserIDLen {
		return fmt.Errorf("user_id exceeds maximum length of %d characters", MaxUserIDLen)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("user_id contains control characters")
		}
	}
	return nil
}

// ValidateQueryText checks per-field limits on a query's free text.
func ValidateQueryText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("query_text is required")
	}
	if len(text) > MaxQueryTextLen {
		return fmt.Errorf("query_text exceeds maximum length of %d bytes", MaxQueryTextLen)
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	HasMore bool         `json:"has_more"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Standard error codes.
const (
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeUnsupportedMolecule = "UNSUPPORTED_MOLECULE"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeUnavailable         = "SERVICE_UNAVAILABLE"
)

// CreateQueryRequest is the request body for POST /v1/queries.
// Molecule is optional; when empty it is extracted from QueryText.
type CreateQueryRequest struct {
	QueryText string `json:"query_text"`
	Molecule  string `json:"molecule,omitempty"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExecuteResponse acknowledges an asynchronous pipeline start or cancel.
type ExecuteResponse struct {
	QueryID     int64       `json:"query_id"`
	Status      QueryStatus `json:"status"`
	ProgressURL string      `json:"progress_url,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Store           string `json:"store"`
	StoreStatus     string `json:"store_status"`
	ActiveQueries   int    `json:"active_queries"`
	ProgressStreams int    `json:"progress_streams"`
	Relay           string `json:"relay,omitempty"`
	Uptime          int64  `json:"uptime_seconds"`
}
