// Package bodhiq provides a Go client for the bodhiq pipeline API.
package bodhiq

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an error returned by the bodhiq API, carrying the HTTP status
// and the server's error code and message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("bodhiq: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func hasStatus(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}

// IsNotFound reports whether err is a 404. Queries owned by another user
// are reported as not found.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsUnauthorized reports whether err is a 401.
func IsUnauthorized(err error) bool { return hasStatus(err, http.StatusUnauthorized) }

// IsConflict reports whether err is a 409, such as executing a query that
// already ran.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsRateLimited reports whether err is a 429.
func IsRateLimited(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }

// IsUnsupportedMolecule reports whether the server rejected a query because
// no supported molecule was found.
func IsUnsupportedMolecule(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == "UNSUPPORTED_MOLECULE"
}
