// Package kansoku provides a Go client for the kansoku span ingestion and
// labeling API.
package kansoku

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents an error from the kansoku API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("kansoku: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func hasStatus(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsInvalidInput returns true if the server rejected the request body or path.
func IsInvalidInput(err error) bool { return hasStatus(err, http.StatusBadRequest) }

// IsConflict returns true if the label already exists on a different span.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }

// IsUnavailable returns true if the ingestion channel could not accept the
// span. The span was not queued and may be retried.
func IsUnavailable(err error) bool { return hasStatus(err, http.StatusServiceUnavailable) }
