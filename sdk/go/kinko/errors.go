// Package kinko provides a Go client for the Kinko treasury scenario API.
package kinko

import (
	"errors"
	"fmt"
)

// Error represents an error from the Kinko API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string

	// ActiveRuns is set on admission rejections (429 with the server at
	// capacity). It is nil for per-client rate limiting.
	ActiveRuns *int
}

func (e *Error) Error() string {
	return fmt.Sprintf("kinko: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsInvalidInput returns true if the error is a 400.
func IsInvalidInput(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 400
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests),
// whether from per-client throttling or from the server being at capacity.
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// IsAtCapacity returns true if the server rejected a batch because every
// admission slot was taken.
func IsAtCapacity(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429 && e.ActiveRuns != nil
	}
	return false
}

// IsUnavailable returns true if the error is a 503 (simulation provider
// down or server shutting down).
func IsUnavailable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 503
	}
	return false
}
