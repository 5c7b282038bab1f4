package githost

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx response from the hosting service.
type APIError struct {
	StatusCode int
	Endpoint   string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hosting API %s returned %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the hosting service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsAlreadyExists reports whether err is the 422 "already exists" response
// from a duplicate pull-request creation. The reconciler adopts the
// existing PR instead of failing.
func IsAlreadyExists(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		apiErr.StatusCode == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(apiErr.Message), "already exists")
}

// IsRefNotReady reports whether err is one of the eventually-consistent
// 422 responses seen when a just-pushed branch has not propagated yet.
// Callers sleep briefly and retry once.
func IsRefNotReady(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "no history in common") ||
		strings.Contains(msg, "sha can't be blank") ||
		strings.Contains(msg, "not all refs are readable")
}

// IsRetryable reports whether err is worth retrying in place: 5xx
// responses, 429 rate limits, and transport-level failures.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	// Transport errors (timeouts, connection resets) carry no status.
	return err != nil
}

// IsAuthError reports whether err is a 401 from the hosting service.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}
