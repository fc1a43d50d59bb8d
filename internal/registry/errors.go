package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrNotFound is returned when a repository, manifest or blob does
	// not exist at the registry
	ErrNotFound = errors.New("resource not found at registry")

	// ErrAuth is returned when the registry rejects the credential
	ErrAuth = errors.New("registry authentication failed")

	// ErrDigestMismatch is returned when transferred content does not
	// hash to the expected digest; it is never retried with the same bytes
	ErrDigestMismatch = errors.New("content digest mismatch")
)

// StatusError carries an unexpected HTTP status from a registry.
type StatusError struct {
	Code   int
	Method string
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("registry returned %d for %s %s", e.Code, e.Method, e.URL)
}

// statusToError maps an HTTP response code to the error taxonomy.
func statusToError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrAuth
	default:
		return &StatusError{Code: resp.StatusCode, Method: resp.Request.Method, URL: resp.Request.URL.String()}
	}
}

// Retryable classifies an error as a transient transfer failure.
// Timeouts, connection errors, 429 and 5xx responses are retried with
// backoff; authentication failures, digest mismatches and other 4xx
// responses are permanent. Context cancellation is never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// A per-task deadline is treated as transient by the dispatcher
		// through its own timeout handling; a cancelled context means
		// the execution is stopping.
		return errors.Is(err, context.DeadlineExceeded)
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDigestMismatch) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unclassified errors (connection resets, EOFs mid-stream) are
	// treated as transient so the retry budget decides their fate.
	return true
}
