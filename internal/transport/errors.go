package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Errors returned by the transport layer.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, transport.ErrOffline) {
//	    // Keep the write queued and retry later
//	}
var (
	// ErrOffline is returned when no HTTP response could be obtained after
	// all retries (DNS failure, refused connection, reset, timeout).
	ErrOffline = errors.New("connection error: service unreachable")

	// ErrRateLimited is returned when the server kept answering 429 past
	// the retry cap.
	ErrRateLimited = errors.New("rate limited by server")

	// ErrUnauthenticated is returned before dispatch when no user identity
	// is available to attach to the request.
	ErrUnauthenticated = errors.New("no authenticated user")
)

// StatusError is a completed HTTP exchange with a non-2xx status.
type StatusError struct {
	Code    int
	Message string
	Body    []byte
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d %s", e.Code, http.StatusText(e.Code))
}

// transientMarkers are substrings that identify connectivity failures in
// errors produced outside this package.
var transientMarkers = []string{"connection error", "network", "failed to fetch"}

// IsTransient returns true if the error is a connectivity or capacity
// failure that is likely to succeed on retry. Writes failing this way stay
// queued.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrOffline) || errors.Is(err, ErrRateLimited) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= 500 || status.Code == http.StatusRequestTimeout || status.Code == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}

// IsRejected returns true if the server answered and refused the request
// (any 4xx except 408 and 429). Retrying the same request cannot succeed.
func IsRejected(err error) bool {
	var status *StatusError
	if !errors.As(err, &status) {
		return false
	}
	return status.Code >= 400 && status.Code < 500 &&
		status.Code != http.StatusRequestTimeout &&
		status.Code != http.StatusTooManyRequests
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code
	}
	return 0
}
