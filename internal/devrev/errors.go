package devrev

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Result classifies the outcome of a single HTTP exchange
type Result int

const (
	ResultSuccess Result = iota
	// ResultTransient failures are retried with backoff
	ResultTransient
	// ResultPermanent failures are returned to the caller immediately
	ResultPermanent
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultTransient:
		return "transient"
	case ResultPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ErrNotFound is matched (via errors.Is) by APIErrors carrying a 404
var ErrNotFound = errors.New("devrev: record not found")

// ErrRejected is returned when the API answers 2xx but reports failure in the body
var ErrRejected = errors.New("devrev: operation rejected")

// APIError describes a failed call after retries were exhausted or skipped
type APIError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Code       string
	Message    string
	Result     Result
	Attempts   int
	// Err is the transport error, if the request never produced a response
	Err error
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "devrev %s %s failed", e.Method, e.Endpoint)
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, ": status=%d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " message=%s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " (after %d attempts)", e.Attempts)
	}
	return b.String()
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// ClassifyStatus maps an HTTP status code onto a Result
func ClassifyStatus(status int) Result {
	switch {
	case status >= 200 && status <= 299:
		return ResultSuccess
	case status == http.StatusTooManyRequests,
		status == http.StatusInternalServerError,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return ResultTransient
	default:
		return ResultPermanent
	}
}

// classifyTransportError decides whether a request that produced no response
// is worth retrying. Caller cancellation never is.
func classifyTransportError(ctx context.Context, err error) Result {
	if ctx.Err() != nil {
		return ResultPermanent
	}
	if errors.Is(err, context.Canceled) {
		return ResultPermanent
	}
	return ResultTransient
}

// IsTransient reports whether err is an APIError classified as transient
func IsTransient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Result == ResultTransient
}

// retryDelay computes exponential backoff for the given 1-based attempt,
// preferring a server-provided Retry-After when present.
func retryDelay(attempt int, retryAfter, initial, maxDelay time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
