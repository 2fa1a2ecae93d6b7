package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of origin errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassThrottled represents 408 and 429 responses.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// OriginError is an error returned by the app origin or the network path to it.
type OriginError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *OriginError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("origin %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("origin %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *OriginError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to an ErrorClass. Success codes
// map to "".
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return ErrorClassThrottled
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// The same request will be rejected again.
		return false
	case ErrorClassServer, ErrorClassThrottled, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether err is an origin rejection that no retry can fix.
func IsPermanent(err error) bool {
	var originErr *OriginError
	if errors.As(err, &originErr) {
		return !shouldRetry(originErr.ErrorClass)
	}
	return false
}

// IsNetwork reports whether err came from the network rather than the origin.
func IsNetwork(err error) bool {
	var originErr *OriginError
	return errors.As(err, &originErr) && originErr.ErrorClass == ErrorClassNetwork
}
