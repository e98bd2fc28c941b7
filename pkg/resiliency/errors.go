package resiliency

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrCircuitOpen matches every *CircuitOpenError via errors.Is.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrMaxRetriesExceeded matches every *MaxRetriesExceededError via errors.Is.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// CircuitOpenError is returned while a breaker rejects calls. The service is
// known to be unhealthy; callers should not retry immediately.
type CircuitOpenError struct {
	ServiceName string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s", e.ServiceName)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// MaxRetriesExceededError wraps the last failure after every attempt failed
// with a retryable error.
type MaxRetriesExceededError struct {
	Attempts int
	LastErr  error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *MaxRetriesExceededError) Unwrap() error { return e.LastErr }

func (e *MaxRetriesExceededError) Is(target error) bool { return target == ErrMaxRetriesExceeded }

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// HTTPError is the error a trust-service client returns for a non-2xx reply.
type HTTPError struct {
	Status  int
	Service string
	Body    string
}

func (e *HTTPError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s: http %d %s", e.Service, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("http %d %s", e.Status, http.StatusText(e.Status))
}

// StatusCode implements StatusCoder.
func (e *HTTPError) StatusCode() int { return e.Status }

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retryable marks err as transient regardless of its type.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Permanent marks err as non-retryable regardless of its type.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
