package resiliency

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Classifier decides retryability for errors the built-in rules do not know
// about. ok is false when the classifier has no opinion.
type Classifier interface {
	Classify(err error) (retryable bool, ok bool)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(err error) (bool, bool)

func (f ClassifierFunc) Classify(err error) (bool, bool) { return f(err) }

var transientSyscalls = []error{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.ETIMEDOUT,
	syscall.EPIPE,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
}

var transientMessages = []string{
	"network",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"socket hang up",
	"econnreset",
	"econnrefused",
	"etimedout",
	"enotfound",
	"no such host",
	"fetch failed",
	"broken pipe",
}

// IsRetryable applies the built-in rules. Transient network failures, HTTP
// 5xx and 429 responses, and deadline expiry are retryable. Other HTTP 4xx
// responses, open circuits, caller cancellation, and unknown errors are not.
// Retryable and Permanent markers override everything else.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var marked *retryableError
	if errors.As(err, &marked) {
		return true
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrMaxRetriesExceeded) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, target := range transientSyscalls {
		if errors.Is(err, target) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientMessages {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
