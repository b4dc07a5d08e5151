package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// ErrBreakerOpen is matched by errors.Is for every breaker rejection.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerOpenError is returned without calling the protected function while a
// breaker is open.
type BreakerOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Is reports whether target is ErrBreakerOpen.
func (e *BreakerOpenError) Is(target error) bool {
	return target == ErrBreakerOpen
}

// StatusError carries an HTTP-like status code reported by a collaborator.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusCode returns the collaborator status code.
func (e *StatusError) StatusCode() int { return e.Code }

// PermanentError marks a failure that must not be retried, such as a
// malformed response.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that the default classifier never retries it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// statusCoder is implemented by errors that expose an HTTP-like status.
type statusCoder interface {
	StatusCode() int
}

// IsRetryable is the default retry classifier. Timeouts, connection resets
// and status codes 408, 429 and 5xx are retried. Other 4xx codes, permanent
// errors, breaker rejections and cancellations are not. Unclassified errors
// are not retried either.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, ErrBreakerOpen) || errors.Is(err, context.Canceled) {
		return false
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code == 408 || code == 429 || code >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// IsPermanent reports whether err is a permanent collaborator failure: an
// explicit PermanentError or a 4xx status other than 408 and 429.
func IsPermanent(err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return true
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code >= 400 && code < 500 && code != 408 && code != 429
	}
	return false
}
