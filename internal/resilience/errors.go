package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// PermanentError wraps an error to mark it as non-retryable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps an error to indicate it should not be retried.
func NewPermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// TransientError wraps an error to mark it as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error to explicitly indicate it should be retried.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsPermanentError checks if an error is marked as permanent (non-retryable).
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return true
	}
	var transErr *TransientError
	if errors.As(err, &transErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return classifyError(err)
}

// IsTransientError checks if an error is transient (retryable).
func IsTransientError(err error) bool {
	return err != nil && !IsPermanentError(err)
}

// IsTransportError reports whether err came from a broken channel to a
// capability rather than from the capability itself: closed pipes,
// reset connections and the like.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, net.ErrClosed):
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset")
}

// classifyError determines if an error is permanent based on its type.
func classifyError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return true
	}

	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.EACCES, syscall.EPERM, syscall.ENOENT, syscall.ENOTDIR, syscall.EROFS:
			return true
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.EAGAIN, syscall.EPIPE:
			return false
		}
	}

	// Default: assume transient (allow retry)
	return false
}
