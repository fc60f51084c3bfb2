package storage

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Fatal conditions raised by the channels themselves.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidOption     = errors.New("invalid option")
	ErrInvalidOffset     = errors.New("invalid offset")
	ErrInvalidState      = errors.New("invalid channel state")
	ErrClosed            = errors.New("channel is closed")
	ErrSessionNotStarted = errors.New("upload session not started")
	ErrOffsetMismatch    = errors.New("service acknowledged fewer bytes than already committed")
	ErrObjectChanged     = errors.New("object changed while reading")
	ErrUnsupported       = errors.New("unsupported operation")
)

// errNoProgress is returned when the service accepted none of a non-empty chunk.
// It is retryable: the same range is simply sent again.
var errNoProgress = errors.New("service made no progress on chunk")

// ServiceError is the error reported by the remote object service. Every
// transport converts its native errors to this type so classification does
// not depend on the wire protocol.
type ServiceError struct {
	Code    int
	Reason  string
	Message string
}

func (e *ServiceError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("service error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("service error %d (%s): %s", e.Code, e.Reason, e.Message)
}

// Retryable reports whether the error is listed in the retryable table.
func (e *ServiceError) Retryable() bool {
	if retryableCodes[e.Code] {
		return true
	}
	return e.Reason != "" && retryableReasons[e.Reason]
}

var retryableCodes = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

var retryableReasons = map[string]bool{
	"internalError": true,
}

// IsRetryable is the default classifier of the channels. It accepts service
// errors listed in the retryable table and transient network failures.
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Retryable()
	}

	switch {
	case errors.Is(err, errNoProgress),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// IsNotFound reports whether the service answered 404 or 410.
func IsNotFound(err error) bool {
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		return false
	}
	return serviceErr.Code == http.StatusNotFound || serviceErr.Code == http.StatusGone
}

// IsPermissionDenied reports whether the service answered 401 or 403.
func IsPermissionDenied(err error) bool {
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		return false
	}
	return serviceErr.Code == http.StatusUnauthorized || serviceErr.Code == http.StatusForbidden
}

// IsPreconditionFailed reports whether a generation or metageneration precondition did not hold.
func IsPreconditionFailed(err error) bool {
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		return false
	}
	return serviceErr.Code == http.StatusPreconditionFailed
}
