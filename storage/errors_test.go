package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "request timeout", err: &ServiceError{Code: 408}, want: true},
		{name: "too many requests", err: &ServiceError{Code: 429}, want: true},
		{name: "internal server error", err: &ServiceError{Code: 500}, want: true},
		{name: "bad gateway", err: &ServiceError{Code: 502}, want: true},
		{name: "service unavailable", err: &ServiceError{Code: 503}, want: true},
		{name: "gateway timeout", err: &ServiceError{Code: 504}, want: true},
		{name: "internalError reason", err: &ServiceError{Code: 400, Reason: "internalError"}, want: true},
		{name: "wrapped service error", err: fmt.Errorf("write: %w", &ServiceError{Code: 503}), want: true},
		{name: "bad request", err: &ServiceError{Code: 400, Reason: "invalid"}, want: false},
		{name: "forbidden", err: &ServiceError{Code: 403}, want: false},
		{name: "not found", err: &ServiceError{Code: 404}, want: false},
		{name: "gone", err: &ServiceError{Code: 410}, want: false},
		{name: "precondition failed", err: &ServiceError{Code: 412}, want: false},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: true},
		{name: "connection reset", err: &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, want: true},
		{name: "network timeout", err: &net.DNSError{IsTimeout: true}, want: true},
		{name: "no progress", err: errNoProgress, want: true},
		{name: "context cancelled", err: context.Canceled, want: false},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: false},
		{name: "offset mismatch", err: ErrOffsetMismatch, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestErrorPredicates(t *testing.T) {
	assert.True(t, IsNotFound(&ServiceError{Code: 404}))
	assert.True(t, IsNotFound(fmt.Errorf("x: %w", &ServiceError{Code: 410})))
	assert.False(t, IsNotFound(errors.New("404")))

	assert.True(t, IsPermissionDenied(&ServiceError{Code: 401}))
	assert.True(t, IsPermissionDenied(&ServiceError{Code: 403}))
	assert.False(t, IsPermissionDenied(&ServiceError{Code: 404}))

	assert.True(t, IsPreconditionFailed(&ServiceError{Code: 412}))
}

func TestServiceError_Error(t *testing.T) {
	assert.Equal(t, "service error 503: busy", (&ServiceError{Code: 503, Message: "busy"}).Error())
	assert.Equal(t, "service error 500 (internalError): boom", (&ServiceError{Code: 500, Reason: "internalError", Message: "boom"}).Error())
}
