package syncerror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	// Transient codes: eligible for retry under the backoff policy.
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
	ErrRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"
	ErrNetwork           ErrorCode = "NETWORK"

	// Permanent codes: the operation is abandoned immediately.
	ErrValidation   ErrorCode = "VALIDATION"
	ErrConflict     ErrorCode = "CONFLICT"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"

	// Local failure codes.
	ErrStorage  ErrorCode = "STORAGE"
	ErrInternal ErrorCode = "INTERNAL_SERVER_ERROR"
)

type SyncError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e SyncError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewSyncError(code ErrorCode, message string, details interface{}) SyncError {
	logrus.Error(details)
	return SyncError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// IsRetryable reports whether an error code describes a transient condition.
// Timeouts, rate limiting, 5xx responses and network failures are retried;
// everything else is permanent.
func IsRetryable(code ErrorCode) bool {
	switch code {
	case ErrTimeout, ErrRateLimited, ErrRemoteUnavailable, ErrNetwork:
		return true
	}
	return false
}

// ClassifyStatus maps a remote HTTP status code to an error code.
// 429 is the explicit rate-limit signal; other 4xx are permanent.
func ClassifyStatus(statusCode int) ErrorCode {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusGatewayTimeout:
		return ErrTimeout
	case statusCode >= 500:
		return ErrRemoteUnavailable
	case statusCode == http.StatusConflict:
		return ErrConflict
	case statusCode == http.StatusNotFound:
		return ErrNotFound
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return ErrUnauthorized
	case statusCode >= 400:
		return ErrValidation
	}
	return ErrInternal
}

// ClassifyTransport maps a transport-level error (no HTTP response) to an
// error code. Context deadlines and net timeouts classify as TIMEOUT, the
// rest as NETWORK.
func ClassifyTransport(err error) ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return ErrNetwork
}

func MapErrorToHTTPStatus(err error) int {
	if syncErr, ok := err.(SyncError); ok {
		switch syncErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrConflict:
			return http.StatusConflict
		case ErrValidation:
			return http.StatusBadRequest
		case ErrRateLimited:
			return http.StatusTooManyRequests
		case ErrStorage, ErrInternal:
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
