package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigLoadFailed     = errors.New("config load failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
)

var (
	ErrCacheKeyEmpty        = errors.New("cache key empty")
	ErrCacheRecordCorrupted = errors.New("cache record corrupted")
	ErrCachePatternInvalid  = errors.New("cache pattern invalid")
)

var (
	ErrStorageTypeUnknown      = errors.New("storage type unknown")
	ErrStorageConnectionFailed = errors.New("storage connection failed")
	ErrStorageOperationFailed  = errors.New("storage operation failed")
	ErrStorageKeyEmpty         = errors.New("storage key empty")
)

// Query failure taxonomy. ErrAuthExpired doubles as the signal a fetch
// operation returns when the remote rejected the session.
var (
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrPoolExhausted      = errors.New("query pool exhausted")
	ErrAuthExpired        = errors.New("authentication expired")
	ErrRemote             = errors.New("remote error")
	ErrStorage            = errors.New("storage error")
)

var (
	ErrAuthTokenNotFound     = errors.New("auth token not found")
	ErrAuthRefreshFailed     = errors.New("auth refresh failed")
	ErrAuthKeyInvalid        = errors.New("auth encryption key invalid")
	ErrAuthTokenUnsealFailed = errors.New("auth token unseal failed")
)

var (
	ErrMetricsTypeUnknown   = errors.New("metrics type unknown")
	ErrMetricsConfigInvalid = errors.New("metrics config invalid")
	ErrMetricsNotRunning    = errors.New("metrics not running")
)

var (
	ErrClientRequestFailed   = errors.New("client request failed")
	ErrClientResponseInvalid = errors.New("client response invalid")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker open")
)

var (
	ErrNetworkProbeUnknown = errors.New("network probe unknown")
	ErrNetworkProbeFailed  = errors.New("network probe failed")
)

var (
	ErrHealthCheckFailed  = errors.New("health check failed")
	ErrHealthCheckTimeout = errors.New("health check timeout")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

var (
	ErrServiceIsRunning    = errors.New("service is running")
	ErrServiceIsNotRunning = errors.New("service is not running")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInternalError    = errors.New("internal error")
	ErrNotSupported     = errors.New("not supported")
)

// RemoteError is an opaque failure returned by a fetch operation. It is only
// retried when Retryable is set.
type RemoteError struct {
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *RemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote error: %v", e.Err)
}

func (e *RemoteError) Unwrap() []error {
	return []error{ErrRemote, e.Err}
}

// MarkRetryable wraps err so the executor backs off and tries again.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		remoteErr.Retryable = true
		return remoteErr
	}
	return &RemoteError{Err: err, Retryable: true}
}

// MarkPermanent wraps err so it surfaces without retries.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		remoteErr.Retryable = false
		return remoteErr
	}
	return &RemoteError{Err: err}
}

// IsRetryable reports whether the executor should back off and retry err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, ErrPoolExhausted) {
		return true
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Retryable
	}
	return false
}

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}

func AsError(err error, target interface{}) bool {
	return errors.As(err, target)
}
