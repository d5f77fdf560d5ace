package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"syscall"
)

// TransientError marks an error that is worth retrying.
type TransientError struct {
	Err        error
	StatusCode int    // HTTP status code if applicable
	Message    string // model-facing message
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewTransient wraps err as retryable with a model-facing message.
func NewTransient(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanent wraps err as non-retryable with a model-facing message.
func NewPermanent(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

// IsTransient reports whether an error is worth retrying. Explicit marks win;
// otherwise network failures and retryable HTTP statuses count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}

	if isNetworkError(err) || isSyscallError(err) {
		return true
	}
	if code := httpStatusIn(err); code > 0 {
		return isTransientHTTPStatus(code)
	}
	return false
}

// IsPermanent reports whether an error is known to be non-retryable.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return true
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return false
	}

	if code := httpStatusIn(err); code > 0 {
		return isPermanentHTTPStatus(code)
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"not found",
		"permission denied",
		"invalid",
		"unauthorized",
		"forbidden",
		"bad request",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// FormatForLLM converts a transport or backend error into an actionable
// message the model can react to instead of a raw Go error string.
func FormatForLLM(err error) string {
	if err == nil {
		return ""
	}

	var transient *TransientError
	if errors.As(err, &transient) && transient.Message != "" {
		return transient.Message
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) && permanent.Message != "" {
		return permanent.Message
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "connection refused"):
		return "The model backend is not reachable. Verify the server is running and the base URL is correct."
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "429"):
		return "The model backend is rate limiting requests. The call will be retried with backoff."
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
		return "The request timed out. Break the work into smaller steps or retry."
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "401"):
		return "Authentication with the model backend failed. Check the configured credentials."
	case strings.Contains(lower, "not found"), strings.Contains(lower, "404"):
		return "The requested resource was not found. Verify the model name and base URL."
	}
	return err.Error()
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"deadline exceeded",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

var statusPattern = regexp.MustCompile(`\b(4\d\d|5\d\d)\b`)

// httpStatusIn extracts an HTTP status code embedded in an error message,
// e.g. "chat request failed: status 503".
func httpStatusIn(err error) int {
	match := statusPattern.FindString(err.Error())
	if match == "" {
		return 0
	}
	code, convErr := strconv.Atoi(match)
	if convErr != nil {
		return 0
	}
	return code
}

func isTransientHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isPermanentHTTPStatus(code int) bool {
	switch code {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusMethodNotAllowed,
		http.StatusConflict,
		http.StatusUnprocessableEntity:
		return true
	}
	return false
}
