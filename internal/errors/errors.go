// Package errors provides the error taxonomy for the pipeline together with the
// classification rules that decide whether a failed request is worth retrying.
// Every failure that crosses a package boundary is either a *ClassifiedError or
// wraps one, so callers can branch on the category with errors.As.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Retryable error types
	ErrorTypeNetwork     ErrorType = "network"      // connection refused, reset, no response
	ErrorTypeTimeout     ErrorType = "timeout"      // request timeout
	ErrorTypeRateLimit   ErrorType = "rate_limit"   // HTTP 429
	ErrorTypeServerError ErrorType = "server_error" // HTTP 5xx

	// Non-retryable error types
	ErrorTypeBadRequest    ErrorType = "bad_request"   // HTTP 4xx other than 429
	ErrorTypeConfiguration ErrorType = "configuration" // invalid window, missing credential
	ErrorTypeTransform     ErrorType = "transform"     // malformed payload
	ErrorTypeStorage       ErrorType = "storage"       // database failures
	ErrorTypeCanceled      ErrorType = "canceled"      // caller gave up

	ErrorTypeUnknown ErrorType = "unknown"
)

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err        error     `json:"error"`
	Type       ErrorType `json:"type"`
	StatusCode int       `json:"status_code,omitempty"`
	Retryable  bool      `json:"retryable"`
	Component  string    `json:"component"`
	Operation  string    `json:"operation"`
	Attempts   int       `json:"attempts"`
	Timestamp  time.Time `json:"timestamp"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Attempts > 1 {
		return fmt.Sprintf("[%s/%s] %s failed after %d attempts: %v",
			ce.Component, ce.Type, ce.Operation, ce.Attempts, ce.Err)
	}
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is matches another ClassifiedError by type, otherwise defers to the wrapped error.
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return errors.Is(ce.Err, target)
}

// Transient reports whether the error belongs to the retryable API family.
func (ce *ClassifiedError) Transient() bool {
	switch ce.Type {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeServerError:
		return true
	}
	return false
}

// HTTPStatusError is returned by the API client for any non-2xx response.
type HTTPStatusError struct {
	StatusCode int
	Message    string
	URL        string
}

func (e *HTTPStatusError) Error() string {
	text := http.StatusText(e.StatusCode)
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, text, e.Message)
	}
	return fmt.Sprintf("HTTP %d %s", e.StatusCode, text)
}

// ShouldRetry decides whether a failed attempt may be repeated. Rules apply in
// order: network-level failures retry; 429 and the 5xx gateway family retry;
// any other 4xx does not; remaining 5xx retry; everything else does not.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		switch ce.Type {
		case ErrorTypeConfiguration, ErrorTypeTransform, ErrorTypeStorage, ErrorTypeCanceled:
			return false
		}
	}

	if isNetworkError(err) || isTimeoutError(err) {
		return true
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return retryableStatus(statusErr.StatusCode)
	}
	return false
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	if code >= 400 && code < 500 {
		return false
	}
	return code >= 500
}

// Classify wraps err into a ClassifiedError for the given component/operation.
// Errors that are already classified are returned unchanged.
func Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	classified := &ClassifiedError{
		Err:       err,
		Type:      classifyErrorType(err),
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		classified.StatusCode = statusErr.StatusCode
	}
	classified.Retryable = ShouldRetry(err)

	return classified
}

// classifyErrorType determines the error type based on the error content
func classifyErrorType(err error) ErrorType {
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}
	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}
	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return ErrorTypeRateLimit
		case statusErr.StatusCode >= 500:
			return ErrorTypeServerError
		case statusErr.StatusCode >= 400:
			return ErrorTypeBadRequest
		}
	}

	return ErrorTypeUnknown
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"no route to host",
		"network is unreachable",
		"server closed idle connection",
		"no such host",
	}

	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// isTimeoutError checks if the error is timeout-related
func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// NewConfigurationError reports an invalid window, missing credential or bad setting.
func NewConfigurationError(operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Type:      ErrorTypeConfiguration,
		Component: "config",
		Operation: operation,
		Timestamp: time.Now(),
	}
}

// NewConfigurationErrorf is NewConfigurationError with a formatted message.
func NewConfigurationErrorf(operation, format string, args ...interface{}) *ClassifiedError {
	return NewConfigurationError(operation, fmt.Errorf(format, args...))
}

// NewTransformError reports a payload that cannot be turned into rows.
func NewTransformError(operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Type:      ErrorTypeTransform,
		Component: "transform",
		Operation: operation,
		Timestamp: time.Now(),
	}
}

// NewTransformErrorf is NewTransformError with a formatted message.
func NewTransformErrorf(operation, format string, args ...interface{}) *ClassifiedError {
	return NewTransformError(operation, fmt.Errorf(format, args...))
}

// NewExhaustedError is the terminal failure of a retried operation. It keeps
// the classification of the last attempt and records how many were made.
func NewExhaustedError(last error, component, operation string, attempts int) *ClassifiedError {
	base := Classify(last, component, operation)
	return &ClassifiedError{
		Err:        base.Err,
		Type:       base.Type,
		StatusCode: base.StatusCode,
		Retryable:  false,
		Component:  component,
		Operation:  operation,
		Attempts:   attempts,
		Timestamp:  time.Now(),
	}
}

// GetErrorType extracts the error type from a classified error
func GetErrorType(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrorTypeUnknown
}

// IsConfiguration reports a ConfigurationError anywhere in the chain.
func IsConfiguration(err error) bool {
	return GetErrorType(err) == ErrorTypeConfiguration
}

// IsTransform reports a TransformError anywhere in the chain.
func IsTransform(err error) bool {
	return GetErrorType(err) == ErrorTypeTransform
}

// IsTransient reports a retryable API failure (possibly already exhausted).
func IsTransient(err error) bool {
	var ce *ClassifiedError
	return errors.As(err, &ce) && ce.Transient()
}

// IsPermanent reports an API failure that must not be retried.
func IsPermanent(err error) bool {
	return GetErrorType(err) == ErrorTypeBadRequest
}
