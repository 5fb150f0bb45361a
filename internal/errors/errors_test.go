package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockNetError implements net.Error for testing
type mockNetError struct {
	timeout bool
}

func (e *mockNetError) Error() string   { return "mock network error" }
func (e *mockNetError) Timeout() bool   { return e.timeout }
func (e *mockNetError) Temporary() bool { return true }

var _ net.Error = (*mockNetError)(nil)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "429 too many requests", err: &HTTPStatusError{StatusCode: 429}, expected: true},
		{name: "500 internal server error", err: &HTTPStatusError{StatusCode: 500}, expected: true},
		{name: "502 bad gateway", err: &HTTPStatusError{StatusCode: 502}, expected: true},
		{name: "503 service unavailable", err: &HTTPStatusError{StatusCode: 503}, expected: true},
		{name: "504 gateway timeout", err: &HTTPStatusError{StatusCode: 504}, expected: true},
		{name: "other 5xx", err: &HTTPStatusError{StatusCode: 507}, expected: true},
		{name: "400 bad request", err: &HTTPStatusError{StatusCode: 400}, expected: false},
		{name: "401 unauthorized", err: &HTTPStatusError{StatusCode: 401}, expected: false},
		{name: "404 not found", err: &HTTPStatusError{StatusCode: 404}, expected: false},
		{name: "wrapped 503", err: fmt.Errorf("fetch aave: %w", &HTTPStatusError{StatusCode: 503}), expected: true},
		{name: "net.Error", err: &mockNetError{}, expected: true},
		{name: "timeout net.Error", err: &mockNetError{timeout: true}, expected: true},
		{name: "connection refused text", err: fmt.Errorf("dial tcp: connection refused"), expected: true},
		{name: "unexpected EOF", err: io.ErrUnexpectedEOF, expected: true},
		{name: "deadline exceeded", err: context.DeadlineExceeded, expected: true},
		{name: "caller canceled", err: context.Canceled, expected: false},
		{name: "transform error", err: NewTransformErrorf("to_rows", "bad point"), expected: false},
		{name: "configuration error", err: NewConfigurationErrorf("window", "from after to"), expected: false},
		{name: "plain error", err: fmt.Errorf("something went wrong"), expected: false},
		{name: "nil", err: nil, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ShouldRetry(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name              string
		err               error
		expectedType      ErrorType
		expectedRetryable bool
		expectedStatus    int
	}{
		{
			name:              "rate limited",
			err:               &HTTPStatusError{StatusCode: 429, Message: "throttled"},
			expectedType:      ErrorTypeRateLimit,
			expectedRetryable: true,
			expectedStatus:    429,
		},
		{
			name:              "server error",
			err:               &HTTPStatusError{StatusCode: 503},
			expectedType:      ErrorTypeServerError,
			expectedRetryable: true,
			expectedStatus:    503,
		},
		{
			name:              "not found",
			err:               &HTTPStatusError{StatusCode: 404, Message: "coin not found"},
			expectedType:      ErrorTypeBadRequest,
			expectedRetryable: false,
			expectedStatus:    404,
		},
		{
			name:              "network",
			err:               &mockNetError{},
			expectedType:      ErrorTypeNetwork,
			expectedRetryable: true,
		},
		{
			name:              "timeout",
			err:               &mockNetError{timeout: true},
			expectedType:      ErrorTypeTimeout,
			expectedRetryable: true,
		},
		{
			name:              "canceled",
			err:               context.Canceled,
			expectedType:      ErrorTypeCanceled,
			expectedRetryable: false,
		},
		{
			name:              "unknown",
			err:               fmt.Errorf("something went wrong"),
			expectedType:      ErrorTypeUnknown,
			expectedRetryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := Classify(tt.err, "coingecko", "fetch_market_data")
			require.NotNil(t, classified)
			assert.Equal(t, tt.expectedType, classified.Type)
			assert.Equal(t, tt.expectedRetryable, classified.Retryable)
			assert.Equal(t, tt.expectedStatus, classified.StatusCode)
			assert.Equal(t, "coingecko", classified.Component)
			assert.Equal(t, "fetch_market_data", classified.Operation)
			assert.NotZero(t, classified.Timestamp)
		})
	}

	t.Run("nil error", func(t *testing.T) {
		assert.Nil(t, Classify(nil, "c", "o"))
	})

	t.Run("already classified is returned unchanged", func(t *testing.T) {
		original := NewTransformErrorf("to_rows", "bad")
		assert.Same(t, original, Classify(fmt.Errorf("wrapped: %w", original), "c", "o"))
	})
}

func TestExhaustedError(t *testing.T) {
	last := &HTTPStatusError{StatusCode: 503, Message: "upstream down"}
	err := NewExhaustedError(last, "coingecko", "fetch_market_data", 3)

	assert.Equal(t, 3, err.Attempts)
	assert.Equal(t, ErrorTypeServerError, err.Type)
	assert.False(t, err.Retryable)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "upstream down")
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))

	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 503, statusErr.StatusCode)
}

func TestPredicates(t *testing.T) {
	cfgErr := fmt.Errorf("client: %w", NewConfigurationErrorf("window", "from must be before to"))
	assert.True(t, IsConfiguration(cfgErr))
	assert.False(t, IsTransform(cfgErr))

	transformErr := NewTransformError("to_rows", errors.New("point has 1 element"))
	assert.True(t, IsTransform(transformErr))
	assert.False(t, IsTransient(transformErr))

	permanent := Classify(&HTTPStatusError{StatusCode: 400}, "coingecko", "fetch")
	assert.True(t, IsPermanent(permanent))
	assert.False(t, IsTransient(permanent))

	assert.False(t, IsConfiguration(errors.New("plain")))
	assert.Equal(t, ErrorTypeUnknown, GetErrorType(errors.New("plain")))
}

func TestClassifiedErrorInterface(t *testing.T) {
	underlying := errors.New("underlying")
	ce := &ClassifiedError{
		Err:       underlying,
		Type:      ErrorTypeNetwork,
		Component: "coingecko",
		Operation: "ping",
		Timestamp: time.Now(),
	}

	assert.Equal(t, "[coingecko/network] ping: underlying", ce.Error())
	assert.Equal(t, underlying, ce.Unwrap())
	assert.True(t, errors.Is(ce, underlying))
	assert.True(t, errors.Is(ce, &ClassifiedError{Type: ErrorTypeNetwork}))
	assert.False(t, errors.Is(ce, &ClassifiedError{Type: ErrorTypeStorage}))
}

func TestHTTPStatusErrorMessage(t *testing.T) {
	assert.Equal(t, "HTTP 404 Not Found: coin not found",
		(&HTTPStatusError{StatusCode: 404, Message: "coin not found"}).Error())
	assert.Equal(t, "HTTP 503 Service Unavailable",
		(&HTTPStatusError{StatusCode: 503}).Error())
}
