package engine

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryableOnTransientStatus(t *testing.T) {
	cases := []int{http.StatusRequestTimeout, http.StatusTooManyRequests, 500, 502, 503}
	for _, code := range cases {
		assert.True(t, Retryable(nil, code), "status %d should be retryable", code)
	}
}

func TestNotRetryableOnPermanentStatus(t *testing.T) {
	cases := []int{400, 401, 403, 404, http.StatusRequestedRangeNotSatisfiable}
	for _, code := range cases {
		assert.False(t, Retryable(nil, code), "status %d should not be retryable", code)
	}
}

func TestNotRetryableOnCancelledContext(t *testing.T) {
	assert.False(t, Retryable(context.Canceled, 0))
	assert.False(t, Retryable(context.DeadlineExceeded, 0))
}

func TestRetryableOnBareConnectionError(t *testing.T) {
	assert.True(t, Retryable(errors.New("dial tcp: connection refused"), 0),
		"connection-level errors without a status should default to retryable")
}

func TestNotRetryableWithNoErrorAndNoStatus(t *testing.T) {
	assert.False(t, Retryable(nil, 0))
}
