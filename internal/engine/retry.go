package engine

import (
	"context"
	"errors"
	"net/http"

	"github.com/loonghao/turbocdn-go/internal/errs"
)

// classifyStatus maps an HTTP status code to a retryable/non-retryable
// errs.Kind per spec §4.3's retry policy table.
func classifyStatus(code int) errs.Kind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return errs.NetworkTransient
	case code >= 500:
		return errs.NetworkTransient
	case code == http.StatusRequestedRangeNotSatisfiable:
		return errs.NetworkPermanent
	case code >= 400:
		return errs.NetworkPermanent
	default:
		return ""
	}
}

// Retryable reports whether err (optionally paired with an HTTP status
// code, 0 if not applicable) should be retried against the same or a
// different candidate URL, per spec §4.3: connect errors, 5xx, 408,
// 429, partial reads, TLS handshake timeouts, and DNS errors are
// retryable; 4xx other than 408/429 and Range Not Satisfiable are not.
func Retryable(err error, statusCode int) bool {
	if err == nil {
		if statusCode == 0 {
			return false
		}
		return classifyStatus(statusCode) == errs.NetworkTransient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if statusCode != 0 {
		return classifyStatus(statusCode) == errs.NetworkTransient
	}
	// Connection-level errors (dial/TLS/read) without an HTTP status are
	// treated as transient network errors by default.
	return true
}
