package domain

import (
	"context"
	"errors"
	"strings"
)

// FailureClass labels terminal attempt failures for metadata and metrics.
type FailureClass string

const (
	FailureTimeout   FailureClass = "TimeoutError"
	FailureRateLimit FailureClass = "RateLimitError"
	FailureCancelled FailureClass = "CancellationError"
	FailureExecution FailureClass = "ExecutionError"
)

// rateLimitMarkers are the provider strings scanned for in agent output.
// The scan is case-sensitive; both capitalizations seen in the wild are
// listed.
var rateLimitMarkers = []string{
	"RateLimitError",
	"429",
	"rate limit",
	"Rate limit reached",
}

// OutputRateLimited reports whether captured agent output carries a
// provider rate-limit marker.
func OutputRateLimited(output string) bool {
	for _, m := range rateLimitMarkers {
		if strings.Contains(output, m) {
			return true
		}
	}
	return false
}

// ClassifyFailure maps an attempt error to its failure class. Sentinel
// matches win over the substring heuristics.
func ClassifyFailure(err error) FailureClass {
	if err == nil {
		return FailureExecution
	}
	switch {
	case errors.Is(err, ErrCancelled):
		return FailureCancelled
	case errors.Is(err, ErrAttemptTimeout) || errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, ErrRateLimited):
		return FailureRateLimit
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "cancel"):
		return FailureCancelled
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline exceeded"):
		return FailureTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return FailureRateLimit
	default:
		return FailureExecution
	}
}

// SyntheticTestCase returns the placeholder test entry recorded when a
// failure of this class produced no real test results, so the UI renders
// "0/1" instead of "0/0". Classes without a placeholder return ok=false.
func (c FailureClass) SyntheticTestCase() (TestCase, bool) {
	switch c {
	case FailureTimeout:
		return TestCase{
			Name:   "Execution Timeout",
			Status: "failed",
			Trace:  "agent run exceeded its time budget and was terminated",
		}, true
	case FailureRateLimit:
		return TestCase{
			Name:   "API Rate Limit Exceeded",
			Status: "failed",
			Trace:  "model provider rejected requests with a rate limit",
		}, true
	default:
		return TestCase{}, false
	}
}
