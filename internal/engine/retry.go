package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel/pkg/schema"
)

const (
	defaultBackoffBase       = time.Second
	defaultBackoffMultiplier = 2.0
)

// IsRetryableError classifies whether a step error may be reattempted.
// Retryable: execution errors, timeouts, network errors. Non-retryable:
// validation failures, unmet preconditions, context cancellation.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded is the per-attempt timeout, which is retryable.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancellation means the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var kerr *schema.Error
	if errors.As(err, &kerr) {
		return kerr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common transient failures from untyped errors.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable. The retry policy bounds the attempts.
	return true
}

// ComputeBackoff calculates the delay before retry attempt k (1-based):
// min(base * multiplier^(k-1), cap). Missing base defaults to 1s, missing
// multiplier to 2, missing cap to no cap.
func ComputeBackoff(policy *schema.RetryPolicy, retryAttempt int) time.Duration {
	if policy == nil || retryAttempt < 1 {
		return 0
	}

	base := defaultBackoffBase
	if policy.BackoffBase != "" {
		if d, err := time.ParseDuration(policy.BackoffBase); err == nil && d >= 0 {
			base = d
		}
	}

	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = defaultBackoffMultiplier
	}

	delay := float64(base)
	for i := 1; i < retryAttempt; i++ {
		delay *= multiplier
		// Guard against float overflow on absurd attempt counts.
		if delay > float64(time.Hour*24) {
			delay = float64(time.Hour * 24)
			break
		}
	}

	d := time.Duration(delay)
	if policy.BackoffCap != "" {
		if capDelay, err := time.ParseDuration(policy.BackoffCap); err == nil && d > capDelay {
			d = capDelay
		}
	}
	return d
}

// MaxAttempts returns the total attempt budget for a step, minimum 1.
func MaxAttempts(policy *schema.RetryPolicy) int {
	if policy == nil || policy.MaxAttempts < 1 {
		return 1
	}
	return policy.MaxAttempts
}

// WaitForBackoff sleeps for the delay or returns early on cancellation.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
