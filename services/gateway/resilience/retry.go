// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 5
	MaxAttempts int

	// InitialBackoff is the wait duration before the first retry.
	// Subsequent waits double. Default: 500ms
	InitialBackoff time.Duration

	// MaxBackoff is the maximum wait duration between retries.
	// Default: 15s
	MaxBackoff time.Duration

	// JitterFactor is the maximum jitter as a fraction of backoff (0-1).
	// Adds randomness to prevent thundering herd. Default: 0.2
	JitterFactor float64
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     15 * time.Second,
		JitterFactor:   0.2,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = 15 * time.Second
	}
	return c
}

// AttemptFunc is a function that can be retried. It should return nil on
// success, or a taxonomy-classified error. IsRetryable decides whether the
// error triggers another attempt.
type AttemptFunc func(ctx context.Context, attempt int) error

// RetryResult contains the outcome of a retry operation.
type RetryResult struct {
	// Attempts is the number of attempts made.
	Attempts int

	// TotalDuration is the total time spent including backoff waits.
	TotalDuration time.Duration

	// LastError is the error from the last attempt (nil if successful).
	LastError error
}

// Do executes fn under circuit-breaker gating with exponential-backoff retry.
//
// Inputs:
//   - ctx: Context for cancellation. Must not be nil.
//   - cb: Circuit breaker to consult and feed. Must not be nil.
//   - config: Retry configuration; zero values use defaults.
//   - fn: The function to execute and potentially retry.
//
// Outputs:
//   - RetryResult: Statistics about the operation.
//   - error: ErrCircuitOpen if the breaker rejects, the last attempt's
//     error if all attempts fail, nil on success.
//
// The breaker is consulted before every attempt, so a trip caused by
// concurrent traffic aborts the remaining attempts immediately. Each failed
// attempt feeds the breaker; success records a breaker success and returns.
// Non-retryable errors (4xx, validation, cancellation) propagate without
// further attempts. This executor serves the single-shot completion path
// only: a partially-streamed response cannot be safely replayed, so the
// streaming path is retried (or not) by its caller.
func Do(ctx context.Context, cb *CircuitBreaker, config RetryConfig, fn AttemptFunc) (RetryResult, error) {
	config = config.withDefaults()
	start := time.Now()
	result := RetryResult{}

	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		if !cb.Allow() {
			result.LastError = ErrCircuitOpen
			result.TotalDuration = time.Since(start)
			return result, ErrCircuitOpen
		}

		err := fn(ctx, attempt)
		if err == nil {
			cb.RecordSuccess()
			result.TotalDuration = time.Since(start)
			return result, nil
		}

		cb.RecordFailure(err)
		result.LastError = err

		if !IsRetryable(err) {
			result.TotalDuration = time.Since(start)
			return result, err
		}

		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result, ctx.Err()
		case <-time.After(withJitter(backoff, config.JitterFactor)):
		}

		backoff *= 2
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	result.TotalDuration = time.Since(start)
	return result, result.LastError
}

// withJitter spreads the backoff into [base*(1-f), base*(1+f)].
func withJitter(base time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(base) * (1.0 + jitter))
}
