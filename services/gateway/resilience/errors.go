// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience provides the failure-handling primitives shared by all
// upstream-facing components: a two-track circuit breaker, a bounded
// exponential-backoff retry executor, and the error taxonomy both consult.
package resilience

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the failure taxonomy.
//
// Classification drives three decisions: whether an attempt is retried
// (UpstreamTransient only), which breaker tally it feeds (gateway timeouts
// have their own, more tolerant counter), and which outbound event the
// orchestrator translates it into.
var (
	// ErrCircuitOpen is returned without any network call when the breaker
	// is open and the cooldown has not elapsed.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrRateLimited is returned when a fixed-window ceiling is reached.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUpstreamTimeout marks an HTTP 504 from the provider's gateway.
	// Expected to be transient; tracked on the breaker's timeout tally.
	ErrUpstreamTimeout = errors.New("upstream gateway timeout")

	// ErrUpstreamTransient marks network failures and 5xx responses other
	// than 504. Retryable.
	ErrUpstreamTransient = errors.New("transient upstream failure")

	// ErrUpstreamRejected marks 4xx responses. Never retried, but still
	// feeds the breaker's general tally.
	ErrUpstreamRejected = errors.New("upstream rejected request")

	// ErrValidation marks client input that fails boundary validation.
	// Surfaced to the user, never retried, never fed to the breaker.
	ErrValidation = errors.New("validation failed")

	// ErrAccessDenied marks a failed conversation access check.
	ErrAccessDenied = errors.New("access denied")

	// ErrCancelled marks a user-initiated stream cancellation. Not a
	// failure; suppresses final/error emission for the request.
	ErrCancelled = errors.New("cancelled by user")
)

// UpstreamStatusError attaches the HTTP status code to a classified error so
// callers can log it without re-parsing the message.
type UpstreamStatusError struct {
	StatusCode int
	Body       string
	kind       error
}

// ClassifyStatus maps an upstream HTTP status code to the taxonomy.
//
// Inputs:
//   - status: HTTP status code from the provider response.
//   - body: Response body (truncated by the caller) for diagnostics.
//
// Outputs:
//   - error: ErrUpstreamTimeout for 504, ErrUpstreamTransient for other
//     5xx and 429, ErrUpstreamRejected for remaining 4xx, nil for 2xx.
func ClassifyStatus(status int, body string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 504:
		return &UpstreamStatusError{StatusCode: status, Body: body, kind: ErrUpstreamTimeout}
	case status == 429 || status >= 500:
		return &UpstreamStatusError{StatusCode: status, Body: body, kind: ErrUpstreamTransient}
	default:
		return &UpstreamStatusError{StatusCode: status, Body: body, kind: ErrUpstreamRejected}
	}
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// Unwrap exposes the taxonomy sentinel so errors.Is works on classified
// status errors.
func (e *UpstreamStatusError) Unwrap() error { return e.kind }

// IsGatewayTimeout reports whether err is classified as an HTTP 504
// gateway timeout.
func IsGatewayTimeout(err error) bool {
	return errors.Is(err, ErrUpstreamTimeout)
}

// IsRetryable reports whether err should trigger another attempt.
//
// Gateway timeouts and transient upstream failures are retryable; rejected
// requests, validation failures, cancellations and an open circuit are not.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrUpstreamTransient)
}

// IsCancellation reports whether err stems from a user-initiated cancel.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled)
}
