// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"errors"
	"fmt"
	"time"
)

// CircuitOpenError is returned when the embedding breaker rejects a call
// without invoking the provider. RetryAfter is how long until the breaker
// will admit a half-open probe.
type CircuitOpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Service, e.RetryAfter.Round(time.Second))
}

// IsCircuitOpenError checks if an error is a CircuitOpenError.
func IsCircuitOpenError(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}

// EmbeddingError wraps a failure from the embedding provider itself,
// carrying the HTTP status when one was received.
type EmbeddingError struct {
	StatusCode int
	Message    string
}

func (e *EmbeddingError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("embedding service error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("embedding service error: %s", e.Message)
}

// IsEmbeddingError checks if an error is an EmbeddingError.
func IsEmbeddingError(err error) bool {
	var ee *EmbeddingError
	return errors.As(err, &ee)
}
