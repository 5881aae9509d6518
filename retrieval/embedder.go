// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("inletdocs.retrieval")

// embedRequestTimeout bounds every call to the embedding provider. The
// breaker counts a timeout as a failure like any other.
const embedRequestTimeout = 5 * time.Second

// Embedder converts text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPEmbedder calls the embedding service's POST /embed endpoint,
// protected by a circuit breaker and fronted by an optional on-disk cache.
//
// # Description
//
// The call path per Embed is: cache lookup, breaker admission check,
// provider call with a 5s timeout, outcome recording, cache fill. While
// the breaker is open, Embed fails immediately with CircuitOpenError and
// the provider is never contacted. Cache hits bypass the breaker entirely
// since no provider call is at stake.
//
// # Thread Safety
//
// Safe for concurrent use.
type HTTPEmbedder struct {
	baseURL    string
	httpClient *http.Client
	breaker    *CircuitBreaker
	cache      *EmbeddingCache
}

// NewHTTPEmbedder creates an embedder for the given service URL.
//
// # Inputs
//
//   - baseURL: Embedding service base URL, e.g. "http://embedding:8000".
//   - breaker: Circuit breaker guarding provider calls. Must not be nil.
//   - cache: Optional vector cache; nil disables caching.
func NewHTTPEmbedder(baseURL string, breaker *CircuitBreaker, cache *EmbeddingCache) *HTTPEmbedder {
	if breaker == nil {
		panic("NewHTTPEmbedder: breaker must not be nil")
	}
	return &HTTPEmbedder{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: embedRequestTimeout},
		breaker:    breaker,
		cache:      cache,
	}
}

// Breaker exposes the underlying circuit breaker for monitoring.
func (e *HTTPEmbedder) Breaker() *CircuitBreaker {
	return e.breaker
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed computes the vector for the given text.
//
// # Outputs
//
//   - []float32: The embedding vector.
//   - error: CircuitOpenError while the breaker is open, EmbeddingError
//     for provider failures, or a wrapped transport error.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "Embed")
	defer span.End()

	if e.cache != nil {
		if vec, ok := e.cache.Get(text); ok {
			return vec, nil
		}
	}

	if !e.breaker.Allow() {
		stats := e.breaker.Stats()
		retryAfter := e.breaker.config.ResetTimeout - time.Since(stats.LastFailureTime)
		if retryAfter < 0 {
			retryAfter = 0
		}
		slog.Warn("Embedding call rejected, circuit open",
			"failureRate", stats.FailureRate,
			"retryAfter", retryAfter)
		return nil, &CircuitOpenError{Service: "embedding", RetryAfter: retryAfter}
	}

	vec, err := e.callProvider(ctx, text)
	if err != nil {
		e.breaker.RecordFailure()
		return nil, err
	}
	e.breaker.RecordSuccess()

	if e.cache != nil {
		if cacheErr := e.cache.Set(text, vec); cacheErr != nil {
			slog.Warn("Failed to cache embedding", "error", cacheErr)
		}
	}
	return vec, nil
}

// callProvider performs the raw HTTP call with the per-request timeout.
func (e *HTTPEmbedder) callProvider(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, embedRequestTimeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &EmbeddingError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &EmbeddingError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &EmbeddingError{Message: fmt.Sprintf("invalid response body: %v", err)}
	}
	if len(parsed.Embedding) == 0 {
		return nil, &EmbeddingError{Message: "provider returned an empty embedding"}
	}
	return parsed.Embedding, nil
}
