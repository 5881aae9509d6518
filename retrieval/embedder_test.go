// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEmbedServer returns a test embedding service and a pointer to its
// request counter.
func newEmbedServer(t *testing.T, status int, vector []float32) (*httptest.Server, *int64) {
	t.Helper()
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/embed", r.URL.Path)
		if status != http.StatusOK {
			http.Error(w, "boom", status)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"embedding": vector})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestHTTPEmbedder_Embed(t *testing.T) {
	srv, calls := newEmbedServer(t, http.StatusOK, []float32{0.1, 0.2, 0.3})
	e := NewHTTPEmbedder(srv.URL, NewCircuitBreaker(CircuitBreakerConfig{}), nil)

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, int64(1), atomic.LoadInt64(calls))
}

// TestHTTPEmbedder_CacheHitSkipsProvider verifies that a cached vector
// answers without touching the provider or the breaker.
func TestHTTPEmbedder_CacheHitSkipsProvider(t *testing.T) {
	srv, calls := newEmbedServer(t, http.StatusOK, []float32{1, 2})
	cache, err := NewEmbeddingCache(t.TempDir())
	require.NoError(t, err)
	defer cache.Close()

	e := NewHTTPEmbedder(srv.URL, NewCircuitBreaker(CircuitBreakerConfig{}), cache)

	_, err = e.Embed(context.Background(), "repeated text")
	require.NoError(t, err)
	vec, err := e.Embed(context.Background(), "repeated text")
	require.NoError(t, err)

	assert.Equal(t, []float32{1, 2}, vec)
	assert.Equal(t, int64(1), atomic.LoadInt64(calls), "second call must hit the cache")
}

// TestHTTPEmbedder_ProviderErrorIsEmbeddingError verifies error typing
// for provider-side failures.
func TestHTTPEmbedder_ProviderErrorIsEmbeddingError(t *testing.T) {
	srv, _ := newEmbedServer(t, http.StatusInternalServerError, nil)
	e := NewHTTPEmbedder(srv.URL, NewCircuitBreaker(CircuitBreakerConfig{}), nil)

	_, err := e.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, IsEmbeddingError(err))
	assert.False(t, IsCircuitOpenError(err))
}

// TestHTTPEmbedder_OpenBreakerFailsFast verifies that once enough
// provider failures accumulate, calls stop reaching the provider and
// fail with CircuitOpenError carrying a retry hint.
func TestHTTPEmbedder_OpenBreakerFailsFast(t *testing.T) {
	srv, calls := newEmbedServer(t, http.StatusServiceUnavailable, nil)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MinSamples:   4,
		ResetTimeout: time.Minute,
	})
	e := NewHTTPEmbedder(srv.URL, breaker, nil)

	for i := 0; i < 4; i++ {
		_, err := e.Embed(context.Background(), "failing")
		require.Error(t, err)
	}
	require.Equal(t, CircuitOpen, breaker.State())
	before := atomic.LoadInt64(calls)

	_, err := e.Embed(context.Background(), "rejected")
	require.Error(t, err)
	assert.True(t, IsCircuitOpenError(err))
	assert.Equal(t, before, atomic.LoadInt64(calls), "open breaker must not contact the provider")

	var coe *CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Greater(t, coe.RetryAfter, time.Duration(0))
}

// TestEmbeddingCache_RoundTrip verifies the badger-backed vector cache.
func TestEmbeddingCache_RoundTrip(t *testing.T) {
	cache, err := NewEmbeddingCache(t.TempDir())
	require.NoError(t, err)
	defer cache.Close()

	_, ok := cache.Get("unknown")
	assert.False(t, ok)

	require.NoError(t, cache.Set("some text", []float32{0.5, -1.25, 3}))
	vec, ok := cache.Get("some text")
	require.True(t, ok)
	assert.Equal(t, []float32{0.5, -1.25, 3}, vec)
}
