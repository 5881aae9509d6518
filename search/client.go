// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package search

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

	"github.com/InletAI/InletDocs/datatypes"
)

var tracer = otel.Tracer("inletdocs.search")

// searchRequestTimeout bounds each web-search call. Enrichment is best
// effort, so a slow search provider must not stall the pipeline.
const searchRequestTimeout = 10 * time.Second

// WebSearcher is the web-search collaborator used by the enrichment pass.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]datatypes.SearchResult, error)
}

// HTTPSearcher calls a JSON search API (Serper-style POST endpoint).
type HTTPSearcher struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPSearcher creates a searcher for the given endpoint. The API key
// is sent in the X-API-KEY header when non-empty.
func NewHTTPSearcher(endpoint, apiKey string) *HTTPSearcher {
	return &HTTPSearcher{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: searchRequestTimeout},
	}
}

var _ WebSearcher = (*HTTPSearcher)(nil)

type searchRequest struct {
	Query      string `json:"q"`
	MaxResults int    `json:"num"`
}

type searchResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
		Link    string `json:"link"`
	} `json:"organic"`
}

// Search runs one query and returns up to maxResults hits.
func (s *HTTPSearcher) Search(ctx context.Context, query string, maxResults int) ([]datatypes.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "WebSearch")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, searchRequestTimeout)
	defer cancel()

	body, err := json.Marshal(searchRequest{Query: query, MaxResults: maxResults})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-KEY", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("search provider returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := make([]datatypes.SearchResult, 0, len(parsed.Organic))
	for _, hit := range parsed.Organic {
		if len(results) >= maxResults {
			break
		}
		results = append(results, datatypes.SearchResult{
			Title:   hit.Title,
			Snippet: hit.Snippet,
			URL:     hit.Link,
		})
	}

	slog.Debug("Web search complete", "query", query, "results", len(results))
	return results, nil
}
