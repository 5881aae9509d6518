// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/InletAI/InletDocs/datatypes"
)

// ChunkClassName is the Weaviate class holding ingested document chunks.
// The ingestion worker writes it; this service only reads.
const ChunkClassName = "DocumentChunk"

// Searcher performs similarity search over ingested document chunks.
type Searcher interface {
	Query(ctx context.Context, vector []float32, userID, documentID string, topK int) ([]datatypes.QueryMatch, error)
}

// WeaviateSearcher implements Searcher against a Weaviate instance.
//
// # Description
//
// Every query carries a combined And filter on owner_id and document_id,
// so a caller can never observe chunks belonging to another owner or
// another document. Relevance is Weaviate's certainty, always in [0,1],
// requested instead of distance which varies by metric.
//
// # Thread Safety
//
// Safe for concurrent use. The underlying Weaviate client handles
// connection pooling.
type WeaviateSearcher struct {
	client *weaviate.Client
}

// NewWeaviateSearcher creates a searcher over the given client.
func NewWeaviateSearcher(client *weaviate.Client) *WeaviateSearcher {
	if client == nil {
		panic("NewWeaviateSearcher: client must not be nil")
	}
	return &WeaviateSearcher{client: client}
}

var _ Searcher = (*WeaviateSearcher)(nil)

// Query runs a nearVector search scoped to one (owner, document) pair.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - vector: The query embedding.
//   - userID: Owner scope; results are filtered to this owner only.
//   - documentID: Document scope within the owner.
//   - topK: Maximum number of matches to return.
//
// # Outputs
//
//   - []datatypes.QueryMatch: Ranked matches, highest certainty first.
//   - error: Non-nil if the search or response parsing fails.
func (s *WeaviateSearcher) Query(ctx context.Context, vector []float32, userID, documentID string, topK int) ([]datatypes.QueryMatch, error) {
	ctx, span := tracer.Start(ctx, "VectorQuery")
	defer span.End()

	if topK <= 0 {
		return nil, nil
	}

	ownerFilter := filters.Where().
		WithPath([]string{"owner_id"}).
		WithOperator(filters.Equal).
		WithValueString(userID)

	documentFilter := filters.Where().
		WithPath([]string{"document_id"}).
		WithOperator(filters.Equal).
		WithValueString(documentID)

	combinedFilter := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{ownerFilter, documentFilter})

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	fields := []graphql.Field{
		{Name: "text"},
		{Name: "document_id"},
		{Name: "owner_id"},
		{Name: "chunk_index"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
		}},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(ChunkClassName).
		WithFields(fields...).
		WithWhere(combinedFilter).
		WithNearVector(nearVector).
		WithLimit(topK).
		Do(ctx)

	if err != nil {
		slog.Error("Vector search failed", "error", err, "documentID", documentID)
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.DocumentChunkQueryResponse](result)
	if err != nil {
		slog.Error("Failed to parse vector search results", "error", err)
		return nil, fmt.Errorf("failed to parse results: %w", err)
	}

	matches := make([]datatypes.QueryMatch, 0, len(parsed.Get.DocumentChunk))
	for _, hit := range parsed.Get.DocumentChunk {
		matches = append(matches, datatypes.QueryMatch{
			ID:    hit.Additional.ID,
			Score: hit.Additional.Certainty,
			Text:  hit.Text,
		})
	}

	slog.Debug("Vector search complete", "documentID", documentID, "matches", len(matches))
	return matches, nil
}
