// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// GetDocumentChunkSchema returns the class definition for ingested chunks.
// The ingestion worker owns writes; the vectorizer is "none" because
// vectors are computed externally by the embedding service.
func GetDocumentChunkSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       ChunkClassName,
		Description: "A chunk of an ingested document with its embedding.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:         "text",
				DataType:     []string{"text"},
				Description:  "The chunk text.",
				Tokenization: "word",
			},
			{
				Name:            "owner_id",
				DataType:        []string{"text"},
				Description:     "Identity of the user who owns the source document.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "document_id",
				DataType:        []string{"text"},
				Description:     "Identifier of the source document.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "chunk_index",
				DataType:        []string{"int"},
				Description:     "Position of the chunk within the source document.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// EnsureSchema creates the DocumentChunk class if it does not exist yet.
// Safe to call on every startup.
func EnsureSchema(ctx context.Context, client *weaviate.Client) error {
	class := GetDocumentChunkSchema()

	_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
	if err == nil {
		slog.Debug("Weaviate class already exists", "class", class.Class)
		return nil
	}

	slog.Info("Creating Weaviate class", "class", class.Class)
	if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return err
	}
	return nil
}
