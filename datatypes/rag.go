// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// QueryMatch is one ranked hit from the vector index. Score is the
// index's certainty in [0,1], higher meaning more relevant. Vector is
// populated only when the caller asked for raw embeddings.
type QueryMatch struct {
	ID     string    `json:"id"`
	Score  float64   `json:"score"`
	Text   string    `json:"text"`
	Vector []float32 `json:"vector,omitempty"`
}

// SearchResult is one hit from the web-search collaborator used by the
// enrichment pass.
type SearchResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}
