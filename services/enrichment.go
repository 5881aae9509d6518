// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"fmt"
	"strings"

	"github.com/InletAI/InletDocs/datatypes"
)

// ignoranceMarkers are phrases that signal the model could not answer
// from the retrieved context. Matching is case-insensitive on the full
// accumulated answer.
var ignoranceMarkers = []string{
	"i don't know",
	"i do not know",
	"i'm not sure",
	"not enough information",
	"no information about",
	"cannot answer",
	"can't answer",
	"does not mention",
	"doesn't mention",
	"not mentioned in the context",
	"not covered in the document",
}

// NeedsEnrichment reports whether an answer signals missing knowledge
// and is therefore worth a web-search follow-up.
func NeedsEnrichment(answer string) bool {
	lowered := strings.ToLower(answer)
	for _, marker := range ignoranceMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// BuildEnrichmentQuery derives the web-search query from the question.
func BuildEnrichmentQuery(question string) string {
	return strings.TrimSpace(question)
}

// BuildEnrichmentPrompt builds the follow-up generation prompt from the
// original question and the web search results.
func BuildEnrichmentPrompt(question string, results []datatypes.SearchResult) string {
	var sb strings.Builder
	sb.WriteString("The user's document did not contain enough information to answer. ")
	sb.WriteString("Use the following web search results to continue the answer. ")
	sb.WriteString("Begin with a brief note that the following comes from the web, not the document.\n\n")
	sb.WriteString("Web search results:\n")
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n%s\n(%s)\n\n", i+1, r.Title, r.Snippet, r.URL)
	}
	sb.WriteString("Question: ")
	sb.WriteString(question)
	return sb.String()
}
