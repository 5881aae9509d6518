// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/InletAI/InletDocs/datatypes"
	"github.com/InletAI/InletDocs/llm"
)

const (
	// maxSummarizerInputRunes bounds the text handed to the summarization
	// provider in one call.
	maxSummarizerInputRunes = 8000

	// summaryLabel prefixes the low-relevance summary inside the
	// assembled context.
	summaryLabel = "Additional background (summarized):\n"

	chunkSeparator = "\n\n"
)

// ContextBuilder turns ranked matches into a token-budgeted prompt
// context: the top matches go in verbatim, the tail is summarized.
type ContextBuilder struct {
	llmClient llm.Client
	splitter  textsplitter.RecursiveCharacter
}

// NewContextBuilder creates a builder using the given client for
// summarization.
func NewContextBuilder(llmClient llm.Client) *ContextBuilder {
	if llmClient == nil {
		panic("NewContextBuilder: llmClient must not be nil")
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(maxSummarizerInputRunes),
		textsplitter.WithChunkOverlap(0),
	)
	return &ContextBuilder{llmClient: llmClient, splitter: splitter}
}

// SplitByRelevance partitions pre-ranked matches into a verbatim high
// set and a to-be-summarized low set.
//
// # Description
//
// The first min(topK, len(matches)) matches become the high-relevance
// set; the remainder become the low-relevance set. Matches are assumed
// pre-sorted descending by score, and order is preserved within both
// sets.
func SplitByRelevance(matches []datatypes.QueryMatch, topK int) (high, low []datatypes.QueryMatch) {
	if topK < 0 {
		topK = 0
	}
	if topK > len(matches) {
		topK = len(matches)
	}
	return matches[:topK], matches[topK:]
}

// SummarizeLowRelevance condenses the low-relevance set into one short
// passage.
//
// # Description
//
// An empty set returns "" without touching the provider. Otherwise the
// chunk texts are concatenated, bounded to the summarizer input limit
// (the recursive character splitter takes the leading piece when the
// concatenation is oversized), and summarized in a single shot.
func (b *ContextBuilder) SummarizeLowRelevance(ctx context.Context, low []datatypes.QueryMatch) (string, error) {
	if len(low) == 0 {
		return "", nil
	}

	texts := make([]string, 0, len(low))
	for _, m := range low {
		texts = append(texts, m.Text)
	}
	combined := strings.Join(texts, chunkSeparator)

	if len([]rune(combined)) > maxSummarizerInputRunes {
		pieces, err := b.splitter.SplitText(combined)
		if err != nil {
			return "", fmt.Errorf("failed to split summarizer input: %w", err)
		}
		if len(pieces) > 0 {
			slog.Debug("Truncated summarizer input", "pieces", len(pieces))
			combined = pieces[0]
		}
	}

	prompt := "Summarize the following document excerpts in a few sentences, " +
		"keeping every concrete fact that could help answer a question about the document:\n\n" + combined

	summary, err := b.llmClient.Generate(ctx, prompt, llm.GenerationParams{})
	if err != nil {
		return "", fmt.Errorf("low-relevance summarization failed: %w", err)
	}
	return strings.TrimSpace(summary), nil
}

// AssembleContext builds the prompt context for one generation call.
//
// # Description
//
// High-relevance chunk texts are concatenated verbatim, then the
// low-relevance summary is appended. When the combined text exceeds
// maxBudget runes, the low-relevance summary is truncated first (down to
// dropping it entirely), then trailing high-relevance content, so the
// earliest and most relevant material always survives. If the high set
// alone exceeds the budget, the summarizer is never invoked.
//
// # Outputs
//
//   - string: Assembled context, length <= maxBudget runes.
//   - error: Non-nil only if summarization fails.
func (b *ContextBuilder) AssembleContext(ctx context.Context, matches []datatypes.QueryMatch, topK, maxBudget int) (string, error) {
	high, low := SplitByRelevance(matches, topK)

	texts := make([]string, 0, len(high))
	for _, m := range high {
		texts = append(texts, m.Text)
	}
	highText := strings.Join(texts, chunkSeparator)

	if len([]rune(highText)) >= maxBudget {
		slog.Debug("High-relevance context exceeds budget, dropping low set",
			"highRunes", len([]rune(highText)), "budget", maxBudget)
		return truncateRunes(highText, maxBudget), nil
	}

	summary, err := b.SummarizeLowRelevance(ctx, low)
	if err != nil {
		return "", err
	}
	if summary == "" {
		return highText, nil
	}

	separator := chunkSeparator + summaryLabel
	remaining := maxBudget - len([]rune(highText)) - len([]rune(separator))
	if remaining <= 0 {
		return highText, nil
	}
	return highText + separator + truncateRunes(summary, remaining), nil
}

// truncateRunes cuts s to at most n runes without splitting one.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
