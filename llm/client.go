// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import "context"

// GenerationParams tunes a single generation call. Nil pointer fields
// leave the backend default in place.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamEventType discriminates the values pushed onto a stream channel.
type StreamEventType int

const (
	// StreamEventToken carries one text delta.
	StreamEventToken StreamEventType = iota

	// StreamEventDone is the end-of-stream sentinel. Exactly one is sent
	// on a successful stream, after the final token.
	StreamEventDone

	// StreamEventError is the terminal failure sentinel. No further
	// events follow it.
	StreamEventError
)

// StreamEvent is one item produced by ChatStream. End-of-stream and
// errors are explicit sentinel events rather than implicit channel
// closure, so a consumer can distinguish completion from failure.
type StreamEvent struct {
	Type  StreamEventType
	Token string
	Err   error
}

// Client is the standard interface for any LLM backend.
//
// Generate is a single-shot completion, used for summarization.
// ChatStream returns a channel of deltas produced by a background
// goroutine; the producer honors ctx cancellation, always sends a Done
// or Error sentinel, and always closes the channel afterwards. A
// returned stream is finite, single-pass, and not restartable.
type Client interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	ChatStream(ctx context.Context, prompt string, params GenerationParams) (<-chan StreamEvent, error)
}

// streamBufferSize bounds the producer/consumer gap on a stream channel.
// A slow WebSocket writer backpressures the producer instead of letting
// it buffer the whole answer in memory.
const streamBufferSize = 32
