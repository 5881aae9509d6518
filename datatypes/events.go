// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// Wire events for the question-answering channel. One JSON object per
// WebSocket text frame, discriminated by the "event" field.
const (
	EventQuestion       = "question"
	EventAnswerChunk    = "answer_chunk"
	EventAnswerComplete = "answer_complete"
	EventError          = "error"
)

// QuestionEvent is the single client-to-server event. ChatHistory is an
// optional client-supplied transcript used only when the server-side
// history cache is cold.
type QuestionEvent struct {
	Event        string   `json:"event"`
	DocumentID   string   `json:"documentId" validate:"required"`
	QuestionText string   `json:"questionText" validate:"required"`
	ChatHistory  []string `json:"chatHistory,omitempty"`
}

// ServerEvent is the envelope for every server-to-client emission.
// Token is set for answer_chunk, Message for error; answer_complete
// carries neither.
type ServerEvent struct {
	Event   string `json:"event"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewAnswerChunk wraps one generation delta.
func NewAnswerChunk(token string) ServerEvent {
	return ServerEvent{Event: EventAnswerChunk, Token: token}
}

// NewAnswerComplete marks the end of one logical answer.
func NewAnswerComplete() ServerEvent {
	return ServerEvent{Event: EventAnswerComplete}
}

// NewErrorEvent carries a client-safe failure message. Callers must pass
// an already-sanitized message; provider detail stays in the logs.
func NewErrorEvent(message string) ServerEvent {
	return ServerEvent{Event: EventError, Message: message}
}
