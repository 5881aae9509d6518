// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistoryLine(t *testing.T) {
	assert.Equal(t, "User: hello", HistoryLine(SenderUser, "hello"))
	assert.Equal(t, "AI: hi there", HistoryLine(SenderAI, "hi there"))
	// Anything that is not the AI reads as the user side.
	assert.Equal(t, "User: note", HistoryLine("system", "note"))
}

func TestServerEventConstructors(t *testing.T) {
	chunk := NewAnswerChunk("tok")
	assert.Equal(t, EventAnswerChunk, chunk.Event)
	assert.Equal(t, "tok", chunk.Token)

	complete := NewAnswerComplete()
	assert.Equal(t, EventAnswerComplete, complete.Event)
	assert.Empty(t, complete.Token)

	errEvent := NewErrorEvent("something broke")
	assert.Equal(t, EventError, errEvent.Event)
	assert.Equal(t, "something broke", errEvent.Message)
}
