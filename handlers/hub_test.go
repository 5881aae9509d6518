// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InletAI/InletDocs/datatypes"
)

// Sessions in these tests carry no live connection; only the send
// channel side of a Session is exercised.

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer close(hub.done)

	s1 := NewSession(nil, "user-1")
	s2 := NewSession(nil, "user-1")
	hub.Register(s1)
	hub.Register(s2)

	require.Eventually(t, func() bool {
		return hub.ActiveSessions("user-1") == 2
	}, time.Second, 10*time.Millisecond)

	hub.Unregister(s1)
	require.Eventually(t, func() bool {
		return hub.ActiveSessions("user-1") == 1
	}, time.Second, 10*time.Millisecond)

	// The removed session's send channel is closed.
	_, open := <-s1.send
	assert.False(t, open)
}

// TestHub_EmitToUserFansOut verifies that an event reaches every live
// session of the target user and nobody else.
func TestHub_EmitToUserFansOut(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer close(hub.done)

	mine1 := NewSession(nil, "user-1")
	mine2 := NewSession(nil, "user-1")
	other := NewSession(nil, "user-2")
	hub.Register(mine1)
	hub.Register(mine2)
	hub.Register(other)

	require.Eventually(t, func() bool {
		return hub.ActiveSessions("user-1") == 2 && hub.ActiveSessions("user-2") == 1
	}, time.Second, 10*time.Millisecond)

	hub.EmitToUser("user-1", datatypes.NewAnswerChunk("hello"))

	for _, s := range []*Session{mine1, mine2} {
		select {
		case payload := <-s.send:
			var event datatypes.ServerEvent
			require.NoError(t, json.Unmarshal(payload, &event))
			assert.Equal(t, datatypes.EventAnswerChunk, event.Event)
			assert.Equal(t, "hello", event.Token)
		case <-time.After(time.Second):
			t.Fatal("session did not receive the event")
		}
	}

	select {
	case <-other.send:
		t.Fatal("event leaked to another user's session")
	default:
	}
}

// TestSession_EmitAfterCloseIsNoop verifies that a pipeline finishing
// after disconnect cannot panic on the closed send channel.
func TestSession_EmitAfterCloseIsNoop(t *testing.T) {
	s := NewSession(nil, "user-1")
	s.markClosed()
	close(s.send)

	assert.NotPanics(t, func() {
		s.Emit(datatypes.NewAnswerChunk("late token"))
	})
}

// TestSession_EmitQueuesEvents verifies ordered delivery into the send
// buffer.
func TestSession_EmitQueuesEvents(t *testing.T) {
	s := NewSession(nil, "user-1")
	s.Emit(datatypes.NewAnswerChunk("a"))
	s.Emit(datatypes.NewAnswerComplete())

	var first, second datatypes.ServerEvent
	require.NoError(t, json.Unmarshal(<-s.send, &first))
	require.NoError(t, json.Unmarshal(<-s.send, &second))
	assert.Equal(t, datatypes.EventAnswerChunk, first.Event)
	assert.Equal(t, datatypes.EventAnswerComplete, second.Event)
}
