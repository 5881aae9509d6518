// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/InletAI/InletDocs/datatypes"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long we tolerate silence before dropping the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps an inbound question frame in bytes.
	maxMessageSize = 16 * 1024

	sendBufferSize = 256
)

// Session is one authenticated WebSocket connection.
//
// The read pump parses question events and hands them to the dispatch
// callback; the write pump owns the connection for writes and keeps the
// peer alive with pings. Emit is safe to call from any goroutine and
// keeps working until the session is unregistered, so a pipeline that
// outlives an exchange can still deliver its remaining events.
type Session struct {
	ID     string
	UserID string

	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	closeMu sync.RWMutex
	closed  bool
}

// NewSession wraps an upgraded connection for the given user.
func NewSession(conn *websocket.Conn, userID string) *Session {
	return &Session{
		ID:      uuid.New().String(),
		UserID:  userID,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

// Emit queues a server event for delivery to this session's peer.
// Events arriving after the session closed are dropped silently.
func (s *Session) Emit(event datatypes.ServerEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("Failed to marshal server event",
			"user_id", s.UserID, "session_id", s.ID, "error", err)
		return
	}

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.send <- payload:
	default:
		slog.Warn("Send buffer full, dropping event",
			"user_id", s.UserID, "session_id", s.ID, "event", event.Event)
	}
}

// markClosed flips the session to closed before the send channel goes
// away, so late Emit calls become no-ops instead of panics.
func (s *Session) markClosed() {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()
}

// readPump reads question frames until the peer disconnects.
//
// Each parsed question is handed to dispatch; malformed frames produce
// an error event but keep the connection open. The rate limiter sheds
// clients that flood questions faster than answers can stream.
func (s *Session) readPump(dispatch func(*Session, datatypes.QuestionEvent)) {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("WebSocket unexpected close",
					"user_id", s.UserID, "session_id", s.ID, "error", err)
			}
			return
		}

		if !s.limiter.Allow() {
			s.Emit(datatypes.NewErrorEvent("Too many questions, slow down."))
			continue
		}

		var event datatypes.QuestionEvent
		if err := json.Unmarshal(message, &event); err != nil {
			slog.Warn("Malformed client frame",
				"user_id", s.UserID, "session_id", s.ID, "error", err)
			s.Emit(datatypes.NewErrorEvent("Could not parse the question event."))
			continue
		}

		dispatch(s, event)
	}
}

// writePump owns all writes on the connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Warn("WebSocket write failed",
					"user_id", s.UserID, "session_id", s.ID, "error", err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
