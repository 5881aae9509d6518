// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers provides the WebSocket gateway for document Q&A.
//
// # Description
//
// A client opens one WebSocket per document conversation, authenticated
// before the upgrade. Each connection gets a Session with dedicated read
// and write pumps; the Hub tracks live sessions per user so the service
// can observe who is connected and close everything on shutdown.
package handlers

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/InletAI/InletDocs/datatypes"
	"github.com/InletAI/InletDocs/observability"
)

// Hub tracks active WebSocket sessions grouped by user.
//
// A user may hold several sessions at once (one per open document).
// Registration and removal go through channels consumed by Run, so the
// session map is only touched from one goroutine.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}

	register   chan *Session
	unregister chan *Session
	done       chan struct{}
}

// NewHub creates an empty session hub. Call Run in a goroutine before
// serving connections.
func NewHub() *Hub {
	return &Hub{
		sessions:   make(map[string]map[*Session]struct{}),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		done:       make(chan struct{}),
	}
}

// Run consumes registration events until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			set, ok := h.sessions[s.UserID]
			if !ok {
				set = make(map[*Session]struct{})
				h.sessions[s.UserID] = set
			}
			set[s] = struct{}{}
			h.mu.Unlock()
			if observability.DefaultMetrics != nil {
				observability.DefaultMetrics.SessionOpened()
			}
			slog.Info("WebSocket session registered",
				"user_id", s.UserID, "session_id", s.ID)

		case s := <-h.unregister:
			h.mu.Lock()
			if set, ok := h.sessions[s.UserID]; ok {
				if _, present := set[s]; present {
					delete(set, s)
					close(s.send)
					if len(set) == 0 {
						delete(h.sessions, s.UserID)
					}
					if observability.DefaultMetrics != nil {
						observability.DefaultMetrics.SessionClosed()
					}
				}
			}
			h.mu.Unlock()
			slog.Info("WebSocket session removed",
				"user_id", s.UserID, "session_id", s.ID)

		case <-h.done:
			return
		}
	}
}

// Register adds a session to the hub.
func (h *Hub) Register(s *Session) {
	h.register <- s
}

// Unregister removes a session and closes its send channel. Safe to
// call more than once for the same session.
func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// ActiveSessions returns the number of live sessions for a user.
func (h *Hub) ActiveSessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// EmitToUser pushes an event to every live session of the user. Events
// are dropped for sessions whose send buffer is full.
func (h *Hub) EmitToUser(userID string, event datatypes.ServerEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("Failed to marshal server event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions[userID] {
		select {
		case s.send <- payload:
		default:
			slog.Warn("Dropping event for slow session",
				"user_id", userID, "session_id", s.ID)
		}
	}
}

// Stop terminates the Run loop and closes every live session.
func (h *Hub) Stop() {
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for userID, set := range h.sessions {
		for s := range set {
			close(s.send)
			s.conn.Close()
			count++
		}
		delete(h.sessions, userID)
	}
	slog.Info("Hub stopped", "closed_sessions", count)
}
