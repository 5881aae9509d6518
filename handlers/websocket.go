// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/InletAI/InletDocs/datatypes"
	"github.com/InletAI/InletDocs/middleware"
	"github.com/InletAI/InletDocs/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var validate = validator.New()

// userEmitter routes pipeline output through the hub so every live
// session of the user observes the same answer stream, not just the
// device that asked.
type userEmitter struct {
	hub    *Hub
	userID string
}

var _ services.Emitter = userEmitter{}

func (e userEmitter) Emit(event datatypes.ServerEvent) {
	e.hub.EmitToUser(e.userID, event)
}

// HandleQuestionWebSocket upgrades an authenticated request and serves
// question events until the client disconnects.
//
// # Description
//
// Authentication already happened in middleware; a request without a
// subject in context is a routing bug and is rejected before upgrade.
// Each inbound question is validated and dispatched to the pipeline in
// its own goroutine, with answer events fanned out through the hub to
// every live session of the user. Validation and pipeline errors emit
// an error event and leave the connection open for the next question.
func HandleQuestionWebSocket(hub *Hub, pipeline *services.QuestionPipeline) gin.HandlerFunc {
	if hub == nil || pipeline == nil {
		panic("HandleQuestionWebSocket: hub and pipeline must not be nil")
	}

	return func(c *gin.Context) {
		claims, ok := middleware.GetSubject(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		userID := claims.Subject()

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("WebSocket upgrade failed",
				"user_id", userID, "error", err)
			return
		}

		session := NewSession(conn, userID)
		hub.Register(session)
		defer func() {
			session.markClosed()
			hub.Unregister(session)
		}()

		go session.writePump()

		ctx := c.Request.Context()
		session.readPump(func(s *Session, event datatypes.QuestionEvent) {
			if event.Event != datatypes.EventQuestion {
				slog.Warn("Unsupported client event",
					"user_id", s.UserID, "event", event.Event)
				s.Emit(datatypes.NewErrorEvent("Unsupported event type."))
				return
			}

			if err := validate.Struct(event); err != nil {
				slog.Warn("Question event failed validation",
					"user_id", s.UserID, "document_id", event.DocumentID,
					"error", err)
				s.Emit(datatypes.NewErrorEvent(
					"Both documentId and questionText are required."))
				return
			}

			go func() {
				emitter := userEmitter{hub: hub, userID: s.UserID}
				if err := pipeline.Process(ctx, s.UserID, event, emitter); err != nil {
					// Process already emitted the client-facing error.
					slog.Debug("Question pipeline returned error",
						"user_id", s.UserID, "document_id", event.DocumentID)
				}
			}()
		})
	}
}
