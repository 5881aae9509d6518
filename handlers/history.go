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

	"github.com/InletAI/InletDocs/datatypes"
	"github.com/InletAI/InletDocs/middleware"
	"github.com/InletAI/InletDocs/storage"
)

const defaultHistoryPageSize = 50

// GetChatHistory returns the recent transcript for one of the caller's
// document conversations.
//
// # Description
//
// The fast path reads the ephemeral Redis transcript. When that list is
// empty (expired or never written), the durable chat log is consulted
// and its messages are rendered into the same "Role: text" line format,
// so clients see one shape regardless of which store answered.
func GetChatHistory(chats *storage.ChatStore, history *storage.HistoryStore) gin.HandlerFunc {
	if chats == nil || history == nil {
		panic("GetChatHistory: stores must not be nil")
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
		documentID := c.Param("documentId")
		if documentID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "documentId is required"})
			return
		}

		ctx := c.Request.Context()
		lines, err := history.Recent(ctx, userID, documentID, defaultHistoryPageSize)
		if err != nil {
			slog.Warn("Ephemeral history read failed, falling back to durable log",
				"user_id", userID, "document_id", documentID, "error", err)
			lines = nil
		}

		if len(lines) == 0 {
			chatID, err := chats.GetOrCreateChat(ctx, userID, documentID)
			if err != nil {
				slog.Error("Failed to resolve chat for history",
					"user_id", userID, "document_id", documentID, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "could not load history",
				})
				return
			}
			msgs, err := chats.RecentMessages(ctx, chatID, defaultHistoryPageSize)
			if err != nil {
				slog.Error("Failed to read durable chat log",
					"user_id", userID, "document_id", documentID, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "could not load history",
				})
				return
			}
			for _, m := range msgs {
				lines = append(lines, datatypes.HistoryLine(m.Sender, m.Text))
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"documentId": documentID,
			"history":    lines,
		})
	}
}
