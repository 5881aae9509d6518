// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"time"
)

// Message senders. Messages are append-only; nothing in the pipeline
// updates or deletes a row once written.
const (
	SenderUser = "user"
	SenderAI   = "ai"
)

// Chat is the durable conversation record for one (user, document) pair.
// Exactly one row exists per pair, enforced by the composite unique index;
// creation goes through an atomic upsert so concurrent first questions
// cannot race a duplicate into existence.
type Chat struct {
	ID         string    `gorm:"type:char(36);primaryKey" json:"id"`
	UserID     string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_chat_user_document,priority:1" json:"userId"`
	DocumentID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_chat_user_document,priority:2" json:"documentId"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (Chat) TableName() string { return "chats" }

// ChatMessage is one appended message in a chat's durable log.
type ChatMessage struct {
	ID        string    `gorm:"type:char(36);primaryKey" json:"id"`
	ChatID    string    `gorm:"type:char(36);not null;index" json:"chatId"`
	Sender    string    `gorm:"type:varchar(16);not null" json:"sender"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

func (ChatMessage) TableName() string { return "chat_messages" }

// HistoryLine formats a message for the ephemeral history list.
// The cache stores plain "Role: text" lines, not JSON, so the prompt
// builder can splice them in verbatim.
func HistoryLine(sender, text string) string {
	role := "User"
	if sender == SenderAI {
		role = "AI"
	}
	return fmt.Sprintf("%s: %s", role, text)
}
