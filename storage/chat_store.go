// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/InletAI/InletDocs/datatypes"
)

// ChatStore owns the durable chat log in the relational store.
//
// # Thread Safety
//
// Safe for concurrent use. Cross-process correctness of GetOrCreateChat
// rests on the database's conflict handling, not on any in-process lock;
// the singleflight group only collapses redundant concurrent upserts
// inside one process.
type ChatStore struct {
	db    *gorm.DB
	group singleflight.Group
}

// NewChatStore creates a store over the given gorm handle.
func NewChatStore(db *gorm.DB) *ChatStore {
	if db == nil {
		panic("NewChatStore: db must not be nil")
	}
	return &ChatStore{db: db}
}

// AutoMigrate creates or updates the chat tables.
func (s *ChatStore) AutoMigrate() error {
	return s.db.AutoMigrate(&datatypes.Chat{}, &datatypes.ChatMessage{})
}

// GetOrCreateChat resolves the chat for one (user, document) pair,
// creating it on first use.
//
// # Description
//
// A single INSERT ... ON DUPLICATE KEY UPDATE against the composite
// unique index either inserts a fresh row or touches the existing row's
// updated_at. Because the insert may lose the conflict, the generated ID
// cannot be trusted; the row is read back by its natural key afterwards.
// Under concurrent first questions for the same pair, every caller
// observes the same chat ID and exactly one row ever exists.
//
// # Outputs
//
//   - string: The chat ID.
//   - error: Non-nil if the upsert or the follow-up read fails.
func (s *ChatStore) GetOrCreateChat(ctx context.Context, userID, documentID string) (string, error) {
	key := userID + "|" + documentID
	id, err, _ := s.group.Do(key, func() (interface{}, error) {
		chat := datatypes.Chat{
			ID:         uuid.New().String(),
			UserID:     userID,
			DocumentID: documentID,
		}
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "document_id"}},
				DoUpdates: clause.Assignments(map[string]interface{}{"updated_at": time.Now()}),
			}).
			Create(&chat).Error
		if err != nil {
			return "", fmt.Errorf("chat upsert failed: %w", err)
		}

		var existing datatypes.Chat
		err = s.db.WithContext(ctx).
			Where("user_id = ? AND document_id = ?", userID, documentID).
			First(&existing).Error
		if err != nil {
			return "", fmt.Errorf("chat lookup after upsert failed: %w", err)
		}
		return existing.ID, nil
	})
	if err != nil {
		return "", err
	}
	return id.(string), nil
}

// AppendMessage durably appends one message to a chat's log.
func (s *ChatStore) AppendMessage(ctx context.Context, chatID, sender, text string) error {
	msg := datatypes.ChatMessage{
		ID:     uuid.New().String(),
		ChatID: chatID,
		Sender: sender,
		Text:   text,
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return fmt.Errorf("message insert failed: %w", err)
	}
	return nil
}

// RecentMessages returns the latest n messages of a chat, oldest first.
func (s *ChatStore) RecentMessages(ctx context.Context, chatID string, n int) ([]datatypes.ChatMessage, error) {
	var msgs []datatypes.ChatMessage
	err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC").
		Limit(n).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("message query failed: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
