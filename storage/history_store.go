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

	"github.com/go-redis/redis/v8"
)

const (
	// MaxHistoryEntries is the post-trim bound on the ephemeral list.
	MaxHistoryEntries = 100

	// historyTTL is the sliding expiry refreshed on every append.
	historyTTL = 24 * time.Hour
)

// HistoryStore keeps the bounded ephemeral chat transcript in Redis,
// one list per (user, document) pair. Entries are plain "Role: text"
// lines, newest at the head.
type HistoryStore struct {
	rdb *redis.Client
}

// NewHistoryStore creates a store over the given Redis client.
func NewHistoryStore(rdb *redis.Client) *HistoryStore {
	if rdb == nil {
		panic("NewHistoryStore: rdb must not be nil")
	}
	return &HistoryStore{rdb: rdb}
}

// HistoryKey builds the list key for one (user, document) pair.
func HistoryKey(userID, documentID string) string {
	return fmt.Sprintf("qa:history:%s:%s", userID, documentID)
}

// Append pushes one formatted line and refreshes the 24h expiry.
func (s *HistoryStore) Append(ctx context.Context, userID, documentID, line string) error {
	key := HistoryKey(userID, documentID)
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, key, line)
	pipe.Expire(ctx, key, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history append failed: %w", err)
	}
	return nil
}

// Trim drops everything beyond the most recent max entries and
// refreshes the expiry. Called once after each full exchange.
func (s *HistoryStore) Trim(ctx context.Context, userID, documentID string, max int) error {
	if max <= 0 {
		max = MaxHistoryEntries
	}
	key := HistoryKey(userID, documentID)
	pipe := s.rdb.Pipeline()
	pipe.LTrim(ctx, key, 0, int64(max-1))
	pipe.Expire(ctx, key, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history trim failed: %w", err)
	}
	return nil
}

// Recent returns up to n lines in chronological order (oldest first).
func (s *HistoryStore) Recent(ctx context.Context, userID, documentID string, n int) ([]string, error) {
	key := HistoryKey(userID, documentID)
	lines, err := s.rdb.LRange(ctx, key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("history read failed: %w", err)
	}
	// LPUSH stores newest first; callers want a transcript.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}
