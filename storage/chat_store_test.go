// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/InletAI/InletDocs/datatypes"
)

func newMockChatStore(t *testing.T) (*ChatStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Discard,
	})
	require.NoError(t, err)
	return NewChatStore(db), mock
}

func chatRow(id string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "document_id"}).
		AddRow(id, "user-1", "doc-1")
}

func TestChatStore_GetOrCreateChat_UpsertThenRead(t *testing.T) {
	store, mock := newMockChatStore(t)
	mock.ExpectExec("INSERT INTO `chats`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT \\* FROM `chats`").
		WillReturnRows(chatRow("chat-1"))

	id, err := store.GetOrCreateChat(context.Background(), "user-1", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "chat-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChatStore_GetOrCreateChat_CollapsesConcurrentCalls(t *testing.T) {
	store, mock := newMockChatStore(t)

	// One upsert and one read for the whole burst. The delayed exec
	// keeps the first flight in progress while the remaining callers
	// arrive, so they all join it instead of issuing their own.
	mock.ExpectExec("INSERT INTO `chats`").
		WillDelayFor(150 * time.Millisecond).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT \\* FROM `chats`").
		WillReturnRows(chatRow("chat-1"))

	const callers = 8
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ids[0], errs[0] = store.GetOrCreateChat(context.Background(), "user-1", "doc-1")
	}()
	time.Sleep(20 * time.Millisecond)
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = store.GetOrCreateChat(context.Background(), "user-1", "doc-1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "chat-1", ids[i], "caller %d", i)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChatStore_GetOrCreateChat_UpsertFailure(t *testing.T) {
	store, mock := newMockChatStore(t)
	mock.ExpectExec("INSERT INTO `chats`").
		WillReturnError(errors.New("connection reset"))

	_, err := store.GetOrCreateChat(context.Background(), "user-1", "doc-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat upsert failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChatStore_AppendMessage(t *testing.T) {
	store, mock := newMockChatStore(t)
	mock.ExpectExec("INSERT INTO `chat_messages`").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.AppendMessage(context.Background(), "chat-1", datatypes.SenderUser, "hello")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
