// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversations and messages in SQLite.
//
// Conversations belong to a (project, user) pair; every lookup and delete is
// ownership-checked, and a conversation owned by someone else is
// indistinguishable from a missing one. Messages cascade-delete with their
// conversation, and the per-conversation token total is incremented inside
// the database so concurrent turns never lose updates.
//
// # Usage
//
// Open a store and record a turn:
//
//	store, err := storage.Open(dbPath)
//	conv, err := store.CreateConversation(ctx, projectID, userID, title, systemPrompt)
//	_, err = store.AppendMessage(ctx, conv.ID, storage.RoleUser, text, tokens)
//
// The database uses WAL mode with a single writer connection, which is the
// concurrency model SQLite actually supports.
package storage
