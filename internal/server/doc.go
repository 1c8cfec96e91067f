// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the rigserve HTTP API.
//
// # Endpoints
//
//   - POST   /v1/chat                 - Complete one chat turn
//   - POST   /v1/chat/stream          - Complete one chat turn over SSE
//   - GET    /v1/models               - List models on the inference backend
//   - GET    /v1/conversations        - List conversations for a project/user
//   - GET    /v1/conversations/{id}   - Fetch a conversation with messages
//   - DELETE /v1/conversations/{id}   - Delete a conversation
//   - POST   /v1/documents            - Ingest a document for retrieval
//   - DELETE /v1/documents/{id}       - Remove an ingested document
//   - GET    /health                  - Health check
//   - GET    /stats                   - Usage statistics
//
// Errors are returned as {"error": {"kind": ..., "message": ...}} with the
// kind mirroring the chat package's failure classification.
//
// # Security Features
//
//   - Bearer token authentication with constant-time comparison
//   - IP allowlist for access control
//   - CORS headers for cross-origin requests
//   - Per-IP token-bucket rate limiting
//   - Security headers (X-Content-Type-Options, X-Frame-Options, etc.)
//
// # Usage
//
//	srv := server.NewServer("127.0.0.1", 8090, logger).
//		WithChatService(svc).
//		WithStore(store).
//		WithBackend(client)
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
package server
