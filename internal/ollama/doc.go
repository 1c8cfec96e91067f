// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with Ollama API.
//
// This package is the inference gateway: it turns assembled prompts into
// completions against a locally hosted model, supporting both blocking and
// streaming chat.
//
// # Key Types
//
//   - Client: HTTP client for Ollama API communication
//   - Message: Chat message with role and content
//   - ChatResponse: Response structure with message and metrics
//   - StreamChunk: One delta of a streaming response
//
// # Errors
//
// Failures map onto a small taxonomy checked with IsTimeout, IsUnavailable,
// and IsModelNotFound. Transient connection failures are retried with a
// fixed delay; timeouts are surfaced immediately and never retried.
//
// # Usage
//
// Create a client and send a chat request:
//
//	client := ollama.NewClient()
//	resp, err := client.Chat(ctx, "llama3", messages)
//
// For streaming responses:
//
//	for chunk := range client.ChatStreamChan(ctx, "llama3", messages) {
//	    if chunk.Error != nil {
//	        return chunk.Error
//	    }
//	    fmt.Print(chunk.Content)
//	}
package ollama
