// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"errors"

	"github.com/jeranaias/rigserve/internal/ollama"
	"github.com/jeranaias/rigserve/internal/storage"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// Kind classifies a turn failure for transport-layer status mapping.
type Kind string

const (
	KindInvalidRequest       Kind = "invalid_request"
	KindConversationNotFound Kind = "conversation_not_found"
	KindModelNotFound        Kind = "model_not_found"
	KindInferenceTimeout     Kind = "inference_timeout"
	KindInferenceUnavailable Kind = "inference_unavailable"
	KindInternal             Kind = "internal"
)

// Error is a classified turn failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// mapInferenceError classifies a gateway failure.
func mapInferenceError(err error) *Error {
	switch {
	case ollama.IsModelNotFound(err):
		return &Error{Kind: KindModelNotFound, Message: "model is not available locally", Cause: err}
	case ollama.IsTimeout(err):
		return &Error{Kind: KindInferenceTimeout, Message: "inference timed out", Cause: err}
	case ollama.IsUnavailable(err):
		return &Error{Kind: KindInferenceUnavailable, Message: "inference backend is unavailable", Cause: err}
	default:
		return &Error{Kind: KindInternal, Message: "inference failed", Cause: err}
	}
}

// mapStoreError classifies a storage failure.
func mapStoreError(err error) *Error {
	if errors.Is(err, storage.ErrConversationNotFound) {
		return &Error{Kind: KindConversationNotFound, Message: "conversation not found", Cause: err}
	}
	return &Error{Kind: KindInternal, Message: "storage failure", Cause: err}
}
