// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"

	"go.uber.org/zap"
)

// =============================================================================
// TOOL ROUTER
// =============================================================================

// Router inspects a user message against the closed set of registered tools
// and runs the first enabled tool whose trigger pattern matches. The
// registration order is the precedence order.
type Router struct {
	tools  []Tool
	logger *zap.Logger
}

// NewRouter creates a router over the given tools. A nil logger is replaced
// with a no-op.
func NewRouter(logger *zap.Logger, available ...Tool) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		tools:  available,
		logger: logger,
	}
}

// Names returns the identifiers of the registered tools in precedence order.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.tools))
	for _, t := range r.tools {
		names = append(names, t.Name())
	}
	return names
}

// Route runs at most one tool against the message. Tools absent from the
// enabled set are never considered. A tool that matched but rejected its
// input (*InputError) counts as not applicable and routing moves on to the
// next tool. Transport failures stop routing and surface to the caller,
// which is expected to log them and answer without tool context.
//
// Returns (nil, nil) when no enabled tool applies.
func (r *Router) Route(ctx context.Context, message string, enabled []string) (*Invocation, error) {
	if len(enabled) == 0 {
		return nil, nil
	}

	allowed := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		allowed[name] = true
	}

	for _, tool := range r.tools {
		if !allowed[tool.Name()] {
			continue
		}
		if !tool.Applies(message) {
			continue
		}

		text, err := tool.Run(ctx, message)
		if err != nil {
			if IsInputError(err) {
				r.logger.Info("TOOL_INPUT_REJECTED",
					zap.String("tool", tool.Name()),
					zap.Error(err))
				continue
			}
			return nil, err
		}

		r.logger.Info("TOOL_EXECUTED",
			zap.String("tool", tool.Name()),
			zap.Int("fragment_len", len(text)))
		return &Invocation{Tool: tool.Name(), Text: text}, nil
	}

	return nil, nil
}
