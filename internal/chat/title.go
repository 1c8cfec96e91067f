// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigserve/internal/ollama"
	"github.com/jeranaias/rigserve/internal/util"
)

// =============================================================================
// CONVERSATION TITLES
// =============================================================================

const (
	// autoTitleWords is how many leading words of the first message seed the
	// provisional title.
	autoTitleWords = 8

	// autoTitleMaxLength caps the provisional title taken from the first
	// message.
	autoTitleMaxLength = 50

	// titleSnippetLength is how much of the first message the title model
	// sees.
	titleSnippetLength = 200

	// refinedTitleMaxLength caps a model-generated title.
	refinedTitleMaxLength = 100

	// defaultTitleTimeout bounds the title-refinement call. Refinement is
	// cosmetic and must never stall a turn.
	defaultTitleTimeout = 10 * time.Second
)

// provisionalTitle derives an immediate title from the first few words of
// the user's message, rune-capped for display.
func provisionalTitle(message string) string {
	title := util.FirstWords(message, autoTitleWords)
	if title == "" {
		return "New conversation"
	}
	return util.TruncateRunes(title, autoTitleMaxLength)
}

// refineTitle asks the model for a short title once the first exchange is
// complete. Any failure falls back to the provisional title; refinement
// never fails a turn.
func (s *Service) refineTitle(ctx context.Context, conversationID, model, firstMessage string) {
	timeout := s.cfg.TitleTimeout
	if timeout <= 0 {
		timeout = defaultTitleTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	snippet := util.TruncateRunesNoEllipsis(firstMessage, titleSnippetLength)
	prompt := fmt.Sprintf(
		"Generate a short, concise 3-6 word title for a conversation that starts with: '%s'. Reply with ONLY the title, no quotes or punctuation.",
		snippet)

	resp, err := s.gateway.Chat(ctx, model, []ollama.Message{ollama.NewUserMessage(prompt)})
	if err != nil {
		s.logger.Debug("TITLE_REFINEMENT_SKIPPED",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		return
	}

	title := cleanTitle(resp.Message.Content)
	if title == "" {
		return
	}

	if err := s.store.SetTitle(ctx, conversationID, title); err != nil {
		s.logger.Warn("TITLE_UPDATE_FAILED",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}
}

// cleanTitle normalizes a model-generated title: single line, quotes
// stripped, length capped.
func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, `"'`)
	title = strings.TrimSpace(title)
	if title == "" {
		return ""
	}
	return util.TruncateRunes(title, refinedTitleMaxLength)
}
