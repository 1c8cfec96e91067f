// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"fmt"
	"strings"

	"github.com/jeranaias/rigserve/internal/ollama"
	"github.com/jeranaias/rigserve/internal/retrieval"
	"github.com/jeranaias/rigserve/internal/storage"
	"github.com/jeranaias/rigserve/internal/tokens"
	"github.com/jeranaias/rigserve/internal/tools"
	"github.com/jeranaias/rigserve/internal/util"
)

// =============================================================================
// ASSEMBLY CONSTANTS
// =============================================================================

const (
	// DefaultResponseMargin is the slice of the context window reserved for
	// the model's reply.
	DefaultResponseMargin = 1024

	// maxExcerpts caps how many retrieved excerpts enter the prompt.
	maxExcerpts = 3

	// excerptCharLimit caps each excerpt's text.
	excerptCharLimit = 500

	// charsPerTokenHint converts a token budget back into a character
	// allowance when an over-long message must be cut.
	charsPerTokenHint = 4
)

// =============================================================================
// INPUT AND OUTPUT
// =============================================================================

// Input carries everything the assembler folds into model context.
type Input struct {
	Model        string
	SystemPrompt string

	// Excerpts are retrieval hits, highest score first.
	Excerpts []retrieval.Excerpt

	// Tool is the fragment of the one tool that ran this turn, if any.
	Tool *tools.Invocation

	// History is the conversation so far, chronological order.
	History []storage.Message

	// UserMessage is the new message, always included even if it must be
	// cut to fit.
	UserMessage string

	// ResponseMargin reserves room for the reply. Zero or less falls back
	// to DefaultResponseMargin.
	ResponseMargin int
}

// Assembled is a ready-to-send prompt with its token accounting.
type Assembled struct {
	// Messages is the ordered context: system, surviving history, then the
	// new user message.
	Messages []ollama.Message

	// Usage breaks down estimated token consumption.
	Usage tokens.Usage

	// DroppedHistory counts history messages that did not fit the budget.
	DroppedHistory int

	// TruncatedMessage reports that the new user message itself was cut.
	TruncatedMessage bool

	// Overflowed reports that the budget forced truncation of the new
	// message. It is a warning, not an error; the prompt is still usable.
	Overflowed bool
}

// =============================================================================
// ASSEMBLER
// =============================================================================

// Assemble builds the model context for one turn. The system prompt,
// document excerpts, and tool fragment are always included; history fills
// whatever budget remains, newest turns first. The new user message is never
// dropped, but it is truncated when it alone would blow the budget.
//
// The assembled prompt never exceeds the model's context limit minus the
// response margin, except when the fixed context leaves less room than the
// estimator's floor for a nonempty message; that overshoot is bounded by the
// floor and comes out of the margin instead of failing the turn.
func Assemble(in Input) (*Assembled, error) {
	if strings.TrimSpace(in.UserMessage) == "" {
		return nil, fmt.Errorf("assemble: empty user message")
	}

	margin := in.ResponseMargin
	if margin <= 0 {
		margin = DefaultResponseMargin
	}
	limit := tokens.ContextLimit(in.Model)
	budget := limit - margin
	if budget <= 0 {
		return nil, fmt.Errorf("assemble: response margin %d leaves no room in a %d-token window", margin, limit)
	}

	docBlock := formatExcerpts(in.Excerpts)
	toolBlock := formatTool(in.Tool)

	systemContent := in.SystemPrompt
	if docBlock != "" {
		systemContent += "\n\n" + docBlock
	}
	if toolBlock != "" {
		systemContent += "\n\n" + toolBlock
	}

	systemTokens := tokens.Estimate(in.SystemPrompt)
	documentTokens := tokens.Estimate(docBlock) + tokens.Estimate(toolBlock)
	fixedTokens := systemTokens + documentTokens

	out := &Assembled{}

	// The new message is always sent. When it does not fit alongside the
	// fixed context, cut it down to the characters the remaining budget
	// can carry.
	userMessage := in.UserMessage
	userTokens := tokens.Estimate(userMessage)
	if fixedTokens+userTokens > budget {
		// The estimate carries a buffer on top of the raw chars/4 figure, so
		// a single proportional cut can still land over budget. Shrink until
		// the estimate fits. The message is never dropped: when the fixed
		// context leaves less room than the estimator's floor for a nonempty
		// message, the remainder comes out of the response margin.
		room := budget - fixedTokens
		allowed := room * charsPerTokenHint
		if allowed < 1 {
			allowed = 1
		}
		for {
			userMessage = util.TruncateRunesNoEllipsis(in.UserMessage, allowed)
			userTokens = tokens.Estimate(userMessage)
			if userTokens <= room || allowed <= 1 {
				break
			}
			allowed = allowed * 9 / 10
		}
		out.TruncatedMessage = true
		out.Overflowed = true
	}

	// Fill the rest with history, newest first, then restore order.
	remaining := budget - fixedTokens - userTokens
	var kept []storage.Message
	for i := len(in.History) - 1; i >= 0; i-- {
		cost := tokens.Estimate(in.History[i].Content)
		if cost > remaining {
			break
		}
		remaining -= cost
		kept = append(kept, in.History[i])
	}
	out.DroppedHistory = len(in.History) - len(kept)

	historyTokens := 0
	messages := make([]ollama.Message, 0, len(kept)+2)
	messages = append(messages, ollama.Message{Role: storage.RoleSystem, Content: systemContent})
	for i := len(kept) - 1; i >= 0; i-- {
		messages = append(messages, ollama.Message{Role: kept[i].Role, Content: kept[i].Content})
		historyTokens += tokens.Estimate(kept[i].Content)
	}
	messages = append(messages, ollama.Message{Role: storage.RoleUser, Content: userMessage})

	out.Messages = messages
	out.Usage = tokens.CalculateUsage(historyTokens+userTokens, systemTokens, documentTokens, in.Model)
	return out, nil
}

// =============================================================================
// CONTEXT BLOCKS
// =============================================================================

// formatExcerpts renders retrieval hits as the document-context block. At
// most maxExcerpts hits are used and each is capped at excerptCharLimit
// characters.
func formatExcerpts(excerpts []retrieval.Excerpt) string {
	if len(excerpts) == 0 {
		return ""
	}
	if len(excerpts) > maxExcerpts {
		excerpts = excerpts[:maxExcerpts]
	}

	seen := make(map[string]bool)
	var sources []string
	for _, e := range excerpts {
		if e.Source != "" && !seen[e.Source] {
			seen[e.Source] = true
			sources = append(sources, e.Source)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Based on the following document: %s\n", strings.Join(sources, ", "))
	for i, e := range excerpts {
		text := e.Text
		if util.RuneLen(text) > excerptCharLimit {
			text = util.TruncateRunesNoEllipsis(text, excerptCharLimit) + "..."
		}
		fmt.Fprintf(&b, "\n[Excerpt %d (relevance: %.2f)]\n%s\n", i+1, e.Score, text)
	}
	return strings.TrimSpace(b.String())
}

// formatTool renders the executed tool's output as a labeled block.
func formatTool(inv *tools.Invocation) string {
	if inv == nil || strings.TrimSpace(inv.Text) == "" {
		return ""
	}
	return fmt.Sprintf("Tool output (%s):\n%s", inv.Tool, strings.TrimSpace(inv.Text))
}
