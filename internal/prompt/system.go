// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt builds system prompts and assembles bounded model context
// from history, retrieved documents, and tool output.
package prompt

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// SYSTEM PROMPT BLOCKS
// =============================================================================

const basePersona = `You are a knowledgeable, patient assistant helping a student learn. Explain concepts clearly, show your reasoning, and prefer concrete examples over abstractions. If a question is ambiguous, state the interpretation you are answering.`

const toolUsageBlock = `You may receive the output of tools (web search, calculator) inside your context. Treat tool output as the authoritative source for the facts it covers. When tool output is present, base your answer on it and cite it; when it conflicts with your prior knowledge, trust the tool output.`

const antiHallucinationBlock = `If search results were provided and they do not contain the answer, say so plainly. Never invent facts, URLs, citations, or numbers that are not in your context.`

const noToolsBlock = `You have no access to tools, browsing, or live data. When asked about current events or anything requiring up-to-date information, say you cannot look it up and answer from general knowledge, clearly marked as such.`

const codeFormattingBlock = `Format all code in fenced code blocks with a language tag. Keep examples minimal and runnable.`

const completionBlock = `Always finish your answer. Do not stop mid-sentence or mid-list; if an answer would be very long, summarize the remainder instead of truncating it.`

const styleBlock = `Be concise and direct. Use plain language. Structure longer answers with short paragraphs or lists, and lead with the answer before the explanation.`

// =============================================================================
// BUILDER
// =============================================================================

// SystemPromptParams selects the blocks that make up a system prompt.
type SystemPromptParams struct {
	// Now anchors the date line. Zero value means time.Now.
	Now time.Time

	// ToolsEnabled switches between the tool-usage and no-tools blocks.
	ToolsEnabled bool

	// ProjectPrompt, when set, replaces the default subject line entirely.
	ProjectPrompt string

	// Subject names the study area for the default closing line. Ignored
	// when ProjectPrompt is set.
	Subject string
}

// BuildSystemPrompt composes the persona, capability, and formatting blocks
// into one system prompt. The project override, when present, wins over the
// default subject line.
func BuildSystemPrompt(p SystemPromptParams) string {
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}

	blocks := []string{
		basePersona,
		fmt.Sprintf("Current date: %s.", now.Format("2006-01-02")),
	}

	if p.ToolsEnabled {
		blocks = append(blocks, toolUsageBlock, antiHallucinationBlock)
	} else {
		blocks = append(blocks, noToolsBlock)
	}

	blocks = append(blocks, codeFormattingBlock, completionBlock, styleBlock)

	switch {
	case strings.TrimSpace(p.ProjectPrompt) != "":
		blocks = append(blocks, strings.TrimSpace(p.ProjectPrompt))
	case strings.TrimSpace(p.Subject) != "":
		blocks = append(blocks, fmt.Sprintf("You are a helpful study assistant focused on %s.", strings.TrimSpace(p.Subject)))
	}

	return strings.Join(blocks, "\n\n")
}
