// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tokens approximates token counts and context-window budgets for
// the models rigserve talks to.
//
// Counting runs a character heuristic (roughly four characters per token for
// English text) so it needs no tokenizer downloads and no network. Estimates
// are deterministic and monotonic in text length, which is all the prompt
// assembler relies on.
package tokens

import "strings"

// =============================================================================
// ESTIMATION
// =============================================================================

// charsPerToken is the average character-to-token ratio the heuristic assumes.
const charsPerToken = 4

// Estimate approximates the token count of text. Empty input estimates to
// zero; otherwise the character count is divided by charsPerToken and padded
// with a small buffer for special tokens and formatting. Longer text never
// yields a smaller estimate.
func Estimate(text string) int {
	if text == "" {
		return 0
	}

	estimated := len(text) / charsPerToken

	// Buffer for special tokens, role markers, formatting.
	buffer := estimated / 10
	if buffer < 10 {
		buffer = 10
	}

	return estimated + buffer
}

// =============================================================================
// CONTEXT LIMITS
// =============================================================================

// DefaultContextLimit is the budget assumed for models missing from the
// profile table.
const DefaultContextLimit = 8192

// contextLimits maps model identifiers to their maximum context window in
// tokens. Initialized once at process start, read-only thereafter.
var contextLimits = map[string]int{
	"gpt-4":             8192,
	"gpt-4-32k":         32768,
	"gpt-3.5-turbo":     4096,
	"gpt-3.5-turbo-16k": 16384,
	"llama2":            4096,
	"llama3":            8192,
	"mistral":           8192,
}

// ContextLimit returns the context window size for a model identifier.
// Lookup is case-insensitive. Ollama-style "name:tag" identifiers fall back
// to their base name before hitting DefaultContextLimit.
func ContextLimit(modelID string) int {
	name := strings.ToLower(strings.TrimSpace(modelID))
	if limit, ok := contextLimits[name]; ok {
		return limit
	}
	if base, _, found := strings.Cut(name, ":"); found {
		if limit, ok := contextLimits[base]; ok {
			return limit
		}
	}
	return DefaultContextLimit
}

// =============================================================================
// USAGE
// =============================================================================

// NearLimitThreshold is the default usage ratio above which a prompt is
// considered close to the model's context window.
const NearLimitThreshold = 0.9

// UsageRatio returns used/limit clamped to [0, 1].
func UsageRatio(used, limit int) float64 {
	if limit <= 0 || used <= 0 {
		return 0
	}
	ratio := float64(used) / float64(limit)
	if ratio > 1 {
		return 1
	}
	return ratio
}

// IsNearLimit reports whether used crosses threshold of limit. A threshold
// of zero or less falls back to NearLimitThreshold.
func IsNearLimit(used, limit int, threshold float64) bool {
	if threshold <= 0 {
		threshold = NearLimitThreshold
	}
	return UsageRatio(used, limit) > threshold
}

// Usage breaks down the token budget consumed by one assembled prompt.
type Usage struct {
	MessageTokens  int     `json:"message_tokens"`
	SystemTokens   int     `json:"system_tokens"`
	DocumentTokens int     `json:"document_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	MaxTokens      int     `json:"max_tokens"`
	Remaining      int     `json:"remaining_tokens"`
	Ratio          float64 `json:"usage_ratio"`
	NearLimit      bool    `json:"is_near_limit"`
}

// CalculateUsage summarizes context consumption for a model given the token
// estimates of the history, system prompt, and document context portions.
func CalculateUsage(messageTokens, systemTokens, documentTokens int, modelID string) Usage {
	total := messageTokens + systemTokens + documentTokens
	limit := ContextLimit(modelID)
	ratio := UsageRatio(total, limit)

	return Usage{
		MessageTokens:  messageTokens,
		SystemTokens:   systemTokens,
		DocumentTokens: documentTokens,
		TotalTokens:    total,
		MaxTokens:      limit,
		Remaining:      limit - total,
		Ratio:          ratio,
		NearLimit:      IsNearLimit(total, limit, NearLimitThreshold),
	}
}
