// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package retrieval

import "strings"

// =============================================================================
// CHUNKING
// =============================================================================

// Default chunking geometry. Overlap keeps sentences that straddle a chunk
// boundary findable from both sides.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// SplitChunks splits text into chunks of roughly size characters with the
// given overlap between consecutive chunks. Cuts land on word boundaries
// when one exists near the target length, so words are never split. Empty
// or whitespace-only input yields no chunks.
func SplitChunks(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 5
		}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = wordBoundaryBefore(runes, end, start)
		}

		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}

		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// wordBoundaryBefore walks back from end to the nearest whitespace so the
// cut does not land mid-word. Gives up and cuts hard when no boundary exists
// in the back quarter of the chunk.
func wordBoundaryBefore(runes []rune, end, start int) int {
	limit := end - (end-start)/4
	for i := end; i > limit; i-- {
		if isSpace(runes[i-1]) {
			return i
		}
	}
	return end
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
