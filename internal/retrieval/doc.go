// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retrieval implements document retrieval for grounding chat answers.
//
// Documents are split into overlapping chunks, embedded through a local
// Ollama instance, and stored in SQLite. At query time the question is
// embedded and compared against the project's chunks by cosine similarity;
// the top scoring excerpts are handed to the prompt assembler.
//
// Retrieval is strictly best effort. An empty index returns no excerpts and
// no error; an unreachable embedding backend returns *UnavailableError so
// the caller can answer without document context instead of failing the
// turn.
package retrieval
