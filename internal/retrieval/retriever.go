// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package retrieval

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// =============================================================================
// RETRIEVER
// =============================================================================

// DefaultTopK is how many excerpts a query returns when unconfigured.
const DefaultTopK = 5

// Retriever answers semantic queries against a project's ingested documents.
type Retriever struct {
	embedder Embedder
	store    *ChunkStore
	topK     int
	logger   *zap.Logger
}

// NewRetriever wires an embedder to a chunk store. topK of zero or less
// falls back to DefaultTopK; a nil logger is replaced with a no-op.
func NewRetriever(embedder Embedder, store *ChunkStore, topK int, logger *zap.Logger) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		embedder: embedder,
		store:    store,
		topK:     topK,
		logger:   logger,
	}
}

// Retrieve returns the project's most relevant excerpts for the query,
// highest score first. A project with no ingested chunks returns no
// excerpts and no error. Embedding failures surface as *UnavailableError.
func (r *Retriever) Retrieve(ctx context.Context, projectID, query string) ([]Excerpt, error) {
	count, err := r.store.ChunkCount(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	if count == 0 {
		return nil, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := r.store.Search(ctx, projectID, vec, r.topK)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	r.logger.Debug("RETRIEVAL_COMPLETE",
		zap.String("project_id", projectID),
		zap.Int("corpus_chunks", count),
		zap.Int("hits", len(hits)))
	return hits, nil
}

// =============================================================================
// INGESTION
// =============================================================================

// Ingestor chunks, embeds, and stores documents for later retrieval.
type Ingestor struct {
	embedder     Embedder
	store        *ChunkStore
	chunkSize    int
	chunkOverlap int
	logger       *zap.Logger
}

// NewIngestor creates an ingestor. Zero geometry falls back to the package
// defaults.
func NewIngestor(embedder Embedder, store *ChunkStore, chunkSize, chunkOverlap int, logger *zap.Logger) *Ingestor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = DefaultChunkOverlap
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		embedder:     embedder,
		store:        store,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		logger:       logger,
	}
}

// IngestDocument splits text into chunks, embeds each one, and replaces the
// document's stored chunks. Returns the number of chunks written.
func (in *Ingestor) IngestDocument(ctx context.Context, projectID, documentID, source, text string) (int, error) {
	pieces := SplitChunks(text, in.chunkSize, in.chunkOverlap)
	if len(pieces) == 0 {
		return 0, fmt.Errorf("ingest %s: document is empty", documentID)
	}

	embedded := make([]EmbeddedChunk, 0, len(pieces))
	for _, piece := range pieces {
		vec, err := in.embedder.Embed(ctx, piece)
		if err != nil {
			return 0, fmt.Errorf("ingest %s: %w", documentID, err)
		}
		embedded = append(embedded, EmbeddedChunk{Content: piece, Embedding: vec})
	}

	if err := in.store.UpsertDocument(ctx, projectID, documentID, source, embedded); err != nil {
		return 0, err
	}

	in.logger.Info("DOCUMENT_INGESTED",
		zap.String("project_id", projectID),
		zap.String("document_id", documentID),
		zap.String("source", source),
		zap.Int("chunks", len(embedded)))
	return len(embedded), nil
}
