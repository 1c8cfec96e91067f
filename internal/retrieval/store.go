// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// CHUNK STORE
// =============================================================================

// chunkSchema holds embedded document chunks. Embeddings are stored as JSON
// float arrays; similarity math runs in Go, which is fine at the corpus
// sizes a single project carries.
const chunkSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	document_id TEXT NOT NULL,
	source      TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	content     TEXT NOT NULL,
	embedding   TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_project ON chunks(project_id);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(project_id, document_id, seq);
`

// EmbeddedChunk pairs one chunk of document text with its vector.
type EmbeddedChunk struct {
	Content   string
	Embedding []float32
}

// Excerpt is one scored retrieval hit.
type Excerpt struct {
	DocumentID string  `json:"document_id"`
	Source     string  `json:"source"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// ChunkStore persists embedded chunks in SQLite.
type ChunkStore struct {
	db *sql.DB
}

// OpenChunkStore opens (creating if necessary) the chunk database at path.
func OpenChunkStore(path string) (*ChunkStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open chunk database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(chunkSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize chunk schema: %w", err)
	}

	return &ChunkStore{db: db}, nil
}

// Close closes the underlying database.
func (cs *ChunkStore) Close() error {
	return cs.db.Close()
}

// UpsertDocument replaces a document's chunks with a fresh set. Re-ingesting
// a document never leaves stale chunks behind.
func (cs *ChunkStore) UpsertDocument(ctx context.Context, projectID, documentID, source string, chunks []EmbeddedChunk) error {
	tx, err := cs.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE project_id = ? AND document_id = ?`,
		projectID, documentID); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	now := time.Now().UTC().UnixNano()
	for seq, chunk := range chunks {
		vec, err := json.Marshal(chunk.Embedding)
		if err != nil {
			return fmt.Errorf("encode embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (id, project_id, document_id, source, seq, content, embedding, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			"chunk_"+uuid.NewString(), projectID, documentID, source, seq,
			chunk.Content, string(vec), now); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// DeleteDocument removes all chunks of one document.
func (cs *ChunkStore) DeleteDocument(ctx context.Context, projectID, documentID string) error {
	if _, err := cs.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE project_id = ? AND document_id = ?`,
		projectID, documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// ChunkCount returns how many chunks a project holds.
func (cs *ChunkStore) ChunkCount(ctx context.Context, projectID string) (int, error) {
	var n int
	err := cs.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE project_id = ?`, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// Search scores every chunk in the project against the query vector and
// returns the topK best excerpts, highest score first.
func (cs *ChunkStore) Search(ctx context.Context, projectID string, query []float32, topK int) ([]Excerpt, error) {
	if topK <= 0 {
		topK = 5
	}

	// Ingestion order (rowid) is the tie-break for equal scores; the stable
	// sort below preserves it.
	rows, err := cs.db.QueryContext(ctx,
		`SELECT document_id, source, content, embedding
		 FROM chunks WHERE project_id = ?
		 ORDER BY rowid`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var hits []Excerpt
	for rows.Next() {
		var hit Excerpt
		var rawVec string
		if err := rows.Scan(&hit.DocumentID, &hit.Source, &hit.Text, &rawVec); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		var vec []float32
		if err := json.Unmarshal([]byte(rawVec), &vec); err != nil {
			return nil, fmt.Errorf("decode embedding: %w", err)
		}
		hit.Score = CosineSimilarity(query, vec)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// =============================================================================
// SIMILARITY
// =============================================================================

// CosineSimilarity returns the cosine of the angle between two vectors.
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
