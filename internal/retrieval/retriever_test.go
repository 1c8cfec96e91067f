// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package retrieval

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

// fakeEmbedder maps known substrings to fixed axis vectors so similarity is
// predictable: texts sharing a topic embed to the same direction.
type fakeEmbedder struct {
	fail error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	vec := make([]float32, 3)
	if strings.Contains(text, "plant") {
		vec[0] = 1
	}
	if strings.Contains(text, "cell") {
		vec[1] = 1
	}
	if strings.Contains(text, "star") {
		vec[2] = 1
	}
	if vec[0] == 0 && vec[1] == 0 && vec[2] == 0 {
		vec[0], vec[1], vec[2] = 1, 1, 1
	}
	return vec, nil
}

func testChunkStore(t *testing.T) *ChunkStore {
	t.Helper()
	cs, err := OpenChunkStore(filepath.Join(t.TempDir(), "chunks.db"))
	if err != nil {
		t.Fatalf("OpenChunkStore: %v", err)
	}
	t.Cleanup(func() { cs.Close() })
	return cs
}

func seedDocs(t *testing.T, cs *ChunkStore, emb Embedder) {
	t.Helper()
	ctx := context.Background()
	ing := NewIngestor(emb, cs, 0, 0, nil)
	docs := []struct{ id, source, text string }{
		{"doc-plants", "botany.md", "plant leaves absorb light for growth"},
		{"doc-cells", "biology.md", "the cell membrane controls transport"},
		{"doc-stars", "astronomy.md", "a star fuses hydrogen in its core"},
	}
	for _, d := range docs {
		if _, err := ing.IngestDocument(ctx, "proj", d.id, d.source, d.text); err != nil {
			t.Fatalf("IngestDocument(%s): %v", d.id, err)
		}
	}
}

func TestRetrieveRanksByRelevance(t *testing.T) {
	cs := testChunkStore(t)
	emb := &fakeEmbedder{}
	seedDocs(t, cs, emb)

	r := NewRetriever(emb, cs, 2, nil)
	hits, err := r.Retrieve(context.Background(), "proj", "how does a plant grow")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("len(hits) = %d, want topK 2", len(hits))
	}
	if hits[0].DocumentID != "doc-plants" {
		t.Errorf("top hit = %s, want doc-plants", hits[0].DocumentID)
	}
	if hits[0].Score < hits[1].Score {
		t.Errorf("hits not sorted by score: %v then %v", hits[0].Score, hits[1].Score)
	}
	if hits[0].Source != "botany.md" {
		t.Errorf("Source = %q", hits[0].Source)
	}
}

func TestRetrieveEmptyIndex(t *testing.T) {
	cs := testChunkStore(t)
	r := NewRetriever(&fakeEmbedder{}, cs, 5, nil)

	hits, err := r.Retrieve(context.Background(), "empty-project", "anything")
	if err != nil {
		t.Fatalf("Retrieve on empty index: %v", err)
	}
	if hits != nil {
		t.Errorf("hits = %v, want nil", hits)
	}
}

func TestRetrieveEmbedderDown(t *testing.T) {
	cs := testChunkStore(t)
	working := &fakeEmbedder{}
	seedDocs(t, cs, working)

	down := &fakeEmbedder{fail: &UnavailableError{Cause: errors.New("connection refused")}}
	r := NewRetriever(down, cs, 5, nil)

	_, err := r.Retrieve(context.Background(), "proj", "plant")
	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Errorf("err = %v, want *UnavailableError", err)
	}
}

func TestSearchTieBreakIsInsertionOrder(t *testing.T) {
	cs := testChunkStore(t)
	ctx := context.Background()

	// Identical vectors: every chunk scores the same against the query, so
	// ordering must follow ingestion order.
	vec := []float32{1, 0, 0}
	if err := cs.UpsertDocument(ctx, "proj", "doc-first", "first.md", []EmbeddedChunk{
		{Content: "first chunk", Embedding: vec},
		{Content: "second chunk", Embedding: vec},
	}); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	if err := cs.UpsertDocument(ctx, "proj", "doc-second", "second.md", []EmbeddedChunk{
		{Content: "third chunk", Embedding: vec},
	}); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	hits, err := cs.Search(ctx, "proj", vec, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []string{"first chunk", "second chunk", "third chunk"}
	if len(hits) != len(want) {
		t.Fatalf("len(hits) = %d, want %d", len(hits), len(want))
	}
	for i, w := range want {
		if hits[i].Text != w {
			t.Errorf("hits[%d] = %q, want %q", i, hits[i].Text, w)
		}
	}
}

func TestUpsertReplacesDocumentChunks(t *testing.T) {
	cs := testChunkStore(t)
	emb := &fakeEmbedder{}
	ctx := context.Background()
	ing := NewIngestor(emb, cs, 0, 0, nil)

	if _, err := ing.IngestDocument(ctx, "proj", "doc", "a.md", "plant text version one"); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if _, err := ing.IngestDocument(ctx, "proj", "doc", "a.md", "plant text version two"); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	n, err := cs.ChunkCount(ctx, "proj")
	if err != nil {
		t.Fatalf("ChunkCount: %v", err)
	}
	if n != 1 {
		t.Errorf("ChunkCount = %d after re-ingest, want 1", n)
	}

	r := NewRetriever(emb, cs, 1, nil)
	hits, _ := r.Retrieve(ctx, "proj", "plant")
	if len(hits) != 1 || !strings.Contains(hits[0].Text, "version two") {
		t.Errorf("stale chunks survived re-ingest: %+v", hits)
	}
}

func TestDeleteDocument(t *testing.T) {
	cs := testChunkStore(t)
	emb := &fakeEmbedder{}
	seedDocs(t, cs, emb)
	ctx := context.Background()

	if err := cs.DeleteDocument(ctx, "proj", "doc-plants"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	r := NewRetriever(emb, cs, 5, nil)
	hits, err := r.Retrieve(ctx, "proj", "plant growth")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	for _, h := range hits {
		if h.DocumentID == "doc-plants" {
			t.Errorf("deleted document still retrievable: %+v", h)
		}
	}
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"embedding":[0.1,0.2,0.3]}`))
	}))
	defer srv.Close()

	emb := NewOllamaEmbedder(srv.URL, "", 0)
	vec, err := emb.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("len(vec) = %d, want 3", len(vec))
	}
}

func TestOllamaEmbedderUnavailable(t *testing.T) {
	emb := NewOllamaEmbedder("http://127.0.0.1:1", "", 0)
	_, err := emb.Embed(context.Background(), "hello")
	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Errorf("err = %v, want *UnavailableError", err)
	}
}
