// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestMessageConstructors(t *testing.T) {
	tests := []struct {
		msg  Message
		role string
	}{
		{NewUserMessage("Hello"), "user"},
		{NewAssistantMessage("Hi"), "assistant"},
		{NewSystemMessage("Rules"), "system"},
	}
	for _, tc := range tests {
		if tc.msg.Role != tc.role {
			t.Errorf("Role = %q, want %q", tc.msg.Role, tc.role)
		}
	}
}

// =============================================================================
// CLIENT TESTS
// =============================================================================

func testClient(url string) *Client {
	return NewClientWithConfig(&ClientConfig{
		BaseURL:    url,
		Timeout:    5 * time.Second,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})
}

func TestConfigDefaults(t *testing.T) {
	c := NewClientWithConfig(&ClientConfig{})
	cfg := c.GetConfig()
	if cfg.BaseURL != "http://127.0.0.1:11434" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.DefaultModel == "" || cfg.MaxRetries == 0 || cfg.RetryDelay == 0 {
		t.Errorf("zero-value fields not filled: %+v", cfg)
	}
}

func TestChatSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"Photosynthesis converts light."},"done":true,"eval_count":12,"eval_duration":1000000000}`))
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL).Chat(context.Background(), "llama3", []Message{NewUserMessage("hi")})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "Photosynthesis converts light." {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if tps := resp.TokensPerSecond(); tps != 12 {
		t.Errorf("TokensPerSecond = %v, want 12", tps)
	}
}

func TestChatModelNotFound(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Chat(context.Background(), "missing", nil)
	if !IsModelNotFound(err) {
		t.Errorf("err = %v, want model-not-found", err)
	}
	// 404 is not transient, so no retry.
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("handler hit %d times, want 1", n)
	}
}

func TestChatBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"model requires more system memory"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Chat(context.Background(), "llama3", nil)
	if err == nil || !strings.Contains(err.Error(), "more system memory") {
		t.Errorf("err = %v, want backend error message", err)
	}
}

func TestChatUnavailable(t *testing.T) {
	// Nothing listens here; every attempt fails at the connection level.
	c := testClient("http://127.0.0.1:1")
	_, err := c.Chat(context.Background(), "llama3", nil)
	if !IsUnavailable(err) {
		t.Errorf("err = %v, want unavailable", err)
	}
}

func TestChatTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can observe the
		// client disconnect and cancel the request context.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := testClient(srv.URL).Chat(ctx, "llama3", nil)
	if !IsTimeout(err) {
		t.Errorf("err = %v, want timeout", err)
	}
}

func TestCheckModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/show" {
			http.NotFound(w, r)
			return
		}
		var req ShowModelRequest
		if err := decodeBody(r, &req); err != nil {
			t.Errorf("decode show request: %v", err)
		}
		if req.Name == "llama3" {
			w.Write([]byte(`{"details":{"family":"llama"}}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	if err := c.CheckModel(context.Background(), "llama3"); err != nil {
		t.Errorf("CheckModel(llama3) = %v", err)
	}
	if err := c.CheckModel(context.Background(), "ghost"); !IsModelNotFound(err) {
		t.Errorf("CheckModel(ghost) = %v, want model-not-found", err)
	}
	if !c.ModelExists(context.Background(), "llama3") {
		t.Error("ModelExists(llama3) = false")
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"models":[{"name":"llama3","size":4800000000},{"name":"mistral","size":4100000000}]}`))
	}))
	defer srv.Close()

	models, err := testClient(srv.URL).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0].Name != "llama3" {
		t.Errorf("models = %+v", models)
	}
	if !strings.HasSuffix(models[0].FormatSize(), " GB") {
		t.Errorf("FormatSize = %q, want GB suffix", models[0].FormatSize())
	}
}

// =============================================================================
// STREAMING TESTS
// =============================================================================

const streamBody = `{"model":"llama3","message":{"role":"assistant","content":"Hello"},"done":false}
{"model":"llama3","message":{"role":"assistant","content":" world"},"done":false}
{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","eval_count":2,"eval_duration":2000000000,"prompt_eval_count":8}
`

func TestChatStreamDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(streamBody))
	}))
	defer srv.Close()

	var chunks []StreamChunk
	err := testClient(srv.URL).ChatStream(context.Background(), "llama3", nil, func(c StreamChunk) {
		chunks = append(chunks, c)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	if chunks[0].Content != "Hello" || chunks[1].Content != " world" {
		t.Errorf("deltas = %q, %q", chunks[0].Content, chunks[1].Content)
	}
	final := chunks[2]
	if !final.Done || final.DoneReason != "stop" {
		t.Errorf("final = %+v", final)
	}
	if final.CompletionTokens != 2 || final.PromptTokens != 8 {
		t.Errorf("final stats = %+v", final)
	}
}

func TestChatStreamChanCollectsAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(streamBody))
	}))
	defer srv.Close()

	acc := NewStreamAccumulator()
	for chunk := range testClient(srv.URL).ChatStreamChan(context.Background(), "llama3", nil) {
		acc.Add(chunk)
	}
	if err := acc.GetError(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if acc.GetContent() != "Hello world" {
		t.Errorf("content = %q", acc.GetContent())
	}
	if !acc.IsDone() {
		t.Error("accumulator not done")
	}
	if acc.GetStats().TokensPerSecond != 1 {
		t.Errorf("TokensPerSecond = %v, want 1", acc.GetStats().TokensPerSecond)
	}
}

func TestChatStreamChanDeliversError(t *testing.T) {
	c := testClient("http://127.0.0.1:1")

	var last StreamChunk
	for chunk := range c.ChatStreamChan(context.Background(), "llama3", nil) {
		last = chunk
	}
	if last.Error == nil || !last.Done {
		t.Errorf("last chunk = %+v, want terminal error chunk", last)
	}
	if !IsUnavailable(last.Error) {
		t.Errorf("error = %v, want unavailable", last.Error)
	}
}

func TestStreamReaderSkipsMalformedLines(t *testing.T) {
	body := "not json at all\n" + `{"message":{"content":"ok"},"done":true}` + "\n"
	reader := NewStreamReader(strings.NewReader(body))

	var got []string
	err := reader.Process(context.Background(), func(c StreamChunk) {
		got = append(got, c.Content)
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(got) != 1 || got[0] != "ok" {
		t.Errorf("chunks = %v", got)
	}
}

func TestStreamReaderContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reader := NewStreamReader(strings.NewReader(streamBody))
	err := reader.Process(ctx, func(StreamChunk) {})
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
