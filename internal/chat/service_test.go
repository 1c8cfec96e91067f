// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jeranaias/rigserve/internal/ollama"
	"github.com/jeranaias/rigserve/internal/retrieval"
	"github.com/jeranaias/rigserve/internal/storage"
	"github.com/jeranaias/rigserve/internal/tools"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeGateway struct {
	mu         sync.Mutex
	reply      string
	titleReply string
	chatErr    error
	stream     []ollama.StreamChunk
	knownOnly  []string
	calls      [][]ollama.Message
}

func (g *fakeGateway) GetDefaultModel() string { return "llama3" }

func (g *fakeGateway) CheckModel(_ context.Context, model string) error {
	if len(g.knownOnly) == 0 {
		return nil
	}
	for _, m := range g.knownOnly {
		if m == model {
			return nil
		}
	}
	return ollama.ErrModelNotFound
}

func (g *fakeGateway) Chat(_ context.Context, _ string, messages []ollama.Message) (*ollama.ChatResponse, error) {
	g.mu.Lock()
	g.calls = append(g.calls, messages)
	g.mu.Unlock()

	last := messages[len(messages)-1].Content
	if strings.Contains(last, "3-6 word title") {
		return &ollama.ChatResponse{Message: ollama.NewAssistantMessage(g.titleReply), Done: true}, nil
	}
	if g.chatErr != nil {
		return nil, g.chatErr
	}
	return &ollama.ChatResponse{Message: ollama.NewAssistantMessage(g.reply), Done: true}, nil
}

func (g *fakeGateway) ChatStreamChan(ctx context.Context, _ string, _ []ollama.Message) <-chan ollama.StreamChunk {
	ch := make(chan ollama.StreamChunk)
	go func() {
		defer close(ch)
		for _, chunk := range g.stream {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

type fakeRetriever struct {
	excerpts []retrieval.Excerpt
	err      error
}

func (f *fakeRetriever) Retrieve(context.Context, string, string) ([]retrieval.Excerpt, error) {
	return f.excerpts, f.err
}

type fakeRouter struct {
	inv *tools.Invocation
	err error
}

func (f *fakeRouter) Route(context.Context, string, []string) (*tools.Invocation, error) {
	return f.inv, f.err
}

func newTestService(t *testing.T, gw *fakeGateway, r Retriever, tr ToolRouter) (*Service, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	svc := NewService(store, gw, r, tr, Config{DefaultModel: "llama3", Subject: "biology"}, nil)
	return svc, store
}

func baseRequest() Request {
	return Request{
		ProjectID: "proj",
		UserID:    "user",
		Message:   "What is photosynthesis?",
	}
}

// =============================================================================
// BLOCKING TURNS
// =============================================================================

func TestAnswerCreatesConversation(t *testing.T) {
	gw := &fakeGateway{reply: "It converts light to chemical energy.", titleReply: "Photosynthesis Basics"}
	svc, store := newTestService(t, gw, nil, nil)
	ctx := context.Background()

	resp, err := svc.Answer(ctx, baseRequest())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if !resp.Created || resp.ConversationID == "" {
		t.Errorf("resp = %+v, want new conversation", resp)
	}
	if resp.Content != "It converts light to chemical energy." {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Title != "Photosynthesis Basics" {
		t.Errorf("Title = %q, want refined title", resp.Title)
	}

	msgs, err := store.Messages(ctx, resp.ConversationID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != storage.RoleUser || msgs[1].Role != storage.RoleAssistant {
		t.Errorf("persisted messages = %+v", msgs)
	}

	conv, _ := store.GetConversation(ctx, resp.ConversationID, "user")
	want := msgs[0].TokenCount + msgs[1].TokenCount
	if conv.TotalTokens != want {
		t.Errorf("TotalTokens = %d, want %d", conv.TotalTokens, want)
	}
}

func TestAnswerContinuesConversation(t *testing.T) {
	gw := &fakeGateway{reply: "Answer.", titleReply: "T"}
	svc, store := newTestService(t, gw, nil, nil)
	ctx := context.Background()

	first, err := svc.Answer(ctx, baseRequest())
	if err != nil {
		t.Fatalf("first Answer: %v", err)
	}

	req := baseRequest()
	req.ConversationID = first.ConversationID
	req.Message = "And respiration?"
	second, err := svc.Answer(ctx, req)
	if err != nil {
		t.Fatalf("second Answer: %v", err)
	}
	if second.Created || second.ConversationID != first.ConversationID {
		t.Errorf("second = %+v, want continuation", second)
	}

	msgs, _ := store.Messages(ctx, first.ConversationID)
	if len(msgs) != 4 {
		t.Fatalf("len(msgs) = %d, want 4", len(msgs))
	}

	// The second turn's context must include the first exchange.
	lastCall := gw.calls[len(gw.calls)-1]
	var joined []string
	for _, m := range lastCall {
		joined = append(joined, m.Content)
	}
	all := strings.Join(joined, "|")
	if !strings.Contains(all, "What is photosynthesis?") {
		t.Error("prior history missing from second turn's context")
	}
}

func TestAnswerConversationSystemPromptOverride(t *testing.T) {
	gw := &fakeGateway{reply: "ok", titleReply: "T"}
	svc, store := newTestService(t, gw, nil, nil)
	ctx := context.Background()

	req := baseRequest()
	req.SystemPrompt = "Answer every question as a haiku."
	first, err := svc.Answer(ctx, req)
	if err != nil {
		t.Fatalf("first Answer: %v", err)
	}

	conv, err := store.GetConversation(ctx, first.ConversationID, "user")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.SystemPrompt != "Answer every question as a haiku." {
		t.Errorf("stored SystemPrompt = %q", conv.SystemPrompt)
	}

	// A later turn must reload the override from the conversation itself.
	next := baseRequest()
	next.ConversationID = first.ConversationID
	next.Message = "And cellular respiration?"
	if _, err := svc.Answer(ctx, next); err != nil {
		t.Fatalf("second Answer: %v", err)
	}

	lastCall := gw.calls[len(gw.calls)-1]
	system := lastCall[0].Content
	if !strings.Contains(system, "Answer every question as a haiku.") {
		t.Error("conversation override missing from system context")
	}
	if strings.Contains(system, "focused on biology") {
		t.Error("default subject line present despite conversation override")
	}
}

func TestAnswerInferenceFailureKeepsUserMessage(t *testing.T) {
	gw := &fakeGateway{chatErr: ollama.ErrTimeout}
	svc, store := newTestService(t, gw, nil, nil)
	ctx := context.Background()

	// Create the conversation with a working turn first, then break the
	// gateway.
	gw.chatErr = nil
	gw.reply = "ok"
	gw.titleReply = "T"
	first, err := svc.Answer(ctx, baseRequest())
	if err != nil {
		t.Fatalf("setup Answer: %v", err)
	}
	gw.chatErr = ollama.ErrTimeout

	req := baseRequest()
	req.ConversationID = first.ConversationID
	req.Message = "doomed question"
	_, err = svc.Answer(ctx, req)
	if KindOf(err) != KindInferenceTimeout {
		t.Errorf("err = %v, want inference_timeout", err)
	}

	msgs, _ := store.Messages(ctx, first.ConversationID)
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3 (failed turn keeps the question)", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Role != storage.RoleUser || last.Content != "doomed question" {
		t.Errorf("last message = %+v", last)
	}
}

func TestAnswerUnknownModel(t *testing.T) {
	gw := &fakeGateway{knownOnly: []string{"llama3"}}
	svc, store := newTestService(t, gw, nil, nil)

	req := baseRequest()
	req.Model = "ghost:7b"
	_, err := svc.Answer(context.Background(), req)
	if KindOf(err) != KindModelNotFound {
		t.Errorf("err = %v, want model_not_found", err)
	}

	// Fast-fail happens before anything is persisted.
	convs, _ := store.ListConversations(context.Background(), "proj", "user")
	if len(convs) != 0 {
		t.Errorf("conversation persisted despite unknown model: %+v", convs)
	}
}

func TestAnswerConversationNotFound(t *testing.T) {
	gw := &fakeGateway{reply: "x"}
	svc, _ := newTestService(t, gw, nil, nil)

	req := baseRequest()
	req.ConversationID = "conv_missing"
	_, err := svc.Answer(context.Background(), req)
	if KindOf(err) != KindConversationNotFound {
		t.Errorf("err = %v, want conversation_not_found", err)
	}
}

func TestAnswerValidation(t *testing.T) {
	gw := &fakeGateway{reply: "x"}
	svc, _ := newTestService(t, gw, nil, nil)

	req := baseRequest()
	req.Message = "   "
	if _, err := svc.Answer(context.Background(), req); KindOf(err) != KindInvalidRequest {
		t.Errorf("empty message err = %v, want invalid_request", err)
	}

	req = baseRequest()
	req.UserID = ""
	if _, err := svc.Answer(context.Background(), req); KindOf(err) != KindInvalidRequest {
		t.Errorf("missing user err = %v, want invalid_request", err)
	}
}

func TestAnswerRetrievalDegrades(t *testing.T) {
	gw := &fakeGateway{reply: "ungrounded answer", titleReply: "T"}
	r := &fakeRetriever{err: &retrieval.UnavailableError{Cause: errors.New("refused")}}
	svc, _ := newTestService(t, gw, r, nil)

	req := baseRequest()
	req.UseDocuments = true
	resp, err := svc.Answer(context.Background(), req)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(resp.Degraded) != 1 || resp.Degraded[0] != DegradedRetrieval {
		t.Errorf("Degraded = %v, want [%s]", resp.Degraded, DegradedRetrieval)
	}
	if resp.Content != "ungrounded answer" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestAnswerExcerptsReachModel(t *testing.T) {
	gw := &fakeGateway{reply: "grounded", titleReply: "T"}
	r := &fakeRetriever{excerpts: []retrieval.Excerpt{
		{DocumentID: "d", Source: "notes.md", Text: "chlorophyll absorbs light", Score: 0.9},
	}}
	svc, _ := newTestService(t, gw, r, nil)

	req := baseRequest()
	req.UseDocuments = true
	resp, err := svc.Answer(context.Background(), req)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(resp.Excerpts) != 1 {
		t.Errorf("Excerpts = %+v", resp.Excerpts)
	}
	if !strings.Contains(gw.calls[0][0].Content, "chlorophyll absorbs light") {
		t.Error("excerpt text missing from system context")
	}
}

func TestAnswerToolFragmentFlows(t *testing.T) {
	gw := &fakeGateway{reply: "computed", titleReply: "T"}
	tr := &fakeRouter{inv: &tools.Invocation{Tool: tools.NameCalculator, Text: "2 + 2 = 4"}}
	svc, _ := newTestService(t, gw, nil, tr)

	req := baseRequest()
	req.EnabledTools = []string{tools.NameCalculator}
	resp, err := svc.Answer(context.Background(), req)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.ToolUsed != tools.NameCalculator {
		t.Errorf("ToolUsed = %q", resp.ToolUsed)
	}
	if !strings.Contains(gw.calls[0][0].Content, "2 + 2 = 4") {
		t.Error("tool fragment missing from system context")
	}
}

func TestAnswerToolTransportDegrades(t *testing.T) {
	gw := &fakeGateway{reply: "answered anyway", titleReply: "T"}
	tr := &fakeRouter{err: errors.New("search backend down")}
	svc, _ := newTestService(t, gw, nil, tr)

	req := baseRequest()
	req.EnabledTools = []string{tools.NameWebSearch}
	resp, err := svc.Answer(context.Background(), req)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(resp.Degraded) != 1 || resp.Degraded[0] != DegradedSearch {
		t.Errorf("Degraded = %v", resp.Degraded)
	}
}

func TestConcurrentTurnsKeepTokenTotalConsistent(t *testing.T) {
	gw := &fakeGateway{reply: "concurrent answer", titleReply: "T"}
	svc, store := newTestService(t, gw, nil, nil)
	ctx := context.Background()

	first, err := svc.Answer(ctx, baseRequest())
	if err != nil {
		t.Fatalf("setup Answer: %v", err)
	}

	const turns = 6
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := baseRequest()
			req.ConversationID = first.ConversationID
			req.Message = "another question about cells"
			if _, err := svc.Answer(ctx, req); err != nil {
				t.Errorf("concurrent Answer: %v", err)
			}
		}()
	}
	wg.Wait()

	msgs, _ := store.Messages(ctx, first.ConversationID)
	want := 0
	for _, m := range msgs {
		want += m.TokenCount
	}
	conv, _ := store.GetConversation(ctx, first.ConversationID, "user")
	if conv.TotalTokens != want {
		t.Errorf("TotalTokens = %d, want %d (sum of %d messages)", conv.TotalTokens, want, len(msgs))
	}
}

// =============================================================================
// STREAMING TURNS
// =============================================================================

func TestStreamDeltasAndPersistence(t *testing.T) {
	gw := &fakeGateway{
		titleReply: "Stream Title",
		stream: []ollama.StreamChunk{
			{Content: "Light "},
			{Content: "reactions."},
			{Done: true, CompletionTokens: 2},
		},
	}
	svc, store := newTestService(t, gw, nil, nil)
	ctx := context.Background()

	events, err := svc.Stream(ctx, baseRequest())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var deltas []string
	var final StreamEvent
	for ev := range events {
		if ev.Done {
			final = ev
			continue
		}
		deltas = append(deltas, ev.Delta)
	}

	if strings.Join(deltas, "") != "Light reactions." {
		t.Errorf("deltas = %v", deltas)
	}
	if final.Err != nil {
		t.Fatalf("final.Err = %v", final.Err)
	}
	if final.Response == nil || final.Response.Content != "Light reactions." {
		t.Errorf("final.Response = %+v", final.Response)
	}

	msgs, _ := store.Messages(ctx, final.Response.ConversationID)
	if len(msgs) != 2 || msgs[1].Content != "Light reactions." {
		t.Errorf("persisted = %+v", msgs)
	}
}

func TestStreamErrorChunk(t *testing.T) {
	gw := &fakeGateway{
		stream: []ollama.StreamChunk{
			{Content: "partial"},
			{Error: ollama.ErrNotRunning, Done: true},
		},
	}
	svc, store := newTestService(t, gw, nil, nil)
	ctx := context.Background()

	events, err := svc.Stream(ctx, baseRequest())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var final StreamEvent
	for ev := range events {
		if ev.Done {
			final = ev
		}
	}
	if KindOf(final.Err) != KindInferenceUnavailable {
		t.Errorf("final.Err = %v, want inference_unavailable", final.Err)
	}

	// The user message is persisted; the partial reply is not.
	convs, _ := store.ListConversations(ctx, "proj", "user")
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	msgs, _ := store.Messages(ctx, convs[0].ID)
	if len(msgs) != 1 || msgs[0].Role != storage.RoleUser {
		t.Errorf("persisted = %+v, want only the user message", msgs)
	}
}
