// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat orchestrates one conversational turn end to end: resolve the
// conversation, run tools, retrieve documents, assemble context, run
// inference, and persist both sides of the exchange.
//
// Tool and retrieval failures degrade the turn instead of failing it; the
// answer is produced without the missing context and the degradation is
// reported on the response. Inference failures do fail the turn, but the
// user's message is persisted first so nothing typed is ever lost.
package chat

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigserve/internal/ollama"
	"github.com/jeranaias/rigserve/internal/prompt"
	"github.com/jeranaias/rigserve/internal/retrieval"
	"github.com/jeranaias/rigserve/internal/storage"
	"github.com/jeranaias/rigserve/internal/tokens"
	"github.com/jeranaias/rigserve/internal/tools"
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Gateway is the inference backend a turn runs against.
type Gateway interface {
	CheckModel(ctx context.Context, model string) error
	Chat(ctx context.Context, model string, messages []ollama.Message) (*ollama.ChatResponse, error)
	ChatStreamChan(ctx context.Context, model string, messages []ollama.Message) <-chan ollama.StreamChunk
	GetDefaultModel() string
}

// Retriever supplies document excerpts for grounding.
type Retriever interface {
	Retrieve(ctx context.Context, projectID, query string) ([]retrieval.Excerpt, error)
}

// ToolRouter runs at most one applicable tool against a message.
type ToolRouter interface {
	Route(ctx context.Context, message string, enabled []string) (*tools.Invocation, error)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config tunes turn orchestration.
type Config struct {
	// DefaultModel is used when a request names none.
	DefaultModel string

	// HistoryFetchLimit caps how many stored messages are even considered
	// for context (default 50). The token budget decides what survives.
	HistoryFetchLimit int

	// ResponseMargin reserves context-window room for the reply.
	ResponseMargin int

	// TitleTimeout bounds the title-refinement call.
	TitleTimeout time.Duration

	// Subject names the study area for the default system prompt.
	Subject string

	// ProjectPrompt, when set, overrides the subject line entirely.
	ProjectPrompt string
}

// DefaultHistoryFetchLimit is the stored-message window considered per turn.
const DefaultHistoryFetchLimit = 50

// =============================================================================
// REQUEST AND RESPONSE
// =============================================================================

// Request is one user turn.
type Request struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`

	// ConversationID continues an existing thread. Empty starts a new one.
	ConversationID string `json:"conversation_id,omitempty"`

	Message string `json:"message"`

	// Model overrides the configured default.
	Model string `json:"model,omitempty"`

	// SystemPrompt, when starting a new conversation, pins a per-conversation
	// system-prompt override. It is stored with the conversation and applied
	// to every later turn; ignored when continuing an existing thread.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// EnabledTools is the project's allow-list. Empty disables all tools.
	EnabledTools []string `json:"enabled_tools,omitempty"`

	// UseDocuments asks for retrieval-grounded context.
	UseDocuments bool `json:"use_documents,omitempty"`
}

// Degradation notes reported on a response.
const (
	DegradedSearch     = "search_failed"
	DegradedRetrieval  = "retrieval_unavailable"
	DegradedTruncation = "context_truncated"
)

// Response is one completed turn.
type Response struct {
	ConversationID string              `json:"conversation_id"`
	Title          string              `json:"title"`
	Created        bool                `json:"conversation_created"`
	Model          string              `json:"model"`
	Content        string              `json:"content"`
	ToolUsed       string              `json:"tool_used,omitempty"`
	Excerpts       []retrieval.Excerpt `json:"excerpts,omitempty"`
	Degraded       []string            `json:"degraded,omitempty"`
	Usage          tokens.Usage        `json:"usage"`
}

// StreamEvent is one frame of a streaming turn. Delta frames carry text;
// the terminal frame carries either the full Response or an error.
type StreamEvent struct {
	Delta    string
	Done     bool
	Response *Response
	Err      error
}

// =============================================================================
// SERVICE
// =============================================================================

// Service orchestrates turns. Retriever and ToolRouter are optional; a nil
// value disables that stage.
type Service struct {
	store    *storage.Store
	gateway  Gateway
	retrieve Retriever
	router   ToolRouter
	cfg      Config
	logger   *zap.Logger
}

// NewService wires the orchestrator. A nil logger is replaced with a no-op.
func NewService(store *storage.Store, gateway Gateway, retriever Retriever, router ToolRouter, cfg Config, logger *zap.Logger) *Service {
	if cfg.HistoryFetchLimit <= 0 {
		cfg.HistoryFetchLimit = DefaultHistoryFetchLimit
	}
	if cfg.ResponseMargin <= 0 {
		cfg.ResponseMargin = prompt.DefaultResponseMargin
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		gateway:  gateway,
		retrieve: retriever,
		router:   router,
		cfg:      cfg,
		logger:   logger,
	}
}

// turnState carries everything shared between the blocking and streaming
// paths up to the inference call.
type turnState struct {
	req       Request
	model     string
	conv      *storage.Conversation
	created   bool
	userMsg   *storage.Message
	assembled *prompt.Assembled
	tool      *tools.Invocation
	excerpts  []retrieval.Excerpt
	degraded  []string
}

// Answer runs one blocking turn.
func (s *Service) Answer(ctx context.Context, req Request) (*Response, error) {
	st, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := s.gateway.Chat(ctx, st.model, st.assembled.Messages)
	if err != nil {
		mapped := mapInferenceError(err)
		s.logger.Error("INFERENCE_FAILED",
			zap.String("conversation_id", st.conv.ID),
			zap.String("model", st.model),
			zap.String("kind", string(mapped.Kind)),
			zap.Error(err))
		return nil, mapped
	}

	content := resp.Message.Content
	s.logger.Info("TURN_COMPLETE",
		zap.String("conversation_id", st.conv.ID),
		zap.String("model", st.model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("eval_tokens", resp.EvalCount),
		zap.Float64("tokens_per_sec", resp.TokensPerSecond()))

	return s.finish(ctx, st, content)
}

// Stream runs one streaming turn. Deltas arrive as they are generated; the
// final event carries the persisted Response or a classified error. The
// returned channel closes after the terminal event. Cancelling ctx aborts
// generation; nothing from the aborted reply is persisted.
func (s *Service) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	st, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)

		acc := ollama.NewStreamAccumulator()
		for chunk := range s.gateway.ChatStreamChan(ctx, st.model, st.assembled.Messages) {
			acc.Add(chunk)
			if chunk.Error != nil {
				mapped := mapInferenceError(chunk.Error)
				s.logger.Error("STREAM_FAILED",
					zap.String("conversation_id", st.conv.ID),
					zap.String("kind", string(mapped.Kind)),
					zap.Error(chunk.Error))
				emit(ctx, events, StreamEvent{Done: true, Err: mapped})
				return
			}
			if chunk.Content != "" {
				if !emit(ctx, events, StreamEvent{Delta: chunk.Content}) {
					return
				}
			}
			if chunk.Done {
				stats := acc.GetStats()
				s.logger.Info("STREAM_COMPLETE",
					zap.String("conversation_id", st.conv.ID),
					zap.String("model", st.model),
					zap.Int("completion_tokens", stats.CompletionTokens),
					zap.Float64("tokens_per_sec", stats.TokensPerSecond),
					zap.Duration("ttft", stats.TTFT))
				resp, err := s.finish(ctx, st, acc.GetContent())
				emit(ctx, events, StreamEvent{Done: true, Response: resp, Err: err})
				return
			}
		}

		// Channel closed without a done chunk: the consumer went away.
		if ctx.Err() != nil {
			return
		}
		emit(ctx, events, StreamEvent{Done: true, Err: &Error{Kind: KindInternal, Message: "stream ended unexpectedly"}})
	}()
	return events, nil
}

func emit(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// =============================================================================
// TURN PIPELINE
// =============================================================================

// prepare runs every pre-inference stage: validation, conversation
// resolution, user-message persistence, tool routing, retrieval, and
// context assembly.
func (s *Service) prepare(ctx context.Context, req Request) (*turnState, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, &Error{Kind: KindInvalidRequest, Message: "message must not be empty"}
	}
	if req.ProjectID == "" || req.UserID == "" {
		return nil, &Error{Kind: KindInvalidRequest, Message: "project_id and user_id are required"}
	}

	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}
	if model == "" {
		model = s.gateway.GetDefaultModel()
	}

	// Reject unknown models before anything is persisted.
	if err := s.gateway.CheckModel(ctx, model); err != nil {
		return nil, mapInferenceError(err)
	}

	st := &turnState{req: req, model: model}

	// Resolve or create the conversation.
	if req.ConversationID != "" {
		conv, err := s.store.GetConversation(ctx, req.ConversationID, req.UserID)
		if err != nil {
			return nil, mapStoreError(err)
		}
		st.conv = conv
	} else {
		conv, err := s.store.CreateConversation(ctx, req.ProjectID, req.UserID, provisionalTitle(message), strings.TrimSpace(req.SystemPrompt))
		if err != nil {
			return nil, mapStoreError(err)
		}
		st.conv = conv
		st.created = true
		s.logger.Info("CONVERSATION_CREATED",
			zap.String("conversation_id", conv.ID),
			zap.String("project_id", req.ProjectID))
	}

	// History is fetched before the new message is stored so it holds only
	// prior turns.
	history, err := s.store.RecentMessages(ctx, st.conv.ID, s.cfg.HistoryFetchLimit)
	if err != nil {
		return nil, mapStoreError(err)
	}

	// Persist the user's message up front. If inference fails later, the
	// question survives and the turn can be retried.
	userMsg, err := s.store.AppendMessage(ctx, st.conv.ID, storage.RoleUser, message, tokens.Estimate(message))
	if err != nil {
		return nil, mapStoreError(err)
	}
	st.userMsg = userMsg

	// Tools. A transport failure degrades to answering without the tool.
	if s.router != nil && len(req.EnabledTools) > 0 {
		inv, err := s.router.Route(ctx, message, req.EnabledTools)
		if err != nil {
			s.logger.Warn("TOOL_DEGRADED",
				zap.String("conversation_id", st.conv.ID),
				zap.Error(err))
			st.degraded = append(st.degraded, DegradedSearch)
		}
		st.tool = inv
	}

	// Retrieval. An unreachable embedder degrades to an ungrounded answer.
	if s.retrieve != nil && req.UseDocuments {
		excerpts, err := s.retrieve.Retrieve(ctx, req.ProjectID, message)
		if err != nil {
			s.logger.Warn("RETRIEVAL_DEGRADED",
				zap.String("conversation_id", st.conv.ID),
				zap.Error(err))
			st.degraded = append(st.degraded, DegradedRetrieval)
		}
		st.excerpts = excerpts
	}

	// A conversation-level override beats the project-wide prompt.
	projectPrompt := st.conv.SystemPrompt
	if projectPrompt == "" {
		projectPrompt = s.cfg.ProjectPrompt
	}

	systemPrompt := prompt.BuildSystemPrompt(prompt.SystemPromptParams{
		ToolsEnabled:  len(req.EnabledTools) > 0,
		ProjectPrompt: projectPrompt,
		Subject:       s.cfg.Subject,
	})

	assembled, err := prompt.Assemble(prompt.Input{
		Model:          model,
		SystemPrompt:   systemPrompt,
		Excerpts:       st.excerpts,
		Tool:           st.tool,
		History:        history,
		UserMessage:    message,
		ResponseMargin: s.cfg.ResponseMargin,
	})
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Message: "could not assemble context", Cause: err}
	}
	if assembled.Overflowed {
		s.logger.Warn("CONTEXT_TRUNCATED",
			zap.String("conversation_id", st.conv.ID),
			zap.Int("dropped_history", assembled.DroppedHistory))
		st.degraded = append(st.degraded, DegradedTruncation)
	}
	st.assembled = assembled
	return st, nil
}

// finish persists the assistant's reply, updates the token total, refines
// the title on a first exchange, and builds the Response.
func (s *Service) finish(ctx context.Context, st *turnState, content string) (*Response, error) {
	assistantTokens := tokens.Estimate(content)
	if _, err := s.store.AppendMessage(ctx, st.conv.ID, storage.RoleAssistant, content, assistantTokens); err != nil {
		return nil, mapStoreError(err)
	}

	turnTokens := st.userMsg.TokenCount + assistantTokens
	if err := s.store.AddTokens(ctx, st.conv.ID, turnTokens); err != nil {
		return nil, mapStoreError(err)
	}

	title := st.conv.Title
	if st.created {
		s.refineTitle(ctx, st.conv.ID, st.model, st.req.Message)
		if conv, err := s.store.GetConversation(ctx, st.conv.ID, st.req.UserID); err == nil {
			title = conv.Title
		}
	}

	resp := &Response{
		ConversationID: st.conv.ID,
		Title:          title,
		Created:        st.created,
		Model:          st.model,
		Content:        content,
		Excerpts:       st.excerpts,
		Degraded:       st.degraded,
		Usage:          st.assembled.Usage,
	}
	if st.tool != nil {
		resp.ToolUsed = st.tool.Tool
	}
	return resp, nil
}
