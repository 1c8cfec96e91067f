// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/rigserve/internal/chat"
	"github.com/jeranaias/rigserve/internal/ollama"
	"github.com/jeranaias/rigserve/internal/retrieval"
	"github.com/jeranaias/rigserve/internal/storage"
	"github.com/jeranaias/rigserve/internal/tokens"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultPort is the default port for the HTTP server.
	DefaultPort = 8090

	// MaxMessageLength is the maximum length for a chat message to prevent DoS.
	MaxMessageLength = 100000

	// MaxDocumentLength is the maximum length for an ingested document (2MB).
	MaxDocumentLength = 2 * 1024 * 1024

	// MaxRequestBodySize is the maximum size for a request body (4MB). Large
	// enough for document ingestion, small enough to bound memory per request.
	MaxRequestBodySize = 4 * 1024 * 1024

	// Version is the server version.
	Version = "1.0.0"
)

// ============================================================================
// SERVER STATS
// ============================================================================

// ServerStats tracks server usage statistics.
type ServerStats struct {
	mu sync.Mutex

	turns             int64
	streamedTurns     int64
	documentsIngested int64
	tokensUsed        int64
	errors            map[chat.Kind]int64
	startTime         time.Time
}

// NewServerStats creates a new ServerStats instance.
func NewServerStats() *ServerStats {
	return &ServerStats{
		errors:    make(map[chat.Kind]int64),
		startTime: time.Now(),
	}
}

// RecordTurn records a completed chat turn.
func (s *ServerStats) RecordTurn(streamed bool, totalTokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns++
	if streamed {
		s.streamedTurns++
	}
	s.tokensUsed += int64(totalTokens)
}

// RecordError records a failed chat turn by kind.
func (s *ServerStats) RecordError(kind chat.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[kind]++
}

// RecordIngest records a completed document ingestion.
func (s *ServerStats) RecordIngest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documentsIngested++
}

// StatsResponse is the usage statistics payload.
type StatsResponse struct {
	Turns             int64            `json:"turns"`
	StreamedTurns     int64            `json:"streamed_turns"`
	DocumentsIngested int64            `json:"documents_ingested"`
	TokensUsed        int64            `json:"tokens_used"`
	Errors            map[string]int64 `json:"errors"`
	UptimeSeconds     int64            `json:"uptime_seconds"`
}

// Snapshot returns a copy of the current stats.
func (s *ServerStats) Snapshot() StatsResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	errs := make(map[string]int64, len(s.errors))
	for kind, n := range s.errors {
		errs[string(kind)] = n
	}

	return StatsResponse{
		Turns:             s.turns,
		StreamedTurns:     s.streamedTurns,
		DocumentsIngested: s.documentsIngested,
		TokensUsed:        s.tokensUsed,
		Errors:            errs,
		UptimeSeconds:     int64(time.Since(s.startTime).Seconds()),
	}
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP API surface. All endpoints speak JSON; the streaming
// chat endpoint speaks Server-Sent Events.
type Server struct {
	host   string
	port   int
	router *http.ServeMux
	server *http.Server

	chat     *chat.Service
	store    *storage.Store
	ingestor *retrieval.Ingestor
	chunks   *retrieval.ChunkStore
	backend  *ollama.Client

	auth      *AuthConfig
	cors      *CORSConfig
	rateLimit *IPRateLimiter

	stats  *ServerStats
	logger *zap.Logger

	mu sync.RWMutex
}

// NewServer creates a new Server listening on host:port.
// If port is 0, the default port (8090) is used.
func NewServer(host string, port int, logger *zap.Logger) *Server {
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = DefaultPort
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		host:   host,
		port:   port,
		router: http.NewServeMux(),
		auth:   DefaultAuthConfig(),
		stats:  NewServerStats(),
		logger: logger,
	}

	s.setupRoutes()
	return s
}

// WithChatService sets the turn orchestrator.
func (s *Server) WithChatService(svc *chat.Service) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat = svc
	return s
}

// WithStore sets the conversation store.
func (s *Server) WithStore(store *storage.Store) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = store
	return s
}

// WithIngestor sets the document ingestor and its chunk store.
func (s *Server) WithIngestor(in *retrieval.Ingestor, chunks *retrieval.ChunkStore) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingestor = in
	s.chunks = chunks
	return s
}

// WithBackend sets the inference backend client used by the models and
// health endpoints.
func (s *Server) WithBackend(client *ollama.Client) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend = client
	return s
}

// WithAuth sets the authentication configuration.
func (s *Server) WithAuth(config *AuthConfig) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = config
	return s
}

// WithCORS enables CORS for the given origins.
func (s *Server) WithCORS(origins []string) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(origins) > 0 {
		s.cors = NewCORSConfig(origins)
	}
	return s
}

// WithRateLimit enables per-IP rate limiting. perMinute <= 0 disables it.
func (s *Server) WithRateLimit(perMinute, burst int) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if perMinute > 0 {
		s.rateLimit = NewIPRateLimiter(perMinute, burst)
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /v1/chat", s.handleChat)
	s.router.HandleFunc("POST /v1/chat/stream", s.handleChatStream)

	s.router.HandleFunc("GET /v1/models", s.handleModels)

	s.router.HandleFunc("GET /v1/conversations", s.handleListConversations)
	s.router.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	s.router.HandleFunc("DELETE /v1/conversations/{id}", s.handleDeleteConversation)

	s.router.HandleFunc("POST /v1/documents", s.handleIngestDocument)
	s.router.HandleFunc("DELETE /v1/documents/{id}", s.handleDeleteDocument)

	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /stats", s.handleStats)
}

// Handler returns the fully assembled handler with middleware applied.
// Exposed for tests.
func (s *Server) Handler() http.Handler {
	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(s.logger),
		SecurityHeadersMiddleware(),
	}
	if s.cors != nil {
		middlewares = append(middlewares, CORSMiddleware(s.cors))
	}
	middlewares = append(middlewares, LoggingMiddleware(s.logger))
	if s.rateLimit != nil {
		middlewares = append(middlewares, RateLimitMiddleware(s.rateLimit, s.logger))
	}

	handler := Chain(middlewares...)(s.router)

	if s.auth != nil && s.auth.Enabled {
		handler = AuthMiddleware(s.auth, s.logger)(handler)
	}

	return handler
}

// ============================================================================
// CHAT HANDLERS
// ============================================================================

// decodeChatRequest decodes and validates the body shared by both chat
// endpoints. Writes the error response itself and returns false on failure.
func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (chat.Request, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req chat.Request
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, chat.KindInvalidRequest,
				fmt.Sprintf("request body exceeds %d bytes", MaxRequestBodySize))
			return req, false
		}
		s.logger.Debug("BAD_REQUEST_BODY", zap.Error(err))
		s.writeError(w, http.StatusBadRequest, chat.KindInvalidRequest, "invalid request format")
		return req, false
	}

	// Checked on the raw bytes: the JSON decoder would silently replace
	// invalid sequences instead of rejecting them.
	if !utf8.Valid(body) {
		s.writeError(w, http.StatusBadRequest, chat.KindInvalidRequest, "request body must be valid UTF-8")
		return req, false
	}

	if err := json.Unmarshal(body, &req); err != nil {
		s.logger.Debug("BAD_REQUEST_BODY", zap.Error(err))
		s.writeError(w, http.StatusBadRequest, chat.KindInvalidRequest, "invalid request format")
		return req, false
	}

	if len(req.Message) > MaxMessageLength {
		s.writeError(w, http.StatusBadRequest, chat.KindInvalidRequest,
			fmt.Sprintf("message exceeds maximum length of %d", MaxMessageLength))
		return req, false
	}

	return req, true
}

// handleChat handles POST /v1/chat.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	resp, err := s.chat.Answer(r.Context(), req)
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	s.stats.RecordTurn(false, resp.Usage.TotalTokens)
	s.writeJSON(w, http.StatusOK, resp)
}

// streamFrame is one SSE data frame on the streaming chat endpoint.
// Delta frames carry text; the terminal frame carries either the full
// response or an error.
type streamFrame struct {
	Delta    string         `json:"delta,omitempty"`
	Done     bool           `json:"done,omitempty"`
	Response *chat.Response `json:"response,omitempty"`
	Error    *errorBody     `json:"error,omitempty"`
}

// handleChatStream handles POST /v1/chat/stream.
//
// The response is Server-Sent Events: one JSON frame per data line, closed
// by a literal [DONE] marker. Errors that occur before inference starts are
// reported as plain JSON with an HTTP error status; errors after streaming
// has begun arrive as a terminal error frame.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	events, err := s.chat.Stream(r.Context(), req)
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, chat.KindInternal, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		switch {
		case ev.Err != nil:
			kind := chat.KindOf(ev.Err)
			s.stats.RecordError(kind)
			s.sendFrame(w, flusher, streamFrame{
				Done:  true,
				Error: &errorBody{Kind: string(kind), Message: ev.Err.Error()},
			})

		case ev.Done:
			s.stats.RecordTurn(true, ev.Response.Usage.TotalTokens)
			s.sendFrame(w, flusher, streamFrame{Done: true, Response: ev.Response})

		default:
			s.sendFrame(w, flusher, streamFrame{Delta: ev.Delta})
		}
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// sendFrame sends a single SSE data frame.
func (s *Server) sendFrame(w http.ResponseWriter, flusher http.Flusher, frame streamFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// ============================================================================
// CONVERSATION HANDLERS
// ============================================================================

// owner extracts the project/user scoping parameters from the query string.
func owner(r *http.Request) (projectID, userID string) {
	q := r.URL.Query()
	return q.Get("project_id"), q.Get("user_id")
}

// handleListConversations handles GET /v1/conversations.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	projectID, userID := owner(r)
	if projectID == "" || userID == "" {
		s.writeError(w, http.StatusBadRequest, chat.KindInvalidRequest, "project_id and user_id are required")
		return
	}

	convs, err := s.store.ListConversations(r.Context(), projectID, userID)
	if err != nil {
		s.logger.Error("LIST_CONVERSATIONS_FAILED", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, chat.KindInternal, "failed to list conversations")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// handleGetConversation handles GET /v1/conversations/{id}.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	_, userID := owner(r)
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, chat.KindInvalidRequest, "user_id is required")
		return
	}

	conv, err := s.store.GetConversation(r.Context(), id, userID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	messages, err := s.store.Messages(r.Context(), id)
	if err != nil {
		s.logger.Error("LOAD_MESSAGES_FAILED", zap.String("conversation_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, chat.KindInternal, "failed to load messages")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"messages":     messages,
	})
}

// handleDeleteConversation handles DELETE /v1/conversations/{id}.
func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	_, userID := owner(r)
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, chat.KindInvalidRequest, "user_id is required")
		return
	}

	if err := s.store.DeleteConversation(r.Context(), id, userID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.logger.Info("CONVERSATION_DELETED", zap.String("conversation_id", id))
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "conversation_id": id})
}

// writeStoreError maps a storage failure onto an HTTP response.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrConversationNotFound) {
		s.writeError(w, http.StatusNotFound, chat.KindConversationNotFound, "conversation not found")
		return
	}
	s.logger.Error("STORAGE_ERROR", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, chat.KindInternal, "storage failure")
}

// ============================================================================
// DOCUMENT HANDLERS
// ============================================================================

// IngestRequest is the document ingestion payload.
type IngestRequest struct {
	ProjectID  string `json:"project_id"`
	DocumentID string `json:"document_id,omitempty"`
	Source     string `json:"source,omitempty"`
	Text       string `json:"text"`
}

// IngestResponse reports a completed ingestion.
type IngestResponse struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
}

// handleIngestDocument handles POST /v1/documents.
func (s *Server) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	if s.ingestor == nil {
		s.writeError(w, http.StatusServiceUnavailable, chat.KindInvalidRequest, "document retrieval is disabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, chat.KindInvalidRequest,
				fmt.Sprintf("request body exceeds %d bytes", MaxRequestBodySize))
			return
		}
		s.writeError(w, http.StatusBadRequest, chat.KindInvalidRequest, "invalid request format")
		return
	}

	if req.ProjectID == "" || req.Text == "" {
		s.writeError(w, http.StatusBadRequest, chat.KindInvalidRequest, "project_id and text are required")
		return
	}
	if len(req.Text) > MaxDocumentLength {
		s.writeError(w, http.StatusBadRequest, chat.KindInvalidRequest,
			fmt.Sprintf("document exceeds maximum length of %d", MaxDocumentLength))
		return
	}

	if req.DocumentID == "" {
		req.DocumentID = "doc_" + uuid.NewString()
	}
	if req.Source == "" {
		req.Source = "upload"
	}

	chunks, err := s.ingestor.IngestDocument(r.Context(), req.ProjectID, req.DocumentID, req.Source, req.Text)
	if err != nil {
		s.logger.Error("INGEST_FAILED",
			zap.String("document_id", req.DocumentID),
			zap.Error(err))
		s.writeError(w, http.StatusBadGateway, chat.KindInternal, "document ingestion failed")
		return
	}

	s.stats.RecordIngest()
	s.writeJSON(w, http.StatusOK, IngestResponse{DocumentID: req.DocumentID, Chunks: chunks})
}

// handleDeleteDocument handles DELETE /v1/documents/{id}.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if s.chunks == nil {
		s.writeError(w, http.StatusServiceUnavailable, chat.KindInvalidRequest, "document retrieval is disabled")
		return
	}

	id := r.PathValue("id")
	projectID, _ := owner(r)
	if projectID == "" {
		s.writeError(w, http.StatusBadRequest, chat.KindInvalidRequest, "project_id is required")
		return
	}

	if err := s.chunks.DeleteDocument(r.Context(), projectID, id); err != nil {
		s.logger.Error("DOCUMENT_DELETE_FAILED", zap.String("document_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, chat.KindInternal, "failed to delete document")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "document_id": id})
}

// ============================================================================
// MODELS HANDLER
// ============================================================================

// ModelEntry is a backend model annotated with its context window size.
type ModelEntry struct {
	ollama.ModelInfo
	ContextLimit int `json:"context_limit"`
}

// ModelsResponse lists models available on the inference backend.
type ModelsResponse struct {
	Default string       `json:"default"`
	Models  []ModelEntry `json:"models"`
}

// handleModels handles GET /v1/models.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		s.writeError(w, http.StatusServiceUnavailable, chat.KindInferenceUnavailable, "inference backend not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	models, err := s.backend.ListModels(ctx)
	if err != nil {
		s.logger.Warn("LIST_MODELS_FAILED", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, chat.KindInferenceUnavailable, "inference backend is unavailable")
		return
	}

	entries := make([]ModelEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, ModelEntry{
			ModelInfo:    m,
			ContextLimit: tokens.ContextLimit(m.Name),
		})
	}

	s.writeJSON(w, http.StatusOK, ModelsResponse{
		Default: s.backend.GetDefaultModel(),
		Models:  entries,
	})
}

// ============================================================================
// HEALTH AND STATS HANDLERS
// ============================================================================

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	BackendStatus string `json:"backend_status"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:  "ok",
		Version: Version,
	}

	if s.backend != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.backend.CheckRunning(ctx); err == nil {
			health.BackendStatus = "ok"
		} else {
			health.BackendStatus = "unavailable"
			health.Status = "degraded"
		}
	} else {
		health.BackendStatus = "not_configured"
	}

	s.writeJSON(w, http.StatusOK, health)
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.Addr(),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: streaming responses are open-ended. Handlers
		// bound their own work through the request context.
		IdleTimeout: 120 * time.Second,
	}

	s.logger.Info("SERVER_START",
		zap.String("addr", s.Addr()),
		zap.String("version", Version))

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Info("SERVER_SHUTDOWN")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, kind chat.Kind, message string) {
	s.writeJSON(w, status, map[string]errorBody{
		"error": {Kind: string(kind), Message: message},
	})
}

// writeChatError maps an orchestrator failure onto an HTTP response.
func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	kind := chat.KindOf(err)
	s.stats.RecordError(kind)
	s.writeError(w, statusForKind(kind), kind, err.Error())
}

// statusForKind maps a turn failure kind to an HTTP status code.
func statusForKind(kind chat.Kind) int {
	switch kind {
	case chat.KindInvalidRequest:
		return http.StatusBadRequest
	case chat.KindConversationNotFound, chat.KindModelNotFound:
		return http.StatusNotFound
	case chat.KindInferenceTimeout:
		return http.StatusGatewayTimeout
	case chat.KindInferenceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
