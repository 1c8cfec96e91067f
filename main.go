// rigserve - a headless HTTP backend for chatting with a locally-hosted LLM.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jeranaias/rigserve/internal/chat"
	"github.com/jeranaias/rigserve/internal/config"
	"github.com/jeranaias/rigserve/internal/ollama"
	"github.com/jeranaias/rigserve/internal/retrieval"
	"github.com/jeranaias/rigserve/internal/server"
	"github.com/jeranaias/rigserve/internal/storage"
	"github.com/jeranaias/rigserve/internal/tools"
)

// Version information (set at build time)
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Logger, built in PersistentPreRunE
	logger *zap.Logger
)

// rootCmd represents the base command. Running rigserve with no subcommand
// starts the server.
var rootCmd = &cobra.Command{
	Use:   "rigserve",
	Short: "rigserve - headless chat backend for local LLMs",
	Long: `rigserve is an HTTP backend for chatting with a locally-hosted LLM.

It persists conversations in SQLite, grounds answers in ingested documents
via embedding retrieval, and can run a web search or calculator tool before
inference. Inference runs against a local Ollama instance; nothing leaves
the machine unless web search is enabled.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err = buildLogger(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Ingest documents into the retrieval index",
	Long: `Reads the given text files, splits them into chunks, embeds each chunk,
and stores them for retrieval. The file name becomes the document source.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models available on the inference backend",
	RunE:  runModels,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rigserve %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
	},
}

var (
	ingestProject string
	ingestDocID   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.rigserve/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	ingestCmd.Flags().StringVar(&ingestProject, "project", "default", "project the documents belong to")
	ingestCmd.Flags().StringVar(&ingestDocID, "id", "", "document ID (defaults to the file name; only valid with a single file)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// =============================================================================
// SETUP
// =============================================================================

// loadConfig loads configuration from --config or the default locations and
// publishes it as the process-wide config.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	config.SetGlobal(cfg)
	return cfg, nil
}

// buildLogger constructs the process logger from the log section.
func buildLogger(lc config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if lc.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	level := lc.Level
	if verbose {
		level = "debug"
	}
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(parsed)

	return zc.Build()
}

// newBackendClient builds the inference backend client from config.
func newBackendClient(cfg *config.Config) *ollama.Client {
	return ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL:      cfg.Ollama.URL,
		Timeout:      time.Duration(cfg.Ollama.TimeoutSecs) * time.Second,
		DefaultModel: cfg.Ollama.Model,
		MaxRetries:   cfg.Ollama.MaxRetries,
		RetryDelay:   time.Duration(cfg.Ollama.RetryDelaySecs) * time.Second,
	})
}

// openRetrieval opens the chunk store and builds the retriever and ingestor.
// Returns nils when retrieval is disabled.
func openRetrieval(cfg *config.Config) (*retrieval.ChunkStore, *retrieval.Retriever, *retrieval.Ingestor, error) {
	if !cfg.Retrieval.Enabled {
		return nil, nil, nil, nil
	}

	chunks, err := retrieval.OpenChunkStore(cfg.Retrieval.ChunkDB)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open chunk store: %w", err)
	}

	embedder := retrieval.NewOllamaEmbedder(cfg.Ollama.URL, cfg.Retrieval.EmbedModel, 30*time.Second)
	retriever := retrieval.NewRetriever(embedder, chunks, cfg.Retrieval.TopK, logger)
	ingestor := retrieval.NewIngestor(embedder, chunks, cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap, logger)

	return chunks, retriever, ingestor, nil
}

// =============================================================================
// SERVE
// =============================================================================

func runServe() error {
	cfg := config.Global()

	store, err := storage.Open(cfg.Storage.DB)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	defer store.Close()

	chunks, retriever, ingestor, err := openRetrieval(cfg)
	if err != nil {
		return err
	}
	if chunks != nil {
		defer chunks.Close()
	}

	backend := newBackendClient(cfg)

	toolRouter := tools.NewRouter(logger,
		tools.NewWebSearch(tools.WebSearchConfig{
			BaseURL:    cfg.Search.URL,
			MaxResults: cfg.Search.MaxResults,
			Timeout:    time.Duration(cfg.Search.TimeoutSecs) * time.Second,
		}, logger),
		tools.NewCalculator(),
	)

	// The chat service takes interfaces; hand nil interfaces (not typed
	// nils) when a stage is disabled.
	var chatRetriever chat.Retriever
	if retriever != nil {
		chatRetriever = retriever
	}

	svc := chat.NewService(store, backend, chatRetriever, toolRouter, chat.Config{
		DefaultModel:      cfg.Ollama.Model,
		HistoryFetchLimit: cfg.Chat.HistoryFetchLimit,
		ResponseMargin:    cfg.Chat.ResponseMargin,
		TitleTimeout:      time.Duration(cfg.Chat.TitleTimeoutSecs) * time.Second,
		Subject:           cfg.Chat.Subject,
		ProjectPrompt:     cfg.Chat.SystemPrompt,
	}, logger)

	server.AddTrustedProxies(cfg.Server.TrustedProxies...)

	srv := server.NewServer(cfg.Server.Host, cfg.Server.Port, logger).
		WithChatService(svc).
		WithStore(store).
		WithBackend(backend).
		WithCORS(cfg.Server.AllowedOrigins).
		WithRateLimit(cfg.Server.RateLimitPerMin, cfg.Server.RateLimitBurst)

	if ingestor != nil {
		srv.WithIngestor(ingestor, chunks)
	}
	if cfg.Server.BearerToken != "" {
		srv.WithAuth(&server.AuthConfig{Enabled: true, BearerToken: cfg.Server.BearerToken})
	}

	// Reload the config file on change. Only log level and future turns'
	// chat settings pick up changes; listener settings need a restart.
	if watcher := startConfigWatcher(); watcher != nil {
		defer watcher.Close()
	}

	// Graceful shutdown on SIGINT/SIGTERM
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("SIGNAL_RECEIVED", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// startConfigWatcher watches the active config file for edits. Returns nil
// when there is no config file on disk.
func startConfigWatcher() *config.Watcher {
	path := configPath
	if path == "" {
		tomlPath, err := config.ConfigPathTOML()
		if err != nil {
			return nil
		}
		path = tomlPath
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	watcher, err := config.NewWatcher(path, config.DefaultWatchDebounce, nil, logger)
	if err != nil {
		logger.Warn("CONFIG_WATCH_UNAVAILABLE", zap.Error(err))
		return nil
	}
	if err := watcher.Watch(); err != nil {
		logger.Warn("CONFIG_WATCH_UNAVAILABLE", zap.Error(err))
		watcher.Close()
		return nil
	}
	return watcher
}

// =============================================================================
// INGEST
// =============================================================================

func runIngest(cmd *cobra.Command, args []string) error {
	cfg := config.Global()

	if !cfg.Retrieval.Enabled {
		return fmt.Errorf("retrieval is disabled in the configuration")
	}
	if ingestDocID != "" && len(args) > 1 {
		return fmt.Errorf("--id can only be used with a single file")
	}

	chunks, _, ingestor, err := openRetrieval(cfg)
	if err != nil {
		return err
	}
	defer chunks.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		docID := ingestDocID
		if docID == "" {
			docID = filepath.Base(path)
		}

		n, err := ingestor.IngestDocument(ctx, ingestProject, docID, filepath.Base(path), string(data))
		if err != nil {
			return fmt.Errorf("failed to ingest %s: %w", path, err)
		}
		fmt.Printf("Ingested %s: %d chunks (project %s)\n", path, n, ingestProject)
	}

	return nil
}

// =============================================================================
// MODELS
// =============================================================================

func runModels(cmd *cobra.Command, args []string) error {
	cfg := config.Global()
	backend := newBackendClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	models, err := backend.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}

	if len(models) == 0 {
		fmt.Println("No models installed.")
		return nil
	}

	fmt.Printf("%-40s %10s\n", "MODEL", "SIZE")
	for _, m := range models {
		marker := " "
		if m.Name == cfg.Ollama.Model {
			marker = "*"
		}
		fmt.Printf("%s %-38s %10s\n", marker, m.Name, m.FormatSize())
	}
	return nil
}
