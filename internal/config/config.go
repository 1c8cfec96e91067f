// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/rigserve/internal/util"
)

// =============================================================================
// CONFIG STRUCTURE
// =============================================================================

// Config is the complete rigserve configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	Server    ServerConfig    `toml:"server" json:"server"`
	Ollama    OllamaConfig    `toml:"ollama" json:"ollama"`
	Chat      ChatConfig      `toml:"chat" json:"chat"`
	Retrieval RetrievalConfig `toml:"retrieval" json:"retrieval"`
	Search    SearchConfig    `toml:"search" json:"search"`
	Storage   StorageConfig   `toml:"storage" json:"storage"`
	Ingest    IngestConfig    `toml:"ingest" json:"ingest"`
	Log       LogConfig       `toml:"log" json:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `toml:"host" json:"host"`
	Port int    `toml:"port" json:"port"`

	// BearerToken, when set, is required on every API request.
	BearerToken string `toml:"bearer_token" json:"bearer_token"`

	// AllowedOrigins for CORS. Empty disables cross-origin access.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"`

	// TrustedProxies are CIDRs whose X-Forwarded-For headers are believed.
	TrustedProxies []string `toml:"trusted_proxies" json:"trusted_proxies"`

	// RateLimitPerMin caps requests per client IP per minute. Zero
	// disables limiting.
	RateLimitPerMin int `toml:"rate_limit_per_min" json:"rate_limit_per_min"`

	// RateLimitBurst is the token-bucket burst size.
	RateLimitBurst int `toml:"rate_limit_burst" json:"rate_limit_burst"`
}

// OllamaConfig controls the inference backend connection.
type OllamaConfig struct {
	URL            string `toml:"url" json:"url"`
	Model          string `toml:"model" json:"model"`
	TimeoutSecs    int    `toml:"timeout_secs" json:"timeout_secs"`
	MaxRetries     int    `toml:"max_retries" json:"max_retries"`
	RetryDelaySecs int    `toml:"retry_delay_secs" json:"retry_delay_secs"`
}

// ChatConfig controls turn orchestration.
type ChatConfig struct {
	// Subject names the study area for the default system prompt.
	Subject string `toml:"subject" json:"subject"`

	// SystemPrompt overrides the subject line entirely when set.
	SystemPrompt string `toml:"system_prompt" json:"system_prompt"`

	// ResponseMargin reserves context-window tokens for the reply.
	ResponseMargin int `toml:"response_margin" json:"response_margin"`

	// HistoryFetchLimit caps stored messages considered per turn.
	HistoryFetchLimit int `toml:"history_fetch_limit" json:"history_fetch_limit"`

	// TitleTimeoutSecs bounds the title-refinement call.
	TitleTimeoutSecs int `toml:"title_timeout_secs" json:"title_timeout_secs"`
}

// RetrievalConfig controls document retrieval.
type RetrievalConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled"`
	EmbedModel string `toml:"embed_model" json:"embed_model"`
	TopK       int    `toml:"top_k" json:"top_k"`
	ChunkDB    string `toml:"chunk_db" json:"chunk_db"`
}

// SearchConfig controls the web search tool backend.
type SearchConfig struct {
	URL         string `toml:"url" json:"url"`
	MaxResults  int    `toml:"max_results" json:"max_results"`
	TimeoutSecs int    `toml:"timeout_secs" json:"timeout_secs"`
}

// StorageConfig controls conversation persistence.
type StorageConfig struct {
	DB string `toml:"db" json:"db"`
}

// IngestConfig controls document chunking.
type IngestConfig struct {
	ChunkSize    int `toml:"chunk_size" json:"chunk_size"`
	ChunkOverlap int `toml:"chunk_overlap" json:"chunk_overlap"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`   // debug, info, warn, error
	Format string `toml:"format" json:"format"` // json, console
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8090,
			RateLimitPerMin: 120,
			RateLimitBurst:  20,
		},

		Ollama: OllamaConfig{
			URL:            "http://127.0.0.1:11434",
			Model:          "llama3",
			TimeoutSecs:    120,
			MaxRetries:     3,
			RetryDelaySecs: 1,
		},

		Chat: ChatConfig{
			Subject:           "general studies",
			ResponseMargin:    1024,
			HistoryFetchLimit: 50,
			TitleTimeoutSecs:  10,
		},

		Retrieval: RetrievalConfig{
			Enabled:    true,
			EmbedModel: "embeddinggemma",
			TopK:       5,
			ChunkDB:    defaultDataPath("chunks.db"),
		},

		Search: SearchConfig{
			URL:         "http://127.0.0.1:8888",
			MaxResults:  5,
			TimeoutSecs: 15,
		},

		Storage: StorageConfig{
			DB: defaultDataPath("rigserve.db"),
		},

		Ingest: IngestConfig{
			ChunkSize:    1000,
			ChunkOverlap: 200,
		},

		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// defaultDataPath places a data file in the config directory, falling back
// to the working directory when the home directory is unknown.
func defaultDataPath(name string) string {
	dir, err := ConfigDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, name)
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the rigserve configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigserve"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// ensureSecurePermissions tightens a config file to owner read/write only.
// The bearer token lives in this file.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm() != 0600 {
		return os.Chmod(path, 0600)
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads the configuration from the default locations.
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	cfg := Default()

	tomlPath, err := ConfigPathTOML()
	if err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			if err := LoadTOML(cfg, tomlPath); err != nil {
				return nil, fmt.Errorf("failed to load TOML config: %w", err)
			}
			return finalize(cfg)
		}
	}

	jsonPath, err := ConfigPathJSON()
	if err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			if err := LoadJSON(cfg, jsonPath); err != nil {
				return nil, fmt.Errorf("failed to load JSON config: %w", err)
			}
			return finalize(cfg)
		}
	}

	return finalize(cfg)
}

// LoadFromPath loads configuration from a specific file path with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	return finalize(cfg)
}

// finalize applies env overrides, defaults, and validation.
func finalize(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML loads configuration from a TOML file.
// SECURITY: Checks and fixes file permissions on load.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON loads configuration from a JSON file.
// SECURITY: Checks and fixes file permissions on load.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# rigserve configuration file")
	fmt.Fprintln(file, "# Generated by rigserve - edit with care")
	fmt.Fprintln(file, "")

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// SaveJSON saves the configuration to a JSON file.
// RELIABILITY: Atomic write with fsync prevents data loss on crash.
func SaveJSON(cfg *Config, path string) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("must be 1-65535, got %d", c.Server.Port),
		})
	}
	if c.Server.RateLimitPerMin < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.rate_limit_per_min",
			Message: "cannot be negative",
		})
	}

	if c.Ollama.URL != "" {
		if u, err := url.Parse(c.Ollama.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "ollama.url",
				Message: fmt.Sprintf("invalid URL %q", c.Ollama.URL),
			})
		}
	}
	if c.Ollama.TimeoutSecs < 1 {
		errs = append(errs, ValidationError{
			Field:   "ollama.timeout_secs",
			Message: fmt.Sprintf("must be at least 1, got %d", c.Ollama.TimeoutSecs),
		})
	}

	if c.Chat.ResponseMargin < 0 {
		errs = append(errs, ValidationError{
			Field:   "chat.response_margin",
			Message: "cannot be negative",
		})
	}
	if c.Chat.HistoryFetchLimit < 0 {
		errs = append(errs, ValidationError{
			Field:   "chat.history_fetch_limit",
			Message: "cannot be negative",
		})
	}

	if c.Retrieval.TopK < 1 || c.Retrieval.TopK > 50 {
		errs = append(errs, ValidationError{
			Field:   "retrieval.top_k",
			Message: fmt.Sprintf("must be 1-50, got %d", c.Retrieval.TopK),
		})
	}

	if c.Search.URL != "" {
		if u, err := url.Parse(c.Search.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "search.url",
				Message: fmt.Sprintf("invalid URL %q", c.Search.URL),
			})
		}
	}
	if c.Search.MaxResults < 1 || c.Search.MaxResults > 15 {
		errs = append(errs, ValidationError{
			Field:   "search.max_results",
			Message: fmt.Sprintf("must be 1-15, got %d", c.Search.MaxResults),
		})
	}

	if c.Ingest.ChunkSize < 100 {
		errs = append(errs, ValidationError{
			Field:   "ingest.chunk_size",
			Message: fmt.Sprintf("must be at least 100, got %d", c.Ingest.ChunkSize),
		})
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		errs = append(errs, ValidationError{
			Field:   "ingest.chunk_overlap",
			Message: fmt.Sprintf("must be 0 to chunk_size-1, got %d", c.Ingest.ChunkOverlap),
		})
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("invalid level %q, must be one of: debug, info, warn, error", c.Log.Level),
		})
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, ValidationError{
			Field:   "log.format",
			Message: fmt.Sprintf("invalid format %q, must be one of: json, console", c.Log.Format),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults fills zero-valued fields with defaults. Safe to call on a
// partially populated config.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}

	if c.Server.Host == "" {
		c.Server.Host = defaults.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Server.RateLimitPerMin == 0 {
		c.Server.RateLimitPerMin = defaults.Server.RateLimitPerMin
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = defaults.Server.RateLimitBurst
	}

	if c.Ollama.URL == "" {
		c.Ollama.URL = defaults.Ollama.URL
	}
	if c.Ollama.Model == "" {
		c.Ollama.Model = defaults.Ollama.Model
	}
	if c.Ollama.TimeoutSecs == 0 {
		c.Ollama.TimeoutSecs = defaults.Ollama.TimeoutSecs
	}
	if c.Ollama.MaxRetries == 0 {
		c.Ollama.MaxRetries = defaults.Ollama.MaxRetries
	}
	if c.Ollama.RetryDelaySecs == 0 {
		c.Ollama.RetryDelaySecs = defaults.Ollama.RetryDelaySecs
	}

	if c.Chat.Subject == "" {
		c.Chat.Subject = defaults.Chat.Subject
	}
	if c.Chat.ResponseMargin == 0 {
		c.Chat.ResponseMargin = defaults.Chat.ResponseMargin
	}
	if c.Chat.HistoryFetchLimit == 0 {
		c.Chat.HistoryFetchLimit = defaults.Chat.HistoryFetchLimit
	}
	if c.Chat.TitleTimeoutSecs == 0 {
		c.Chat.TitleTimeoutSecs = defaults.Chat.TitleTimeoutSecs
	}

	if c.Retrieval.EmbedModel == "" {
		c.Retrieval.EmbedModel = defaults.Retrieval.EmbedModel
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = defaults.Retrieval.TopK
	}
	if c.Retrieval.ChunkDB == "" {
		c.Retrieval.ChunkDB = defaults.Retrieval.ChunkDB
	}

	if c.Search.URL == "" {
		c.Search.URL = defaults.Search.URL
	}
	if c.Search.MaxResults == 0 {
		c.Search.MaxResults = defaults.Search.MaxResults
	}
	if c.Search.TimeoutSecs == 0 {
		c.Search.TimeoutSecs = defaults.Search.TimeoutSecs
	}

	if c.Storage.DB == "" {
		c.Storage.DB = defaults.Storage.DB
	}

	if c.Ingest.ChunkSize == 0 {
		c.Ingest.ChunkSize = defaults.Ingest.ChunkSize
	}
	if c.Ingest.ChunkOverlap == 0 {
		c.Ingest.ChunkOverlap = defaults.Ingest.ChunkOverlap
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
// Supported variables:
//   - RIGSERVE_HOST: overrides server.host
//   - RIGSERVE_PORT: overrides server.port
//   - RIGSERVE_TOKEN: overrides server.bearer_token
//   - RIGSERVE_OLLAMA_URL: overrides ollama.url
//   - RIGSERVE_MODEL: overrides ollama.model
//   - RIGSERVE_SEARCH_URL: overrides search.url
//   - RIGSERVE_DB: overrides storage.db
//   - RIGSERVE_LOG_LEVEL: overrides log.level
func (c *Config) ApplyEnvOverrides() {
	if host := os.Getenv("RIGSERVE_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("RIGSERVE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if token := os.Getenv("RIGSERVE_TOKEN"); token != "" {
		c.Server.BearerToken = token
	}
	if u := os.Getenv("RIGSERVE_OLLAMA_URL"); u != "" {
		c.Ollama.URL = u
	}
	if model := os.Getenv("RIGSERVE_MODEL"); model != "" {
		c.Ollama.Model = model
	}
	if u := os.Getenv("RIGSERVE_SEARCH_URL"); u != "" {
		c.Search.URL = u
	}
	if db := os.Getenv("RIGSERVE_DB"); db != "" {
		c.Storage.DB = db
	}
	if level := os.Getenv("RIGSERVE_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// =============================================================================
// GLOBAL CONFIG SINGLETON
// =============================================================================

var (
	globalMu     sync.RWMutex
	globalConfig *Config
)

// Global returns the process-wide configuration, loading it on first use.
func Global() *Config {
	globalMu.RLock()
	if globalConfig != nil {
		defer globalMu.RUnlock()
		return globalConfig
	}
	globalMu.RUnlock()

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalConfig == nil {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		globalConfig = cfg
	}
	return globalConfig
}

// ReloadGlobal re-reads the configuration from disk.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	SetGlobal(cfg)
	return nil
}

// SetGlobal replaces the process-wide configuration.
func SetGlobal(cfg *Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting clears the singleton so tests start clean.
func ResetGlobalForTesting() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig = nil
}
