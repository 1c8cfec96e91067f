// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for rigserve.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - ServerConfig: HTTP listener, auth, CORS, and rate limiting
//   - OllamaConfig: Inference backend connection
//   - RetrievalConfig: Document retrieval settings
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (RIGSERVE_*)
//   - ~/.rigserve/config.toml
//   - ~/.rigserve/config.json
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Access settings:
//
//	model := cfg.Ollama.Model
//	port := cfg.Server.Port
//
// A Watcher can reload the file on change; the refreshed config is published
// through SetGlobal and an optional callback.
package config
