// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigserve/internal/util"
)

// =============================================================================
// WEB SEARCH TOOL
// =============================================================================

// snippetLimit caps each result snippet in the formatted fragment.
const snippetLimit = 200

// SearchResult is one hit returned by the search backend.
type SearchResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
	Engine  string `json:"engine"`
}

// WebSearchConfig configures the web search tool.
type WebSearchConfig struct {
	// BaseURL is the root of the SearXNG instance.
	BaseURL string

	// MaxResults caps how many hits make it into the fragment (hard cap 15).
	MaxResults int

	// Timeout bounds the outbound search call.
	Timeout time.Duration
}

// DefaultWebSearchConfig returns the default search configuration.
func DefaultWebSearchConfig() WebSearchConfig {
	return WebSearchConfig{
		BaseURL:    "http://127.0.0.1:8888",
		MaxResults: 5,
		Timeout:    15 * time.Second,
	}
}

// WebSearch queries a SearXNG metasearch instance and formats the hits into
// a context fragment. When the triggering message names a domain, results
// are filtered to that registrable domain. Transport failures surface as
// errors so the Router can degrade to answering without search context.
type WebSearch struct {
	cfg    WebSearchConfig
	client *http.Client
	logger *zap.Logger
}

// NewWebSearch creates the web search tool. Zero-value config fields fall
// back to defaults; a nil logger is replaced with a no-op.
func NewWebSearch(cfg WebSearchConfig, logger *zap.Logger) *WebSearch {
	defaults := DefaultWebSearchConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaults.MaxResults
	}
	if cfg.MaxResults > 15 {
		cfg.MaxResults = 15
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebSearch{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Name implements Tool.
func (w *WebSearch) Name() string {
	return NameWebSearch
}

// Applies implements Tool. A message triggers search when it carries a URL
// or bare domain to look up.
func (w *WebSearch) Applies(message string) bool {
	_, ok := ExtractDomain(message)
	return ok
}

// Run implements Tool. It searches for the message, applies domain
// filtering when the message names one, and formats the surviving hits.
func (w *WebSearch) Run(ctx context.Context, message string) (string, error) {
	targetDomain, hasDomain := ExtractDomain(message)

	results, err := w.Search(ctx, message)
	if err != nil {
		return "", err
	}

	if len(results) == 0 {
		return "No results found for this query. Try rephrasing your search.", nil
	}

	if hasDomain {
		originalCount := len(results)
		results = FilterByDomain(results, targetDomain)
		if len(results) == 0 {
			w.logger.Info("SEARCH_DOMAIN_FILTERED_EMPTY",
				zap.String("domain", targetDomain),
				zap.Int("unfiltered", originalCount))
			return fmt.Sprintf(
				"No reliable information found for %s. The search returned %d results but none were from the target domain.",
				targetDomain, originalCount), nil
		}
	}

	if len(results) > w.cfg.MaxResults {
		results = results[:w.cfg.MaxResults]
	}

	return formatSearchResults(message, results), nil
}

// Search performs the outbound SearXNG query and returns the raw hits.
func (w *WebSearch) Search(ctx context.Context, query string) ([]SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("language", "en")

	reqURL := w.cfg.BaseURL + "/search?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search service returned status %d", resp.StatusCode)
	}

	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			Content string `json:"content"`
			URL     string `json:"url"`
			Engine  string `json:"engine"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]SearchResult, 0, len(payload.Results))
	for _, item := range payload.Results {
		title := item.Title
		if title == "" {
			title = "No title"
		}
		snippet := item.Content
		if snippet == "" {
			snippet = "No description available"
		}
		engine := item.Engine
		if engine == "" {
			engine = "unknown"
		}
		results = append(results, SearchResult{
			Title:   title,
			Snippet: snippet,
			URL:     item.URL,
			Engine:  engine,
		})
	}
	return results, nil
}

// FilterByDomain keeps only results whose source URL reduces to the target
// registrable domain.
func FilterByDomain(results []SearchResult, targetDomain string) []SearchResult {
	filtered := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.URL == "" {
			continue
		}
		domain, ok := RegistrableDomain(r.URL)
		if ok && domain == targetDomain {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// formatSearchResults renders hits as the numbered text block the model
// receives.
func formatSearchResults(query string, results []SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for '%s':\n\n", query)

	for i, r := range results {
		snippet := r.Snippet
		if util.RuneLen(snippet) > snippetLimit {
			snippet = util.TruncateRunesNoEllipsis(snippet, snippetLimit) + "..."
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, r.Title)
		fmt.Fprintf(&b, "   %s\n", snippet)
		fmt.Fprintf(&b, "   URL: %s\n", r.URL)
		fmt.Fprintf(&b, "   Source: %s\n\n", r.Engine)
	}

	return strings.TrimSpace(b.String())
}
