// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// searxStub serves a canned SearXNG JSON response and records the query.
func searxStub(t *testing.T, body string) (*httptest.Server, *string) {
	t.Helper()
	var lastQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		lastQuery = r.URL.Query().Get("q")
		if r.URL.Query().Get("format") != "json" {
			t.Errorf("format = %q, want json", r.URL.Query().Get("format"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &lastQuery
}

func TestWebSearchFormatsResults(t *testing.T) {
	srv, query := searxStub(t, `{"results":[
		{"title":"Zapagi Services","content":"What we offer.","url":"https://www.zapagi.com/services","engine":"duckduckgo"},
		{"title":"","content":"","url":"https://zapagi.com/about","engine":""}
	]}`)

	ws := NewWebSearch(WebSearchConfig{BaseURL: srv.URL}, nil)
	text, err := ws.Run(context.Background(), "tell me about zapagi.com")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if *query != "tell me about zapagi.com" {
		t.Errorf("query sent = %q", *query)
	}
	for _, want := range []string{
		"1. Zapagi Services",
		"What we offer.",
		"URL: https://www.zapagi.com/services",
		"Source: duckduckgo",
		"2. No title",
		"No description available",
		"Source: unknown",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("fragment missing %q:\n%s", want, text)
		}
	}
}

func TestWebSearchFiltersToTargetDomain(t *testing.T) {
	srv, _ := searxStub(t, `{"results":[
		{"title":"Unrelated","content":"x","url":"https://other.com/page","engine":"bing"},
		{"title":"On target","content":"y","url":"https://blog.zapagi.com/post","engine":"bing"}
	]}`)

	ws := NewWebSearch(WebSearchConfig{BaseURL: srv.URL}, nil)
	text, err := ws.Run(context.Background(), "what does zapagi.com do")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Contains(text, "Unrelated") {
		t.Errorf("off-domain result survived filter:\n%s", text)
	}
	if !strings.Contains(text, "On target") {
		t.Errorf("on-domain result missing:\n%s", text)
	}
}

func TestWebSearchAllFilteredOut(t *testing.T) {
	srv, _ := searxStub(t, `{"results":[
		{"title":"Unrelated","content":"x","url":"https://other.com/page","engine":"bing"}
	]}`)

	ws := NewWebSearch(WebSearchConfig{BaseURL: srv.URL}, nil)
	text, err := ws.Run(context.Background(), "what does zapagi.com do")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(text, "No reliable information found for zapagi.com") {
		t.Errorf("want domain-miss fragment, got:\n%s", text)
	}
	if !strings.Contains(text, "returned 1 results") {
		t.Errorf("want unfiltered count in fragment, got:\n%s", text)
	}
}

func TestWebSearchEmptyResults(t *testing.T) {
	srv, _ := searxStub(t, `{"results":[]}`)

	ws := NewWebSearch(WebSearchConfig{BaseURL: srv.URL}, nil)
	text, err := ws.Run(context.Background(), "look up zapagi.com")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(text, "No results found") {
		t.Errorf("want empty-result fragment, got %q", text)
	}
}

func TestWebSearchServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ws := NewWebSearch(WebSearchConfig{BaseURL: srv.URL}, nil)
	if _, err := ws.Run(context.Background(), "look up zapagi.com"); err == nil {
		t.Fatal("Run succeeded against failing backend, want error")
	}
}

func TestWebSearchMaxResultsCap(t *testing.T) {
	var rows []string
	for i := 0; i < 10; i++ {
		rows = append(rows, `{"title":"R","content":"c","url":"https://zapagi.com/p","engine":"e"}`)
	}
	srv, _ := searxStub(t, `{"results":[`+strings.Join(rows, ",")+`]}`)

	ws := NewWebSearch(WebSearchConfig{BaseURL: srv.URL, MaxResults: 3}, nil)
	text, err := ws.Run(context.Background(), "zapagi.com")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Contains(text, "4. ") {
		t.Errorf("more than MaxResults hits in fragment:\n%s", text)
	}
}
