// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import "testing"

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		found bool
	}{
		{"bare domain", "zapagi.com", "zapagi.com", true},
		{"full url with www and path", "https://www.zapagi.com/services", "zapagi.com", true},
		{"subdomain stripped", "blog.zapagi.com", "zapagi.com", true},
		{"no url", "no url here", "", false},
		{"multi-label suffix", "https://news.bbc.co.uk/x", "bbc.co.uk", true},
		{"domain inside prose", "can you check out zapagi.com for me", "zapagi.com", true},
		{"scheme without www", "http://example.org", "example.org", true},
		{"uppercase host", "HTTPS://WWW.Example.COM/About", "example.com", true},
		{"file name is not a domain", "please read report.pdf carefully", "", false},
		{"bare public suffix", "co.uk", "", false},
		{"empty", "", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, found := ExtractDomain(tc.input)
			if found != tc.found {
				t.Fatalf("ExtractDomain(%q) found = %v, want %v", tc.input, found, tc.found)
			}
			if got != tc.want {
				t.Errorf("ExtractDomain(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestRegistrableDomain(t *testing.T) {
	tests := []struct {
		input string
		want  string
		found bool
	}{
		{"https://www.zapagi.com/services", "zapagi.com", true},
		{"https://blog.zapagi.com/post/1", "zapagi.com", true},
		{"https://other.com", "other.com", true},
		{"https://news.bbc.co.uk/story", "bbc.co.uk", true},
		{"not a url at all", "", false},
	}

	for _, tc := range tests {
		got, found := RegistrableDomain(tc.input)
		if found != tc.found || got != tc.want {
			t.Errorf("RegistrableDomain(%q) = (%q, %v), want (%q, %v)",
				tc.input, got, found, tc.want, tc.found)
		}
	}
}
