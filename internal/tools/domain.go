// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// =============================================================================
// DOMAIN EXTRACTION
// =============================================================================

// domainPattern finds a URL or bare domain inside free text. The host group
// stops at the first path, query, or whitespace character, and an optional
// leading scheme and "www." are consumed outside the group.
var domainPattern = regexp.MustCompile(`(?:https?://)?(?:www\.)?([a-zA-Z0-9][a-zA-Z0-9-]*(?:\.[a-zA-Z0-9][a-zA-Z0-9-]*)+)`)

// ExtractDomain scans text for a URL or bare domain and reduces it to its
// registrable domain: subdomains are stripped and multi-label public
// suffixes are respected ("blog.zapagi.com" -> "zapagi.com",
// "news.bbc.co.uk" -> "bbc.co.uk"). Candidates whose trailing label is not
// an ICANN-managed suffix are rejected, so file names like "report.pdf" do
// not read as domains. Returns ("", false) when no domain is present.
func ExtractDomain(text string) (string, bool) {
	match := domainPattern.FindStringSubmatch(text)
	if match == nil {
		return "", false
	}

	host := strings.ToLower(strings.TrimSuffix(match[1], "."))

	suffix, icann := publicsuffix.PublicSuffix(host)
	if !icann || suffix == host {
		return "", false
	}

	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", false
	}
	return registrable, true
}

// RegistrableDomain reduces a URL or host to its registrable domain without
// the ICANN plausibility check. Used when the input is already known to be a
// URL, such as a search result's source link.
func RegistrableDomain(rawURL string) (string, bool) {
	match := domainPattern.FindStringSubmatch(rawURL)
	if match == nil {
		return "", false
	}
	registrable, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(match[1]))
	if err != nil {
		return "", false
	}
	return registrable, true
}
