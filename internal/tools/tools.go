// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools implements the pre-inference tools rigserve can run on a
// user message: web search (with domain-targeted lookup) and a safe
// calculator.
//
// Tools form a small closed set behind a uniform capability: Applies reports
// whether the message matches the tool's pattern, Run executes it and
// returns a text fragment for the prompt assembler. Which tools may run at
// all is gated per project by the Router's enabled set.
package tools

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// TOOL NAMES
// =============================================================================

const (
	// NameWebSearch identifies the web search tool in enabled-tool sets.
	NameWebSearch = "web_search"
	// NameCalculator identifies the calculator tool in enabled-tool sets.
	NameCalculator = "calculator"
)

// =============================================================================
// TOOL CAPABILITY
// =============================================================================

// Tool is one executable capability. Implementations must be safe for
// concurrent use.
type Tool interface {
	// Name returns the stable identifier used in enabled-tool sets.
	Name() string

	// Applies reports whether the message matches this tool's trigger
	// pattern. It must be cheap and side-effect free.
	Applies(message string) bool

	// Run executes the tool against the message and returns the text
	// fragment to splice into model context. Malformed input fails with
	// *InputError; transport problems fail with ordinary errors.
	Run(ctx context.Context, message string) (string, error)
}

// Invocation records one executed tool and the fragment it produced.
type Invocation struct {
	Tool string `json:"tool"`
	Text string `json:"text"`
}

// =============================================================================
// ERRORS
// =============================================================================

// InputError reports tool input that matched the trigger pattern but could
// not be processed (malformed expression, unparseable URL). Callers treat it
// as "tool not applicable", never as a turn failure.
type InputError struct {
	Tool    string
	Message string
	Cause   error
}

func (e *InputError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Tool, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Tool, e.Message)
}

func (e *InputError) Unwrap() error {
	return e.Cause
}

// IsInputError reports whether err is (or wraps) an *InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}
