// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeTool is a scriptable Tool for router tests.
type fakeTool struct {
	name    string
	applies bool
	text    string
	err     error
	ran     bool
}

func (f *fakeTool) Name() string              { return f.name }
func (f *fakeTool) Applies(_ string) bool     { return f.applies }
func (f *fakeTool) Run(_ context.Context, _ string) (string, error) {
	f.ran = true
	return f.text, f.err
}

func TestRouterRoutesFirstEnabledMatch(t *testing.T) {
	first := &fakeTool{name: "alpha", applies: true, text: "from alpha"}
	second := &fakeTool{name: "beta", applies: true, text: "from beta"}
	r := NewRouter(nil, first, second)

	inv, err := r.Route(context.Background(), "anything", []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if inv == nil || inv.Tool != "alpha" || inv.Text != "from alpha" {
		t.Errorf("Route = %+v, want alpha invocation", inv)
	}
	if second.ran {
		t.Error("second tool ran despite first match")
	}
}

func TestRouterSkipsDisabledTools(t *testing.T) {
	search := &fakeTool{name: NameWebSearch, applies: true, text: "hits"}
	r := NewRouter(nil, search)

	inv, err := r.Route(context.Background(), "zapagi.com?", []string{NameCalculator})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if inv != nil {
		t.Errorf("Route = %+v, want nil for disabled tool", inv)
	}
	if search.ran {
		t.Error("disabled tool ran")
	}
}

func TestRouterEmptyEnabledSetDisablesAll(t *testing.T) {
	tool := &fakeTool{name: "alpha", applies: true, text: "x"}
	r := NewRouter(nil, tool)

	inv, err := r.Route(context.Background(), "anything", nil)
	if err != nil || inv != nil {
		t.Errorf("Route = (%+v, %v), want (nil, nil)", inv, err)
	}
}

func TestRouterInputErrorFallsThrough(t *testing.T) {
	broken := &fakeTool{
		name:    "alpha",
		applies: true,
		err:     &InputError{Tool: "alpha", Message: "malformed"},
	}
	backup := &fakeTool{name: "beta", applies: true, text: "fallback"}
	r := NewRouter(nil, broken, backup)

	inv, err := r.Route(context.Background(), "anything", []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if inv == nil || inv.Tool != "beta" {
		t.Errorf("Route = %+v, want fallthrough to beta", inv)
	}
}

func TestRouterTransportErrorSurfaces(t *testing.T) {
	transportErr := errors.New("connection refused")
	failing := &fakeTool{name: "alpha", applies: true, err: transportErr}
	r := NewRouter(nil, failing)

	inv, err := r.Route(context.Background(), "anything", []string{"alpha"})
	if inv != nil {
		t.Errorf("Route invocation = %+v, want nil", inv)
	}
	if !errors.Is(err, transportErr) {
		t.Errorf("Route error = %v, want wrapped transport error", err)
	}
}

func TestRouterWithRealCalculator(t *testing.T) {
	r := NewRouter(nil, NewCalculator())

	inv, err := r.Route(context.Background(), "what is 2 + 3 * 4?", []string{NameCalculator})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if inv == nil || inv.Tool != NameCalculator {
		t.Fatalf("Route = %+v, want calculator invocation", inv)
	}
	if !strings.Contains(inv.Text, "14") {
		t.Errorf("fragment = %q, want result 14", inv.Text)
	}
}
