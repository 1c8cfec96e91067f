// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"strings"
	"testing"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"2 + 2", 4},
		{"15 * 23", 345},
		{"10 - 4 - 3", 3},
		{"20 / 4", 5},
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 % 3", 1},
		{"2 ^ 10", 1024},
		{"2 ^ 3 ^ 2", 512}, // right associative
		{"-5 + 3", -2},
		{"--4", 4},
		{"abs(-7)", 7},
		{"sqrt(16)", 4},
		{"round(3.6)", 4},
		{"min(3, 1, 2)", 1},
		{"max(3, 1, 2)", 3},
		{"abs(-2) * max(1, 3)", 6},
		{"1,000 * 3", 3000},
		{"1,000,000 / 4", 250000},
		{"3.5 + 1.25", 4.75},
	}

	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := Evaluate(tc.expr)
			if err != nil {
				t.Fatalf("Evaluate(%q) failed: %v", tc.expr, err)
			}
			if got != tc.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestEvaluate_Malformed(t *testing.T) {
	exprs := []string{
		"2 +",
		"* 5",
		"(2 + 3",
		"2 + foo",
		"frobnicate(3)",
		"2 / 0",
		"10 % 0",
		"sqrt(-1)",
		"min(5)",
		"",
		strings.Repeat("1+", 200) + "1",
	}

	for _, expr := range exprs {
		t.Run(expr, func(t *testing.T) {
			_, err := Evaluate(expr)
			if err == nil {
				t.Fatalf("Evaluate(%q) should fail", expr)
			}
			if !IsInputError(err) {
				t.Errorf("Evaluate(%q) error should be *InputError, got %T", expr, err)
			}
		})
	}
}

func TestCalculator_Applies(t *testing.T) {
	calc := NewCalculator()

	applies := []string{
		"what is 15 * 23",
		"2+2",
		"compute sqrt(144) for me",
		"10 % 3 equals what",
	}
	for _, msg := range applies {
		if !calc.Applies(msg) {
			t.Errorf("Applies(%q) = false, want true", msg)
		}
	}

	notApplies := []string{
		"tell me about go generics",
		"what happened in 1969",
		"my resume needs work",
		"",
	}
	for _, msg := range notApplies {
		if calc.Applies(msg) {
			t.Errorf("Applies(%q) = true, want false", msg)
		}
	}
}

func TestCalculator_Run(t *testing.T) {
	calc := NewCalculator()

	got, err := calc.Run(context.Background(), "what is 15 * 23?")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(got, "15 * 23") || !strings.Contains(got, "345") {
		t.Errorf("fragment = %q, want expression and result", got)
	}

	// Integral results render without a decimal point.
	if strings.Contains(got, "345.") {
		t.Errorf("fragment %q should not include trailing decimals", got)
	}
}

func TestCalculator_Run_BadInput(t *testing.T) {
	calc := NewCalculator()

	// Trigger matches but the expression is junk once extracted.
	_, err := calc.Run(context.Background(), "I own 3 apples and 2 + 2 oranges")
	if err == nil {
		t.Fatal("expected error for ambiguous prose")
	}
	if !IsInputError(err) {
		t.Errorf("error should be *InputError, got %T", err)
	}
}
