// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// =============================================================================
// CALCULATOR TOOL
// =============================================================================

// maxExpressionLength bounds the expression the parser will accept.
const maxExpressionLength = 256

// calcTrigger detects a binary arithmetic operation between two numbers or a
// call to one of the supported functions.
var calcTrigger = regexp.MustCompile(`(?i)(\d\s*[+\-*/%^]\s*[-+]?[\d(])|(\b(abs|round|min|max|sqrt)\s*\()`)

// Calculator evaluates arithmetic expressions found in user messages. The
// evaluator is a closed-grammar parser over numbers, the operators
// + - * / % ^, parentheses, and the functions abs, round, sqrt, min, max.
// Nothing is ever passed to an interpreter.
type Calculator struct{}

// NewCalculator returns the calculator tool.
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Name implements Tool.
func (c *Calculator) Name() string {
	return NameCalculator
}

// Applies implements Tool. The message applies when it contains an
// arithmetic expression candidate.
func (c *Calculator) Applies(message string) bool {
	return calcTrigger.MatchString(message)
}

// Run implements Tool. It extracts the expression from the message,
// evaluates it, and returns a "expr = result" fragment. Malformed
// expressions fail with *InputError.
func (c *Calculator) Run(_ context.Context, message string) (string, error) {
	expr := extractExpression(message)
	if expr == "" {
		return "", &InputError{Tool: NameCalculator, Message: "no arithmetic expression found"}
	}

	result, err := Evaluate(expr)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("Calculation: %s = %s", expr, formatNumber(result)), nil
}

// formatNumber renders integral results without a decimal point.
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// =============================================================================
// EXPRESSION EXTRACTION
// =============================================================================

// exprRune reports whether r may appear inside an arithmetic expression.
func exprRune(r rune) bool {
	switch {
	case unicode.IsDigit(r):
		return true
	case r == '.' || r == ',' || r == ' ':
		return true
	case r == '+' || r == '-' || r == '*' || r == '/' || r == '%' || r == '^':
		return true
	case r == '(' || r == ')':
		return true
	case unicode.IsLetter(r):
		// Function names; validated by the parser.
		return true
	}
	return false
}

// extractExpression returns the longest substring of message that parses as
// an expression candidate: a maximal run of expression runes that contains
// the trigger pattern, with surrounding prose trimmed away.
func extractExpression(message string) string {
	loc := calcTrigger.FindStringIndex(message)
	if loc == nil {
		return ""
	}

	runes := []rune(message)
	// Byte offsets from the regexp map onto rune indices.
	start := len([]rune(message[:loc[0]]))
	end := len([]rune(message[:loc[1]]))

	for start > 0 && exprRune(runes[start-1]) {
		start--
	}
	for end < len(runes) && exprRune(runes[end]) {
		end++
	}

	expr := strings.TrimSpace(string(runes[start:end]))
	expr = trimProse(expr)
	return expr
}

// trimProse strips leading and trailing words that are not part of the
// expression grammar, e.g. "is" in "what is 2 + 2".
func trimProse(expr string) string {
	words := strings.Fields(expr)
	isFunc := func(w string) bool {
		name := strings.ToLower(strings.TrimSuffix(w, "("))
		switch name {
		case "abs", "round", "sqrt", "min", "max":
			return true
		}
		return strings.ContainsAny(w, "0123456789(")
	}

	for len(words) > 0 && !isFunc(words[0]) {
		words = words[1:]
	}
	for len(words) > 0 && !strings.ContainsAny(words[len(words)-1], "0123456789)") {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

// =============================================================================
// EVALUATOR
// =============================================================================

// Evaluate parses and computes an arithmetic expression. Returns *InputError
// for anything outside the closed grammar, including division by zero.
func Evaluate(expr string) (float64, error) {
	if len(expr) > maxExpressionLength {
		return 0, &InputError{Tool: NameCalculator, Message: "expression too long"}
	}

	p := &exprParser{input: []rune(expr)}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos != len(p.input) {
		return 0, p.errorf("unexpected %q", string(p.input[p.pos]))
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, &InputError{Tool: NameCalculator, Message: "result out of range"}
	}
	return v, nil
}

// exprParser is a recursive-descent parser over the calculator grammar:
//
//	expr   := term   { (+|-) term }
//	term   := factor { (*|/|%) factor }
//	factor := unary  [ ^ factor ]          (right associative)
//	unary  := [ - | + ] primary
//	primary:= number | func '(' expr {',' expr} ')' | '(' expr ')'
type exprParser struct {
	input []rune
	pos   int
}

func (p *exprParser) errorf(format string, args ...interface{}) error {
	return &InputError{
		Tool:    NameCalculator,
		Message: fmt.Sprintf("invalid expression: "+format, args...),
	}
}

func (p *exprParser) skipSpaces() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

// groupSeparatorAt reports whether the comma at pos reads as a thousands
// separator: exactly three digits follow it ("1,000"). A comma followed by
// some other digit count separates function arguments instead.
func (p *exprParser) groupSeparatorAt(pos int) bool {
	if pos+3 >= len(p.input)+1 {
		return false
	}
	for i := pos + 1; i <= pos+3; i++ {
		if i >= len(p.input) || !unicode.IsDigit(p.input[i]) {
			return false
		}
	}
	return pos+4 >= len(p.input) || !unicode.IsDigit(p.input[pos+4])
}

func (p *exprParser) peek() rune {
	p.skipSpaces()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, &InputError{Tool: NameCalculator, Message: "division by zero"}
			}
			left /= right
		case '%':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, &InputError{Tool: NameCalculator, Message: "division by zero"}
			}
			left = math.Mod(left, right)
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	base, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	if p.peek() == '^' {
		p.pos++
		// Right associative: 2^3^2 = 2^(3^2).
		exp, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *exprParser) parseUnary() (float64, error) {
	switch p.peek() {
	case '-':
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	case '+':
		p.pos++
		return p.parseUnary()
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (float64, error) {
	ch := p.peek()
	switch {
	case ch == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, p.errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case unicode.IsDigit(ch) || ch == '.':
		return p.parseNumber()
	case unicode.IsLetter(ch):
		return p.parseFuncCall()
	case ch == 0:
		return 0, p.errorf("unexpected end of expression")
	}
	return 0, p.errorf("unexpected %q", string(ch))
}

func (p *exprParser) parseNumber() (float64, error) {
	p.skipSpaces()
	start := p.pos
	seenDot := false
	for p.pos < len(p.input) {
		r := p.input[p.pos]
		if unicode.IsDigit(r) {
			p.pos++
			continue
		}
		if r == '.' && !seenDot {
			seenDot = true
			p.pos++
			continue
		}
		if r == ',' && p.groupSeparatorAt(p.pos) {
			p.pos++
			continue
		}
		break
	}
	text := strings.ReplaceAll(string(p.input[start:p.pos]), ",", "")
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, p.errorf("bad number %q", text)
	}
	return v, nil
}

func (p *exprParser) parseFuncCall() (float64, error) {
	p.skipSpaces()
	start := p.pos
	for p.pos < len(p.input) && unicode.IsLetter(p.input[p.pos]) {
		p.pos++
	}
	name := strings.ToLower(string(p.input[start:p.pos]))

	if p.peek() != '(' {
		return 0, p.errorf("unknown token %q", name)
	}
	p.pos++

	args, err := p.parseArgs()
	if err != nil {
		return 0, err
	}

	switch name {
	case "abs":
		if len(args) != 1 {
			return 0, p.errorf("abs takes one argument")
		}
		return math.Abs(args[0]), nil
	case "sqrt":
		if len(args) != 1 {
			return 0, p.errorf("sqrt takes one argument")
		}
		if args[0] < 0 {
			return 0, &InputError{Tool: NameCalculator, Message: "sqrt of negative number"}
		}
		return math.Sqrt(args[0]), nil
	case "round":
		if len(args) != 1 {
			return 0, p.errorf("round takes one argument")
		}
		return math.Round(args[0]), nil
	case "min":
		if len(args) < 2 {
			return 0, p.errorf("min takes at least two arguments")
		}
		v := args[0]
		for _, a := range args[1:] {
			v = math.Min(v, a)
		}
		return v, nil
	case "max":
		if len(args) < 2 {
			return 0, p.errorf("max takes at least two arguments")
		}
		v := args[0]
		for _, a := range args[1:] {
			v = math.Max(v, a)
		}
		return v, nil
	}
	return 0, p.errorf("unknown function %q", name)
}

func (p *exprParser) parseArgs() ([]float64, error) {
	var args []float64
	for {
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, v)

		p.skipSpaces()
		if p.pos < len(p.input) && p.input[p.pos] == ',' {
			p.pos++
			continue
		}
		if p.pos < len(p.input) && p.input[p.pos] == ')' {
			p.pos++
			return args, nil
		}
		return nil, p.errorf("missing closing parenthesis in function call")
	}
}
