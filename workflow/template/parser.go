// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package template

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/PaesslerAG/jsonpath"
)

// FuncCall is a parsed template function call.
type FuncCall struct {
	Name string
	Args []Expr
}

// Expr is a single parsed function argument.
type Expr interface {
	exprNode()
}

// StrExpr is a string literal argument.
type StrExpr string

// IntExpr is an integer literal argument.
type IntExpr int64

// FloatExpr is a floating point literal argument.
type FloatExpr float64

// BoolExpr is a boolean literal argument.
type BoolExpr bool

// NullExpr is a null literal argument.
type NullExpr struct{}

// PathExpr is a JSON path expression argument, evaluated against the
// template input at render time.
type PathExpr struct {
	Raw string
}

// CallExpr is a nested function call argument.
type CallExpr struct {
	Call *FuncCall
}

func (StrExpr) exprNode()   {}
func (IntExpr) exprNode()   {}
func (FloatExpr) exprNode() {}
func (BoolExpr) exprNode()  {}
func (NullExpr) exprNode()  {}
func (PathExpr) exprNode()  {}
func (CallExpr) exprNode()  {}

// ParseError describes why a function call string failed to parse and
// where, using 1-based positions for human-readable messages.
type ParseError struct {
	Pos        int
	Expected   string
	PathErr    error
	EndOfInput bool
}

func (e *ParseError) Error() string {
	if e.EndOfInput {
		return "parse error: unexpected end of input"
	}
	if e.PathErr != nil {
		return fmt.Sprintf("parse error at position %d: expected %s, error: %v", e.Pos, e.Expected, e.PathErr)
	}
	if e.Expected == "" {
		return fmt.Sprintf("parse error at position %d", e.Pos)
	}
	return fmt.Sprintf("parse error at position %d, expected %s", e.Pos, e.Expected)
}

func parseErrorFromScan(err error) *ParseError {
	if scanErr, ok := err.(*ScanError); ok {
		if scanErr.EndOfInput {
			return &ParseError{EndOfInput: true}
		}
		return &ParseError{Pos: scanErr.Pos}
	}
	return &ParseError{EndOfInput: true}
}

// ParseFunc parses a template function call from the scanner input.
func ParseFunc(s *Scanner) (*FuncCall, *ParseError) {
	return funcCall(s)
}

func funcCall(s *Scanner) (*FuncCall, *ParseError) {
	s.SavePos()
	name, err := funcName(s)
	if err != nil {
		s.Backtrack()
		return nil, err
	}
	args, err := funcArgs(s)
	if err != nil {
		s.Backtrack()
		return nil, err
	}
	s.PopPos()
	return &FuncCall{Name: name, Args: args}, nil
}

func funcName(s *Scanner) (string, *ParseError) {
	var name []rune

	for {
		ch, ok := s.Peek()
		if !ok {
			break
		}
		if len(name) == 0 {
			switch {
			case unicode.IsSpace(ch):
				s.Pop()
			case unicode.IsLetter(ch) || ch == '_':
				name = append(name, ch)
				s.Pop()
			default:
				return "", &ParseError{Pos: s.Pos() + 1, Expected: "a valid function name"}
			}
		} else if unicode.IsLetter(ch) || isASCIIDigit(ch) || ch == '_' {
			name = append(name, ch)
			s.Pop()
		} else {
			break
		}
	}

	if len(name) == 0 {
		return "", &ParseError{Pos: s.Pos() + 1, Expected: "a valid function name"}
	}
	return string(name), nil
}

func funcArgs(s *Scanner) ([]Expr, *ParseError) {
	var args []Expr

	consumeWhitespace(s)

	if !s.Take('(') {
		return nil, &ParseError{Pos: s.Pos() + 1, Expected: "\"(\" after function name"}
	}

	for {
		ch, ok := s.Peek()
		if !ok {
			break
		}
		if unicode.IsSpace(ch) {
			s.Pop()
			continue
		}
		if ch == ')' {
			s.Pop()
			break
		}

		arg, err := funcArg(s)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)

		consumeWhitespace(s)

		// A comma separates arguments; the only other valid
		// character after an argument is the closing parenthesis.
		if !s.Take(',') {
			if next, ok := s.Peek(); ok && next != ')' {
				return nil, &ParseError{
					Pos:      s.Pos() + 1,
					Expected: "\")\" after the last function argument",
				}
			}
		}
	}

	return args, nil
}

func funcArg(s *Scanner) (Expr, *ParseError) {
	if call, err := funcCall(s); err == nil {
		return CallExpr{Call: call}, nil
	}

	pathExpr, pathErr := jsonPathExpr(s)
	if pathErr == nil {
		return pathExpr, nil
	}
	if pathErr.PathErr != nil {
		// When the next sequence starts with "$" but is not a valid
		// JSON path, return the JSON path error to make the failure
		// easier to diagnose.
		if ch, ok := s.Peek(); ok && ch == '$' {
			return nil, pathErr
		}
	}

	if boolExpr, err := boolLiteral(s); err == nil {
		return boolExpr, nil
	}

	if nullExpr, err := nullLiteral(s); err == nil {
		return nullExpr, nil
	}

	if floatExpr, err := floatLiteral(s); err == nil {
		return floatExpr, nil
	}

	if intExpr, err := intLiteral(s); err == nil {
		return intExpr, nil
	}

	strExpr, strErr := stringLiteral(s)
	if strErr != nil {
		if ch, ok := s.Peek(); ok && ch != '"' {
			// Avoid a misleading string literal error for unsupported
			// keywords, invalid numbers and the like.
			return nil, &ParseError{Pos: s.Pos() + 1, Expected: "a valid function argument"}
		}
		return nil, strErr
	}
	return strExpr, nil
}

func jsonPathExpr(s *Scanner) (Expr, *ParseError) {
	s.SavePos()

	var path []rune

	// Consume input up to a comma or closing parenthesis that is not
	// inside a single-quoted string or a bracket selector, then hand
	// the candidate to the JSON path library for validation.
	inStringLiteral := false
	inBrackets := false
	for {
		ch, ok := s.Peek()
		if !ok {
			break
		}
		switch {
		case ch == '\'':
			inStringLiteral = !inStringLiteral
		case ch == '[':
			inBrackets = true
		case ch == ']':
			inBrackets = false
		case (ch == ',' || ch == ')') && !inStringLiteral && !inBrackets:
			goto done
		}
		path = append(path, ch)
		s.Pop()
	}
done:

	trimmed := strings.TrimRightFunc(string(path), unicode.IsSpace)
	if _, err := jsonpath.New(trimmed); err != nil {
		errPos := s.Pos()
		s.Backtrack()
		return nil, &ParseError{
			Pos:      errPos + 1,
			Expected: "a valid JSON Path expression",
			PathErr:  err,
		}
	}

	s.PopPos()
	return PathExpr{Raw: trimmed}, nil
}

func boolLiteral(s *Scanner) (Expr, *ParseError) {
	s.SavePos()
	value, ok, err := Scan(s, func(prefix string) (ScannerAction[Expr], bool) {
		switch prefix {
		case "t", "tr", "tru", "f", "fa", "fal", "fals":
			return Require[Expr](), true
		case "true":
			return Return[Expr](BoolExpr(true)), true
		case "false":
			return Return[Expr](BoolExpr(false)), true
		default:
			return ScannerAction[Expr]{}, false
		}
	})
	if err != nil {
		return nil, parseErrorFromScan(err)
	}
	if !ok {
		errPos := s.Pos()
		s.Backtrack()
		return nil, &ParseError{Pos: errPos + 1, Expected: "a boolean literal"}
	}
	s.PopPos()
	return value, nil
}

func nullLiteral(s *Scanner) (Expr, *ParseError) {
	s.SavePos()
	value, ok, err := Scan(s, func(prefix string) (ScannerAction[Expr], bool) {
		switch prefix {
		case "n", "nu", "nul":
			return Require[Expr](), true
		case "null":
			return Return[Expr](NullExpr{}), true
		default:
			return ScannerAction[Expr]{}, false
		}
	})
	if err != nil {
		return nil, parseErrorFromScan(err)
	}
	if !ok {
		errPos := s.Pos()
		s.Backtrack()
		return nil, &ParseError{Pos: errPos + 1, Expected: "a null literal"}
	}
	s.PopPos()
	return value, nil
}

func floatLiteral(s *Scanner) (Expr, *ParseError) {
	s.SavePos()

	var seq []rune
	passedDecimalPoint := false

	for {
		ch, ok := s.Peek()
		if !ok {
			break
		}
		switch {
		case ch == '-' && len(seq) == 0:
			seq = append(seq, ch)
			s.Pop()
		case ch == '.' && !passedDecimalPoint:
			seq = append(seq, ch)
			passedDecimalPoint = true
			s.Pop()
		case isASCIIDigit(ch):
			seq = append(seq, ch)
			s.Pop()
		default:
			goto done
		}
	}
done:

	if len(seq) == 0 || !passedDecimalPoint {
		errPos := s.Pos()
		s.Backtrack()
		return nil, &ParseError{Pos: errPos + 1, Expected: "a floating point number"}
	}

	value, err := strconv.ParseFloat(string(seq), 64)
	if err != nil {
		errPos := s.Pos()
		s.Backtrack()
		return nil, &ParseError{Pos: errPos + 1, Expected: "a valid floating point number"}
	}

	s.PopPos()
	return FloatExpr(value), nil
}

func intLiteral(s *Scanner) (Expr, *ParseError) {
	s.SavePos()

	var seq []rune

	for {
		ch, ok := s.Peek()
		if !ok {
			break
		}
		if (ch == '-' && len(seq) == 0) || isASCIIDigit(ch) {
			seq = append(seq, ch)
			s.Pop()
		} else {
			break
		}
	}

	if len(seq) == 0 {
		errPos := s.Pos()
		s.Backtrack()
		return nil, &ParseError{Pos: errPos + 1, Expected: "an integer"}
	}

	value, err := strconv.ParseInt(string(seq), 10, 64)
	if err != nil {
		errPos := s.Pos()
		s.Backtrack()
		return nil, &ParseError{Pos: errPos + 1, Expected: "a valid integer"}
	}

	s.PopPos()
	return IntExpr(value), nil
}

func stringLiteral(s *Scanner) (Expr, *ParseError) {
	s.SavePos()

	var out []rune

	if !s.Take('"') {
		errPos := s.Pos()
		s.Backtrack()
		return nil, &ParseError{Pos: errPos + 1, Expected: "a string literal"}
	}

	prev := ' '
	foundClosingQuote := false
	for {
		ch, ok := s.Peek()
		if !ok {
			break
		}
		if ch == '"' && prev != '\\' {
			foundClosingQuote = true
			s.Pop()
			break
		}
		out = append(out, ch)
		prev = ch
		s.Pop()
	}

	if !foundClosingQuote {
		s.Backtrack()
		return nil, &ParseError{EndOfInput: true}
	}

	s.PopPos()
	return StrExpr(strings.ReplaceAll(string(out), "\\\"", "\"")), nil
}

func consumeWhitespace(s *Scanner) {
	for {
		ch, ok := s.Peek()
		if !ok || !unicode.IsSpace(ch) {
			return
		}
		s.Pop()
	}
}

func isASCIIDigit(ch rune) bool {
	return ch >= '0' && ch <= '9'
}
