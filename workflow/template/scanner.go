// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package template renders payload templates for workflow states.
//
// A template is a JSON-like mapping whose string values may carry two
// special forms: "$..." JSON path expressions evaluated against the
// state input, and "func:name(args)" calls into a set of built-in
// template functions.
package template

import "fmt"

// Scanner walks an input string one rune at a time with support for
// saving and restoring positions so a parser can backtrack after a
// failed parse attempt.
type Scanner struct {
	pos   int
	chars []rune
	// Positions snapshotted before attempting to parse a
	// subsequence, restored on backtrack.
	stack []int
}

// NewScanner returns a scanner over the given input.
func NewScanner(input string) *Scanner {
	return &Scanner{chars: []rune(input)}
}

// Pos returns the current position, useful for error reporting.
func (s *Scanner) Pos() int {
	return s.pos
}

// SavePos snapshots the current position so a failed parse attempt
// can backtrack to it.
func (s *Scanner) SavePos() {
	s.stack = append(s.stack, s.pos)
}

// PopPos discards the last saved position after a subsequence has
// been parsed successfully.
func (s *Scanner) PopPos() {
	if len(s.stack) > 0 {
		s.stack = s.stack[:len(s.stack)-1]
	}
}

// Backtrack restores the last saved position.
func (s *Scanner) Backtrack() {
	if len(s.stack) > 0 {
		s.pos = s.stack[len(s.stack)-1]
		s.stack = s.stack[:len(s.stack)-1]
	}
}

// Peek returns the next rune without consuming it.
func (s *Scanner) Peek() (rune, bool) {
	if s.pos < len(s.chars) {
		return s.chars[s.pos], true
	}
	return 0, false
}

// IsEnd reports whether the scanner has consumed the whole input.
func (s *Scanner) IsEnd() bool {
	return s.pos == len(s.chars)
}

// Pop returns the next rune and advances the position.
func (s *Scanner) Pop() (rune, bool) {
	if s.pos < len(s.chars) {
		ch := s.chars[s.pos]
		s.pos++
		return ch, true
	}
	return 0, false
}

// Take consumes the next rune if it equals target, reporting whether
// it did. The position is left unchanged on a mismatch.
func (s *Scanner) Take(target rune) bool {
	if s.pos < len(s.chars) && s.chars[s.pos] == target {
		s.pos++
		return true
	}
	return false
}

// ScanError reports where a scan stopped on an unmatched character or
// the end of the input.
type ScanError struct {
	Pos        int
	EndOfInput bool
}

func (e *ScanError) Error() string {
	if e.EndOfInput {
		return "unexpected end of input"
	}
	return fmt.Sprintf("unexpected character at position %d", e.Pos)
}

type actionKind int

const (
	actionRequest actionKind = iota
	actionRequire
	actionReturn
)

// ScannerAction tells Scan how to proceed after matching the current
// prefix of the input.
type ScannerAction[T any] struct {
	kind  actionKind
	value T
}

// Request records value as the scan result but keeps scanning; if the
// next prefix does not match, the scan ends successfully with value.
func Request[T any](value T) ScannerAction[T] {
	return ScannerAction[T]{kind: actionRequest, value: value}
}

// Require keeps scanning and makes a subsequent mismatch an error.
func Require[T any]() ScannerAction[T] {
	return ScannerAction[T]{kind: actionRequire}
}

// Return ends the scan immediately with value.
func Return[T any](value T) ScannerAction[T] {
	return ScannerAction[T]{kind: actionReturn, value: value}
}

// Transform invokes cb with the next rune; when cb matches, the
// position advances and the transformed value is returned.
func Transform[T any](s *Scanner, cb func(rune) (T, bool)) (T, bool) {
	var zero T
	ch, ok := s.Peek()
	if !ok {
		return zero, false
	}
	out, ok := cb(ch)
	if !ok {
		return zero, false
	}
	s.pos++
	return out, true
}

// Scan grows a prefix of the input one rune at a time, applying match
// to each prefix. The returned bool reports whether a value was
// produced.
func Scan[T any](s *Scanner, match func(prefix string) (ScannerAction[T], bool)) (T, bool, error) {
	var (
		zero     T
		sequence []rune
		require  bool
		request  *T
	)

	for {
		if s.pos >= len(s.chars) {
			if require {
				return zero, false, &ScanError{EndOfInput: true}
			}
			if request != nil {
				return *request, true, nil
			}
			return zero, false, nil
		}

		sequence = append(sequence, s.chars[s.pos])
		action, ok := match(string(sequence))
		if !ok {
			if require {
				return zero, false, &ScanError{Pos: s.pos}
			}
			if request != nil {
				return *request, true, nil
			}
			return zero, false, nil
		}

		switch action.kind {
		case actionReturn:
			s.pos++
			return action.value, true, nil
		case actionRequest:
			s.pos++
			require = false
			value := action.value
			request = &value
		case actionRequire:
			s.pos++
			require = true
		}
	}
}
