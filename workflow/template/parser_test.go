// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package template

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFuncSimple(t *testing.T) {
	call, err := ParseFunc(NewScanner(`format("Hello, {}!", "world")`))
	require.Nil(t, err)
	assert.Equal(t, &FuncCall{
		Name: "format",
		Args: []Expr{StrExpr("Hello, {}!"), StrExpr("world")},
	}, call)
}

func TestParseFuncWithJSONPath(t *testing.T) {
	call, err := ParseFunc(NewScanner(`map_prefix($.items, "large:")`))
	require.Nil(t, err)
	assert.Equal(t, &FuncCall{
		Name: "map_prefix",
		Args: []Expr{PathExpr{Raw: "$.items"}, StrExpr("large:")},
	}, call)
}

func TestParseFuncWithBracketJSONPath(t *testing.T) {
	call, err := ParseFunc(NewScanner(`map_prefix($["items"][0], "important:")`))
	require.Nil(t, err)
	assert.Equal(t, &FuncCall{
		Name: "map_prefix",
		Args: []Expr{PathExpr{Raw: `$["items"][0]`}, StrExpr("important:")},
	}, call)
}

func TestParseFuncMixedArgs(t *testing.T) {
	call, err := ParseFunc(NewScanner(`format("{}, {}, {}, {}, {}", $.name, 42, true, null, 59.482)`))
	require.Nil(t, err)
	assert.Equal(t, &FuncCall{
		Name: "format",
		Args: []Expr{
			StrExpr("{}, {}, {}, {}, {}"),
			PathExpr{Raw: "$.name"},
			IntExpr(42),
			BoolExpr(true),
			NullExpr{},
			FloatExpr(59.482),
		},
	}, call)
}

func TestParseFuncMixedArgsWithExtraWhitespace(t *testing.T) {
	input := `      list(  false, null, -973.593, "nested \"inside\"",        895048392, $["info"][0]    )`
	call, err := ParseFunc(NewScanner(input))
	require.Nil(t, err)
	assert.Equal(t, &FuncCall{
		Name: "list",
		Args: []Expr{
			BoolExpr(false),
			NullExpr{},
			FloatExpr(-973.593),
			StrExpr(`nested "inside"`),
			IntExpr(895048392),
			PathExpr{Raw: `$["info"][0]`},
		},
	}, call)
}

func TestParseNestedFuncCalls(t *testing.T) {
	input := `list(format(   "{}, {}", "hello", "world"), format("{}, {}", "foo", "bar"))`
	call, err := ParseFunc(NewScanner(input))
	require.Nil(t, err)
	assert.Equal(t, &FuncCall{
		Name: "list",
		Args: []Expr{
			CallExpr{Call: &FuncCall{
				Name: "format",
				Args: []Expr{StrExpr("{}, {}"), StrExpr("hello"), StrExpr("world")},
			}},
			CallExpr{Call: &FuncCall{
				Name: "format",
				Args: []Expr{StrExpr("{}, {}"), StrExpr("foo"), StrExpr("bar")},
			}},
		},
	}, call)
}

func TestParseFailsForInvalidJSONPath(t *testing.T) {
	_, err := ParseFunc(NewScanner(`map_prefix($.items[?(@.size > 100), "large:")`))
	require.NotNil(t, err)
	assert.NotNil(t, err.PathErr)
	assert.True(t, strings.HasPrefix(
		err.Error(),
		"parse error at position 46: expected a valid JSON Path expression, error: ",
	), err.Error())
}

func TestParseFailsForInvalidStringLiteral(t *testing.T) {
	// The first string literal ends at `"Hello, "` and must be
	// followed by "," or ")"; the next character is "w".
	_, err := ParseFunc(NewScanner(`format("Hello, "world")`))
	require.NotNil(t, err)
	assert.Equal(
		t,
		`parse error at position 17, expected ")" after the last function argument`,
		err.Error(),
	)
}

func TestParseFailsForInvalidNumber(t *testing.T) {
	// The second argument is not a valid float or integer; the parser
	// matches the integer 42 and then rejects the second ".".
	_, err := ParseFunc(NewScanner(`format("result: {}", 42.3.5)`))
	require.NotNil(t, err)
	assert.Equal(
		t,
		`parse error at position 26, expected ")" after the last function argument`,
		err.Error(),
	)
}

func TestParseFailsForInvalidKeyword(t *testing.T) {
	_, err := ParseFunc(NewScanner(`format("result: {}", nil)`))
	require.NotNil(t, err)
	assert.Equal(t, "parse error at position 23, expected a valid function argument", err.Error())
}

func TestParseFailsForInvalidFunctionName(t *testing.T) {
	_, err := ParseFunc(NewScanner(`23-format("result: {}", 42)`))
	require.NotNil(t, err)
	assert.Equal(t, "parse error at position 1, expected a valid function name", err.Error())
}

func TestParseFailsForUnterminatedString(t *testing.T) {
	_, err := ParseFunc(NewScanner(`format("unterminated`))
	require.NotNil(t, err)
	assert.Equal(t, "parse error: unexpected end of input", err.Error())
}
