// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTemplate(t *testing.T) {
	engine := NewEngineV1()
	template := map[string]any{
		"value1":     "$.values[0]",
		"id":         "$.order.id",
		"greeting":   `func:format("Hello, {}!", $.name)`,
		"static":     "a plain string",
		"staticNum":  float64(20),
		"staticBool": true,
		"nested": map[string]any{
			"key1":     "some value",
			"fromPath": "$.order.total",
		},
		"sequence": []any{"$.name", "literal", float64(3)},
	}
	input := map[string]any{
		"name":   "world",
		"values": []any{float64(10), float64(20)},
		"order":  map[string]any{"id": "ord-1", "total": float64(42.5)},
	}

	rendered, err := engine.Render(template, input)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"value1":     float64(10),
		"id":         "ord-1",
		"greeting":   "Hello, world!",
		"static":     "a plain string",
		"staticNum":  float64(20),
		"staticBool": true,
		"nested": map[string]any{
			"key1":     "some value",
			"fromPath": float64(42.5),
		},
		"sequence": []any{"world", "literal", float64(3)},
	}, rendered)
}

func TestRenderMissingPathIsNull(t *testing.T) {
	engine := NewEngineV1()
	rendered, err := engine.Render(
		map[string]any{"missing": "$.not.there"},
		map[string]any{"name": "world"},
	)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"missing": nil}, rendered)
}

func TestRenderNestedFunctionCalls(t *testing.T) {
	engine := NewEngineV1()
	template := map[string]any{
		"combined": `func:jsonmerge(jsondecode("{\"a\": 1}"), jsondecode("{\"b\": 2}"))`,
		"ids":      `func:list($.first, $.second)`,
	}
	input := map[string]any{"first": "id-1", "second": "id-2"}

	rendered, err := engine.Render(template, input)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"combined": map[string]any{"a": float64(1), "b": float64(2)},
		"ids":      []any{"id-1", "id-2"},
	}, rendered)
}

func TestRenderUnknownFunction(t *testing.T) {
	engine := NewEngineV1()
	_, err := engine.Render(
		map[string]any{"value": `func:unknown_func("x")`},
		map[string]any{},
	)
	require.EqualError(t, err, `payload template engine error: function "unknown_func" not found`)
}

func TestRenderFunctionCallFailure(t *testing.T) {
	engine := NewEngineV1()
	_, err := engine.Render(
		map[string]any{"value": `func:math_div(10, 0)`},
		map[string]any{},
	)
	require.EqualError(t, err,
		"payload template engine error: function call failed: function call error: invalid input: "+
			"math_div function requires the second argument to be a non-zero number")
}

func TestRenderParseFailure(t *testing.T) {
	engine := NewEngineV1()
	_, err := engine.Render(
		map[string]any{"value": `func:format("result: {}", nil)`},
		map[string]any{},
	)
	require.EqualError(t, err,
		"payload template engine error: failed to parse function call: "+
			"parse error at position 23, expected a valid function argument")
}

func TestRenderInvalidJSONPath(t *testing.T) {
	engine := NewEngineV1()
	_, err := engine.Render(
		map[string]any{"value": "$.[unclosed"},
		map[string]any{},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(),
		`payload template engine error: JSON path error: invalid json path found for key "value":`)
}

func TestInject(t *testing.T) {
	engine := NewEngineV1()
	input := map[string]any{"existing": "value"}

	injected, err := engine.Inject(input, "$.added", float64(42))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"existing": "value", "added": float64(42)}, injected)
	// The original input is left untouched.
	assert.Equal(t, map[string]any{"existing": "value"}, input)
}

func TestInjectRejectsNestedPath(t *testing.T) {
	engine := NewEngineV1()
	_, err := engine.Inject(map[string]any{}, "$.a.b", "value")
	require.EqualError(t, err,
		"payload template engine error: JSON path error: failed to inject value at path: $.a.b")
}

func TestExtract(t *testing.T) {
	engine := NewEngineV1()
	input := map[string]any{"order": map[string]any{"id": "ord-1"}}

	value, err := engine.Extract(input, "$.order.id")
	require.NoError(t, err)
	assert.Equal(t, "ord-1", value)

	value, err = engine.Extract(input, "$.missing")
	require.NoError(t, err)
	assert.Nil(t, value)
}
