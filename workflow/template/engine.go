// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package template

import (
	"fmt"
	"strings"

	"github.com/PaesslerAG/jsonpath"
)

// Engine renders the payload input object for a workflow state,
// injects values into an input value and extracts values from one.
type Engine interface {
	// Render renders the payload template against the input data.
	Render(template map[string]any, input any) (map[string]any, error)

	// Inject returns a copy of input with value set at the given
	// root-level path.
	Inject(input any, injectPath string, value any) (any, error)

	// Extract extracts a value from input using the given path.
	Extract(input any, extractPath string) (any, error)
}

// EngineV1 implements payload templates as defined in the
// v2026-02-28 `celerity/workflow` resource type spec.
type EngineV1 struct {
	funcs map[string]Function
}

// NewEngineV1 returns a payload template engine with the v1 template
// function set.
func NewEngineV1() *EngineV1 {
	return &EngineV1{funcs: Functions()}
}

// Render renders each field of the template against the input.
// String values prefixed with "func:" are evaluated as template
// function calls and strings starting with "$" as JSON path queries;
// everything else is copied through as-is.
func (e *EngineV1) Render(template map[string]any, input any) (map[string]any, error) {
	rendered := make(map[string]any, len(template))
	for key, node := range template {
		value, err := e.renderNode(key, node, input)
		if err != nil {
			return nil, err
		}
		rendered[key] = value
	}
	return rendered, nil
}

func (e *EngineV1) renderNode(key string, node any, input any) (any, error) {
	switch v := node.(type) {
	case string:
		return e.renderString(key, v, input)
	case map[string]any:
		return e.Render(v, input)
	case []any:
		return e.renderSequence(key, v, input)
	default:
		return v, nil
	}
}

func (e *EngineV1) renderString(key, value string, input any) (any, error) {
	if call, ok := strings.CutPrefix(value, "func:"); ok {
		return e.renderFuncCall(call, input)
	}
	if strings.HasPrefix(value, "$") {
		return e.renderJSONPathQuery(key, value, input)
	}
	return value, nil
}

func (e *EngineV1) renderSequence(key string, items []any, input any) (any, error) {
	rendered := make([]any, 0, len(items))
	for _, item := range items {
		value, err := e.renderNode(key, item, input)
		if err != nil {
			return nil, err
		}
		rendered = append(rendered, value)
	}
	return rendered, nil
}

func (e *EngineV1) renderFuncCall(call string, input any) (any, error) {
	parsed, parseErr := ParseFunc(NewScanner(call))
	if parseErr != nil {
		return nil, fmt.Errorf("payload template engine error: failed to parse function call: %s", parseErr)
	}
	return e.computeFuncCall(parsed, input)
}

func (e *EngineV1) computeFuncCall(call *FuncCall, input any) (any, error) {
	args, err := e.computeArgs(call.Args, input)
	if err != nil {
		return nil, err
	}
	fn, ok := e.funcs[call.Name]
	if !ok {
		return nil, fmt.Errorf("payload template engine error: function %q not found", call.Name)
	}
	result, err := fn(args)
	if err != nil {
		return nil, fmt.Errorf("payload template engine error: function call failed: %s", err)
	}
	return result, nil
}

func (e *EngineV1) computeArgs(args []Expr, input any) ([]any, error) {
	computed := make([]any, 0, len(args))
	for _, arg := range args {
		switch v := arg.(type) {
		case StrExpr:
			computed = append(computed, string(v))
		case IntExpr:
			computed = append(computed, float64(v))
		case FloatExpr:
			computed = append(computed, float64(v))
		case BoolExpr:
			computed = append(computed, bool(v))
		case NullExpr:
			computed = append(computed, nil)
		case PathExpr:
			computed = append(computed, extractJSONPathValue(v.Raw, input))
		case CallExpr:
			result, err := e.computeFuncCall(v.Call, input)
			if err != nil {
				return nil, err
			}
			computed = append(computed, result)
		}
	}
	return computed, nil
}

func (e *EngineV1) renderJSONPathQuery(key, path string, input any) (any, error) {
	if _, err := jsonpath.New(path); err != nil {
		return nil, fmt.Errorf(
			"payload template engine error: JSON path error: invalid json path found for key %q: %s",
			key, err,
		)
	}
	return extractJSONPathValue(path, input), nil
}

// extractJSONPathValue evaluates a JSON path against the input,
// treating a query with no match as null.
func extractJSONPathValue(path string, input any) any {
	result, err := jsonpath.Get(path, input)
	if err != nil {
		return nil
	}
	return result
}

// Inject sets value at injectPath in a copy of the input. Only
// root-level object fields can be injected into.
func (e *EngineV1) Inject(input any, injectPath string, value any) (any, error) {
	if _, err := jsonpath.New(injectPath); err != nil {
		return nil, fmt.Errorf(
			"payload template engine error: JSON path error: invalid json path found for inject path: %s",
			err,
		)
	}

	field, ok := rootField(injectPath)
	obj, isObj := input.(map[string]any)
	if !ok || !isObj {
		return nil, fmt.Errorf(
			"payload template engine error: JSON path error: failed to inject value at path: %s",
			injectPath,
		)
	}

	injected := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		injected[k] = v
	}
	injected[field] = value
	return injected, nil
}

// Extract extracts a value from the input using the given path.
func (e *EngineV1) Extract(input any, extractPath string) (any, error) {
	if _, err := jsonpath.New(extractPath); err != nil {
		return nil, fmt.Errorf(
			"payload template engine error: JSON path error: invalid json path found for extract path: %s",
			err,
		)
	}
	return extractJSONPathValue(extractPath, input), nil
}

// rootField returns the field name for paths of the form "$.field"
// or "$['field']" that target a root-level object field.
func rootField(path string) (string, bool) {
	if field, ok := strings.CutPrefix(path, "$."); ok {
		if field != "" && !strings.ContainsAny(field, ".[") {
			return field, true
		}
		return "", false
	}
	if rest, ok := strings.CutPrefix(path, "$['"); ok {
		if field, ok := strings.CutSuffix(rest, "']"); ok && field != "" && !strings.ContainsAny(field, ".[") {
			return field, true
		}
	}
	return "", false
}
