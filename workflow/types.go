// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package workflow interprets workflow specs against input payloads,
// persisting execution progress and emitting events for observers.
package workflow

import (
	"context"
	"fmt"
)

// Status is the lifecycle status of a workflow execution or of a
// single state within one.
type Status string

const (
	StatusPreparing  Status = "PREPARING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusFailed     Status = "FAILED"
	StatusSucceeded  Status = "SUCCEEDED"
)

// Workflow state types.
const (
	StateTypeExecuteStep = "executeStep"
	StateTypePass        = "pass"
	StateTypeParallel    = "parallel"
	StateTypeWait        = "wait"
	StateTypeDecision    = "decision"
	StateTypeFailure     = "failure"
	StateTypeSuccess     = "success"
)

// Execution is a point-in-time snapshot of a workflow execution.
// Timestamps are unix milliseconds and durations fractional seconds.
type Execution struct {
	ID           string            `json:"id"`
	Input        any               `json:"input"`
	Output       any               `json:"output,omitempty"`
	Started      int64             `json:"started"`
	Completed    *int64            `json:"completed,omitempty"`
	Duration     *float64          `json:"duration,omitempty"`
	Status       Status            `json:"status"`
	StatusDetail string            `json:"statusDetail"`
	CurrentState *string           `json:"currentState,omitempty"`
	States       []*ExecutionState `json:"states"`
}

// ExecutionState records a single attempt of a state within a
// workflow execution. Retried states get a fresh record per attempt.
type ExecutionState struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Parent    *string  `json:"parent,omitempty"`
	Input     any      `json:"input"`
	Started   int64    `json:"started"`
	Completed *int64   `json:"completed,omitempty"`
	Duration  *float64 `json:"duration,omitempty"`
	Status    Status   `json:"status"`
	Attempt   int64    `json:"attempt"`
	Error     *string  `json:"error,omitempty"`
	// Parallel holds the state records of each branch of a parallel
	// state, one slice per branch in declaration order.
	Parallel  [][]*ExecutionState `json:"parallel,omitempty"`
	RawOutput any                 `json:"rawOutput,omitempty"`
	Output    any                 `json:"output,omitempty"`
}

// Spec is a workflow definition.
type Spec struct {
	StartAt string               `yaml:"start_at" json:"startAt"`
	States  map[string]*StateDef `yaml:"states" json:"states"`
}

// StateDef defines a single state of a workflow spec. The set of
// meaningful fields depends on the state type.
type StateDef struct {
	Type            string         `yaml:"type" json:"type"`
	Description     string         `yaml:"description,omitempty" json:"description,omitempty"`
	Next            *string        `yaml:"next,omitempty" json:"next,omitempty"`
	End             bool           `yaml:"end,omitempty" json:"end,omitempty"`
	TimeoutSeconds  *int64         `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retry           []RetryPolicy  `yaml:"retry,omitempty" json:"retry,omitempty"`
	Catch           []CatchPolicy  `yaml:"catch,omitempty" json:"catch,omitempty"`
	PayloadTemplate map[string]any `yaml:"payload_template,omitempty" json:"payloadTemplate,omitempty"`

	// Wait states.
	WaitSeconds   *int64  `yaml:"wait_seconds,omitempty" json:"waitSeconds,omitempty"`
	WaitTimestamp *string `yaml:"wait_timestamp,omitempty" json:"waitTimestamp,omitempty"`

	// Parallel states.
	ParallelBranches []Branch `yaml:"parallel_branches,omitempty" json:"parallelBranches,omitempty"`

	// Decision states.
	DecisionRules []DecisionRule `yaml:"decision_rules,omitempty" json:"decisionRules,omitempty"`

	// Failure states.
	FailureError *string `yaml:"error,omitempty" json:"error,omitempty"`
	FailureCause *string `yaml:"cause,omitempty" json:"cause,omitempty"`
}

// Branch is one branch of a parallel state, a small workflow of its
// own with a start state and named states.
type Branch struct {
	StartAt string               `yaml:"start_at" json:"startAt"`
	States  map[string]*StateDef `yaml:"states" json:"states"`
}

// RetryPolicy configures retries for errors whose name appears in
// MatchErrors; "*" matches any error.
type RetryPolicy struct {
	MatchErrors []string `yaml:"match_errors" json:"matchErrors"`
	MaxAttempts *int64   `yaml:"max_attempts,omitempty" json:"maxAttempts,omitempty"`
	// Interval is the base wait in seconds before the first retry.
	Interval    *int64   `yaml:"interval,omitempty" json:"interval,omitempty"`
	BackoffRate *float64 `yaml:"backoff_rate,omitempty" json:"backoffRate,omitempty"`
	// MaxDelay caps the computed wait, in seconds.
	MaxDelay *int64 `yaml:"max_delay,omitempty" json:"maxDelay,omitempty"`
	Jitter   bool   `yaml:"jitter,omitempty" json:"jitter,omitempty"`
}

// CatchPolicy transitions to Next when retries for a matched error
// are exhausted; "*" matches any error.
type CatchPolicy struct {
	MatchErrors []string `yaml:"match_errors" json:"matchErrors"`
	Next        string   `yaml:"next" json:"next"`
}

// DecisionRule selects the next state of a decision state. A leaf
// rule compares the value at Path in the state input against Value
// using Operator. Rules compose with And, Or and Not; exactly one of
// the leaf fields or a composition field is expected, and Next is
// only read on top-level rules. The first matching rule wins.
type DecisionRule struct {
	Path     string `yaml:"path,omitempty" json:"path,omitempty"`
	Operator string `yaml:"operator,omitempty" json:"operator,omitempty"`
	Value    any    `yaml:"value,omitempty" json:"value,omitempty"`

	And []DecisionRule `yaml:"and,omitempty" json:"and,omitempty"`
	Or  []DecisionRule `yaml:"or,omitempty" json:"or,omitempty"`
	Not *DecisionRule  `yaml:"not,omitempty" json:"not,omitempty"`

	Next string `yaml:"next,omitempty" json:"next,omitempty"`
}

// StateError is an error raised by a state handler with a name that
// retry and catch policies can match on.
type StateError struct {
	Name    string
	Message string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Handler executes the work bound to an executeStep state.
type Handler interface {
	Handle(ctx context.Context, input any) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, input any) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, input any) (any, error) {
	return f(ctx, input)
}
