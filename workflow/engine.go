// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/celerity-framework/runtime/retry"
	"github.com/celerity-framework/runtime/workflow/template"
)

// Default retry policy values applied when a retry policy leaves the
// corresponding field unset.
const (
	defaultRetryMaxAttempts     = 3
	defaultRetryIntervalSeconds = 3.0
	defaultRetryBackoffRate     = 2.0
)

// Engine interprets a workflow spec against input payloads. Each
// execution runs in the calling goroutine; run Execute in its own
// goroutine to drive executions concurrently.
type Engine struct {
	spec     *Spec
	store    Store
	events   *Broadcaster
	template template.Engine
	logger   *slog.Logger

	hmu      sync.RWMutex
	handlers map[string]Handler

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine returns an engine for the given workflow spec.
func NewEngine(spec *Spec, store Store, events *Broadcaster, logger *slog.Logger) *Engine {
	return &Engine{
		spec:     spec,
		store:    store,
		events:   events,
		template: template.NewEngineV1(),
		logger:   logger,
		handlers: make(map[string]Handler),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// RegisterHandler binds a handler to an executeStep state by name.
func (e *Engine) RegisterHandler(stateName string, handler Handler) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	e.handlers[stateName] = handler
}

func (e *Engine) handler(stateName string) (Handler, bool) {
	e.hmu.RLock()
	defer e.hmu.RUnlock()
	handler, ok := e.handlers[stateName]
	return handler, ok
}

// Execute runs the workflow against the input, persisting progress
// and emitting events as it goes. The returned execution reflects the
// final status; workflow failures are reported through it rather than
// through the error return, which is reserved for setup failures.
func (e *Engine) Execute(ctx context.Context, id string, input any) (*Execution, error) {
	if id == "" {
		id = uuid.NewString()
	}

	execution := &Execution{
		ID:           id,
		Input:        input,
		Started:      e.now().UnixMilli(),
		Status:       StatusPreparing,
		StatusDetail: "Preparing workflow execution",
		States:       []*ExecutionState{},
	}
	if err := e.store.Save(ctx, execution); err != nil {
		return nil, fmt.Errorf("persist workflow execution %q: %w", id, err)
	}

	m := &machine{
		store:     e.store,
		events:    e.events,
		logger:    e.logger,
		nowMS:     func() int64 { return e.now().UnixMilli() },
		execution: execution,
	}

	e.logger.Info("starting workflow execution", slog.String("execution_id", id))

	output, _, failure := e.runFlow(ctx, m, e.spec.States, e.spec.StartAt, input, nil)
	if failure != nil {
		m.recordError(ctx, failure.stateName, failure.errName, failure.message, !failure.persistFailed)
		return m.snapshot(), nil
	}

	m.recordComplete(ctx, output)
	return m.snapshot(), nil
}

// flowFailure is a terminal failure of a flow, either the top-level
// workflow or a single parallel branch.
type flowFailure struct {
	stateName     string
	errName       string
	message       string
	persistFailed bool
}

// runFlow drives a chain of states from startAt until a state ends
// the flow or fails without recovery. It returns the final output and
// the state records created along the way.
func (e *Engine) runFlow(
	ctx context.Context,
	m *machine,
	states map[string]*StateDef,
	startAt string,
	input any,
	parent *string,
) (any, []*ExecutionState, *flowFailure) {
	var (
		recorded []*ExecutionState
		prev     *ExecutionState
	)

	stateName := startAt
	current := input

	for {
		def, ok := states[stateName]
		if !ok {
			message := "State not found in workflow spec"
			if parent != nil {
				message = "State could not be found in any of the parent state's parallel branches"
			}
			return nil, recorded, &flowFailure{stateName: stateName, errName: ErrNameStateNotFound, message: message}
		}

		stateInput := current
		var renderErr error
		if def.PayloadTemplate != nil {
			rendered, err := e.template.Render(def.PayloadTemplate, current)
			if err != nil {
				renderErr = err
			} else {
				stateInput = rendered
			}
		}

		state := &ExecutionState{
			Name:    stateName,
			Type:    def.Type,
			Parent:  parent,
			Input:   stateInput,
			Started: e.now().UnixMilli(),
			Status:  StatusInProgress,
			Attempt: stateAttempt(prev, stateName),
		}
		if err := m.recordTransition(ctx, state, prev); err != nil {
			return nil, recorded, &flowFailure{
				stateName:     stateName,
				errName:       ErrNamePersistFailed,
				message:       err.Error(),
				persistFailed: true,
			}
		}
		recorded = append(recorded, state)

		if def.Type == StateTypeFailure {
			errName := ErrNameFailureState
			if def.FailureError != nil {
				errName = *def.FailureError
			}
			message := "Workflow execution failed"
			if def.FailureCause != nil {
				message = *def.FailureCause
			}
			return nil, recorded, &flowFailure{stateName: stateName, errName: errName, message: message}
		}

		var (
			output any
			next   string
			done   bool
			err    error
		)
		if renderErr != nil {
			err = &StateError{Name: ErrNamePayloadTemplate, Message: renderErr.Error()}
		} else {
			output, next, done, err = e.runState(ctx, m, def, state)
		}

		if err == nil {
			m.recordStateResult(ctx, state, nil)
			if done {
				return output, recorded, nil
			}
			prev = state
			current = output
			stateName = next
			continue
		}

		errName, errMessage := errorInfo(err)
		errDetail := fmt.Sprintf("Error executing state %q [%s]: %s", stateName, errName, errMessage)

		if recoverableError(errName) {
			if policy := matchPolicy(def.Retry, errName); policy != nil && state.Attempt <= policyMaxAttempts(policy) {
				m.recordStateResult(ctx, state, &errDetail)
				waitMS := retryWaitMS(policy, state.Attempt)
				e.logger.Info("retrying workflow state",
					slog.String("execution_id", m.snapshot().ID),
					slog.String("state", stateName),
					slog.Int64("next_attempt", state.Attempt+1),
					slog.Uint64("wait_time_ms", waitMS))
				e.events.Publish(Event{
					Event:       EventStateRetry,
					State:       state,
					Error:       &errDetail,
					NextAttempt: state.Attempt + 1,
					WaitTimeMS:  waitMS,
				})
				if err := e.sleep(ctx, time.Duration(waitMS)*time.Millisecond); err != nil {
					return nil, recorded, &flowFailure{stateName: stateName, errName: "Cancelled", message: err.Error()}
				}
				prev = state
				continue
			}

			if catch := matchCatch(def.Catch, errName); catch != nil {
				m.recordStateResult(ctx, state, &errDetail)
				e.events.Publish(Event{Event: EventStateFailure, State: state, Error: &errDetail})
				prev = state
				current = map[string]any{"error": errName, "cause": errMessage}
				stateName = catch.Next
				continue
			}
		}

		m.recordStateResult(ctx, state, &errDetail)
		e.events.Publish(Event{Event: EventStateFailure, State: state, Error: &errDetail})
		return nil, recorded, &flowFailure{stateName: stateName, errName: errName, message: errMessage}
	}
}

// runState executes a single state attempt, returning its output, the
// next state name and whether the state ends the flow.
func (e *Engine) runState(
	ctx context.Context,
	m *machine,
	def *StateDef,
	state *ExecutionState,
) (any, string, bool, error) {
	switch def.Type {
	case StateTypeExecuteStep:
		output, err := e.runExecuteStep(ctx, def, state)
		if err != nil {
			return nil, "", false, err
		}
		state.RawOutput = output
		state.Output = output
		return output, nextOf(def), isEnd(def), nil

	case StateTypePass:
		state.Output = state.Input
		return state.Input, nextOf(def), isEnd(def), nil

	case StateTypeWait:
		if err := e.runWait(ctx, def, state); err != nil {
			return nil, "", false, err
		}
		state.Output = state.Input
		return state.Input, nextOf(def), isEnd(def), nil

	case StateTypeParallel:
		output, err := e.runParallel(ctx, m, def, state)
		if err != nil {
			return nil, "", false, err
		}
		state.RawOutput = output
		state.Output = output
		return output, nextOf(def), isEnd(def), nil

	case StateTypeDecision:
		next, err := e.runDecision(def, state)
		if err != nil {
			return nil, "", false, err
		}
		state.Output = state.Input
		return state.Input, next, false, nil

	case StateTypeSuccess:
		state.Output = state.Input
		return state.Input, "", true, nil

	default:
		return nil, "", false, &StateError{
			Name:    ErrNameUnsupportedStateType,
			Message: fmt.Sprintf("Unsupported state type: %q", def.Type),
		}
	}
}

func (e *Engine) runExecuteStep(ctx context.Context, def *StateDef, state *ExecutionState) (any, error) {
	handler, ok := e.handler(state.Name)
	if !ok {
		return nil, &StateError{Name: ErrNameInvalidState, Message: "No handler found for state"}
	}

	handlerCtx := ctx
	if def.TimeoutSeconds != nil && *def.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, time.Duration(*def.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	type result struct {
		output any
		err    error
	}
	done := make(chan result, 1)
	go func() {
		output, err := handler.Handle(handlerCtx, state.Input)
		done <- result{output: output, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-handlerCtx.Done():
		if def.TimeoutSeconds != nil && handlerCtx.Err() == context.DeadlineExceeded {
			return nil, &StateError{
				Name:    ErrNameTimeout,
				Message: fmt.Sprintf("State did not complete within %d seconds", *def.TimeoutSeconds),
			}
		}
		return nil, handlerCtx.Err()
	}
}

func (e *Engine) runWait(ctx context.Context, def *StateDef, state *ExecutionState) error {
	switch {
	case def.WaitSeconds != nil:
		return e.sleep(ctx, time.Duration(*def.WaitSeconds)*time.Second)
	case def.WaitTimestamp != nil:
		until, err := time.Parse(time.RFC3339, *def.WaitTimestamp)
		if err != nil {
			return &StateError{
				Name:    ErrNameInvalidState,
				Message: fmt.Sprintf("Invalid wait timestamp %q: %s", *def.WaitTimestamp, err),
			}
		}
		if wait := until.Sub(e.now()); wait > 0 {
			return e.sleep(ctx, wait)
		}
		return nil
	default:
		return &StateError{
			Name:    ErrNameInvalidState,
			Message: "Wait state requires wait_seconds or wait_timestamp",
		}
	}
}

func (e *Engine) runParallel(ctx context.Context, m *machine, def *StateDef, state *ExecutionState) (any, error) {
	if len(def.ParallelBranches) == 0 {
		return nil, &StateError{
			Name:    ErrNameInvalidState,
			Message: "Parallel state requires at least one branch",
		}
	}

	parent := state.Name
	outputs := make([]any, len(def.ParallelBranches))
	records := make([][]*ExecutionState, len(def.ParallelBranches))

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		firstFailure *flowFailure
	)
	for i, branch := range def.ParallelBranches {
		wg.Add(1)
		go func(i int, branch Branch) {
			defer wg.Done()
			output, recorded, failure := e.runFlow(ctx, m, branch.States, branch.StartAt, state.Input, &parent)
			mu.Lock()
			defer mu.Unlock()
			outputs[i] = output
			records[i] = recorded
			if failure != nil && firstFailure == nil {
				firstFailure = failure
			}
		}(i, branch)
	}
	wg.Wait()

	m.setParallelResults(state, records)

	if firstFailure != nil {
		return nil, &StateError{
			Name:    firstFailure.errName,
			Message: fmt.Sprintf("Branch state %q failed: %s", firstFailure.stateName, firstFailure.message),
		}
	}
	return outputs, nil
}

func (e *Engine) runDecision(def *StateDef, state *ExecutionState) (string, error) {
	if len(def.DecisionRules) == 0 {
		return "", &StateError{
			Name:    ErrNameInvalidState,
			Message: "Decision state requires at least one rule",
		}
	}

	for _, rule := range def.DecisionRules {
		matched, err := e.evaluateRule(rule, state.Input)
		if err != nil {
			return "", err
		}
		if matched {
			return rule.Next, nil
		}
	}
	return "", &StateError{
		Name:    ErrNameNoRuleMatched,
		Message: "No decision rule matched the state input",
	}
}

func (e *Engine) evaluateRule(rule DecisionRule, input any) (bool, error) {
	switch {
	case len(rule.And) > 0:
		for _, sub := range rule.And {
			matched, err := e.evaluateRule(sub, input)
			if err != nil || !matched {
				return false, err
			}
		}
		return true, nil
	case len(rule.Or) > 0:
		for _, sub := range rule.Or {
			matched, err := e.evaluateRule(sub, input)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
		return false, nil
	case rule.Not != nil:
		matched, err := e.evaluateRule(*rule.Not, input)
		return !matched, err
	}

	value, err := e.template.Extract(input, rule.Path)
	if err != nil {
		return false, &StateError{
			Name:    ErrNameInvalidState,
			Message: fmt.Sprintf("Invalid decision rule path %q: %s", rule.Path, err),
		}
	}
	return compareRuleValue(rule, value)
}

func errorInfo(err error) (string, string) {
	if stateErr, ok := err.(*StateError); ok {
		return stateErr.Name, stateErr.Message
	}
	return "Error", err.Error()
}

// recoverableError reports whether retry and catch policies apply to
// an error. Machine-level failures go straight to the execution
// record.
func recoverableError(errName string) bool {
	switch errName {
	case ErrNamePersistFailed, ErrNameStateNotFound, ErrNameUnsupportedStateType:
		return false
	default:
		return true
	}
}

func matchPolicy(policies []RetryPolicy, errName string) *RetryPolicy {
	for i := range policies {
		if matchesError(policies[i].MatchErrors, errName) {
			return &policies[i]
		}
	}
	return nil
}

func matchCatch(policies []CatchPolicy, errName string) *CatchPolicy {
	for i := range policies {
		if matchesError(policies[i].MatchErrors, errName) {
			return &policies[i]
		}
	}
	return nil
}

func matchesError(matchErrors []string, errName string) bool {
	for _, match := range matchErrors {
		if match == "*" || match == errName {
			return true
		}
	}
	return false
}

func policyMaxAttempts(policy *RetryPolicy) int64 {
	if policy.MaxAttempts != nil {
		return *policy.MaxAttempts
	}
	return defaultRetryMaxAttempts
}

// retryWaitMS computes the wait before re-entering a state after the
// given attempt, using exponential backoff from the matched policy.
func retryWaitMS(policy *RetryPolicy, attempt int64) uint64 {
	cfg := retry.Config{Jitter: policy.Jitter}
	if policy.Interval != nil {
		cfg.IntervalSeconds = float64(*policy.Interval)
	}
	if policy.BackoffRate != nil {
		cfg.BackoffRate = *policy.BackoffRate
	}
	if policy.MaxDelay != nil {
		cfg.MaxDelaySeconds = *policy.MaxDelay
	}
	return retry.WaitTimeMS(cfg, attempt-1, defaultRetryIntervalSeconds, defaultRetryBackoffRate)
}

func nextOf(def *StateDef) string {
	if def.Next != nil {
		return *def.Next
	}
	return ""
}

func isEnd(def *StateDef) bool {
	return def.End || def.Next == nil
}

func compareRuleValue(rule DecisionRule, value any) (bool, error) {
	switch rule.Operator {
	case "eq":
		return deepEqualJSON(value, rule.Value), nil
	case "ne":
		return !deepEqualJSON(value, rule.Value), nil
	case "string_equals":
		left, leftOK := value.(string)
		right, rightOK := rule.Value.(string)
		return leftOK && rightOK && left == right, nil
	case "gt", "gte", "lt", "lte":
		left, leftOK := asFloat(value)
		right, rightOK := asFloat(rule.Value)
		if !leftOK || !rightOK {
			return false, nil
		}
		switch rule.Operator {
		case "gt":
			return left > right, nil
		case "gte":
			return left >= right, nil
		case "lt":
			return left < right, nil
		default:
			return left <= right, nil
		}
	case "contains":
		switch haystack := value.(type) {
		case string:
			needle, ok := rule.Value.(string)
			return ok && strings.Contains(haystack, needle), nil
		case []any:
			for _, elem := range haystack {
				if deepEqualJSON(elem, rule.Value) {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, nil
		}
	case "exists":
		return value != nil, nil
	default:
		return false, &StateError{
			Name:    ErrNameInvalidState,
			Message: fmt.Sprintf("Unsupported decision rule operator: %q", rule.Operator),
		}
	}
}

func deepEqualJSON(a, b any) bool {
	if left, ok := asFloat(a); ok {
		if right, ok := asFloat(b); ok {
			return left == right
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
