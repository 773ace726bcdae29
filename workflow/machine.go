// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Error names recorded against a failed workflow execution.
const (
	ErrNamePersistFailed        = "PersistFailed"
	ErrNameStateNotFound        = "StateNotFound"
	ErrNameInvalidState         = "InvalidState"
	ErrNameUnsupportedStateType = "UnsupportedStateType"
	ErrNameTimeout              = "Timeout"
	ErrNameNoRuleMatched        = "NoRuleMatched"
	ErrNamePayloadTemplate      = "PayloadTemplateFailure"
	ErrNameFailureState         = "Failure"
)

// machine owns the live record of a single workflow execution. All
// mutations go through it so parallel branches can record progress
// concurrently, and every change is persisted before the matching
// event is broadcast so observers never see state ahead of the store.
type machine struct {
	store  Store
	events *Broadcaster
	logger *slog.Logger
	nowMS  func() int64

	mu        sync.Mutex
	execution *Execution
}

// stateAttempt returns the attempt number for entering a state, given
// the previously recorded state of the same flow.
func stateAttempt(prev *ExecutionState, name string) int64 {
	if prev != nil && prev.Name == name {
		return prev.Attempt + 1
	}
	return 1
}

func (m *machine) snapshot() *Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.execution
}

// recordTransition appends the state to the execution log, marks it
// as the current state and persists before broadcasting.
func (m *machine) recordTransition(ctx context.Context, state, prev *ExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.execution.States = append(m.execution.States, state)
	name := state.Name
	m.execution.CurrentState = &name
	m.execution.Status = StatusInProgress
	m.execution.StatusDetail = fmt.Sprintf("Executing state: %s", state.Name)

	if err := m.store.Save(ctx, m.execution); err != nil {
		return &StateError{
			Name:    ErrNamePersistFailed,
			Message: fmt.Sprintf("Failed to persist state transition: %s", err),
		}
	}

	m.events.Publish(Event{Event: EventStateTransition, PrevState: prev, NewState: state})
	return nil
}

// recordStateResult marks a state attempt as finished and persists
// the change. A nil errDetail records success.
func (m *machine) recordStateResult(ctx context.Context, state *ExecutionState, errDetail *string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	completed := m.nowMS()
	duration := float64(completed-state.Started) / 1000.0
	state.Completed = &completed
	state.Duration = &duration
	if errDetail != nil {
		state.Status = StatusFailed
		state.Error = errDetail
	} else {
		state.Status = StatusSucceeded
	}

	if err := m.store.Save(ctx, m.execution); err != nil {
		m.logger.Error("failed to persist workflow execution changes, "+
			"the currently persisted state is likely to be incorrect",
			slog.String("execution_id", m.execution.ID),
			slog.String("state", state.Name),
			slog.Any("error", err))
	}
}

// recordComplete marks the execution as succeeded with the given
// output, persists and broadcasts the completion event.
func (m *machine) recordComplete(ctx context.Context, output any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	completed := m.nowMS()
	duration := float64(completed-m.execution.Started) / 1000.0
	m.execution.Status = StatusSucceeded
	m.execution.StatusDetail = "Workflow execution completed successfully"
	m.execution.Output = output
	m.execution.Completed = &completed
	m.execution.Duration = &duration

	if err := m.store.Save(ctx, m.execution); err != nil {
		m.logger.Error("failed to persist completed workflow execution, "+
			"the currently persisted state is likely to be incorrect",
			slog.String("execution_id", m.execution.ID),
			slog.Any("error", err))
	}

	m.events.Publish(Event{Event: EventExecutionComplete, CompleteExecution: m.execution})
}

// recordError marks the execution as failed with the error recorded
// against the most recent state, then broadcasts the completion
// event. persist is false when the failure is itself a persistence
// failure that a further save would only repeat.
func (m *machine) recordError(ctx context.Context, stateName, errorName, errorMessage string, persist bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	completed := m.nowMS()
	duration := float64(completed-m.execution.Started) / 1000.0
	m.execution.Status = StatusFailed
	m.execution.Completed = &completed
	m.execution.Duration = &duration
	statusDetail := fmt.Sprintf("Error executing state %q [%s]: %s", stateName, errorName, errorMessage)
	m.execution.StatusDetail = statusDetail

	if len(m.execution.States) > 0 {
		last := m.execution.States[len(m.execution.States)-1]
		last.Error = &statusDetail
		if last.Completed == nil {
			stateDuration := float64(completed-last.Started) / 1000.0
			last.Status = StatusFailed
			last.Completed = &completed
			last.Duration = &stateDuration
		}
	}

	if persist {
		if err := m.store.Save(ctx, m.execution); err != nil {
			m.logger.Error("failed to persist workflow execution changes in response to an error, "+
				"the currently persisted state is likely to be incorrect",
				slog.String("execution_id", m.execution.ID),
				slog.String("state", stateName),
				slog.String("error_name", ErrNamePersistFailed),
				slog.Any("error", err))
		}
	}

	// The completion event carries the failed execution with the
	// error information in the status detail field.
	m.events.Publish(Event{Event: EventExecutionComplete, CompleteExecution: m.execution})
}

// setParallelResults attaches the branch state records of a completed
// parallel state, one slice per branch in declaration order.
func (m *machine) setParallelResults(state *ExecutionState, branches [][]*ExecutionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state.Parallel = branches
}
