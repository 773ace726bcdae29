// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// NotFoundError reports a lookup of a workflow execution id with no
// stored snapshot.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("workflow execution %q not found", e.ID)
}

// Store persists and retrieves workflow execution snapshots.
type Store interface {
	// Save upserts the snapshot for the execution's id.
	Save(ctx context.Context, execution *Execution) error

	// Get returns the current snapshot for the given id or a
	// NotFoundError.
	Get(ctx context.Context, id string) (*Execution, error)

	// GetLatest returns up to limit of the most recently started
	// executions, ordered by when their id was first saved.
	GetLatest(ctx context.Context, limit int) ([]*Execution, error)
}

// MemoryStore is an in-memory execution store. A map holds the
// snapshots and a parallel slice of ids records insertion order;
// re-saves do not reorder.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	order      []string
}

// NewMemoryStore returns an empty in-memory execution store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{executions: make(map[string]*Execution)}
}

// Save upserts a deep copy of the execution snapshot so later
// mutations by the engine do not leak into stored history.
func (s *MemoryStore) Save(_ context.Context, execution *Execution) error {
	snapshot, err := copyExecution(execution)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[execution.ID]; !exists {
		s.order = append(s.order, execution.ID)
	}
	s.executions[execution.ID] = snapshot
	return nil
}

// Get returns the snapshot for the given id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	execution, ok := s.executions[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return copyExecution(execution)
}

// GetLatest returns up to limit of the most recently inserted
// executions in insertion order.
func (s *MemoryStore) GetLatest(_ context.Context, limit int) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if limit >= 0 && len(s.order) > limit {
		start = len(s.order) - limit
	}

	latest := make([]*Execution, 0, len(s.order)-start)
	for _, id := range s.order[start:] {
		execution, err := copyExecution(s.executions[id])
		if err != nil {
			return nil, err
		}
		latest = append(latest, execution)
	}
	return latest, nil
}

// copyExecution deep-copies an execution through its JSON form,
// mirroring the snapshot nature of stored payloads.
func copyExecution(execution *Execution) (*Execution, error) {
	raw, err := json.Marshal(execution)
	if err != nil {
		return nil, fmt.Errorf("snapshot workflow execution %q: %w", execution.ID, err)
	}
	var snapshot Execution
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("snapshot workflow execution %q: %w", execution.ID, err)
	}
	return &snapshot, nil
}
