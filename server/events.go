// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the local runtime API used by the handlers
// process. The runtime pushes pending events onto a queue; the
// handlers process pulls them over HTTP and posts results back, which
// are routed to the goroutine waiting on the event.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/celerity-framework/runtime/workflow"
)

// Event types delivered to the handlers process.
const (
	EventTypeExecuteStep = "executeStep"
)

// EventData is a single unit of work for the handlers process.
type EventData struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	HandlerTag string `json:"handlerTag"`
	Timestamp  int64  `json:"timestamp"`
	Data       any    `json:"data"`
}

// EventResult is the handlers process response for an event.
type EventResult struct {
	EventID string `json:"eventId"`
	Data    any    `json:"data"`
	Context any    `json:"context,omitempty"`
	Error   *string `json:"error,omitempty"`
}

// ErrEventNotFound is returned when a result references an event that
// is not being processed.
var ErrEventNotFound = errors.New("event with provided ID was not found")

type pendingEvent struct {
	event  EventData
	result chan EventResult
}

// EventQueue hands events from the runtime to the handlers process.
// Dispatched events wait in a pending queue until collected via Next,
// then sit in a processing map until a result arrives via Resolve.
type EventQueue struct {
	mu         sync.Mutex
	pending    []*pendingEvent
	processing map[string]*pendingEvent
}

func NewEventQueue() *EventQueue {
	return &EventQueue{
		processing: make(map[string]*pendingEvent),
	}
}

// Dispatch enqueues an event and blocks until the handlers process
// posts a result for it or the context is cancelled.
func (q *EventQueue) Dispatch(ctx context.Context, event EventData) (EventResult, error) {
	entry := &pendingEvent{
		event:  event,
		result: make(chan EventResult, 1),
	}

	q.mu.Lock()
	q.pending = append(q.pending, entry)
	q.mu.Unlock()

	select {
	case result := <-entry.result:
		return result, nil
	case <-ctx.Done():
		q.abandon(event.ID)
		return EventResult{}, ctx.Err()
	}
}

// Next pops the oldest pending event and moves it to the processing
// map so the incoming result can be routed back to the dispatcher.
// The event is removed from the queue immediately so the handlers
// process can work on multiple events concurrently.
func (q *EventQueue) Next() (*EventData, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, false
	}
	entry := q.pending[0]
	q.pending = q.pending[1:]
	q.processing[entry.event.ID] = entry

	event := entry.event
	return &event, true
}

// Resolve routes a result to the dispatcher waiting on the event.
func (q *EventQueue) Resolve(result EventResult) error {
	q.mu.Lock()
	entry, ok := q.processing[result.EventID]
	if ok {
		delete(q.processing, result.EventID)
	}
	q.mu.Unlock()

	if !ok {
		return ErrEventNotFound
	}
	entry.result <- result
	return nil
}

// PendingCount reports the number of events waiting to be collected.
func (q *EventQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ProcessingCount reports the number of events awaiting a result.
func (q *EventQueue) ProcessingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processing)
}

// abandon drops an event the dispatcher has stopped waiting for,
// wherever it currently sits.
func (q *EventQueue) abandon(eventID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.processing, eventID)
	for i, entry := range q.pending {
		if entry.event.ID == eventID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// Handler adapts the queue into a workflow executeStep handler: the
// state input is dispatched as an event tagged for the given handler
// and the posted result becomes the state output.
func (q *EventQueue) Handler(handlerTag string) workflow.Handler {
	return workflow.HandlerFunc(func(ctx context.Context, input any) (any, error) {
		event := EventData{
			ID:         uuid.NewString(),
			Type:       EventTypeExecuteStep,
			HandlerTag: handlerTag,
			Timestamp:  time.Now().Unix(),
			Data:       input,
		}
		result, err := q.Dispatch(ctx, event)
		if err != nil {
			return nil, err
		}
		if result.Error != nil {
			return nil, fmt.Errorf("handler failed: %s", *result.Error)
		}
		return result.Data, nil
	})
}
