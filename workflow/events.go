// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workflow

import "sync"

// Workflow execution event kinds.
const (
	EventStateTransition   = "stateTransition"
	EventStateFailure      = "stateFailure"
	EventStateRetry        = "stateRetry"
	EventExecutionComplete = "workflowExecutionComplete"
)

// Event is a workflow execution event published to observers. The
// populated fields depend on the event kind.
type Event struct {
	Event string `json:"event"`

	// stateTransition
	PrevState *ExecutionState `json:"prev_state,omitempty"`
	NewState  *ExecutionState `json:"new_state,omitempty"`

	// stateFailure and stateRetry
	State *ExecutionState `json:"state,omitempty"`
	Error *string         `json:"error,omitempty"`

	// stateRetry
	NextAttempt int64  `json:"next_attempt,omitempty"`
	WaitTimeMS  uint64 `json:"wait_time_ms,omitempty"`

	// workflowExecutionComplete
	CompleteExecution *Execution `json:"complete_execution,omitempty"`
}

// Broadcaster fans workflow events out to subscribers over bounded
// channels. When a subscriber's channel is full the oldest pending
// event is dropped so execution never blocks on a slow observer.
type Broadcaster struct {
	capacity int

	mu   sync.Mutex
	subs []chan Event
}

// NewBroadcaster returns a broadcaster whose subscriber channels
// buffer up to capacity events.
func NewBroadcaster(capacity int) *Broadcaster {
	if capacity < 1 {
		capacity = 100
	}
	return &Broadcaster{capacity: capacity}
}

// Subscribe registers a new subscriber and returns its channel.
func (b *Broadcaster) Subscribe() <-chan Event {
	ch := make(chan Event, b.capacity)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers the event to every subscriber, dropping the oldest
// buffered event of any subscriber that has fallen behind.
func (b *Broadcaster) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		for {
			select {
			case ch <- event:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}
