// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterDeliversToAllSubscribers(t *testing.T) {
	broadcaster := NewBroadcaster(4)
	first := broadcaster.Subscribe()
	second := broadcaster.Subscribe()

	broadcaster.Publish(Event{Event: EventStateTransition})

	assert.Equal(t, EventStateTransition, (<-first).Event)
	assert.Equal(t, EventStateTransition, (<-second).Event)
}

func TestBroadcasterDropsOldestWhenSubscriberFallsBehind(t *testing.T) {
	broadcaster := NewBroadcaster(2)
	events := broadcaster.Subscribe()

	states := []string{"a", "b", "c", "d"}
	for _, name := range states {
		broadcaster.Publish(Event{Event: EventStateTransition, NewState: &ExecutionState{Name: name}})
	}

	// The two oldest events were dropped without blocking Publish.
	got := <-events
	require.NotNil(t, got.NewState)
	assert.Equal(t, "c", got.NewState.Name)
	got = <-events
	assert.Equal(t, "d", got.NewState.Name)

	select {
	case extra := <-events:
		t.Fatalf("unexpected extra event: %+v", extra)
	default:
	}
}
