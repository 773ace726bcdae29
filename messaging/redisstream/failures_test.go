// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redisstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerity-framework/runtime/core"
)

func messagesWithIDs(ids ...string) []*core.Message[Metadata] {
	msgs := make([]*core.Message[Metadata], len(ids))
	for i, id := range ids {
		body := "payload-" + id
		msgs[i] = &core.Message[Metadata]{MessageID: id, Body: &body}
	}
	return msgs
}

func TestPartialBatchErrorMessage(t *testing.T) {
	err := &PartialBatchError{Failures: []BatchFailure{
		{MessageID: "1-0", Reason: "downstream unavailable"},
		{MessageID: "1-1", Reason: "downstream unavailable"},
	}}
	assert.Equal(t, "failed to process messages: 1-0, 1-1", err.Error())
}

func TestKeepFailedMessages(t *testing.T) {
	msgs := messagesWithIDs("1-0", "1-1", "1-2")
	failed := keepFailedMessages(msgs, []BatchFailure{
		{MessageID: "1-0", Reason: "boom"},
		{MessageID: "1-2", Reason: "boom"},
	})
	require.Len(t, failed, 2)
	assert.Equal(t, "1-0", failed[0].MessageID)
	assert.Equal(t, "1-2", failed[1].MessageID)
}

func TestFailuresFromMessages(t *testing.T) {
	failures := failuresFromMessages(messagesWithIDs("1-0", "1-1"), "handler crashed", 3)
	require.Len(t, failures, 2)
	for _, failure := range failures {
		assert.Equal(t, "handler crashed", failure.Reason)
		assert.Equal(t, int64(3), failure.RetriesAttempted)
	}
}

func TestWithRetriesAttempted(t *testing.T) {
	failures := withRetriesAttempted([]BatchFailure{
		{MessageID: "1-0", Reason: "boom"},
	}, 2)
	require.Len(t, failures, 1)
	assert.Equal(t, int64(2), failures[0].RetriesAttempted)
}
