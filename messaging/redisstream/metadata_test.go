// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redisstream

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerity-framework/runtime/core"
)

func entry(id string, values map[string]interface{}) redis.XMessage {
	return redis.XMessage{ID: id, Values: values}
}

func TestFromStreamEntryRequiredFields(t *testing.T) {
	msg, err := FromStreamEntry(entry("1700000000000-0", map[string]interface{}{
		"body":      `{"event":"orderCreated"}`,
		"timestamp": "1700000000",
	}))
	require.NoError(t, err)
	assert.Equal(t, "1700000000000-0", msg.MessageID)
	require.NotNil(t, msg.Body)
	assert.Equal(t, `{"event":"orderCreated"}`, *msg.Body)
	assert.Equal(t, int64(1700000000), msg.Metadata.Timestamp)
	assert.Equal(t, MessageTypeText, msg.Metadata.MessageType)
	assert.Nil(t, msg.Metadata.FailedAt)
	assert.Nil(t, msg.Metadata.RetryCount)
	assert.Nil(t, msg.Metadata.FailureReason)
}

func TestFromStreamEntryAllFields(t *testing.T) {
	msg, err := FromStreamEntry(entry("1700000000000-1", map[string]interface{}{
		"body":           "aGVsbG8=",
		"md5_of_body":    "5d41402abc4b2a76b9719d911017c592",
		"timestamp":      "1700000100",
		"failed_at":      "1700000200",
		"retry_count":    "2",
		"failure_reason": "handler crashed",
		"message_type":   "1",
	}))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeBinary, msg.Metadata.MessageType)
	require.NotNil(t, msg.MD5OfBody)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", *msg.MD5OfBody)
	require.NotNil(t, msg.Metadata.FailedAt)
	assert.Equal(t, int64(1700000200), *msg.Metadata.FailedAt)
	require.NotNil(t, msg.Metadata.RetryCount)
	assert.Equal(t, int64(2), *msg.Metadata.RetryCount)
	require.NotNil(t, msg.Metadata.FailureReason)
	assert.Equal(t, "handler crashed", *msg.Metadata.FailureReason)
}

func TestFromStreamEntryMissingBody(t *testing.T) {
	_, err := FromStreamEntry(entry("1-0", map[string]interface{}{
		"timestamp": "1700000000",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing required field "body"`)
}

func TestFromStreamEntryMissingTimestamp(t *testing.T) {
	_, err := FromStreamEntry(entry("1-0", map[string]interface{}{
		"body": "payload",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing required field "timestamp"`)
}

func TestFromStreamEntryInvalidTimestamp(t *testing.T) {
	_, err := FromStreamEntry(entry("1-0", map[string]interface{}{
		"body":      "payload",
		"timestamp": "not-a-number",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timestamp must be an integer")
}

func TestFromStreamEntryInvalidMessageType(t *testing.T) {
	for _, raw := range []string{"2", "-1", "text"} {
		_, err := FromStreamEntry(entry("1-0", map[string]interface{}{
			"body":         "payload",
			"timestamp":    "1700000000",
			"message_type": raw,
		}))
		require.Error(t, err, "message_type %q", raw)
		assert.Contains(t, err.Error(), "message_type must be 0 or 1")
	}
}

func TestToStreamValuesForDLQ(t *testing.T) {
	msg, err := FromStreamEntry(entry("1700000000000-5", map[string]interface{}{
		"body":      "payload",
		"timestamp": "1700000000",
	}))
	require.NoError(t, err)

	reason := "failed to process messages: 1700000000000-5"
	failedAt := int64(1700000300)
	retryCount := int64(3)
	msg.Metadata.FailureReason = &reason
	msg.Metadata.FailedAt = &failedAt
	msg.Metadata.RetryCount = &retryCount

	values := ToStreamValues(msg, true)
	assert.Equal(t, "payload", values["body"])
	assert.Equal(t, int64(1700000000), values["timestamp"])
	assert.Equal(t, reason, values["failure_reason"])
	assert.Equal(t, failedAt, values["failed_at"])
	assert.Equal(t, retryCount, values["retry_count"])
	assert.Equal(t, "1700000000000-5", values["original_message_id"])
}

func TestToStreamValuesOmitsOptionalFields(t *testing.T) {
	body := "payload"
	values := ToStreamValues(&core.Message[Metadata]{
		MessageID: "1-0",
		Body:      &body,
		Metadata:  Metadata{Timestamp: 1700000000},
	}, false)
	assert.NotContains(t, values, "failure_reason")
	assert.NotContains(t, values, "failed_at")
	assert.NotContains(t, values, "retry_count")
	assert.NotContains(t, values, "md5_of_body")
	assert.NotContains(t, values, "original_message_id")
}
