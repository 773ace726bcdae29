// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redisstream

import (
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/celerity-framework/runtime/core"
)

// MessageType indicates how the body of a stream message should be
// parsed. Binary bodies are base64-encoded strings in the message body
// field.
type MessageType int64

const (
	MessageTypeText   MessageType = 0
	MessageTypeBinary MessageType = 1
)

// Metadata carries the stream entry fields of a received message.
type Metadata struct {
	// Timestamp is seconds since the Unix epoch at enqueue time.
	Timestamp int64

	// FailedAt is seconds since the Unix epoch of the last failed
	// processing attempt, when there was one.
	FailedAt *int64

	// RetryCount is the number of processing attempts made so far.
	RetryCount *int64

	// FailureReason describes why earlier attempts failed. Most often
	// present on messages moved to the dead letter stream.
	FailureReason *string

	MessageType MessageType
}

// FromStreamEntry decodes a Redis stream entry into a message. The
// body and timestamp fields are required; everything else is optional.
func FromStreamEntry(entry redis.XMessage) (*core.Message[Metadata], error) {
	body, err := stringField(entry, "body")
	if err != nil {
		return nil, err
	}

	timestampRaw, err := stringField(entry, "timestamp")
	if err != nil {
		return nil, err
	}
	timestamp, err := strconv.ParseInt(timestampRaw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("stream entry %s: timestamp must be an integer: %w", entry.ID, err)
	}

	msg := &core.Message[Metadata]{
		MessageID: entry.ID,
		Body:      &body,
		Metadata:  Metadata{Timestamp: timestamp},
	}

	if md5OfBody, ok := optionalStringField(entry, "md5_of_body"); ok {
		msg.MD5OfBody = &md5OfBody
	}
	if raw, ok := optionalStringField(entry, "failed_at"); ok {
		failedAt, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("stream entry %s: failed_at must be an integer: %w", entry.ID, err)
		}
		msg.Metadata.FailedAt = &failedAt
	}
	if raw, ok := optionalStringField(entry, "retry_count"); ok {
		retryCount, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("stream entry %s: retry_count must be an integer: %w", entry.ID, err)
		}
		msg.Metadata.RetryCount = &retryCount
	}
	if failureReason, ok := optionalStringField(entry, "failure_reason"); ok {
		msg.Metadata.FailureReason = &failureReason
	}
	if raw, ok := optionalStringField(entry, "message_type"); ok {
		messageType, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || (messageType != 0 && messageType != 1) {
			return nil, fmt.Errorf("stream entry %s: message_type must be 0 or 1", entry.ID)
		}
		msg.Metadata.MessageType = MessageType(messageType)
	}

	return msg, nil
}

// ToStreamValues encodes a message into stream entry fields. When
// forDLQ is set, the original message id is carried as a field so the
// entry can take an auto-generated id on the dead letter stream.
func ToStreamValues(msg *core.Message[Metadata], forDLQ bool) map[string]interface{} {
	values := map[string]interface{}{
		"timestamp":    msg.Metadata.Timestamp,
		"message_type": int64(msg.Metadata.MessageType),
	}
	if msg.Metadata.FailedAt != nil {
		values["failed_at"] = *msg.Metadata.FailedAt
	}
	if msg.Body != nil {
		values["body"] = *msg.Body
	}
	if msg.MD5OfBody != nil {
		values["md5_of_body"] = *msg.MD5OfBody
	}
	if msg.Metadata.FailureReason != nil {
		values["failure_reason"] = *msg.Metadata.FailureReason
	}
	if msg.Metadata.RetryCount != nil {
		values["retry_count"] = *msg.Metadata.RetryCount
	}
	if forDLQ {
		values["original_message_id"] = msg.MessageID
	}
	return values
}

func stringField(entry redis.XMessage, name string) (string, error) {
	value, ok := optionalStringField(entry, name)
	if !ok {
		return "", fmt.Errorf("stream entry %s: missing required field %q", entry.ID, name)
	}
	return value, nil
}

func optionalStringField(entry redis.XMessage, name string) (string, bool) {
	raw, ok := entry.Values[name]
	if !ok {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}
