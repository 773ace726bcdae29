// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sqsstyle provides the visibility-timeout queue variant of the
// consumer framework: a message metadata type mirroring the attributes
// exposed by SQS-compatible queues and an in-memory queue used on the
// local platform and in tests.
package sqsstyle

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/celerity-framework/runtime/core"
	"github.com/celerity-framework/runtime/messaging/consumer"
)

// Metadata carries the queue attributes of a received message.
type Metadata struct {
	// Attributes are system attributes such as SentTimestamp and
	// ApproximateReceiveCount.
	Attributes map[string]string

	// MessageAttributes are user-defined attributes.
	MessageAttributes map[string]string

	// ReceiveCount is the number of times the message has been
	// received, including this delivery.
	ReceiveCount int
}

type queuedMessage struct {
	message      *core.Message[Metadata]
	receipt      string
	invisibleTil time.Time
	receiveCount int
}

// MemoryQueue is an in-memory visibility-timeout queue implementing
// the consumer QueueAPI. Receipt handles are regenerated on every
// delivery, and delete or visibility calls with a stale receipt fail.
type MemoryQueue struct {
	mu       sync.Mutex
	messages []*queuedMessage
	now      func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{now: time.Now}
}

// Send enqueues a text message and returns its id.
func (q *MemoryQueue) Send(body string, attrs map[string]string) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	digest := md5.Sum([]byte(body))
	md5OfBody := hex.EncodeToString(digest[:])
	id := uuid.NewString()
	q.messages = append(q.messages, &queuedMessage{
		message: &core.Message[Metadata]{
			MessageID: id,
			Body:      &body,
			MD5OfBody: &md5OfBody,
			Metadata: Metadata{
				Attributes:        map[string]string{"SentTimestamp": fmt.Sprintf("%d", q.now().UnixMilli())},
				MessageAttributes: attrs,
			},
		},
	})
	return id
}

// ReceiveMessages returns up to params.MaxMessages currently visible
// messages, making them invisible for params.VisibilityTimeout seconds.
// The in-memory queue does not long-poll; an empty queue returns an
// empty batch immediately.
func (q *MemoryQueue) ReceiveMessages(ctx context.Context, params consumer.ReceiveParams) ([]consumer.ReceivedMessage[Metadata], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var received []consumer.ReceivedMessage[Metadata]
	for _, qm := range q.messages {
		if len(received) >= int(params.MaxMessages) {
			break
		}
		if qm.invisibleTil.After(now) {
			continue
		}
		qm.receipt = uuid.NewString()
		qm.invisibleTil = now.Add(time.Duration(params.VisibilityTimeout) * time.Second)
		qm.receiveCount++

		msg := *qm.message
		msg.Metadata.ReceiveCount = qm.receiveCount
		received = append(received, consumer.ReceivedMessage[Metadata]{
			Message: &msg,
			Handle: core.MessageHandle{
				MessageID:     msg.MessageID,
				ReceiptHandle: qm.receipt,
			},
		})
	}
	return received, nil
}

// DeleteMessageBatch removes messages by receipt handle.
func (q *MemoryQueue) DeleteMessageBatch(ctx context.Context, handles []core.MessageHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, handle := range handles {
		found := false
		for i, qm := range q.messages {
			if qm.message.MessageID == handle.MessageID && qm.receipt == handle.ReceiptHandle {
				q.messages = append(q.messages[:i], q.messages[i+1:]...)
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("no in-flight message with receipt %q", handle.ReceiptHandle)
		}
	}
	return nil
}

// ChangeVisibilityBatch updates the visibility timeout for in-flight
// messages. A timeout of zero makes them immediately visible again.
func (q *MemoryQueue) ChangeVisibilityBatch(ctx context.Context, handles []core.MessageHandle, timeoutSecs int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, handle := range handles {
		found := false
		for _, qm := range q.messages {
			if qm.message.MessageID == handle.MessageID && qm.receipt == handle.ReceiptHandle {
				qm.invisibleTil = now.Add(time.Duration(timeoutSecs) * time.Second)
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("no in-flight message with receipt %q", handle.ReceiptHandle)
		}
	}
	return nil
}

// Len returns the number of messages still on the queue, visible or
// not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}
