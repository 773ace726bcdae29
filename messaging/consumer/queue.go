// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package consumer implements the generic polling consumer framework:
// a poll loop that receives message batches from a queue source,
// dispatches them to a handler while a lease heartbeat keeps the
// messages invisible to other consumers, and deletes or releases the
// messages depending on the handler outcome.
package consumer

import (
	"context"

	"github.com/celerity-framework/runtime/core"
)

// ReceiveParams are the parameters for a single receive call against a
// queue source.
type ReceiveParams struct {
	MaxMessages           int32
	WaitTimeSeconds       int32
	VisibilityTimeout     int32
	AttributeNames        []string
	MessageAttributeNames []string
}

// ReceivedMessage pairs a message with the handle needed to delete or
// extend it on the source.
type ReceivedMessage[M any] struct {
	Message *core.Message[M]
	Handle  core.MessageHandle
}

// QueueAPI is the surface of a visibility-timeout queue the consumer
// framework needs. Implementations must be safe for concurrent use.
type QueueAPI[M any] interface {
	// ReceiveMessages long-polls the source for up to
	// params.MaxMessages messages. Errors that wrap core.ErrQueueAuth
	// indicate credential or connection failures and trigger a longer
	// back-off than transient errors.
	ReceiveMessages(ctx context.Context, params ReceiveParams) ([]ReceivedMessage[M], error)

	// DeleteMessageBatch removes the given messages from the source.
	DeleteMessageBatch(ctx context.Context, handles []core.MessageHandle) error

	// ChangeVisibilityBatch sets the visibility timeout of the given
	// messages. A timeout of zero makes them immediately re-deliverable.
	ChangeVisibilityBatch(ctx context.Context, handles []core.MessageHandle, timeoutSecs int32) error
}
