// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/celerity-framework/runtime/core"
)

// LeaseExtender keeps an in-flight batch invisible to other consumers
// by periodically re-issuing a visibility change while the handler is
// still running.
type LeaseExtender[M any] struct {
	queue             QueueAPI[M]
	intervalSecs      int64
	visibilityTimeout int32
	logger            *slog.Logger
}

// NewLeaseExtender creates a lease extender. An interval of zero
// disables heartbeats entirely.
func NewLeaseExtender[M any](queue QueueAPI[M], intervalSecs int64, visibilityTimeout int32, logger *slog.Logger) *LeaseExtender[M] {
	return &LeaseExtender[M]{
		queue:             queue,
		intervalSecs:      intervalSecs,
		visibilityTimeout: visibilityTimeout,
		logger:            logger,
	}
}

// StartHeartbeat spawns a goroutine that extends the batch lease every
// heartbeat interval until the returned kill function is called or the
// context is cancelled. Returns nil when no heartbeat is configured.
//
// Heartbeat failures are logged and retried on the next tick; they are
// never fatal to the handler. If the lease expires anyway, duplicate
// delivery is possible and allowed.
func (l *LeaseExtender[M]) StartHeartbeat(ctx context.Context, handles []core.MessageHandle) func() {
	if l.intervalSecs <= 0 || len(handles) == 0 {
		return nil
	}

	kill := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Duration(l.intervalSecs) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-kill:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.queue.ChangeVisibilityBatch(ctx, handles, l.visibilityTimeout); err != nil {
					l.logger.Warn("failed to extend message lease",
						slog.Int("batch_size", len(handles)),
						slog.Any("error", err))
				}
			}
		}
	}()

	var stopped bool
	return func() {
		if !stopped {
			stopped = true
			close(kill)
		}
	}
}

// Terminate resets the batch visibility to zero so the source
// re-delivers the messages immediately.
func (l *LeaseExtender[M]) Terminate(ctx context.Context, handles []core.MessageHandle) error {
	return l.queue.ChangeVisibilityBatch(ctx, handles, 0)
}
