// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redisstream

import (
	"context"
	"log/slog"
	"time"
)

// LockExtender periodically extends the distributed locks held for a
// batch of in-flight messages while a handler is running.
type LockExtender struct {
	locks          *MessageLocks
	intervalSecs   int64
	lockDurationMS int64
	logger         *slog.Logger
}

func NewLockExtender(locks *MessageLocks, intervalSecs, lockDurationMS int64, logger *slog.Logger) *LockExtender {
	return &LockExtender{
		locks:          locks,
		intervalSecs:   intervalSecs,
		lockDurationMS: lockDurationMS,
		logger:         logger,
	}
}

// StartHeartbeat spawns a goroutine extending the locks for the given
// message ids on the configured interval, returning a function that
// stops it. Returns nil when the interval is unset or there is
// nothing to lock.
func (e *LockExtender) StartHeartbeat(ctx context.Context, messageIDs []string) func() {
	if e.intervalSecs <= 0 || len(messageIDs) == 0 {
		return nil
	}

	kill := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Duration(e.intervalSecs) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-kill:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				results, err := e.locks.ExtendLocks(ctx, messageIDs, e.lockDurationMS)
				if err != nil {
					e.logger.Warn("failed to extend message locks", slog.Any("error", err))
					continue
				}
				for i, res := range results {
					if res == 0 && i < len(messageIDs) {
						e.logger.Warn("lock no longer held by this consumer",
							slog.String("message_id", messageIDs[i]))
					}
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
