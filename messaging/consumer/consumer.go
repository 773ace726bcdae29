// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/celerity-framework/runtime/config"
	"github.com/celerity-framework/runtime/core"
)

// ErrNoHandler is returned by Start when no handler has been
// registered.
var ErrNoHandler = errors.New("no handler registered for consumer")

// Consumer polls a queue source and dispatches message batches to a
// registered handler, extending the lease while the handler runs.
type Consumer[M any] struct {
	cfg     config.ConsumerConfig
	queue   QueueAPI[M]
	lease   *LeaseExtender[M]
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	mu      sync.RWMutex
	handler core.Handler[M]
}

// New creates a consumer for the given queue source. Zero-valued
// config fields are filled from the consumer defaults.
func New[M any](cfg config.ConsumerConfig, queue QueueAPI[M], logger *slog.Logger) *Consumer[M] {
	defaults := config.DefaultConsumer()
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.VisibilityTimeoutSecs == 0 {
		cfg.VisibilityTimeoutSecs = defaults.VisibilityTimeoutSecs
	}
	if cfg.WaitTimeSecs == 0 {
		cfg.WaitTimeSecs = defaults.WaitTimeSecs
	}
	if cfg.AuthErrorTimeoutSecs == 0 {
		cfg.AuthErrorTimeoutSecs = defaults.AuthErrorTimeoutSecs
	}
	if cfg.NumWorkers == 0 {
		cfg.NumWorkers = defaults.NumWorkers
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.AuthErrorTimeoutSecs) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("consumer receive circuit breaker state changed",
				slog.String("consumer", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Consumer[M]{
		cfg:     cfg,
		queue:   queue,
		lease:   NewLeaseExtender(queue, cfg.HeartbeatIntervalSecs, cfg.VisibilityTimeoutSecs, logger),
		breaker: breaker,
		logger:  logger,
	}
}

// RegisterHandler installs the handler that receives message batches.
func (c *Consumer[M]) RegisterHandler(handler core.Handler[M]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Start runs the poll loops until the context is cancelled. It blocks
// for the lifetime of the consumer and only returns early when no
// handler was registered.
func (c *Consumer[M]) Start(ctx context.Context) error {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		return ErrNoHandler
	}

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.NumWorkers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.pollLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Consumer[M]) pollLoop(ctx context.Context, worker int) {
	logger := c.logger.With(slog.String("consumer", c.cfg.Name), slog.Int("worker", worker))
	logger.Info("consumer poll loop started", slog.String("queue_url", c.cfg.QueueURL))

	for {
		if ctx.Err() != nil {
			logger.Info("consumer poll loop stopped")
			return
		}

		received, err := c.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if core.IsAuthError(err) || errors.Is(err, gobreaker.ErrOpenState) {
				logger.Error("auth or connection failure receiving messages",
					slog.Any("error", err),
					slog.Int64("backoff_seconds", c.cfg.AuthErrorTimeoutSecs))
				sleepCtx(ctx, time.Duration(c.cfg.AuthErrorTimeoutSecs)*time.Second)
			} else {
				logger.Warn("transient failure receiving messages", slog.Any("error", err))
				sleepCtx(ctx, time.Duration(c.cfg.PollingWaitTimeMS)*time.Millisecond)
			}
			continue
		}

		if len(received) == 0 {
			continue
		}

		c.processBatch(ctx, logger, received)
	}
}

func (c *Consumer[M]) receive(ctx context.Context) ([]ReceivedMessage[M], error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.queue.ReceiveMessages(ctx, ReceiveParams{
			MaxMessages:           c.cfg.BatchSize,
			WaitTimeSeconds:       c.cfg.WaitTimeSecs,
			VisibilityTimeout:     c.cfg.VisibilityTimeoutSecs,
			AttributeNames:        []string{"All"},
			MessageAttributeNames: []string{"All"},
		})
	})
	if err != nil {
		return nil, err
	}
	return result.([]ReceivedMessage[M]), nil
}

func (c *Consumer[M]) processBatch(ctx context.Context, logger *slog.Logger, received []ReceivedMessage[M]) {
	handles := make([]core.MessageHandle, len(received))
	msgs := make([]*core.Message[M], len(received))
	for i, r := range received {
		handles[i] = r.Handle
		msgs[i] = r.Message
	}

	stopHeartbeat := c.lease.StartHeartbeat(ctx, handles)

	err := c.invokeHandler(ctx, msgs)

	if stopHeartbeat != nil {
		stopHeartbeat()
	}

	if err == nil {
		if c.cfg.ShouldDeleteMessages {
			if delErr := c.queue.DeleteMessageBatch(ctx, handles); delErr != nil {
				logger.Error("failed to delete processed messages", slog.Any("error", delErr))
			}
		}
		return
	}

	logger.Error("handler failed for message batch",
		slog.Int("batch_size", len(msgs)),
		slog.Any("error", err))

	if c.cfg.ShouldDeleteMessages && c.cfg.DeleteMessagesOnHandlerFailure {
		if delErr := c.queue.DeleteMessageBatch(ctx, handles); delErr != nil {
			logger.Error("failed to delete failed messages", slog.Any("error", delErr))
		}
	}
	if c.cfg.TerminateVisibilityTimeout {
		if termErr := c.lease.Terminate(ctx, handles); termErr != nil {
			logger.Error("failed to terminate visibility timeout", slog.Any("error", termErr))
		}
	}
}

func (c *Consumer[M]) invokeHandler(ctx context.Context, msgs []*core.Message[M]) error {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	handlerCtx := ctx
	if c.cfg.MessageHandlerTimeoutSecs > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.MessageHandlerTimeoutSecs)*time.Second)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		if len(msgs) == 1 {
			done <- handler.Handle(handlerCtx, msgs[0])
		} else {
			done <- handler.HandleBatch(handlerCtx, msgs)
		}
	}()

	select {
	case err := <-done:
		return err
	case <-handlerCtx.Done():
		if c.cfg.MessageHandlerTimeoutSecs > 0 && errors.Is(handlerCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("message handler timed out after %ds: %w",
				c.cfg.MessageHandlerTimeoutSecs, handlerCtx.Err())
		}
		return handlerCtx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
