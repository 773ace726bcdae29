// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/celerity-framework/runtime/config"
	"github.com/celerity-framework/runtime/core"
	"github.com/celerity-framework/runtime/retry"
)

// ErrNoHandler is returned by Start when no handler has been
// registered.
var ErrNoHandler = errors.New("no handler registered for stream consumer")

// updateLastMessageIDScript advances the stored last message id only
// when the candidate id is newer, comparing the millisecond and
// sequence parts of the stream ids numerically.
var updateLastMessageIDScript = redis.NewScript(`
local function parse(id)
  local ms, seq = string.match(id, "^(%d+)-(%d+)$")
  return tonumber(ms), tonumber(seq)
end
local current = redis.call("GET", KEYS[1])
if not current then
  redis.call("SET", KEYS[1], ARGV[1])
  return 1
end
local cms, cseq = parse(current)
local nms, nseq = parse(ARGV[1])
if not cms or nms > cms or (nms == cms and nseq > cseq) then
  redis.call("SET", KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// Consumer reads batches from a Redis stream starting at a stored last
// message id, takes a distributed lock per message, dispatches to a
// handler with in-process retries, and moves exhausted failures to a
// dead letter stream. A single designated worker periodically trims
// the stream under the trim lock.
type Consumer struct {
	cfg         config.StreamConsumerConfig
	serviceName string
	client      redis.UniversalClient
	locks       *MessageLocks
	extender    *LockExtender
	trimLock    *TrimLock
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.RWMutex
	handler core.Handler[Metadata]
}

// NewConsumer creates a stream consumer. Zero-valued config fields are
// filled from the stream consumer defaults.
func NewConsumer(cfg config.StreamConsumerConfig, serviceName string, client redis.UniversalClient, logger *slog.Logger) *Consumer {
	defaults := config.DefaultStreamConsumer()
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.BlockTimeMS == 0 {
		cfg.BlockTimeMS = defaults.BlockTimeMS
	}
	if cfg.PollingWaitTimeMS == 0 {
		cfg.PollingWaitTimeMS = defaults.PollingWaitTimeMS
	}
	if cfg.LockDurationMS == 0 {
		cfg.LockDurationMS = defaults.LockDurationMS
	}
	if cfg.MessageHandlerTimeoutSecs == 0 {
		cfg.MessageHandlerTimeoutSecs = defaults.MessageHandlerTimeoutSecs
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.RetryBaseDelayMS == 0 {
		cfg.RetryBaseDelayMS = defaults.RetryBaseDelayMS
	}
	if cfg.RetryMaxDelaySecs == 0 {
		cfg.RetryMaxDelaySecs = defaults.RetryMaxDelaySecs
	}
	if cfg.RetryBackoffRate == 0 {
		cfg.RetryBackoffRate = defaults.RetryBackoffRate
	}
	if cfg.TrimIntervalSecs == 0 {
		cfg.TrimIntervalSecs = defaults.TrimIntervalSecs
	}
	if cfg.TrimLockTimeoutMS == 0 {
		cfg.TrimLockTimeoutMS = defaults.TrimLockTimeoutMS
	}
	if cfg.TrimStrategy == "" {
		cfg.TrimStrategy = defaults.TrimStrategy
	}
	if cfg.NumWorkers == 0 {
		cfg.NumWorkers = defaults.NumWorkers
	}

	locks := NewMessageLocks(client, serviceName, cfg.ConsumerName)
	return &Consumer{
		cfg:         cfg,
		serviceName: serviceName,
		client:      client,
		locks:       locks,
		extender:    NewLockExtender(locks, cfg.HeartbeatIntervalSecs, cfg.LockDurationMS, logger),
		trimLock:    NewTrimLock(client, serviceName, cfg.ConsumerName, cfg.Stream),
		logger:      logger,
		now:         time.Now,
	}
}

// RegisterHandler installs the handler that receives message batches.
func (c *Consumer) RegisterHandler(handler core.Handler[Metadata]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// LastMessageIDKey returns the key holding the id of the last message
// this consumer group has processed.
func (c *Consumer) LastMessageIDKey() string {
	return fmt.Sprintf("celerity:consumer:%s:last_message_id", c.cfg.Stream)
}

// Start runs the poll loops, and the trim worker when trimming is
// enabled, until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
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

	if c.cfg.TrimIntervalSecs > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.trimLoop(ctx)
		}()
	}

	wg.Wait()
	return ctx.Err()
}

func (c *Consumer) pollLoop(ctx context.Context, worker int) {
	logger := c.logger.With(
		slog.String("stream", c.cfg.Stream),
		slog.String("consumer", c.cfg.ConsumerName),
		slog.Int("worker", worker))
	logger.Info("stream consumer poll loop started")

	for {
		if ctx.Err() != nil {
			logger.Info("stream consumer poll loop stopped")
			return
		}
		c.receiveMessages(ctx, logger)
	}
}

func (c *Consumer) receiveMessages(ctx context.Context, logger *slog.Logger) {
	lastID, err := c.client.Get(ctx, c.LastMessageIDKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		logger.Warn("failed to get last message id, reading stream from the beginning",
			slog.Any("error", err))
	}
	if lastID == "" {
		lastID = "0"
	}

	streams, err := c.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{c.cfg.Stream, lastID},
		Count:   c.cfg.BatchSize,
		Block:   time.Duration(c.cfg.BlockTimeMS) * time.Millisecond,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			// Block timeout elapsed with no new entries.
			return
		}
		logger.Error("failed to read messages from stream", slog.Any("error", err))
		sleepCtx(ctx, time.Duration(c.cfg.PollingWaitTimeMS)*time.Millisecond)
		return
	}

	var entries []redis.XMessage
	if len(streams) > 0 {
		entries = streams[0].Messages
	}
	if len(entries) == 0 {
		return
	}

	msgs, decodeFailures := c.decodeEntries(entries, logger)

	locked, err := c.filterByLock(ctx, msgs)
	if err != nil {
		logger.Error("failed to acquire message locks", slog.Any("error", err))
		return
	}

	logger.Debug("read available messages from stream",
		slog.Int("received", len(entries)),
		slog.Int("locked", len(locked)))

	var failures []BatchFailure
	if len(locked) > 0 {
		failures = c.processMessages(ctx, logger, locked)
	}
	failures = append(failures, decodeFailures...)

	if len(failures) > 0 {
		allMsgs := append(append([]*core.Message[Metadata]{}, msgs...), decodeFailureMessages(entries, decodeFailures)...)
		if err := c.moveFailedToDLQ(ctx, failures, allMsgs); err != nil {
			logger.Error("failed to move failed messages to dead letter stream", slog.Any("error", err))
		}
	}
}

func (c *Consumer) decodeEntries(entries []redis.XMessage, logger *slog.Logger) ([]*core.Message[Metadata], []BatchFailure) {
	var msgs []*core.Message[Metadata]
	var failures []BatchFailure
	for _, entry := range entries {
		msg, err := FromStreamEntry(entry)
		if err != nil {
			logger.Error("malformed stream entry", slog.String("entry_id", entry.ID), slog.Any("error", err))
			failures = append(failures, BatchFailure{
				MessageID: entry.ID,
				Reason:    fmt.Sprintf("malformed stream entry: %s", err),
			})
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, failures
}

// decodeFailureMessages builds minimal messages for malformed entries
// so they can still carry their raw body onto the dead letter stream.
func decodeFailureMessages(entries []redis.XMessage, failures []BatchFailure) []*core.Message[Metadata] {
	failed := failureMap(failures)
	var msgs []*core.Message[Metadata]
	for _, entry := range entries {
		if _, ok := failed[entry.ID]; !ok {
			continue
		}
		msg := &core.Message[Metadata]{MessageID: entry.ID}
		if body, ok := optionalStringField(entry, "body"); ok {
			msg.Body = &body
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (c *Consumer) filterByLock(ctx context.Context, msgs []*core.Message[Metadata]) ([]*core.Message[Metadata], error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.MessageID
	}
	acquired, err := c.locks.AcquireLocks(ctx, ids, c.cfg.LockDurationMS)
	if err != nil {
		return nil, err
	}
	if len(acquired) != len(msgs) {
		return nil, fmt.Errorf("expected %d lock results, got %d", len(msgs), len(acquired))
	}

	var locked []*core.Message[Metadata]
	for i, msg := range msgs {
		if acquired[i] {
			locked = append(locked, msg)
		}
	}
	return locked, nil
}

// processMessages dispatches a locked batch to the handler with
// retries, advances the last message id, and releases the locks.
// It returns the failures that exhausted their retries.
func (c *Consumer) processMessages(ctx context.Context, logger *slog.Logger, msgs []*core.Message[Metadata]) []BatchFailure {
	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.MessageID
	}

	stopHeartbeat := c.extender.StartHeartbeat(ctx, ids)

	failures := c.handleWithRetries(ctx, logger, msgs)

	if stopHeartbeat != nil {
		stopHeartbeat()
	}

	lastID := msgs[len(msgs)-1].MessageID
	if err := updateLastMessageIDScript.Run(ctx, c.client, []string{c.LastMessageIDKey()}, lastID).Err(); err != nil {
		logger.Error("failed to update last message id", slog.Any("error", err))
	}

	if _, err := c.locks.ReleaseLocks(ctx, ids); err != nil {
		logger.Error("failed to release message locks", slog.Any("error", err))
	}

	return failures
}

func (c *Consumer) handleWithRetries(ctx context.Context, logger *slog.Logger, msgs []*core.Message[Metadata]) []BatchFailure {
	remaining := msgs
	var lastFailures []BatchFailure

	for attempt := int64(1); attempt <= c.cfg.MaxRetries+1; attempt++ {
		logger.Info("starting attempt to process message batch",
			slog.Int64("attempt", attempt),
			slog.Int("batch_size", len(remaining)))

		err := c.invokeHandler(ctx, remaining)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNoHandler) {
			logger.Error("message handler not registered, will not retry")
			return failuresFromMessages(remaining, "message handler was not registered", 0)
		}

		logger.Error("failed to process message batch", slog.Any("error", err))

		var partial *PartialBatchError
		if errors.As(err, &partial) {
			remaining = keepFailedMessages(remaining, partial.Failures)
			lastFailures = withRetriesAttempted(partial.Failures, attempt-1)
		} else {
			lastFailures = failuresFromMessages(remaining, err.Error(), attempt-1)
		}

		if attempt <= c.cfg.MaxRetries {
			waitMS := retry.WaitTimeMS(retry.Config{
				Jitter:          true,
				MaxDelaySeconds: c.cfg.RetryMaxDelaySecs,
			}, attempt-1, float64(c.cfg.RetryBaseDelayMS)/1000.0, c.cfg.RetryBackoffRate)
			logger.Info("waiting before retrying message batch", slog.Uint64("wait_ms", waitMS))
			sleepCtx(ctx, time.Duration(waitMS)*time.Millisecond)
		}
		if ctx.Err() != nil {
			break
		}
	}

	return lastFailures
}

func (c *Consumer) invokeHandler(ctx context.Context, msgs []*core.Message[Metadata]) error {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		return ErrNoHandler
	}

	handlerCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.MessageHandlerTimeoutSecs)*time.Second)
	defer cancel()

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
		return fmt.Errorf("did not finish processing message(s) within %d seconds: %w",
			c.cfg.MessageHandlerTimeoutSecs, handlerCtx.Err())
	}
}

func (c *Consumer) moveFailedToDLQ(ctx context.Context, failures []BatchFailure, msgs []*core.Message[Metadata]) error {
	if c.cfg.DeadLetterStream == "" {
		c.logger.Info("no dead letter stream configured, failed messages will be lost",
			slog.Int("failed", len(failures)))
		return nil
	}

	failed := failureMap(failures)
	for _, msg := range msgs {
		failure, ok := failed[msg.MessageID]
		if !ok {
			continue
		}

		dlqMsg := *msg
		dlqMsg.Metadata.FailureReason = &failure.Reason
		failedAt := c.now().Unix()
		dlqMsg.Metadata.FailedAt = &failedAt
		retryCount := failure.RetriesAttempted
		if msg.Metadata.RetryCount != nil {
			retryCount += *msg.Metadata.RetryCount
		}
		dlqMsg.Metadata.RetryCount = &retryCount

		err := c.client.XAdd(ctx, &redis.XAddArgs{
			Stream: c.cfg.DeadLetterStream,
			ID:     "*",
			Values: ToStreamValues(&dlqMsg, true),
		}).Err()
		if err != nil {
			return fmt.Errorf("add message %s to dead letter stream: %w", msg.MessageID, err)
		}
	}
	return nil
}

func (c *Consumer) trimLoop(ctx context.Context) {
	logger := c.logger.With(slog.String("stream", c.cfg.Stream))
	ticker := time.NewTicker(time.Duration(c.cfg.TrimIntervalSecs) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("stream trimming worker stopped")
			return
		case <-ticker.C:
			acquired, err := c.trimLock.Acquire(ctx, c.cfg.TrimLockTimeoutMS)
			if err != nil {
				logger.Error("failed to acquire trim lock", slog.Any("error", err))
				continue
			}
			if !acquired {
				logger.Info("trim lock held elsewhere, skipping trim until next interval")
				continue
			}
			if err := c.trimStream(ctx); err != nil {
				logger.Error("failed to trim stream", slog.Any("error", err))
			}
		}
	}
}

func (c *Consumer) trimStream(ctx context.Context) error {
	if c.cfg.TrimStrategy == "max_len" {
		return c.client.XTrimMaxLen(ctx, c.cfg.Stream, c.cfg.TrimMaxLen).Err()
	}

	minID := c.cfg.TrimMinID
	if minID == "" {
		lastID, err := c.client.Get(ctx, c.LastMessageIDKey()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return fmt.Errorf("get last message id for trim: %w", err)
		}
		minID = lastID
	}
	return c.client.XTrimMinID(ctx, c.cfg.Stream, minID).Err()
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
