// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redisstream implements the Redis stream variant of the
// consumer framework: reading batches from a stream, per-message
// distributed locks with heartbeat extension, in-process retries with
// backoff, a dead letter stream, and periodic stream trimming guarded
// by a trim lock.
package redisstream

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// extendLocksScript re-arms the TTL of each lock key only when the
// current value matches the owning consumer name.
var extendLocksScript = redis.NewScript(`
local results = {}
for i, key in ipairs(KEYS) do
  if redis.call("GET", key) == ARGV[1] then
    redis.call("PEXPIRE", key, ARGV[2])
    results[i] = 1
  else
    results[i] = 0
  end
end
return results
`)

// releaseLocksScript deletes each lock key only when the current value
// matches the owning consumer name.
var releaseLocksScript = redis.NewScript(`
local results = {}
for i, key in ipairs(KEYS) do
  if redis.call("GET", key) == ARGV[1] then
    redis.call("DEL", key)
    results[i] = 1
  else
    results[i] = 0
  end
end
return results
`)

// MessageLocks provides per-message mutual exclusion across consumers
// of the same stream. Lock keys embed the service name as a Redis
// cluster hash tag so one batch of locks resides in a single slot.
type MessageLocks struct {
	client       redis.UniversalClient
	serviceName  string
	consumerName string
}

// NewMessageLocks creates a lock manager owned by the named consumer.
func NewMessageLocks(client redis.UniversalClient, serviceName, consumerName string) *MessageLocks {
	return &MessageLocks{
		client:       client,
		serviceName:  serviceName,
		consumerName: consumerName,
	}
}

// LockKey returns the lock key for a message id.
func (l *MessageLocks) LockKey(messageID string) string {
	return fmt.Sprintf("celerity:consumer:{%s}:lock:%s", l.serviceName, messageID)
}

// AcquireLocks attempts to acquire a lock for each message id with the
// given TTL. The result holds one bool per id in input order: true
// when the lock was newly acquired, false when another consumer holds
// it. Empty input yields empty output.
func (l *MessageLocks) AcquireLocks(ctx context.Context, messageIDs []string, durationMS int64) ([]bool, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	pipe := l.client.Pipeline()
	cmds := make([]*redis.BoolCmd, len(messageIDs))
	for i, id := range messageIDs {
		cmds[i] = pipe.SetNX(ctx, l.LockKey(id), l.consumerName, time.Duration(durationMS)*time.Millisecond)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("acquire locks for %d messages: %w", len(messageIDs), err)
	}

	acquired := make([]bool, len(messageIDs))
	for i, cmd := range cmds {
		acquired[i] = cmd.Val()
	}
	return acquired, nil
}

// ExtendLocks re-arms the TTL of the locks for the given message ids.
// The result holds 1 per extended lock and 0 per lock this consumer no
// longer owns.
func (l *MessageLocks) ExtendLocks(ctx context.Context, messageIDs []string, durationMS int64) ([]int64, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(messageIDs))
	for i, id := range messageIDs {
		keys[i] = l.LockKey(id)
	}
	result, err := extendLocksScript.Run(ctx, l.client, keys, l.consumerName, durationMS).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("extend locks for %d messages: %w", len(messageIDs), err)
	}
	return result, nil
}

// ReleaseLocks deletes the locks for the given message ids. The result
// holds 1 per released lock and 0 per lock this consumer no longer
// owns.
func (l *MessageLocks) ReleaseLocks(ctx context.Context, messageIDs []string) ([]int64, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(messageIDs))
	for i, id := range messageIDs {
		keys[i] = l.LockKey(id)
	}
	result, err := releaseLocksScript.Run(ctx, l.client, keys, l.consumerName).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("release locks for %d messages: %w", len(messageIDs), err)
	}
	return result, nil
}

// TrimLock serialises stream trimming so at most one consumer trims a
// stream at a time.
type TrimLock struct {
	client       redis.UniversalClient
	serviceName  string
	consumerName string
	stream       string
}

// NewTrimLock creates the trim lock for a stream.
func NewTrimLock(client redis.UniversalClient, serviceName, consumerName, stream string) *TrimLock {
	return &TrimLock{
		client:       client,
		serviceName:  serviceName,
		consumerName: consumerName,
		stream:       stream,
	}
}

// Key returns the trim lock key.
func (t *TrimLock) Key() string {
	return fmt.Sprintf("celerity:consumer:%s:trim_lock", t.stream)
}

func (t *TrimLock) value() string {
	return fmt.Sprintf("%s:%s", t.serviceName, t.consumerName)
}

// Acquire attempts to take the trim lock for the given TTL, returning
// true when this consumer now holds it.
func (t *TrimLock) Acquire(ctx context.Context, timeoutMS int64) (bool, error) {
	acquired, err := t.client.SetNX(ctx, t.Key(), t.value(), time.Duration(timeoutMS)*time.Millisecond).Result()
	if err != nil {
		return false, fmt.Errorf("acquire trim lock for stream %s: %w", t.stream, err)
	}
	return acquired, nil
}

// Release drops the trim lock when this consumer still owns it.
func (t *TrimLock) Release(ctx context.Context) error {
	_, err := releaseLocksScript.Run(ctx, t.client, []string{t.Key()}, t.value()).Result()
	if err != nil {
		return fmt.Errorf("release trim lock for stream %s: %w", t.stream, err)
	}
	return nil
}
