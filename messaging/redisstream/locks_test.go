// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redisstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockKeyUsesServiceHashTag(t *testing.T) {
	locks := NewMessageLocks(nil, "orders", "orders-consumer")
	key := locks.LockKey("1700000000000-0")
	// The hash tag keeps every lock for a service on the same cluster
	// slot so the multi-key extend and release scripts stay valid.
	assert.Equal(t, "celerity:consumer:{orders}:lock:1700000000000-0", key)
}

func TestTrimLockKeyAndValue(t *testing.T) {
	lock := NewTrimLock(nil, "orders", "orders-consumer", "orders-stream")
	assert.Equal(t, "celerity:consumer:orders-stream:trim_lock", lock.Key())
	assert.Equal(t, "orders:orders-consumer", lock.value())
}

func TestLastMessageIDKey(t *testing.T) {
	c := &Consumer{}
	c.cfg.Stream = "orders-stream"
	assert.Equal(t, "celerity:consumer:orders-stream:last_message_id", c.LastMessageIDKey())
}
