// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerity-framework/runtime/config"
	"github.com/celerity-framework/runtime/core"
)

type testMetadata struct{}

// fakeQueue serves a fixed set of batches, then empty batches, and
// records all delete and visibility calls.
type fakeQueue struct {
	mu              sync.Mutex
	batches         [][]ReceivedMessage[testMetadata]
	receiveErr      error
	receiveCalls    int
	deleteCalls     [][]core.MessageHandle
	visibilityCalls []visibilityCall
}

type visibilityCall struct {
	handles []core.MessageHandle
	timeout int32
}

func (q *fakeQueue) ReceiveMessages(ctx context.Context, params ReceiveParams) ([]ReceivedMessage[testMetadata], error) {
	q.mu.Lock()
	q.receiveCalls++
	if q.receiveErr != nil {
		err := q.receiveErr
		q.mu.Unlock()
		return nil, err
	}
	if len(q.batches) > 0 {
		batch := q.batches[0]
		q.batches = q.batches[1:]
		q.mu.Unlock()
		return batch, nil
	}
	q.mu.Unlock()

	// Mimic a long poll that found nothing.
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Millisecond):
	}
	return nil, nil
}

func (q *fakeQueue) DeleteMessageBatch(ctx context.Context, handles []core.MessageHandle) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleteCalls = append(q.deleteCalls, handles)
	return nil
}

func (q *fakeQueue) ChangeVisibilityBatch(ctx context.Context, handles []core.MessageHandle, timeoutSecs int32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.visibilityCalls = append(q.visibilityCalls, visibilityCall{handles: handles, timeout: timeoutSecs})
	return nil
}

func (q *fakeQueue) snapshot() ([][]core.MessageHandle, []visibilityCall) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([][]core.MessageHandle{}, q.deleteCalls...),
		append([]visibilityCall{}, q.visibilityCalls...)
}

type recordingHandler struct {
	mu           sync.Mutex
	handleCalls  [][]string
	batchCalls   [][]string
	err          error
	processDelay time.Duration
}

func (h *recordingHandler) Handle(ctx context.Context, msg *core.Message[testMetadata]) error {
	h.mu.Lock()
	h.handleCalls = append(h.handleCalls, []string{msg.MessageID})
	h.mu.Unlock()
	if h.processDelay > 0 {
		time.Sleep(h.processDelay)
	}
	return h.err
}

func (h *recordingHandler) HandleBatch(ctx context.Context, msgs []*core.Message[testMetadata]) error {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.MessageID
	}
	h.mu.Lock()
	h.batchCalls = append(h.batchCalls, ids)
	h.mu.Unlock()
	if h.processDelay > 0 {
		time.Sleep(h.processDelay)
	}
	return h.err
}

func makeBatch(ids ...string) []ReceivedMessage[testMetadata] {
	batch := make([]ReceivedMessage[testMetadata], len(ids))
	for i, id := range ids {
		body := "body-" + id
		batch[i] = ReceivedMessage[testMetadata]{
			Message: &core.Message[testMetadata]{MessageID: id, Body: &body},
			Handle:  core.MessageHandle{MessageID: id, ReceiptHandle: "r-" + id},
		}
	}
	return batch
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func runConsumer(t *testing.T, c *Consumer[testMetadata], d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	err := c.Start(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHappyPathBatchDelete(t *testing.T) {
	queue := &fakeQueue{batches: [][]ReceivedMessage[testMetadata]{makeBatch("m1", "m2")}}
	handler := &recordingHandler{}

	cfg := config.DefaultConsumer()
	cfg.Name = "orders"
	cfg.BatchSize = 10
	cfg.ShouldDeleteMessages = true
	c := New[testMetadata](cfg, queue, testLogger())
	c.RegisterHandler(handler)

	runConsumer(t, c, 200*time.Millisecond)

	require.Len(t, handler.batchCalls, 1)
	assert.Equal(t, []string{"m1", "m2"}, handler.batchCalls[0])
	assert.Empty(t, handler.handleCalls)

	deletes, visibility := queue.snapshot()
	require.Len(t, deletes, 1)
	assert.Equal(t, "m1", deletes[0][0].MessageID)
	assert.Equal(t, "m2", deletes[0][1].MessageID)
	assert.Empty(t, visibility)
}

func TestSingleMessagePrefersHandle(t *testing.T) {
	queue := &fakeQueue{batches: [][]ReceivedMessage[testMetadata]{makeBatch("m1")}}
	handler := &recordingHandler{}

	cfg := config.DefaultConsumer()
	cfg.ShouldDeleteMessages = true
	c := New[testMetadata](cfg, queue, testLogger())
	c.RegisterHandler(handler)

	runConsumer(t, c, 200*time.Millisecond)

	require.Len(t, handler.handleCalls, 1)
	assert.Equal(t, []string{"m1"}, handler.handleCalls[0])
	assert.Empty(t, handler.batchCalls)
}

func TestHandlerFailureDeleteOnFailure(t *testing.T) {
	queue := &fakeQueue{batches: [][]ReceivedMessage[testMetadata]{makeBatch("m1")}}
	handler := &recordingHandler{err: errors.New("boom")}

	cfg := config.DefaultConsumer()
	cfg.ShouldDeleteMessages = true
	cfg.DeleteMessagesOnHandlerFailure = true
	c := New[testMetadata](cfg, queue, testLogger())
	c.RegisterHandler(handler)

	runConsumer(t, c, 200*time.Millisecond)

	deletes, _ := queue.snapshot()
	require.Len(t, deletes, 1)
}

func TestHandlerFailureNoDeleteTerminatesVisibility(t *testing.T) {
	queue := &fakeQueue{batches: [][]ReceivedMessage[testMetadata]{makeBatch("m1")}}
	handler := &recordingHandler{err: errors.New("boom")}

	cfg := config.DefaultConsumer()
	cfg.ShouldDeleteMessages = false
	cfg.DeleteMessagesOnHandlerFailure = false
	cfg.TerminateVisibilityTimeout = true
	c := New[testMetadata](cfg, queue, testLogger())
	c.RegisterHandler(handler)

	runConsumer(t, c, 200*time.Millisecond)

	deletes, visibility := queue.snapshot()
	assert.Empty(t, deletes)
	require.Len(t, visibility, 1)
	assert.Equal(t, int32(0), visibility[0].timeout)
}

func TestEmptyBatchSkipsHandlerAndDelete(t *testing.T) {
	queue := &fakeQueue{}
	handler := &recordingHandler{}

	cfg := config.DefaultConsumer()
	cfg.ShouldDeleteMessages = true
	c := New[testMetadata](cfg, queue, testLogger())
	c.RegisterHandler(handler)

	runConsumer(t, c, 100*time.Millisecond)

	assert.Empty(t, handler.handleCalls)
	assert.Empty(t, handler.batchCalls)
	deletes, visibility := queue.snapshot()
	assert.Empty(t, deletes)
	assert.Empty(t, visibility)
}

func TestStartWithoutHandler(t *testing.T) {
	queue := &fakeQueue{}
	c := New[testMetadata](config.DefaultConsumer(), queue, testLogger())

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestHeartbeatExtendsLeaseDuringLongHandler(t *testing.T) {
	queue := &fakeQueue{batches: [][]ReceivedMessage[testMetadata]{makeBatch("m1", "m2")}}
	handler := &recordingHandler{processDelay: 2500 * time.Millisecond}

	cfg := config.DefaultConsumer()
	cfg.BatchSize = 10
	cfg.ShouldDeleteMessages = true
	cfg.HeartbeatIntervalSecs = 1
	c := New[testMetadata](cfg, queue, testLogger())
	c.RegisterHandler(handler)

	runConsumer(t, c, 3*time.Second)

	deletes, visibility := queue.snapshot()
	require.Len(t, deletes, 1)
	assert.GreaterOrEqual(t, len(visibility), 2)
	for _, call := range visibility {
		assert.Equal(t, cfg.VisibilityTimeoutSecs, call.timeout)
	}
}

func TestAuthErrorBacksOff(t *testing.T) {
	queue := &fakeQueue{receiveErr: core.ErrQueueAuth}

	cfg := config.DefaultConsumer()
	cfg.AuthErrorTimeoutSecs = 1
	cfg.PollingWaitTimeMS = 10
	c := New[testMetadata](cfg, queue, testLogger())
	c.RegisterHandler(&recordingHandler{})

	runConsumer(t, c, 300*time.Millisecond)

	queue.mu.Lock()
	calls := queue.receiveCalls
	queue.mu.Unlock()
	// The auth back-off outlives the test window, so the loop polls
	// once and waits.
	assert.Equal(t, 1, calls)
}

func TestTransientErrorRetriesQuickly(t *testing.T) {
	queue := &fakeQueue{receiveErr: errors.New("temporarily unavailable")}

	cfg := config.DefaultConsumer()
	cfg.PollingWaitTimeMS = 20
	c := New[testMetadata](cfg, queue, testLogger())
	c.RegisterHandler(&recordingHandler{})

	runConsumer(t, c, 150*time.Millisecond)

	queue.mu.Lock()
	calls := queue.receiveCalls
	queue.mu.Unlock()
	assert.Greater(t, calls, 2)
}

func TestHandlerTimeout(t *testing.T) {
	queue := &fakeQueue{batches: [][]ReceivedMessage[testMetadata]{makeBatch("m1")}}
	handler := &recordingHandler{processDelay: 2 * time.Second}

	cfg := config.DefaultConsumer()
	cfg.ShouldDeleteMessages = true
	cfg.DeleteMessagesOnHandlerFailure = false
	cfg.MessageHandlerTimeoutSecs = 1
	c := New[testMetadata](cfg, queue, testLogger())
	c.RegisterHandler(handler)

	runConsumer(t, c, 1500*time.Millisecond)

	// The timed-out batch counts as a failure, so nothing is deleted.
	deletes, _ := queue.snapshot()
	assert.Empty(t, deletes)
}
