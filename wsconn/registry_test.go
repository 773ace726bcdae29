// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wsconn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedFrame struct {
	messageType int
	data        []byte
}

// fakeSocket records frames written to it in place of a real
// websocket connection.
type fakeSocket struct {
	mu     sync.Mutex
	frames []recordedFrame
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, recordedFrame{messageType: messageType, data: append([]byte{}, data...)})
	return nil
}

func (s *fakeSocket) recorded() []recordedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedFrame{}, s.frames...)
}

func (s *fakeSocket) waitForFrames(t *testing.T, n int) []recordedFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frames := s.recorded()
		if len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, got %d", n, len(s.recorded()))
	return nil
}

func newTestRegistry(nodeName string, broadcaster chan<- Message, ackCfg AckWorkerConfig) *Registry {
	return NewRegistry(Config{
		ServerNodeName: nodeName,
		AckWorker:      ackCfg,
	}, broadcaster, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSendMessageToLocalConnection(t *testing.T) {
	registry := newTestRegistry("node1", nil, AckWorkerConfig{})
	socket := &fakeSocket{}
	registry.AddConnection("conn-1", NewConn(socket))

	err := registry.SendMessage(context.Background(), "conn-1", "msg-1",
		MessageKindJson, `{"text":"hi"}`, nil)
	require.NoError(t, err)

	frames := socket.recorded()
	require.Len(t, frames, 1)
	assert.Equal(t, websocket.TextMessage, frames[0].messageType)
	assert.Equal(t, `{"text":"hi"}`, string(frames[0].data))
}

func TestSendBinaryMessageDecodesBase64(t *testing.T) {
	registry := newTestRegistry("node1", nil, AckWorkerConfig{})
	socket := &fakeSocket{}
	registry.AddConnection("conn-1", NewConn(socket))

	payload := base64.StdEncoding.EncodeToString([]byte("hi"))
	err := registry.SendMessage(context.Background(), "conn-1", "msg-1",
		MessageKindBinary, payload, nil)
	require.NoError(t, err)

	frames := socket.recorded()
	require.Len(t, frames, 1)
	assert.Equal(t, websocket.BinaryMessage, frames[0].messageType)
	assert.Equal(t, []byte("hi"), frames[0].data)
}

func TestSendMessageMissingConnectionWithoutClusterIsLost(t *testing.T) {
	registry := newTestRegistry("node1", nil, AckWorkerConfig{})
	informed := &fakeSocket{}
	registry.AddConnection("conn-3", NewConn(informed))

	err := registry.SendMessage(context.Background(), "conn-missing", "msg-7",
		MessageKindJson, `{"text":"hi"}`, &SendContext{InformClients: []string{"conn-3"}})

	var lost *MessageLostError
	require.ErrorAs(t, err, &lost)
	assert.Equal(t, "msg-7", lost.MessageID)

	frames := informed.recorded()
	require.Len(t, frames, 1)
	assert.Equal(t, websocket.BinaryMessage, frames[0].messageType)
	assert.Equal(t, []byte{0x1, 0x3, 0x0, 0x0}, frames[0].data[:4])

	var data LostMessageData
	require.NoError(t, json.Unmarshal(frames[0].data[4:], &data))
	assert.Equal(t, "msg-7", data.MessageID)
}

// Two registries wired directly to each other's listener channels,
// standing in for the pub/sub bus between two cluster nodes.
func TestCrossNodeDeliveryWithAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node1ToNode2 := make(chan Message, 16)
	node2ToNode1 := make(chan Message, 16)

	node1 := newTestRegistry("node1", node1ToNode2, AckWorkerConfig{})
	node1.StartAckWorker(ctx)
	node1.Listen(ctx, node2ToNode1)

	node2 := newTestRegistry("node2", node2ToNode1, AckWorkerConfig{})
	node2.StartAckWorker(ctx)
	node2.Listen(ctx, node1ToNode2)

	socket2 := &fakeSocket{}
	node2.AddConnection("C2", NewConn(socket2))

	payload := base64.StdEncoding.EncodeToString([]byte("hi"))
	err := node1.SendMessage(ctx, "C2", "msg-7", MessageKindBinary, payload,
		&SendContext{WaitForAck: true, InformClients: []string{"C3"}})
	require.NoError(t, err)

	frames := socket2.waitForFrames(t, 1)
	assert.Equal(t, websocket.BinaryMessage, frames[0].messageType)
	assert.Equal(t, []byte("hi"), frames[0].data)

	// The received acknowledgement is recorded on node1.
	assert.Equal(t, AckReceived, node1.ackWorker.Check("msg-7"))
}

func TestCrossNodeLossInformsLocalClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Nothing consumes from the bus, so no acknowledgement ever
	// arrives for broadcast messages.
	deadBus := make(chan Message, 16)

	node1 := newTestRegistry("node1", deadBus, AckWorkerConfig{
		CheckIntervalMS:  10,
		MessageTimeoutMS: 50,
		MaxSendAttempts:  1,
	})
	node1.StartAckWorker(ctx)

	socket3 := &fakeSocket{}
	node1.AddConnection("C3", NewConn(socket3))

	err := node1.SendMessage(ctx, "C2", "msg-7", MessageKindJson, `{"text":"hi"}`,
		&SendContext{WaitForAck: true, InformClients: []string{"C3"}})

	var lost *MessageLostError
	require.ErrorAs(t, err, &lost)
	assert.Equal(t, "msg-7", lost.MessageID)

	frames := socket3.waitForFrames(t, 1)
	assert.Equal(t, []byte{0x1, 0x3, 0x0, 0x0}, frames[0].data[:4])

	var data LostMessageData
	require.NoError(t, json.Unmarshal(frames[0].data[4:], &data))
	assert.Equal(t, "msg-7", data.MessageID)
}

func TestCrossNodeWaitForAckResolvesLostAfterMaxAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The bus accepts sends but the target node never acknowledges.
	bus := make(chan Message, 16)
	var sent int64
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-bus:
				atomic.AddInt64(&sent, 1)
			}
		}
	}()

	node1 := newTestRegistry("node1", bus, AckWorkerConfig{
		CheckIntervalMS:  10,
		MessageTimeoutMS: 20,
		MaxSendAttempts:  2,
	})
	node1.StartAckWorker(ctx)

	err := node1.SendMessage(ctx, "C2", "msg-7", MessageKindJson, `{"text":"hi"}`,
		&SendContext{WaitForAck: true})

	var lost *MessageLostError
	require.ErrorAs(t, err, &lost)
	assert.Equal(t, "msg-7", lost.MessageID)

	// Initial send plus one resend before the message was declared lost.
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&sent) == 2
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(2), atomic.LoadInt64(&sent))
}

func TestInboundDuplicateSkippedAfterAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := make(chan Message, 16)
	inbound := make(chan Message, 16)

	registry := newTestRegistry("node2", bus, AckWorkerConfig{})
	registry.StartAckWorker(ctx)
	registry.Listen(ctx, inbound)

	socket := &fakeSocket{}
	registry.AddConnection("C2", NewConn(socket))

	msg := Message{WebSocket: &WebSocketMessage{
		ConnectionID: "C2",
		MessageID:    "msg-9",
		SourceNode:   "node1",
		MessageType:  MessageKindJson,
		Message:      `{"text":"hi"}`,
	}}
	inbound <- msg
	socket.waitForFrames(t, 1)

	// Mark the message acknowledged, as happens after the ack for a
	// resent message loops back, then replay the duplicate.
	registry.ackWorker.RecordReceived("msg-9")
	inbound <- msg

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, socket.recorded(), 1)
}

func TestInboundAckRecordedWithWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := make(chan Message, 16)
	inbound := make(chan Message, 16)

	registry := newTestRegistry("node1", bus, AckWorkerConfig{})
	registry.StartAckWorker(ctx)
	registry.Listen(ctx, inbound)

	registry.ackWorker.RecordPending("msg-4", PendingMessage{ConnectionID: "C9"})
	inbound <- Message{Ack: &AckMessage{MessageNode: "node1", MessageID: "msg-4"}}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if registry.ackWorker.Check("msg-4") == AckReceived {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("acknowledgement was never recorded")
}

func TestRemoveConnection(t *testing.T) {
	registry := newTestRegistry("node1", nil, AckWorkerConfig{})
	registry.AddConnection("conn-1", NewConn(&fakeSocket{}))
	require.NotNil(t, registry.GetConnection("conn-1"))

	registry.RemoveConnection("conn-1")
	assert.Nil(t, registry.GetConnection("conn-1"))
}
