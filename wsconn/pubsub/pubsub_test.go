// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/celerity-framework/runtime/wsconn"
)

func marshalEnvelope(t *testing.T, sourceNode string, msg wsconn.Message) string {
	t.Helper()
	data, err := json.Marshal(envelope{SourceNode: sourceNode, Message: msg})
	require.NoError(t, err)
	return string(data)
}

func TestForwardInboundDeliversForeignMessage(t *testing.T) {
	cfg := Config{ServerNodeName: "node-1", ChannelName: "ws"}
	inbound := make(chan wsconn.Message, 1)

	payload := marshalEnvelope(t, "node-2", wsconn.Message{
		WebSocket: &wsconn.WebSocketMessage{
			ConnectionID: "conn-1",
			MessageID:    "msg-1",
			SourceNode:   "node-2",
			MessageType:  wsconn.MessageKindJson,
			Message:      `{"hello":"world"}`,
		},
	})
	forwardInbound(context.Background(), cfg, slog.Default(), payload, inbound)

	require.Len(t, inbound, 1)
	got := <-inbound
	require.NotNil(t, got.WebSocket)
	require.Equal(t, "conn-1", got.WebSocket.ConnectionID)
	require.Equal(t, "msg-1", got.WebSocket.MessageID)
}

func TestForwardInboundDropsOwnEcho(t *testing.T) {
	cfg := Config{ServerNodeName: "node-1", ChannelName: "ws"}
	inbound := make(chan wsconn.Message, 1)

	payload := marshalEnvelope(t, "node-1", wsconn.Message{
		WebSocket: &wsconn.WebSocketMessage{
			ConnectionID: "conn-1",
			MessageID:    "msg-1",
			SourceNode:   "node-1",
			MessageType:  wsconn.MessageKindJson,
			Message:      "{}",
		},
	})
	forwardInbound(context.Background(), cfg, slog.Default(), payload, inbound)

	require.Empty(t, inbound)
}

func TestForwardInboundKeepsAcksForOwnMessages(t *testing.T) {
	cfg := Config{ServerNodeName: "node-1", ChannelName: "ws"}
	inbound := make(chan wsconn.Message, 1)

	payload := marshalEnvelope(t, "node-2", wsconn.Message{
		Ack: &wsconn.AckMessage{MessageNode: "node-1", MessageID: "msg-7"},
	})
	forwardInbound(context.Background(), cfg, slog.Default(), payload, inbound)

	require.Len(t, inbound, 1)
	got := <-inbound
	require.NotNil(t, got.Ack)
	require.Equal(t, "msg-7", got.Ack.MessageID)
}

func TestForwardInboundDropsAcksForOtherNodes(t *testing.T) {
	cfg := Config{ServerNodeName: "node-1", ChannelName: "ws"}
	inbound := make(chan wsconn.Message, 1)

	payload := marshalEnvelope(t, "node-2", wsconn.Message{
		Ack: &wsconn.AckMessage{MessageNode: "node-3", MessageID: "msg-7"},
	})
	forwardInbound(context.Background(), cfg, slog.Default(), payload, inbound)

	require.Empty(t, inbound)
}

func TestForwardInboundIgnoresMalformedPayload(t *testing.T) {
	cfg := Config{ServerNodeName: "node-1", ChannelName: "ws"}
	inbound := make(chan wsconn.Message, 1)

	forwardInbound(context.Background(), cfg, slog.Default(), "{not json", inbound)

	require.Empty(t, inbound)
}
