// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wsconn

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReservedRoutePingMessage(t *testing.T) {
	msg, err := ParseBinaryMessage([]byte{0x1, 0x1, 0x0, 0x0})
	require.NoError(t, err)
	assert.Equal(t, BinaryRoute{Reserved: RoutePing}, msg.Route)
	assert.Empty(t, msg.MessageID)
	assert.False(t, msg.RequireAck)
	assert.Empty(t, msg.Payload)
}

func TestParseReservedRoutePongMessage(t *testing.T) {
	msg, err := ParseBinaryMessage([]byte{0x1, 0x2, 0x0, 0x0})
	require.NoError(t, err)
	assert.Equal(t, BinaryRoute{Reserved: RoutePong}, msg.Route)
}

func TestParseReservedRouteMessageLost(t *testing.T) {
	payload, err := json.Marshal(LostMessageData{
		MessageID: "134578",
		Caller:    "test-caller",
	})
	require.NoError(t, err)
	frame := append([]byte{0x1, 0x3, 0x0, 0x0}, payload...)

	msg, err := ParseBinaryMessage(frame)
	require.NoError(t, err)
	assert.Equal(t, BinaryRoute{Reserved: RouteMessageLost}, msg.Route)
	// The notification itself does not have a message id.
	assert.Empty(t, msg.MessageID)
	assert.Equal(t, payload, msg.Payload)
}

func TestParseReservedRouteAckMessage(t *testing.T) {
	payload, err := json.Marshal(AckMessageData{
		MessageID: "13457915",
		Timestamp: 1715769600,
	})
	require.NoError(t, err)
	frame := append([]byte{0x1, 0x4, 0x0, 0x0}, payload...)

	msg, err := ParseBinaryMessage(frame)
	require.NoError(t, err)
	assert.Equal(t, BinaryRoute{Reserved: RouteAck}, msg.Route)
	assert.Equal(t, payload, msg.Payload)
}

func buildCustomFrame(route string, requireAck bool, messageID string, payload []byte) []byte {
	frame := []byte{byte(len(route))}
	frame = append(frame, route...)
	if requireAck {
		frame = append(frame, 0x1)
	} else {
		frame = append(frame, 0x0)
	}
	frame = append(frame, byte(len(messageID)))
	frame = append(frame, messageID...)
	return append(frame, payload...)
}

func TestParseCustomRouteMessageWithMessageID(t *testing.T) {
	payload := []byte(`{"message":"Hello, this is a custom message!"}`)
	frame := buildCustomFrame("myCustomRoute", false, "13457915", payload)

	msg, err := ParseBinaryMessage(frame)
	require.NoError(t, err)
	assert.Equal(t, BinaryRoute{Custom: "myCustomRoute"}, msg.Route)
	assert.Equal(t, "13457915", msg.MessageID)
	assert.False(t, msg.RequireAck)
	assert.Equal(t, payload, msg.Payload)
}

func TestParseCustomRouteMessageWithoutMessageID(t *testing.T) {
	payload := []byte(`{"message":"Hello, this is a custom message!"}`)
	frame := buildCustomFrame("myCustomRoute2", false, "", payload)

	msg, err := ParseBinaryMessage(frame)
	require.NoError(t, err)
	assert.Equal(t, BinaryRoute{Custom: "myCustomRoute2"}, msg.Route)
	assert.Empty(t, msg.MessageID)
	assert.Equal(t, payload, msg.Payload)
}

func TestParseCustomRouteMessageRequiringAck(t *testing.T) {
	payload := []byte(`{"message":"Hello, this is a custom message!"}`)
	frame := buildCustomFrame("myCustomRoute3", true, "13457915", payload)

	msg, err := ParseBinaryMessage(frame)
	require.NoError(t, err)
	assert.True(t, msg.RequireAck)
	assert.Equal(t, "13457915", msg.MessageID)
}

func TestParseMalformedMessageTooShort(t *testing.T) {
	_, err := ParseBinaryMessage([]byte{0x1, 0x1, 0x0})
	require.Error(t, err)
	assert.Equal(t,
		"message too short, must be at least 4 bytes for route length, route, ack flag and message id length",
		err.Error())
}

func TestParseMalformedZeroRouteLength(t *testing.T) {
	_, err := ParseBinaryMessage([]byte{0x0, 0x0, 0x0, 0x0})
	require.Error(t, err)
	assert.Equal(t, "route must be at least 1 byte long", err.Error())
}

func TestParseMalformedRouteLengthExceedsMessageLength(t *testing.T) {
	_, err := ParseBinaryMessage([]byte{0x5, 0x1, 0x0, 0x0})
	require.Error(t, err)
	assert.Equal(t, "route length exceeds message length", err.Error())
}

func TestParseMalformedMissingAckFlagAndMessageIDLength(t *testing.T) {
	_, err := ParseBinaryMessage([]byte{0x4, 0x1, 0x1, 0x0, 0x3})
	require.Error(t, err)
	assert.Equal(t, "message too short, missing bytes for ack flag and message id length", err.Error())
}

func TestParseMalformedMissingBytesForMessageID(t *testing.T) {
	// Message id length claims 3 bytes but only 2 remain.
	_, err := ParseBinaryMessage([]byte{0x2, 0x1, 0x1, 0x0, 0x3, 0x1, 0x0})
	require.Error(t, err)
	assert.Equal(t, "message too short, missing bytes for message id", err.Error())
}

func TestSerializeRoundTrip(t *testing.T) {
	original := &BinaryMessage{
		Route:      BinaryRoute{Custom: "chat.sendMessage"},
		MessageID:  "msg-42",
		RequireAck: true,
		Payload:    []byte(`{"text":"hi"}`),
	}
	frame, err := SerializeBinaryMessage(original)
	require.NoError(t, err)

	parsed, err := ParseBinaryMessage(frame)
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}

func TestMessageLostFrame(t *testing.T) {
	frame := MessageLostFrame("msg-7", "orderHandler")
	assert.Equal(t, []byte{0x1, 0x3, 0x0, 0x0}, frame[:4])

	var data LostMessageData
	require.NoError(t, json.Unmarshal(frame[4:], &data))
	assert.Equal(t, "msg-7", data.MessageID)
	assert.Equal(t, "orderHandler", data.Caller)
}
