// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wsconn

import (
	"encoding/json"
	"fmt"
)

// Reserved single-byte routes for binary messages. Values from 0x0 to
// 0x4 are reserved; anything above is the first byte of a custom
// utf-8 route string.
const (
	RoutePing        byte = 0x1
	RoutePong        byte = 0x2
	RouteMessageLost byte = 0x3
	RouteAck         byte = 0x4

	maxReservedRoute byte = 0x4
)

// BinaryRoute is the route of a binary message, either a reserved
// single-byte route or a custom utf-8 route string.
type BinaryRoute struct {
	Reserved byte
	Custom   string
}

// IsReserved reports whether the route is a reserved single-byte
// route.
func (r BinaryRoute) IsReserved() bool {
	return r.Custom == ""
}

// BinaryMessage is the parsed form of a binary message frame:
//
//	[route length (1 byte)][route][ack flag (1 byte)]
//	[message id length (1 byte)][message id][payload]
//
// Empty payloads are allowed but all other fields are required.
type BinaryMessage struct {
	Route      BinaryRoute
	MessageID  string
	RequireAck bool
	Payload    []byte
}

// ParseBinaryMessage decodes a binary message frame.
func ParseBinaryMessage(msgBytes []byte) (*BinaryMessage, error) {
	if len(msgBytes) < 4 {
		return nil, fmt.Errorf("message too short, must be at least 4 bytes for " +
			"route length, route, ack flag and message id length")
	}

	routeLength := int(msgBytes[0])
	if routeLength == 0 {
		return nil, fmt.Errorf("route must be at least 1 byte long")
	}
	if routeLength+1 > len(msgBytes) {
		return nil, fmt.Errorf("route length exceeds message length")
	}

	routeBytes := msgBytes[1 : routeLength+1]
	var route BinaryRoute
	if routeBytes[0] <= maxReservedRoute {
		route = BinaryRoute{Reserved: routeBytes[0]}
	} else {
		route = BinaryRoute{Custom: string(routeBytes)}
	}

	ackFlagIndex := routeLength + 1
	if len(msgBytes) < ackFlagIndex+1 {
		return nil, fmt.Errorf("message too short, missing bytes for ack flag and message id length")
	}
	requireAck := msgBytes[ackFlagIndex] == 0x1

	messageIDLengthIndex := ackFlagIndex + 1
	messageIDLength := int(msgBytes[messageIDLengthIndex])
	if len(msgBytes) < ackFlagIndex+2+messageIDLength {
		return nil, fmt.Errorf("message too short, missing bytes for message id")
	}

	var messageID string
	if messageIDLength > 0 {
		messageID = string(msgBytes[messageIDLengthIndex+1 : messageIDLengthIndex+1+messageIDLength])
	}

	msg := &BinaryMessage{
		Route:      route,
		MessageID:  messageID,
		RequireAck: requireAck,
	}

	dataStartIndex := messageIDLengthIndex + 1 + messageIDLength
	if dataStartIndex < len(msgBytes) {
		msg.Payload = msgBytes[dataStartIndex:]
	}
	return msg, nil
}

// SerializeBinaryMessage encodes a binary message frame.
func SerializeBinaryMessage(msg *BinaryMessage) ([]byte, error) {
	var routeBytes []byte
	if msg.Route.IsReserved() {
		routeBytes = []byte{msg.Route.Reserved}
	} else {
		routeBytes = []byte(msg.Route.Custom)
	}
	if len(routeBytes) == 0 || len(routeBytes) > 255 {
		return nil, fmt.Errorf("route must be between 1 and 255 bytes long")
	}
	if len(msg.MessageID) > 255 {
		return nil, fmt.Errorf("message id must be at most 255 bytes long")
	}

	frame := make([]byte, 0, 3+len(routeBytes)+len(msg.MessageID)+len(msg.Payload))
	frame = append(frame, byte(len(routeBytes)))
	frame = append(frame, routeBytes...)
	if msg.RequireAck {
		frame = append(frame, 0x1)
	} else {
		frame = append(frame, 0x0)
	}
	frame = append(frame, byte(len(msg.MessageID)))
	frame = append(frame, msg.MessageID...)
	frame = append(frame, msg.Payload...)
	return frame, nil
}

// LostMessageData is the payload of a reserved message lost frame
// sent to clients when a message could not be delivered. The client
// is expected to resend the message.
type LostMessageData struct {
	MessageID string `json:"messageId"`
	Caller    string `json:"caller,omitempty"`
}

// AckMessageData is the payload of a reserved ack frame sent to a
// client when a message it sent has been acknowledged.
type AckMessageData struct {
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// MessageLostFrame builds a reserved message lost frame carrying the
// id of the lost message and, when known, the caller that sent it.
func MessageLostFrame(messageID, caller string) []byte {
	payload, _ := json.Marshal(LostMessageData{MessageID: messageID, Caller: caller})
	frame := []byte{0x1, RouteMessageLost, 0x0, 0x0}
	return append(frame, payload...)
}
