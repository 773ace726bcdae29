// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wsconn

import (
	"encoding/json"
	"fmt"
)

// MessageKind indicates how a payload carried between cluster nodes
// should be delivered to the target connection.
type MessageKind string

const (
	// MessageKindJson payloads are delivered as text frames.
	MessageKindJson MessageKind = "json"
	// MessageKindBinary payloads are base64-encoded strings on the bus
	// and decoded before delivery as binary frames.
	MessageKindBinary MessageKind = "binary"
)

// WebSocketMessage is a message destined for a connection that may be
// held on another node in the cluster.
type WebSocketMessage struct {
	ConnectionID        string      `json:"connectionId"`
	MessageID           string      `json:"messageId"`
	SourceNode          string      `json:"sourceNode"`
	MessageType         MessageKind `json:"messageType"`
	Message             string      `json:"message"`
	InformClientsOnLoss []string    `json:"informClientsOnLoss,omitempty"`
	Caller              *string     `json:"caller,omitempty"`
}

// AckMessage confirms that the node holding a connection delivered a
// message that originated on message_node.
type AckMessage struct {
	MessageNode string `json:"message_node"`
	MessageID   string `json:"message_id"`
}

// Message is the envelope exchanged between nodes over the cluster
// bus, either a WebSocket message or an acknowledgement.
type Message struct {
	WebSocket *WebSocketMessage
	Ack       *AckMessage
}

type ackEnvelope struct {
	Type        string `json:"type"`
	MessageNode string `json:"message_node"`
	MessageID   string `json:"message_id"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	if m.Ack != nil {
		return json.Marshal(ackEnvelope{
			Type:        "Ack",
			MessageNode: m.Ack.MessageNode,
			MessageID:   m.Ack.MessageID,
		})
	}
	if m.WebSocket != nil {
		return json.Marshal(m.WebSocket)
	}
	return nil, fmt.Errorf("message must contain a websocket message or an ack")
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Type == "Ack" {
		var envelope ackEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			return err
		}
		m.Ack = &AckMessage{
			MessageNode: envelope.MessageNode,
			MessageID:   envelope.MessageID,
		}
		m.WebSocket = nil
		return nil
	}

	var wsMsg WebSocketMessage
	if err := json.Unmarshal(data, &wsMsg); err != nil {
		return err
	}
	m.WebSocket = &wsMsg
	m.Ack = nil
	return nil
}
