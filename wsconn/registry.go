// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wsconn provides a registry for WebSocket connections that
// spans the nodes of a cluster. Messages addressed to a connection
// held on another node are forwarded over a pub/sub bus with
// per-message acknowledgements, bounded resend attempts and an
// explicit message lost notification protocol.
package wsconn

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Socket is the write side of a client connection. *websocket.Conn
// satisfies it.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
}

// Conn wraps a socket with a write mutex so that the registry, the
// inbound bus listener and the ack worker can all write to the same
// connection safely.
type Conn struct {
	mu     sync.Mutex
	socket Socket
}

func NewConn(socket Socket) *Conn {
	return &Conn{socket: socket}
}

// WriteText writes a text frame to the connection.
func (c *Conn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket.WriteMessage(websocket.TextMessage, data)
}

// WriteBinary writes a binary frame to the connection.
func (c *Conn) WriteBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket.WriteMessage(websocket.BinaryMessage, data)
}

// MessageLostError is returned by SendMessage when no acknowledgement
// was received for a message within the allowed number of attempts,
// or when the target connection cannot be reached at all.
type MessageLostError struct {
	MessageID string
}

func (e *MessageLostError) Error() string {
	return fmt.Sprintf("message %s was lost", e.MessageID)
}

// SendContext carries optional context for sending a message.
type SendContext struct {
	// Caller identifies the origin of the message. When the message
	// is considered lost, the caller is included in the message lost
	// events sent to the clients in InformClients.
	Caller string
	// WaitForAck blocks SendMessage until the message broadcast to
	// another node is acknowledged, returning a MessageLostError when
	// it is not. Only applies to messages forwarded over the bus.
	WaitForAck bool
	// InformClients lists connection ids of local clients that should
	// receive a message lost event if the message is lost. These
	// clients are informed regardless of the WaitForAck flag.
	InformClients []string
}

// Config configures a connection registry.
type Config struct {
	// ServerNodeName identifies this node as the source of messages
	// broadcast to the rest of the cluster.
	ServerNodeName string
	AckWorker      AckWorkerConfig
}

// Registry holds the WebSocket connections on the local node and
// routes messages to connections held elsewhere in the cluster via
// the broadcaster.
type Registry struct {
	serverNodeName string
	logger         *slog.Logger

	mu          sync.RWMutex
	connections map[string]*Conn

	// broadcaster forwards messages to the rest of the cluster,
	// typically the send side of a pub/sub adapter. Nil for a single
	// node deployment.
	broadcaster chan<- Message
	ackWorker   *AckWorker
}

func NewRegistry(cfg Config, broadcaster chan<- Message, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		serverNodeName: cfg.ServerNodeName,
		logger:         logger,
		connections:    make(map[string]*Conn),
		broadcaster:    broadcaster,
	}
	if broadcaster != nil {
		// The resilience the ack worker provides is only needed when
		// messages are broadcast to other nodes.
		r.ackWorker = NewAckWorker(cfg.AckWorker, logger)
	}
	return r
}

// StartAckWorker starts the ack worker and the goroutine that acts on
// its resend and lost actions. Must be called before Listen and any
// SendMessage calls when the node is part of a cluster.
func (r *Registry) StartAckWorker(ctx context.Context) {
	if r.ackWorker == nil {
		return
	}
	r.ackWorker.Start(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case action := <-r.ackWorker.Actions():
				r.handleAckAction(ctx, action)
			}
		}
	}()
}

func (r *Registry) handleAckAction(ctx context.Context, action MessageAction) {
	switch {
	case action.Resend != nil:
		resend := action.Resend
		err := r.SendMessage(ctx, resend.Pending.ConnectionID, resend.MessageID,
			resend.Pending.MessageType, resend.Pending.Message, &SendContext{
				Caller:        resend.Pending.Caller,
				InformClients: resend.Pending.InformClients,
			})
		if err != nil {
			r.logger.Debug("failed to resend message to client",
				slog.String("connection_id", resend.Pending.ConnectionID),
				slog.String("message_id", resend.MessageID),
				slog.Any("error", err))
		}
	case action.Lost != nil:
		r.informClientsOfLoss(action.Lost.MessageID, action.Lost.Caller, action.Lost.InformClients)
	}
}

// informClientsOfLoss sends a message lost event to each listed
// client that is connected to the current node.
func (r *Registry) informClientsOfLoss(messageID, caller string, informClients []string) {
	for _, clientID := range informClients {
		conn := r.GetConnection(clientID)
		if conn == nil {
			continue
		}
		r.logger.Debug("sending message lost event to connection",
			slog.String("connection_id", clientID),
			slog.String("message_id", messageID))
		if err := conn.WriteBinary(MessageLostFrame(messageID, caller)); err != nil {
			r.logger.Error("failed to send message lost event to connection",
				slog.String("connection_id", clientID),
				slog.Any("error", err))
		}
	}
}

// Listen consumes messages broadcast by other nodes in the cluster.
// Inbound messages for locally held connections are delivered and
// acknowledged back to their source node; inbound acknowledgements
// for messages this node sent are recorded with the ack worker.
func (r *Registry) Listen(ctx context.Context, listener <-chan Message) {
	go func() {
		r.logger.Info("listening for messages from other nodes in the cluster")
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-listener:
				if !ok {
					return
				}
				r.handleInbound(ctx, msg)
			}
		}
	}()
}

func (r *Registry) handleInbound(ctx context.Context, msg Message) {
	switch {
	case msg.WebSocket != nil:
		r.handleInboundWebSocket(ctx, msg.WebSocket)
	case msg.Ack != nil:
		r.logger.Debug("received acknowledgement for message from other node",
			slog.String("message_id", msg.Ack.MessageID))
		if r.ackWorker != nil {
			r.ackWorker.RecordReceived(msg.Ack.MessageID)
		}
	}
}

func (r *Registry) handleInboundWebSocket(ctx context.Context, wsMsg *WebSocketMessage) {
	r.logger.Debug("received message from other node",
		slog.String("connection_id", wsMsg.ConnectionID))

	if r.ackWorker != nil && r.ackWorker.Check(wsMsg.MessageID) == AckReceived {
		r.logger.Info("already received acknowledgement for message from other node, skipping duplicate message",
			slog.String("message_id", wsMsg.MessageID))
		return
	}

	conn := r.GetConnection(wsMsg.ConnectionID)
	if conn == nil {
		return
	}

	if err := r.deliverLocal(conn, wsMsg.MessageType, wsMsg.Message); err != nil {
		r.logger.Error("failed to send message to websocket connection",
			slog.String("connection_id", wsMsg.ConnectionID),
			slog.Any("error", err))
	}

	if r.broadcaster != nil {
		ack := Message{Ack: &AckMessage{
			MessageNode: wsMsg.SourceNode,
			MessageID:   wsMsg.MessageID,
		}}
		select {
		case <-ctx.Done():
		case r.broadcaster <- ack:
		}
	}
}

// AcknowledgeMessage records a client acknowledgement for a message
// previously sent with the ack flag set. No-op outside a cluster.
func (r *Registry) AcknowledgeMessage(messageID string) {
	if r.ackWorker != nil {
		r.ackWorker.RecordReceived(messageID)
	}
}

// AddConnection registers a connection held on the local node. Peers
// discover non-locality by absence, no cross-node registration
// happens.
func (r *Registry) AddConnection(connectionID string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[connectionID] = conn
}

// RemoveConnection removes a local connection.
func (r *Registry) RemoveConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, connectionID)
}

// GetConnection returns the local connection with the given id, nil
// when the connection is not held on this node.
func (r *Registry) GetConnection(connectionID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connections[connectionID]
}

// Connections returns a snapshot of the local connections.
func (r *Registry) Connections() map[string]*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make(map[string]*Conn, len(r.connections))
	for id, conn := range r.connections {
		snapshot[id] = conn
	}
	return snapshot
}

// SendMessage sends a message to a connection that may be held on the
// local node or on another node in the cluster.
//
// When the connection is not local the message is broadcast to the
// rest of the cluster and the node holding the connection is expected
// to acknowledge delivery. Unacknowledged messages are resent until an
// acknowledgement arrives or the maximum number of attempts is
// reached, after which the message is considered lost and the clients
// in ctx.InformClients are informed. Callers that set ctx.WaitForAck
// block for the outcome and receive a MessageLostError on loss.
func (r *Registry) SendMessage(ctx context.Context, connectionID, messageID string, kind MessageKind, payload string, sendCtx *SendContext) error {
	if sendCtx == nil {
		sendCtx = &SendContext{}
	}

	if conn := r.GetConnection(connectionID); conn != nil {
		r.logger.Debug("sending message to connection",
			slog.String("connection_id", connectionID))
		return r.deliverLocal(conn, kind, payload)
	}

	if r.broadcaster == nil {
		// Not a cluster, the connection is simply gone.
		r.informClientsOfLoss(messageID, sendCtx.Caller, sendCtx.InformClients)
		return &MessageLostError{MessageID: messageID}
	}

	r.logger.Debug("connection not found locally, preparing to send message to broadcaster",
		slog.String("connection_id", connectionID))

	// Every forwarded send records a pending ack, resends included, so
	// the attempt count advances until the ack arrives or the message
	// is declared lost.
	if r.ackWorker != nil {
		r.ackWorker.RecordPending(messageID, PendingMessage{
			ConnectionID:  connectionID,
			MessageType:   kind,
			Message:       payload,
			InformClients: sendCtx.InformClients,
			Caller:        sendCtx.Caller,
		})
	}

	outbound := Message{WebSocket: &WebSocketMessage{
		ConnectionID:        connectionID,
		MessageID:           messageID,
		SourceNode:          r.serverNodeName,
		MessageType:         kind,
		Message:             payload,
		InformClientsOnLoss: sendCtx.InformClients,
	}}
	if sendCtx.Caller != "" {
		outbound.WebSocket.Caller = &sendCtx.Caller
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r.broadcaster <- outbound:
	}

	if sendCtx.WaitForAck && r.ackWorker != nil {
		if r.ackWorker.Wait(ctx, messageID) != AckReceived {
			return &MessageLostError{MessageID: messageID}
		}
	}
	return nil
}

// deliverLocal writes the payload to a local connection, text frames
// for json payloads and decoded binary frames for base64-encoded
// binary payloads.
func (r *Registry) deliverLocal(conn *Conn, kind MessageKind, payload string) error {
	if kind == MessageKindBinary {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return fmt.Errorf("decode base64 binary payload: %w", err)
		}
		return conn.WriteBinary(data)
	}
	return conn.WriteText([]byte(payload))
}
