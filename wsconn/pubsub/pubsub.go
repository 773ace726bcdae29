// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pubsub connects a WebSocket connection registry to a Redis
// pub/sub channel so that messages and acknowledgements can be shared
// between the nodes of a cluster.
package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/celerity-framework/runtime/wsconn"
)

const channelCapacity = 1024

// Config holds the Redis connection settings for the pub/sub channel.
type Config struct {
	// ServerNodeName identifies the current node, primarily used to
	// drop this node's own publishes when they echo back on the
	// subscription.
	ServerNodeName string
	ChannelName    string
	Nodes          []string
	Password       string
	ClusterMode    bool
}

// envelope wraps every published message with the node it came from.
type envelope struct {
	SourceNode string        `json:"source_node"`
	Message    wsconn.Message `json:"message"`
}

// Connect subscribes to the configured Redis channel and returns a
// sender for broadcasting messages to the rest of the cluster and a
// receiver for messages broadcast by other nodes.
//
// Both messages and acknowledgements travel on the same channel, the
// registry consuming the receiver is responsible for acting on
// acknowledgements. Acknowledgements for messages that did not
// originate on this node are dropped here. When cluster mode is
// disabled only the first node in the list is used.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (chan<- wsconn.Message, <-chan wsconn.Message, error) {
	addrs := cfg.Nodes
	if !cfg.ClusterMode && len(addrs) > 1 {
		addrs = addrs[:1]
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: cfg.Password,
	})

	sub := client.Subscribe(ctx, cfg.ChannelName)
	// Force the subscription before any publish can race it.
	if _, err := sub.Receive(ctx); err != nil {
		client.Close()
		return nil, nil, err
	}

	outbound := make(chan wsconn.Message, channelCapacity)
	inbound := make(chan wsconn.Message, channelCapacity)

	go func() {
		defer sub.Close()
		defer client.Close()

		subCh := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case redisMsg, ok := <-subCh:
				if !ok {
					return
				}
				forwardInbound(ctx, cfg, logger, redisMsg.Payload, inbound)
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				publish(ctx, cfg, logger, client, msg)
			}
		}
	}()

	return outbound, inbound, nil
}

func forwardInbound(ctx context.Context, cfg Config, logger *slog.Logger, payload string, inbound chan<- wsconn.Message) {
	logger.Debug("received message from redis channel",
		slog.String("channel", cfg.ChannelName))

	var wrapped envelope
	if err := json.Unmarshal([]byte(payload), &wrapped); err != nil {
		logger.Error("error parsing message from redis channel",
			slog.String("channel", cfg.ChannelName),
			slog.Any("error", err))
		return
	}

	if wrapped.SourceNode == cfg.ServerNodeName {
		// This node's own publish echoing back on the subscription.
		return
	}
	if wrapped.Message.Ack != nil && wrapped.Message.Ack.MessageNode != cfg.ServerNodeName {
		// Acknowledgements for messages sent by other nodes.
		return
	}

	select {
	case <-ctx.Done():
	case inbound <- wrapped.Message:
	}
}

func publish(ctx context.Context, cfg Config, logger *slog.Logger, client redis.UniversalClient, msg wsconn.Message) {
	logger.Debug("received message to forward to channel",
		slog.String("channel", cfg.ChannelName))

	wrapped := envelope{SourceNode: cfg.ServerNodeName, Message: msg}
	wrappedJSON, err := json.Marshal(wrapped)
	if err != nil {
		logger.Error("error serializing message to json", slog.Any("error", err))
		return
	}

	if err := client.Publish(ctx, cfg.ChannelName, wrappedJSON).Err(); err != nil {
		logger.Error("error publishing message to channel", slog.Any("error", err))
	}
}
