// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"fmt"
)

// Handler processes messages dispatched by a consumer. When a received
// batch has exactly one message, consumers call Handle; otherwise they
// call HandleBatch.
type Handler[M any] interface {
	Handle(ctx context.Context, msg *Message[M]) error
	HandleBatch(ctx context.Context, msgs []*Message[M]) error
}

// HandlerFunc adapts a function to the Handler interface. HandleBatch
// invokes the function once per message and stops at the first error.
type HandlerFunc[M any] func(ctx context.Context, msg *Message[M]) error

func (f HandlerFunc[M]) Handle(ctx context.Context, msg *Message[M]) error {
	return f(ctx, msg)
}

func (f HandlerFunc[M]) HandleBatch(ctx context.Context, msgs []*Message[M]) error {
	for _, msg := range msgs {
		if err := f(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// RouteResolver extracts a route key from a message. Returning an empty
// string routes the message to the default handler.
type RouteResolver[M any] func(msg *Message[M]) (string, error)

// RoutedHandler dispatches messages to sub-handlers keyed by a route
// extracted from each message. A default handler, when set, receives
// messages whose route has no registered sub-handler.
type RoutedHandler[M any] struct {
	resolve        RouteResolver[M]
	routes         map[string]Handler[M]
	defaultHandler Handler[M]
}

// NewRoutedHandler creates a routed handler with no routes registered.
func NewRoutedHandler[M any](resolve RouteResolver[M]) *RoutedHandler[M] {
	return &RoutedHandler[M]{
		resolve: resolve,
		routes:  make(map[string]Handler[M]),
	}
}

// AddRoute registers a sub-handler for the given route key.
func (r *RoutedHandler[M]) AddRoute(route string, handler Handler[M]) {
	r.routes[route] = handler
}

// SetDefault registers the handler for messages with no matching route.
func (r *RoutedHandler[M]) SetDefault(handler Handler[M]) {
	r.defaultHandler = handler
}

func (r *RoutedHandler[M]) handlerFor(msg *Message[M]) (Handler[M], error) {
	route, err := r.resolve(msg)
	if err != nil {
		return nil, fmt.Errorf("resolve route for message %s: %w", msg.MessageID, err)
	}
	if handler, ok := r.routes[route]; ok {
		return handler, nil
	}
	if r.defaultHandler != nil {
		return r.defaultHandler, nil
	}
	return nil, fmt.Errorf("no handler registered for route %q", route)
}

func (r *RoutedHandler[M]) Handle(ctx context.Context, msg *Message[M]) error {
	handler, err := r.handlerFor(msg)
	if err != nil {
		return err
	}
	return handler.Handle(ctx, msg)
}

// HandleBatch routes each message independently; the first routing or
// handler error stops the batch.
func (r *RoutedHandler[M]) HandleBatch(ctx context.Context, msgs []*Message[M]) error {
	for _, msg := range msgs {
		handler, err := r.handlerFor(msg)
		if err != nil {
			return err
		}
		if err := handler.Handle(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}
