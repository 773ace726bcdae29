// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package core holds the shared message and handler types used by the
// queue consumer framework and the workflow engine.
package core

// Message is a single message received from a queue or stream source.
// The metadata type parameter carries source-specific attributes such as
// message attributes or Redis stream entry fields.
//
// Binary payloads are base64-encoded at this boundary; the metadata
// indicates the original payload type.
type Message[M any] struct {
	// MessageID is unique within the message source.
	MessageID string

	// Body is the UTF-8 text body of the message. Binary bodies are
	// base64-encoded before being stored here.
	Body *string

	// MD5OfBody is the hex MD5 digest of the body, when the source
	// provides one.
	MD5OfBody *string

	Metadata M

	// TraceContext carries trace propagation headers extracted from the
	// message, when present.
	TraceContext map[string]string
}

// MessageHandle is the pair of identifiers needed to acknowledge or
// extend a message on its source. The consumer owns handles and hands
// them to the lease extender for the duration of processing.
type MessageHandle struct {
	MessageID     string
	ReceiptHandle string
}
