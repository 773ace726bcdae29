// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides trace and request id helpers for the
// runtime. The AWS X-Ray format is used on the aws platform; other
// platforms fall back to plain random request ids.
package telemetry

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TraceID is a 128-bit trace identifier split into its high and low
// 64-bit halves. For X-Ray ids, the top 32 bits of High hold the epoch
// seconds at generation time.
type TraceID struct {
	High uint64
	Low  uint64
}

// NewXRayTraceID generates a trace id in the X-Ray layout: the first
// 32 bits are the given time as epoch seconds, the remaining 96 bits
// are random.
func NewXRayTraceID(now time.Time) TraceID {
	var buf [12]byte
	// crypto/rand.Read never returns an error on supported platforms.
	rand.Read(buf[:])

	high := uint64(now.Unix())<<32 | uint64(binary.BigEndian.Uint32(buf[0:4]))
	low := binary.BigEndian.Uint64(buf[4:12])
	return TraceID{High: high, Low: low}
}

// String renders the id in the X-Ray header form
// "1-<8 hex epoch seconds>-<24 hex unique>".
func (id TraceID) String() string {
	return fmt.Sprintf("1-%08x-%08x%016x", uint32(id.High>>32), uint32(id.High), id.Low)
}

// ParseXRayTraceID parses an id in the X-Ray header form back into its
// 128-bit value, validating shape and hex content.
func ParseXRayTraceID(s string) (TraceID, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 || parts[0] != "1" {
		return TraceID{}, fmt.Errorf("invalid xray trace id %q: expected 1-<epoch>-<unique>", s)
	}
	if len(parts[1]) != 8 || len(parts[2]) != 24 {
		return TraceID{}, fmt.Errorf("invalid xray trace id %q: epoch must be 8 hex chars and unique part 24", s)
	}

	raw, err := hex.DecodeString(parts[1] + parts[2])
	if err != nil {
		return TraceID{}, fmt.Errorf("invalid xray trace id %q: %w", s, err)
	}

	return TraceID{
		High: binary.BigEndian.Uint64(raw[0:8]),
		Low:  binary.BigEndian.Uint64(raw[8:16]),
	}, nil
}

// NewRequestID returns a random request id for platforms without a
// native trace id format.
func NewRequestID() string {
	return uuid.NewString()
}
