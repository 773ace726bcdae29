// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewXRayTraceIDFormat(t *testing.T) {
	now := time.Unix(0x65a1b2c3, 0)
	id := NewXRayTraceID(now)

	s := id.String()
	require.Len(t, s, 35)
	assert.Equal(t, "1-65a1b2c3-", s[:11])
}

func TestXRayTraceIDRoundTrip(t *testing.T) {
	id := NewXRayTraceID(time.Now())

	parsed, err := ParseXRayTraceID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseXRayTraceIDInvalid(t *testing.T) {
	cases := []string{
		"",
		"1-65a1b2c3",
		"2-65a1b2c3-0123456789abcdef01234567",
		"1-65a1b2-0123456789abcdef01234567",
		"1-65a1b2c3-0123456789abcdef",
		"1-65a1b2c3-0123456789abcdef0123456z",
	}
	for _, c := range cases {
		_, err := ParseXRayTraceID(c)
		assert.Error(t, err, "input %q", c)
	}
}

func TestNewRequestID(t *testing.T) {
	assert.NotEqual(t, NewRequestID(), NewRequestID())
}
