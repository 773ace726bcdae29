// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retry provides the exponential backoff wait-time math shared
// by the workflow engine and the stream consumers.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Config describes a retry policy. Zero-valued fields fall back to the
// defaults passed to WaitTimeMS.
type Config struct {
	// IntervalSeconds is the base wait before the first retry.
	IntervalSeconds float64
	// BackoffRate multiplies the interval per attempt.
	BackoffRate float64
	// MaxDelaySeconds caps the computed wait; 0 means no cap.
	MaxDelaySeconds int64
	// Jitter spreads the wait uniformly over [0, computed).
	Jitter bool
}

// WaitTimeMS calculates the wait in milliseconds before the given retry
// attempt (starting at 0) using exponential backoff, optionally with
// full jitter.
// See: https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
func WaitTimeMS(cfg Config, attempt int64, defaultIntervalSeconds, defaultBackoffRate float64) uint64 {
	interval := cfg.IntervalSeconds
	if interval == 0 {
		interval = defaultIntervalSeconds
	}
	// Interval is configured in seconds, converted to milliseconds for
	// millisecond precision with fractional backoff rates.
	intervalMS := interval * 1000.0

	multiplier := cfg.BackoffRate
	if multiplier == 0 {
		multiplier = defaultBackoffRate
	}

	computed := intervalMS * math.Pow(multiplier, float64(attempt))
	if cfg.MaxDelaySeconds > 0 {
		computed = math.Min(computed, float64(cfg.MaxDelaySeconds)*1000.0)
	}

	if cfg.Jitter {
		return uint64(math.Trunc(rand.Float64() * computed))
	}
	return uint64(math.Trunc(computed))
}

// AsFractionalSeconds converts a duration to fractional seconds with
// millisecond precision.
func AsFractionalSeconds(d time.Duration) float64 {
	return float64(d.Milliseconds()) / 1000.0
}
