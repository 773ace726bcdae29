// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redisstream

import (
	"fmt"
	"strings"

	"github.com/celerity-framework/runtime/core"
)

// BatchFailure identifies one message of a batch that failed to
// process, with the reason and the retries attempted so far.
type BatchFailure struct {
	MessageID        string
	Reason           string
	RetriesAttempted int64
}

// PartialBatchError reports that only some messages of a batch failed.
// Handlers return it so the consumer retries the failed subset rather
// than the whole batch.
type PartialBatchError struct {
	Failures []BatchFailure
}

func (e *PartialBatchError) Error() string {
	ids := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		ids[i] = f.MessageID
	}
	return fmt.Sprintf("failed to process messages: %s", strings.Join(ids, ", "))
}

func failuresFromMessages(msgs []*core.Message[Metadata], reason string, retriesAttempted int64) []BatchFailure {
	failures := make([]BatchFailure, len(msgs))
	for i, msg := range msgs {
		failures[i] = BatchFailure{
			MessageID:        msg.MessageID,
			Reason:           reason,
			RetriesAttempted: retriesAttempted,
		}
	}
	return failures
}

func failureMap(failures []BatchFailure) map[string]BatchFailure {
	m := make(map[string]BatchFailure, len(failures))
	for _, f := range failures {
		m[f.MessageID] = f
	}
	return m
}

// keepFailedMessages narrows msgs to those named in failures,
// preserving order.
func keepFailedMessages(msgs []*core.Message[Metadata], failures []BatchFailure) []*core.Message[Metadata] {
	failed := failureMap(failures)
	kept := msgs[:0:0]
	for _, msg := range msgs {
		if _, ok := failed[msg.MessageID]; ok {
			kept = append(kept, msg)
		}
	}
	return kept
}

func withRetriesAttempted(failures []BatchFailure, retriesAttempted int64) []BatchFailure {
	updated := make([]BatchFailure, len(failures))
	for i, f := range failures {
		updated[i] = BatchFailure{
			MessageID:        f.MessageID,
			Reason:           f.Reason,
			RetriesAttempted: retriesAttempted,
		}
	}
	return updated
}
