// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wsconn

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults for the ack worker.
const (
	// DefaultAckCheckIntervalMS is the interval at which to check for
	// actions based on ack statuses.
	DefaultAckCheckIntervalMS int64 = 10000
	// DefaultMessageTimeoutMS is how long to wait for an
	// acknowledgement before a message is considered for resending.
	DefaultMessageTimeoutMS int64 = 15000
	// DefaultMaxSendAttempts is the number of times a message is sent
	// before it is considered lost.
	DefaultMaxSendAttempts int64 = 4

	// ackWaitCheckInterval is the polling interval used when a caller
	// blocks waiting for the final acknowledgement status.
	ackWaitCheckInterval = 20 * time.Millisecond
)

// AckStatusKind is the acknowledgement state of a message sent to
// another node in the cluster.
type AckStatusKind int

const (
	// AckPending means the message has been sent but no
	// acknowledgement has been received yet.
	AckPending AckStatusKind = iota
	// AckReceived means the node holding the target connection
	// delivered the message.
	AckReceived
	// AckLost means no acknowledgement was received within the
	// allowed number of attempts.
	AckLost
)

// PendingMessage carries everything needed to resend a message or to
// inform clients when it is lost.
type PendingMessage struct {
	ConnectionID  string
	MessageType   MessageKind
	Message       string
	InformClients []string
	Caller        string
}

// ResendAction asks the registry to send a pending message again.
type ResendAction struct {
	MessageID string
	Pending   PendingMessage
}

// LostAction reports that a message is lost and which local clients
// should be informed.
type LostAction struct {
	MessageID     string
	InformClients []string
	Caller        string
}

// MessageAction is emitted by the ack worker sweep, exactly one field
// is set.
type MessageAction struct {
	Resend *ResendAction
	Lost   *LostAction
}

type ackRecord struct {
	status      AckStatusKind
	pending     PendingMessage
	attempts    int64
	lastAttempt time.Time
	receivedAt  time.Time
}

// AckWorkerConfig configures the ack worker. Zero values fall back to
// the defaults above.
type AckWorkerConfig struct {
	CheckIntervalMS  int64
	MessageTimeoutMS int64
	MaxSendAttempts  int64
}

// AckWorker tracks acknowledgements for messages broadcast to other
// nodes in a cluster. A periodic sweep emits resend actions for
// messages that have timed out and lost actions for messages that
// exhausted their attempts.
type AckWorker struct {
	checkInterval  time.Duration
	messageTimeout time.Duration
	maxAttempts    int64
	// receivedRetention is how long acknowledged records are kept for
	// duplicate suppression before the sweep evicts them.
	receivedRetention time.Duration
	logger            *slog.Logger
	now               func() time.Time

	mu   sync.Mutex
	acks map[string]*ackRecord

	actions chan MessageAction
}

func NewAckWorker(cfg AckWorkerConfig, logger *slog.Logger) *AckWorker {
	if cfg.CheckIntervalMS <= 0 {
		cfg.CheckIntervalMS = DefaultAckCheckIntervalMS
	}
	if cfg.MessageTimeoutMS <= 0 {
		cfg.MessageTimeoutMS = DefaultMessageTimeoutMS
	}
	if cfg.MaxSendAttempts <= 0 {
		cfg.MaxSendAttempts = DefaultMaxSendAttempts
	}
	messageTimeout := time.Duration(cfg.MessageTimeoutMS) * time.Millisecond
	return &AckWorker{
		checkInterval:  time.Duration(cfg.CheckIntervalMS) * time.Millisecond,
		messageTimeout: messageTimeout,
		maxAttempts:    cfg.MaxSendAttempts,
		// Keep acknowledged records for the whole resend window so
		// late duplicates are still recognized, then let them go.
		receivedRetention: messageTimeout * time.Duration(cfg.MaxSendAttempts),
		logger:            logger,
		now:               time.Now,
		acks:              make(map[string]*ackRecord),
		actions:           make(chan MessageAction, 1024),
	}
}

// Actions is the channel on which resend and lost actions are
// emitted. The registry consumes it while the worker runs.
func (w *AckWorker) Actions() <-chan MessageAction {
	return w.actions
}

// Start runs the periodic sweep until the context is cancelled.
func (w *AckWorker) Start(ctx context.Context) {
	w.logger.Info("starting ack worker for messages sent to other nodes in the cluster")
	go func() {
		ticker := time.NewTicker(w.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sweep(ctx)
			}
		}
	}()
}

// RecordPending marks a message as sent and awaiting acknowledgement.
// Attempts are only incremented for pending records so that a late
// Received status does not count as another send.
func (w *AckWorker) RecordPending(messageID string, pending PendingMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	record, ok := w.acks[messageID]
	if !ok {
		record = &ackRecord{}
		w.acks[messageID] = record
	}
	record.status = AckPending
	record.pending = pending
	record.attempts++
	record.lastAttempt = w.now()
}

// RecordReceived marks a message as acknowledged by the node holding
// the target connection.
func (w *AckWorker) RecordReceived(messageID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	record, ok := w.acks[messageID]
	if !ok {
		record = &ackRecord{}
		w.acks[messageID] = record
	}
	record.status = AckReceived
	record.receivedAt = w.now()
}

// Check returns the current status of a message. A message with no
// record is considered lost.
func (w *AckWorker) Check(messageID string) AckStatusKind {
	w.mu.Lock()
	defer w.mu.Unlock()
	record, ok := w.acks[messageID]
	if !ok {
		return AckLost
	}
	return record.status
}

// Wait blocks until the status of a message is no longer pending and
// returns the final status. A message whose record has been evicted
// is reported as lost.
func (w *AckWorker) Wait(ctx context.Context, messageID string) AckStatusKind {
	ticker := time.NewTicker(ackWaitCheckInterval)
	defer ticker.Stop()
	for {
		status := w.Check(messageID)
		if status != AckPending {
			return status
		}
		select {
		case <-ctx.Done():
			return AckLost
		case <-ticker.C:
		}
	}
}

func (w *AckWorker) sweep(ctx context.Context) {
	now := w.now()
	var actions []MessageAction

	w.mu.Lock()
	for messageID, record := range w.acks {
		if record.status == AckReceived {
			if now.Sub(record.receivedAt) > w.receivedRetention {
				delete(w.acks, messageID)
			}
			continue
		}
		if record.status != AckPending {
			continue
		}
		if now.Sub(record.lastAttempt) <= w.messageTimeout {
			continue
		}
		if record.attempts >= w.maxAttempts {
			actions = append(actions, MessageAction{Lost: &LostAction{
				MessageID:     messageID,
				InformClients: record.pending.InformClients,
				Caller:        record.pending.Caller,
			}})
		} else {
			actions = append(actions, MessageAction{Resend: &ResendAction{
				MessageID: messageID,
				Pending:   record.pending,
			}})
		}
	}
	w.mu.Unlock()

	for _, action := range actions {
		if action.Lost != nil {
			w.mu.Lock()
			delete(w.acks, action.Lost.MessageID)
			w.mu.Unlock()
		}
		select {
		case <-ctx.Done():
			return
		case w.actions <- action:
		}
	}
}
