// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/celerity-framework/runtime/wsconn"
)

// Config holds local runtime API server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// WebSocketSender delivers messages to WebSocket connections held
// anywhere in the cluster.
type WebSocketSender interface {
	SendMessage(ctx context.Context, connectionID, messageID string, kind wsconn.MessageKind, payload string, sendCtx *wsconn.SendContext) error
}

// RuntimeConfig is served to the handlers process so it can discover
// which states it is expected to handle.
type RuntimeConfig struct {
	AppConfig RuntimeAppConfig `json:"appConfig"`
}

type RuntimeAppConfig struct {
	TracingEnabled bool                 `json:"tracingEnabled"`
	StateHandlers  []StateHandlerConfig `json:"state_handlers"`
}

type StateHandlerConfig struct {
	HandlerName    string `json:"handlerName"`
	HandlerTag     string `json:"handlerTag"`
	State          string `json:"state"`
	Timeout        int64  `json:"timeout"`
	TracingEnabled bool   `json:"tracingEnabled"`
}

// ResponseMessage is the generic message envelope for API responses.
type ResponseMessage struct {
	Message string `json:"message"`
}

// Server is the local runtime API. It is bound to the loopback
// interface and bridges the runtime with the handlers process.
type Server struct {
	config   Config
	queue    *EventQueue
	sender   WebSocketSender
	runtime  RuntimeConfig
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// New creates a local runtime API server. The sender may be nil when
// the application has no WebSocket surface.
func New(cfg Config, queue *EventQueue, sender WebSocketSender, runtime RuntimeConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		queue:   queue,
		sender:  sender,
		runtime: runtime,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events/next", s.handleNextEvent)
	mux.HandleFunc("/events/result", s.handleEventResult)
	mux.HandleFunc("/websockets/messages", s.handleWebSocketMessages)
	mux.HandleFunc("/runtime/config", s.handleRuntimeConfig)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address.
// Returns an empty string if the server hasn't started listening yet.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the local runtime API server and blocks until the
// context is cancelled or the server fails.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("starting local runtime API server", slog.String("address", s.listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("local runtime API server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("local runtime API server shutdown error", slog.Any("error", err))
			return err
		}

		s.logger.Info("local runtime API server stopped")
		return nil
	}
}

// handleNextEvent pops the next event in the runtime queue, or returns
// null when there is nothing to process.
func (s *Server) handleNextEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Debug("retrieving next event in the runtime queue")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	event, ok := s.queue.Next()
	if !ok {
		s.logger.Debug("no events in the queue, returning null")
		json.NewEncoder(w).Encode(nil)
		return
	}
	json.NewEncoder(w).Encode(event)
}

// handleEventResult routes a handler result back to the goroutine
// waiting on the event.
func (s *Server) handleEventResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var result EventResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid event result payload")
		return
	}

	if err := s.queue.Resolve(result); err != nil {
		if errors.Is(err, ErrEventNotFound) {
			writeMessage(w, http.StatusNotFound, "Event with provided ID was not found")
			return
		}
		writeMessage(w, http.StatusInternalServerError, "An unexpected error occurred")
		return
	}

	writeMessage(w, http.StatusOK, "The result has been successfully processed")
}

// WebSocketMessages is a batch of messages to deliver to connections.
type WebSocketMessages struct {
	Messages []WebSocketMessageEntry `json:"messages"`
}

type WebSocketMessageEntry struct {
	ConnectionID string `json:"connectionId"`
	Message      any    `json:"message"`
}

// handleWebSocketMessages delivers messages from the handlers process
// to WebSocket connections, wherever in the cluster they are held.
func (s *Server) handleWebSocketMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.sender == nil {
		writeMessage(w, http.StatusBadRequest, "WebSockets are not enabled for this application")
		return
	}

	var messages WebSocketMessages
	if err := json.NewDecoder(r.Body).Decode(&messages); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid messages payload")
		return
	}

	ctx := r.Context()
	for _, entry := range messages.Messages {
		payload, err := json.Marshal(entry.Message)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "Invalid messages payload")
			return
		}
		messageID := uuid.NewString()
		if err := s.sender.SendMessage(ctx, entry.ConnectionID, messageID, wsconn.MessageKindJson, string(payload), nil); err != nil {
			s.logger.Error("failed to send message to connection",
				slog.String("connection_id", entry.ConnectionID),
				slog.Any("error", err))
			writeMessage(w, http.StatusInternalServerError, "An unexpected error occurred")
			return
		}
	}

	writeMessage(w, http.StatusOK, "The messages have been sent")
}

// handleRuntimeConfig serves the runtime configuration the handlers
// process uses to register its state handlers.
func (s *Server) handleRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.runtime)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ResponseMessage{Message: message})
}
