// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket serves the public WebSocket API. Accepted
// connections are registered in the cluster connection registry;
// reserved protocol frames (ping, ack) are handled here and
// application messages are handed to the configured handler.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/celerity-framework/runtime/wsconn"
)

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
}

// Handler receives client messages that are not reserved protocol
// frames. Text frames are delivered with an empty route.
type Handler interface {
	HandleMessage(ctx context.Context, connectionID, route string, payload []byte) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, connectionID, route string, payload []byte) error

func (f HandlerFunc) HandleMessage(ctx context.Context, connectionID, route string, payload []byte) error {
	return f(ctx, connectionID, route, payload)
}

type Server struct {
	config   Config
	registry *wsconn.Registry
	handler  Handler
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
}

func New(cfg Config, registry *wsconn.Registry, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Path == "" {
		cfg.Path = "/ws"
	}

	s := &Server{
		config:   cfg,
		registry: registry,
		handler:  handler,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
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

// Listen starts the WebSocket server and blocks until the context is
// cancelled or the server fails.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("starting websocket server",
		slog.String("address", s.listener.Addr().String()),
		slog.String("path", s.config.Path))

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
		s.logger.Info("websocket server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket server shutdown error", slog.Any("error", err))
			return err
		}

		s.logger.Info("websocket server stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	connectionID := uuid.NewString()
	conn := wsconn.NewConn(ws)
	s.registry.AddConnection(connectionID, conn)
	s.logger.Debug("websocket connection accepted",
		slog.String("connection_id", connectionID),
		slog.String("remote_addr", r.RemoteAddr))

	defer func() {
		s.registry.RemoveConnection(connectionID)
		ws.Close()
		s.logger.Debug("websocket connection closed",
			slog.String("connection_id", connectionID))
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read error",
					slog.String("connection_id", connectionID),
					slog.Any("error", err))
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			s.handleBinaryFrame(r.Context(), connectionID, conn, data)
		case websocket.TextMessage:
			s.dispatch(r.Context(), connectionID, "", data)
		}
	}
}

// handleBinaryFrame decodes a binary frame and acts on reserved
// routes; custom routes go to the application handler. A malformed
// frame fails on its own without affecting the connection.
func (s *Server) handleBinaryFrame(ctx context.Context, connectionID string, conn *wsconn.Conn, data []byte) {
	msg, err := wsconn.ParseBinaryMessage(data)
	if err != nil {
		s.logger.Warn("malformed binary message frame",
			slog.String("connection_id", connectionID),
			slog.Any("error", err))
		return
	}

	if msg.Route.IsReserved() {
		switch msg.Route.Reserved {
		case wsconn.RoutePing:
			s.writeReserved(connectionID, conn, &wsconn.BinaryMessage{
				Route:     wsconn.BinaryRoute{Reserved: wsconn.RoutePong},
				MessageID: msg.MessageID,
			})
		case wsconn.RouteAck:
			s.registry.AcknowledgeMessage(msg.MessageID)
		default:
			s.logger.Debug("ignoring reserved route from client",
				slog.String("connection_id", connectionID),
				slog.Int("route", int(msg.Route.Reserved)))
		}
		return
	}

	s.dispatch(ctx, connectionID, msg.Route.Custom, msg.Payload)

	if msg.RequireAck {
		payload, _ := json.Marshal(wsconn.AckMessageData{
			MessageID: msg.MessageID,
			Timestamp: time.Now().Unix(),
		})
		s.writeReserved(connectionID, conn, &wsconn.BinaryMessage{
			Route:     wsconn.BinaryRoute{Reserved: wsconn.RouteAck},
			MessageID: msg.MessageID,
			Payload:   payload,
		})
	}
}

func (s *Server) dispatch(ctx context.Context, connectionID, route string, payload []byte) {
	if s.handler == nil {
		return
	}
	if err := s.handler.HandleMessage(ctx, connectionID, route, payload); err != nil {
		s.logger.Error("websocket message handler failed",
			slog.String("connection_id", connectionID),
			slog.String("route", route),
			slog.Any("error", err))
	}
}

func (s *Server) writeReserved(connectionID string, conn *wsconn.Conn, msg *wsconn.BinaryMessage) {
	frame, err := wsconn.SerializeBinaryMessage(msg)
	if err != nil {
		s.logger.Error("failed to serialize reserved frame", slog.Any("error", err))
		return
	}
	if err := conn.WriteBinary(frame); err != nil {
		s.logger.Warn("failed to write reserved frame",
			slog.String("connection_id", connectionID),
			slog.Any("error", err))
	}
}
