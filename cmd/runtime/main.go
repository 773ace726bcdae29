// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/celerity-framework/runtime/config"
	"github.com/celerity-framework/runtime/core"
	"github.com/celerity-framework/runtime/messaging/consumer"
	"github.com/celerity-framework/runtime/messaging/redisstream"
	"github.com/celerity-framework/runtime/messaging/sqsstyle"
	"github.com/celerity-framework/runtime/server"
	"github.com/celerity-framework/runtime/server/health"
	"github.com/celerity-framework/runtime/server/websocket"
	"github.com/celerity-framework/runtime/telemetry"
	"github.com/celerity-framework/runtime/workflow"
	"github.com/celerity-framework/runtime/wsconn"
	"github.com/celerity-framework/runtime/wsconn/pubsub"
)

// blueprint is the application definition loaded from the blueprint
// path: the workflow spec plus the state handler bindings.
type blueprint struct {
	Workflow      *workflow.Spec    `yaml:"workflow"`
	StateHandlers []stateHandlerDef `yaml:"state_handlers"`
}

type stateHandlerDef struct {
	Name           string `yaml:"name"`
	State          string `yaml:"state"`
	Timeout        int64  `yaml:"timeout"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
}

func loadBlueprint(path string) (*blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blueprint %q: %w", path, err)
	}
	var bp blueprint
	if err := yaml.Unmarshal(data, &bp); err != nil {
		return nil, fmt.Errorf("parse blueprint %q: %w", path, err)
	}
	return &bp, nil
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting runtime", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"service_name", cfg.Runtime.ServiceName,
		"node_name", cfg.Runtime.NodeName,
		"call_mode", cfg.Runtime.CallMode,
		"platform", cfg.Runtime.Platform,
		"queue_consumers", len(cfg.Consumers),
		"stream_consumers", len(cfg.Redis.Streams),
		"log_level", cfg.Log.Level)

	var bp *blueprint
	if cfg.Runtime.BlueprintPath != "" {
		bp, err = loadBlueprint(cfg.Runtime.BlueprintPath)
		if err != nil {
			slog.Error("Failed to load application blueprint", "error", err)
			os.Exit(1)
		}
	}

	var redisClient redis.UniversalClient
	if len(cfg.Redis.Nodes) > 0 {
		if cfg.Redis.ClusterMode {
			redisClient = redis.NewClusterClient(&redis.ClusterOptions{
				Addrs:    cfg.Redis.Nodes,
				Password: cfg.Redis.Password,
			})
		} else {
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Nodes[0],
				Password: cfg.Redis.Password,
			})
		}
		defer redisClient.Close()
		slog.Info("Redis client initialized",
			"nodes", len(cfg.Redis.Nodes),
			"cluster_mode", cfg.Redis.ClusterMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cluster bus for WebSocket message fan-out. Without Redis the
	// registry still serves local connections.
	var (
		outbound chan<- wsconn.Message
		inbound  <-chan wsconn.Message
	)
	if redisClient != nil && cfg.WS.PubSubChannel != "" {
		outbound, inbound, err = pubsub.Connect(ctx, pubsub.Config{
			ServerNodeName: cfg.Runtime.NodeName,
			ChannelName:    cfg.WS.PubSubChannel,
			Nodes:          cfg.Redis.Nodes,
			Password:       cfg.Redis.Password,
			ClusterMode:    cfg.Redis.ClusterMode,
		}, logger)
		if err != nil {
			slog.Error("Failed to connect cluster pub/sub", "error", err)
			os.Exit(1)
		}
		slog.Info("Cluster pub/sub connected", "channel", cfg.WS.PubSubChannel)
	}

	registry := wsconn.NewRegistry(wsconn.Config{
		ServerNodeName: cfg.Runtime.NodeName,
		AckWorker: wsconn.AckWorkerConfig{
			CheckIntervalMS:  cfg.WS.AckCheckIntervalMS,
			MessageTimeoutMS: cfg.WS.MessageTimeoutMS,
			MaxSendAttempts:  cfg.WS.MaxSendAttempts,
		},
	}, outbound, logger)
	if outbound != nil {
		registry.StartAckWorker(ctx)
		go registry.Listen(ctx, inbound)
	}

	executionStore := workflow.NewMemoryStore()
	events := workflow.NewBroadcaster(cfg.Workflow.EventChannelCapacity)

	var engine *workflow.Engine
	if bp != nil && bp.Workflow != nil {
		engine = workflow.NewEngine(bp.Workflow, executionStore, events, logger)
		slog.Info("Workflow engine initialized",
			"start_at", bp.Workflow.StartAt,
			"states", len(bp.Workflow.States))
	}

	eventQueue := server.NewEventQueue()
	if engine != nil && cfg.Runtime.CallMode == "http" {
		for _, def := range bp.StateHandlers {
			engine.RegisterHandler(def.State, eventQueue.Handler("state::"+def.State))
			slog.Info("Registered state handler",
				"handler", def.Name,
				"state", def.State)
		}
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 10)

	if cfg.Runtime.CallMode == "http" {
		host := "0.0.0.0"
		if cfg.Runtime.ServerLoopbackOnly {
			host = "127.0.0.1"
		}

		var stateHandlers []server.StateHandlerConfig
		if bp != nil {
			for _, def := range bp.StateHandlers {
				stateHandlers = append(stateHandlers, server.StateHandlerConfig{
					HandlerName:    def.Name,
					HandlerTag:     "state::" + def.State,
					State:          def.State,
					Timeout:        def.Timeout,
					TracingEnabled: def.TracingEnabled,
				})
			}
		}

		apiServer := server.New(server.Config{
			Address:         fmt.Sprintf("%s:%d", host, cfg.Runtime.LocalAPIPort),
			ShutdownTimeout: 10 * time.Second,
		}, eventQueue, registry, server.RuntimeConfig{
			AppConfig: server.RuntimeAppConfig{
				TracingEnabled: true,
				StateHandlers:  stateHandlers,
			},
		}, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Runtime.ServerPort > 0 {
		host := "0.0.0.0"
		if cfg.Runtime.ServerLoopbackOnly {
			host = "127.0.0.1"
		}

		// Inbound WebSocket messages become events for the handlers
		// process, tagged with the route they arrived on.
		wsHandler := websocket.HandlerFunc(func(ctx context.Context, connectionID, route string, payload []byte) error {
			var data any
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &data); err != nil {
					return fmt.Errorf("parse websocket message: %w", err)
				}
			}
			_, err := eventQueue.Dispatch(ctx, server.EventData{
				ID:         uuid.NewString(),
				Type:       "websocketMessage",
				HandlerTag: "route::" + route,
				Timestamp:  time.Now().Unix(),
				Data: map[string]any{
					"connectionId": connectionID,
					"message":      data,
				},
			})
			return err
		})

		wsServer := websocket.New(websocket.Config{
			Address:         fmt.Sprintf("%s:%d", host, cfg.Runtime.ServerPort),
			ShutdownTimeout: 10 * time.Second,
		}, registry, wsHandler, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := wsServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Runtime.HealthPort > 0 {
		healthServer := health.New(health.Config{
			Address:         fmt.Sprintf("0.0.0.0:%d", cfg.Runtime.HealthPort),
			NodeName:        cfg.Runtime.NodeName,
			ShutdownTimeout: 10 * time.Second,
		}, registry, executionStore, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	// Each consumed message starts a workflow execution with the message
	// body as input, tagged with the incoming trace id or a fresh one.
	traceID := func(traceCtx map[string]string) string {
		if id, ok := traceCtx["trace_id"]; ok && id != "" {
			return id
		}
		if cfg.Runtime.Platform == "aws" {
			return telemetry.NewXRayTraceID(time.Now()).String()
		}
		return telemetry.NewRequestID()
	}
	startExecution := func(ctx context.Context, body *string, traceCtx map[string]string) error {
		if engine == nil {
			return fmt.Errorf("no workflow configured for consumed message")
		}
		var input any
		if body != nil {
			if err := json.Unmarshal([]byte(*body), &input); err != nil {
				return fmt.Errorf("parse message body: %w", err)
			}
		}
		trace := traceID(traceCtx)
		execution, err := engine.Execute(ctx, "", input)
		if err != nil {
			return err
		}
		if execution.Status == workflow.StatusFailed {
			return fmt.Errorf("workflow execution %s failed: %s", execution.ID, execution.StatusDetail)
		}
		slog.Info("Workflow execution completed",
			slog.String("execution_id", execution.ID),
			slog.String("trace_id", trace),
		)
		return nil
	}

	for _, cc := range cfg.Consumers {
		queue := sqsstyle.NewMemoryQueue()
		c := consumer.New(cc, queue, logger)
		c.RegisterHandler(core.HandlerFunc[sqsstyle.Metadata](func(ctx context.Context, msg *core.Message[sqsstyle.Metadata]) error {
			return startExecution(ctx, msg.Body, msg.TraceContext)
		}))

		wg.Add(1)
		go func(name string, c *consumer.Consumer[sqsstyle.Metadata]) {
			defer wg.Done()
			slog.Info("Starting queue consumer", "consumer", name)
			if err := c.Start(ctx); err != nil && ctx.Err() == nil {
				serverErr <- err
			}
		}(cc.Name, c)
	}

	if len(cfg.Redis.Streams) > 0 && redisClient == nil {
		slog.Error("Redis stream consumers configured without redis nodes")
		os.Exit(1)
	}
	for _, sc := range cfg.Redis.Streams {
		c := redisstream.NewConsumer(sc, cfg.Runtime.ServiceName, redisClient, logger)
		c.RegisterHandler(core.HandlerFunc[redisstream.Metadata](func(ctx context.Context, msg *core.Message[redisstream.Metadata]) error {
			return startExecution(ctx, msg.Body, msg.TraceContext)
		}))

		wg.Add(1)
		go func(stream string, c *redisstream.Consumer) {
			defer wg.Done()
			slog.Info("Starting redis stream consumer", "stream", stream)
			if err := c.Start(ctx); err != nil && ctx.Err() == nil {
				serverErr <- err
			}
		}(sc.Stream, c)
	}

	slog.Info("Runtime started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Runtime component failed", "error", err)
		exitCode = 1
	}

	cancel()
	wg.Wait()

	slog.Info("Runtime stopped")
	os.Exit(exitCode)
}
