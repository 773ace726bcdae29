// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the runtime configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the runtime.
type Config struct {
	Runtime   RuntimeConfig     `yaml:"runtime"`
	Consumers []ConsumerConfig  `yaml:"consumers"`
	Redis     RedisConfig       `yaml:"redis"`
	WS        WSConfig          `yaml:"websockets"`
	Workflow  WorkflowConfig    `yaml:"workflow"`
	Log       LogConfig         `yaml:"log"`
}

// RuntimeConfig holds process-level settings.
type RuntimeConfig struct {
	// BlueprintPath points at the YAML/JSON application blueprint.
	BlueprintPath string `yaml:"blueprint_path"`

	// CallMode selects how user handlers are invoked: "ffi" for
	// in-process handlers or "http" for the local loopback API.
	CallMode string `yaml:"call_mode"`

	// ServiceName identifies this service for telemetry and for the
	// Redis lock key hash tag.
	ServiceName string `yaml:"service_name"`

	ServerPort int `yaml:"server_port"`

	// HealthPort serves liveness and readiness probes when set.
	HealthPort int `yaml:"health_port"`

	// ServerLoopbackOnly binds the server to 127.0.0.1 instead of
	// 0.0.0.0.
	ServerLoopbackOnly bool `yaml:"server_loopback_only"`

	// LocalAPIPort is the loopback port used when call mode is "http".
	LocalAPIPort int `yaml:"local_api_port"`

	// Platform selects the trace id generator: aws, azure, gcp,
	// local or other.
	Platform string `yaml:"platform"`

	// TestMode disables installing process-global observers.
	TestMode bool `yaml:"test_mode"`

	// NodeName identifies this node in the cluster pub/sub layer.
	NodeName string `yaml:"node_name"`
}

// ConsumerConfig holds per-consumer queue settings.
type ConsumerConfig struct {
	Name                           string `yaml:"name"`
	QueueURL                       string `yaml:"queue_url"`
	PollingWaitTimeMS              int64  `yaml:"polling_wait_time_ms"`
	BatchSize                      int32  `yaml:"batch_size"`
	MessageHandlerTimeoutSecs      int64  `yaml:"message_handler_timeout"`
	VisibilityTimeoutSecs          int32  `yaml:"visibility_timeout"`
	WaitTimeSecs                   int32  `yaml:"wait_time_seconds"`
	AuthErrorTimeoutSecs           int64  `yaml:"auth_error_timeout"`
	HeartbeatIntervalSecs          int64  `yaml:"heartbeat_interval"`
	TerminateVisibilityTimeout     bool   `yaml:"terminate_visibility_timeout"`
	ShouldDeleteMessages           bool   `yaml:"should_delete_messages"`
	DeleteMessagesOnHandlerFailure bool   `yaml:"delete_messages_on_handler_failure"`
	NumWorkers                     int    `yaml:"num_workers"`
}

// RedisConfig holds Redis connection and stream consumer settings.
type RedisConfig struct {
	Nodes       []string             `yaml:"nodes"`
	Password    string               `yaml:"password"`
	ClusterMode bool                 `yaml:"cluster_mode"`
	Streams     []StreamConsumerConfig `yaml:"streams"`
}

// StreamConsumerConfig holds per-stream consumer settings.
type StreamConsumerConfig struct {
	Stream                    string  `yaml:"stream"`
	ConsumerName              string  `yaml:"consumer_name"`
	DeadLetterStream          string  `yaml:"dead_letter_stream"`
	MessageHandlerTimeoutSecs int64   `yaml:"message_handler_timeout"`
	BatchSize                 int64   `yaml:"batch_size"`
	BlockTimeMS               int64   `yaml:"block_time_ms"`
	PollingWaitTimeMS         int64   `yaml:"polling_wait_time_ms"`
	LockDurationMS            int64   `yaml:"lock_duration_ms"`
	HeartbeatIntervalSecs     int64   `yaml:"heartbeat_interval_seconds"`
	MaxRetries                int64   `yaml:"max_retries"`
	RetryBaseDelayMS          int64   `yaml:"retry_base_delay_ms"`
	RetryMaxDelaySecs         int64   `yaml:"retry_max_delay_seconds"`
	RetryBackoffRate          float64 `yaml:"retry_backoff_rate"`
	TrimIntervalSecs          int64   `yaml:"trim_interval_seconds"`
	TrimLockTimeoutMS         int64   `yaml:"trim_lock_timeout_ms"`
	TrimStrategy              string  `yaml:"trim_strategy"` // "max_len" or "min_id"
	TrimMaxLen                int64   `yaml:"trim_max_len"`
	TrimMinID                 string  `yaml:"trim_min_id"`
	NumWorkers                int     `yaml:"num_workers"`
}

// WSConfig holds WebSocket registry and ack worker settings.
type WSConfig struct {
	AckCheckIntervalMS int64  `yaml:"ack_check_interval_ms"`
	MessageTimeoutMS   int64  `yaml:"message_timeout_ms"`
	MaxSendAttempts    int64  `yaml:"max_send_attempts"`
	PubSubChannel      string `yaml:"pubsub_channel"`
}

// WorkflowConfig holds workflow engine settings.
type WorkflowConfig struct {
	EventChannelCapacity int `yaml:"event_channel_capacity"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			CallMode:           "ffi",
			ServiceName:        "celerity-app",
			ServerPort:         8080,
			ServerLoopbackOnly: true,
			LocalAPIPort:       8081,
			Platform:           "local",
			NodeName:           defaultNodeName(),
		},
		Redis: RedisConfig{
			Nodes: []string{"localhost:6379"},
		},
		WS: WSConfig{
			AckCheckIntervalMS: 10000,
			MessageTimeoutMS:   15000,
			MaxSendAttempts:    4,
			PubSubChannel:      "celerity:ws:messages",
		},
		Workflow: WorkflowConfig{
			EventChannelCapacity: 100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultConsumer returns the default settings for a queue consumer.
func DefaultConsumer() ConsumerConfig {
	return ConsumerConfig{
		BatchSize:                      1,
		VisibilityTimeoutSecs:          30,
		WaitTimeSecs:                   20,
		AuthErrorTimeoutSecs:           10,
		DeleteMessagesOnHandlerFailure: true,
		NumWorkers:                     1,
	}
}

// DefaultStreamConsumer returns the default settings for a Redis stream
// consumer.
func DefaultStreamConsumer() StreamConsumerConfig {
	return StreamConsumerConfig{
		MessageHandlerTimeoutSecs: 600,
		BatchSize:                 100,
		BlockTimeMS:               30000,
		PollingWaitTimeMS:         10000,
		LockDurationMS:            30000,
		MaxRetries:                3,
		RetryBaseDelayMS:          10000,
		RetryMaxDelaySecs:         60,
		RetryBackoffRate:          2.0,
		TrimIntervalSecs:          86400,
		TrimLockTimeoutMS:         60000,
		TrimStrategy:              "max_len",
		TrimMaxLen:                100000,
		NumWorkers:                10,
	}
}

// Load loads configuration from a YAML file, applying environment
// variable overrides. If the file doesn't exist, returns default
// configuration.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills zero-valued per-consumer and per-stream fields
// from the documented defaults so that a minimal config passes
// validation.
func (c *Config) applyDefaults() {
	consumerDefaults := DefaultConsumer()
	for i := range c.Consumers {
		cc := &c.Consumers[i]
		if cc.BatchSize == 0 {
			cc.BatchSize = consumerDefaults.BatchSize
		}
		if cc.VisibilityTimeoutSecs == 0 {
			cc.VisibilityTimeoutSecs = consumerDefaults.VisibilityTimeoutSecs
		}
		if cc.WaitTimeSecs == 0 {
			cc.WaitTimeSecs = consumerDefaults.WaitTimeSecs
		}
		if cc.AuthErrorTimeoutSecs == 0 {
			cc.AuthErrorTimeoutSecs = consumerDefaults.AuthErrorTimeoutSecs
		}
		if cc.NumWorkers == 0 {
			cc.NumWorkers = consumerDefaults.NumWorkers
		}
	}

	streamDefaults := DefaultStreamConsumer()
	for i := range c.Redis.Streams {
		sc := &c.Redis.Streams[i]
		if sc.BatchSize == 0 {
			sc.BatchSize = streamDefaults.BatchSize
		}
		if sc.BlockTimeMS == 0 {
			sc.BlockTimeMS = streamDefaults.BlockTimeMS
		}
		if sc.PollingWaitTimeMS == 0 {
			sc.PollingWaitTimeMS = streamDefaults.PollingWaitTimeMS
		}
		if sc.LockDurationMS == 0 {
			sc.LockDurationMS = streamDefaults.LockDurationMS
		}
		if sc.MessageHandlerTimeoutSecs == 0 {
			sc.MessageHandlerTimeoutSecs = streamDefaults.MessageHandlerTimeoutSecs
		}
		if sc.MaxRetries == 0 {
			sc.MaxRetries = streamDefaults.MaxRetries
		}
		if sc.RetryBaseDelayMS == 0 {
			sc.RetryBaseDelayMS = streamDefaults.RetryBaseDelayMS
		}
		if sc.RetryMaxDelaySecs == 0 {
			sc.RetryMaxDelaySecs = streamDefaults.RetryMaxDelaySecs
		}
		if sc.RetryBackoffRate == 0 {
			sc.RetryBackoffRate = streamDefaults.RetryBackoffRate
		}
		if sc.TrimIntervalSecs == 0 {
			sc.TrimIntervalSecs = streamDefaults.TrimIntervalSecs
		}
		if sc.TrimLockTimeoutMS == 0 {
			sc.TrimLockTimeoutMS = streamDefaults.TrimLockTimeoutMS
		}
		if sc.TrimStrategy == "" {
			sc.TrimStrategy = streamDefaults.TrimStrategy
		}
		if sc.NumWorkers == 0 {
			sc.NumWorkers = streamDefaults.NumWorkers
		}
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CELERITY_BLUEPRINT"); v != "" {
		c.Runtime.BlueprintPath = v
	}
	if v := os.Getenv("CELERITY_RUNTIME_CALL_MODE"); v != "" {
		c.Runtime.CallMode = v
	}
	if v := os.Getenv("CELERITY_SERVICE_NAME"); v != "" {
		c.Runtime.ServiceName = v
	}
	if v := os.Getenv("CELERITY_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Runtime.ServerPort = port
		}
	}
	if v := os.Getenv("CELERITY_LOCAL_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Runtime.LocalAPIPort = port
		}
	}
	if v := os.Getenv("CELERITY_SERVER_LOOPBACK_ONLY"); v != "" {
		c.Runtime.ServerLoopbackOnly = v == "true" || v == "1"
	}
	if v := os.Getenv("CELERITY_PLATFORM"); v != "" {
		c.Runtime.Platform = v
	}
	if v := os.Getenv("CELERITY_TEST_MODE"); v != "" {
		c.Runtime.TestMode = v == "true" || v == "1"
	}
	if v := os.Getenv("CELERITY_NODE_NAME"); v != "" {
		c.Runtime.NodeName = v
	}
	if v := os.Getenv("CELERITY_REDIS_NODES"); v != "" {
		c.Redis.Nodes = strings.Split(v, ",")
	}
	if v := os.Getenv("CELERITY_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("CELERITY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validCallModes := map[string]bool{"ffi": true, "http": true}
	if !validCallModes[c.Runtime.CallMode] {
		return fmt.Errorf("runtime.call_mode must be one of: ffi, http")
	}
	if c.Runtime.ServiceName == "" {
		return fmt.Errorf("runtime.service_name cannot be empty")
	}
	if c.Runtime.ServerPort < 1 || c.Runtime.ServerPort > 65535 {
		return fmt.Errorf("runtime.server_port must be between 1 and 65535")
	}
	if c.Runtime.CallMode == "http" && (c.Runtime.LocalAPIPort < 1 || c.Runtime.LocalAPIPort > 65535) {
		return fmt.Errorf("runtime.local_api_port must be between 1 and 65535 when call mode is http")
	}
	if c.Runtime.NodeName == "" {
		return fmt.Errorf("runtime.node_name cannot be empty")
	}

	validPlatforms := map[string]bool{"aws": true, "azure": true, "gcp": true, "local": true, "other": true}
	if !validPlatforms[c.Runtime.Platform] {
		return fmt.Errorf("runtime.platform must be one of: aws, azure, gcp, local, other")
	}

	for i, consumer := range c.Consumers {
		if consumer.QueueURL == "" {
			return fmt.Errorf("consumers[%d].queue_url cannot be empty", i)
		}
		if consumer.BatchSize < 1 || consumer.BatchSize > 10 {
			return fmt.Errorf("consumers[%d].batch_size must be between 1 and 10", i)
		}
		if consumer.NumWorkers < 1 {
			return fmt.Errorf("consumers[%d].num_workers must be at least 1", i)
		}
	}

	if len(c.Redis.Streams) > 0 && len(c.Redis.Nodes) == 0 {
		return fmt.Errorf("redis.nodes cannot be empty when stream consumers are configured")
	}
	for i, stream := range c.Redis.Streams {
		if stream.Stream == "" {
			return fmt.Errorf("redis.streams[%d].stream cannot be empty", i)
		}
		if stream.ConsumerName == "" {
			return fmt.Errorf("redis.streams[%d].consumer_name cannot be empty", i)
		}
		if stream.BatchSize < 1 {
			return fmt.Errorf("redis.streams[%d].batch_size must be at least 1", i)
		}
		if stream.LockDurationMS < 1000 {
			return fmt.Errorf("redis.streams[%d].lock_duration_ms must be at least 1000", i)
		}
		if stream.TrimStrategy != "max_len" && stream.TrimStrategy != "min_id" {
			return fmt.Errorf("redis.streams[%d].trim_strategy must be 'max_len' or 'min_id'", i)
		}
		if stream.NumWorkers < 1 {
			return fmt.Errorf("redis.streams[%d].num_workers must be at least 1", i)
		}
	}

	if c.WS.MaxSendAttempts < 1 {
		return fmt.Errorf("websockets.max_send_attempts must be at least 1")
	}
	if c.WS.MessageTimeoutMS < 1000 {
		return fmt.Errorf("websockets.message_timeout_ms must be at least 1000")
	}
	if c.WS.AckCheckIntervalMS < 100 {
		return fmt.Errorf("websockets.ack_check_interval_ms must be at least 100")
	}

	if c.Workflow.EventChannelCapacity < 1 {
		return fmt.Errorf("workflow.event_channel_capacity must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func defaultNodeName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "celerity-node"
	}
	return host
}
