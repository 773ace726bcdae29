// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerity-framework/runtime/workflow"
	"github.com/celerity-framework/runtime/wsconn"
)

type nopSocket struct{}

func (nopSocket) WriteMessage(messageType int, data []byte) error { return nil }

func newTestServer(t *testing.T, registry *wsconn.Registry, store workflow.Store) *httptest.Server {
	t.Helper()
	s := New(Config{
		Address:         "127.0.0.1:0",
		NodeName:        "node-1",
		ShutdownTimeout: time.Second,
	}, registry, store, nil)
	ts := httptest.NewServer(s.server.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
}

func TestReadyEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, workflow.NewMemoryStore())

	resp, err := http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ready ReadyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ready))
	assert.Equal(t, "ready", ready.Status)
}

func TestStatusReportsActivity(t *testing.T) {
	registry := wsconn.NewRegistry(wsconn.Config{ServerNodeName: "node-1"}, nil, nil)
	registry.AddConnection("conn-1", wsconn.NewConn(nopSocket{}))
	registry.AddConnection("conn-2", wsconn.NewConn(nopSocket{}))

	store := workflow.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), &workflow.Execution{
		ID:     "exec-1",
		Status: workflow.StatusSucceeded,
	}))

	ts := newTestServer(t, registry, store)

	resp, err := http.Get(ts.URL + "/runtime/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "node-1", status.NodeName)
	assert.Equal(t, 2, status.Connections)
	assert.Equal(t, 1, status.Executions)
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp, err := http.Post(ts.URL+"/health", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
