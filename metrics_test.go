package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetrics_HealthAndReady(t *testing.T) {
	engine := NewEngine(DefaultConfig(), zap.NewNop())
	metrics := NewMetricsCollector(engine, zap.NewNop())
	server := httptest.NewServer(metrics.Handler("/metrics"))
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(server.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetrics_EngineSnapshot(t *testing.T) {
	slave := startDevSlave(t)

	cfg := DefaultConfig()
	cfg.Client = testClientConfig()
	cfg.Devices = []DeviceConfig{slaveDevice(t, slave, "meter")}

	engine := NewEngine(cfg, zap.NewNop())
	require.NoError(t, engine.Start(context.Background()))
	defer engine.Stop(context.Background())

	require.Eventually(t, func() bool {
		return engine.Stats().TotalPolls >= 2
	}, 3*time.Second, 20*time.Millisecond)

	metrics := NewMetricsCollector(engine, zap.NewNop())
	metrics.collect()

	server := httptest.NewServer(metrics.Handler("/metrics"))
	defer server.Close()

	t.Run("ready", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/ready")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("json", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/metrics?format=json")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var snapshot MetricsSnapshot
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
		assert.Equal(t, "running", snapshot.EngineState)
		assert.Equal(t, 1, snapshot.TotalDevices)
		assert.GreaterOrEqual(t, snapshot.TotalPolls, uint64(2))
		require.Len(t, snapshot.Devices, 1)
		assert.Equal(t, "meter", snapshot.Devices[0].Name)
		assert.True(t, snapshot.Devices[0].OK)
	})

	t.Run("prometheus", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		text := string(body)

		assert.Contains(t, text, "# TYPE mbpoll_polls_total counter")
		assert.Contains(t, text, "mbpoll_devices_total 1")
		assert.Contains(t, text, `mbpoll_device_up{device="meter"} 1`)
		assert.Contains(t, text, `mbpoll_value{device="meter",block="voltage",index="0"} 220.000000`)
		assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	})
}

func TestMetrics_ErrorRate(t *testing.T) {
	m := NewMetricsCollector(nil, zap.NewNop())
	m.stats = EngineStats{TotalRequests: 10, TotalErrors: 3}
	m.pollHistory = []pollSample{
		{timestamp: time.Unix(0, 0), polls: 0, requests: 0},
		{timestamp: time.Unix(10, 0), polls: 20, requests: 40},
	}

	snapshot := m.Snapshot()
	assert.InDelta(t, 30.0, snapshot.ErrorRate, 0.001)
	assert.InDelta(t, 2.0, snapshot.PollsPerSec, 0.001)
	assert.InDelta(t, 4.0, snapshot.RequestsPerSec, 0.001)
	assert.Empty(t, snapshot.Devices)
}

func TestMetrics_StartStop(t *testing.T) {
	engine := NewEngine(DefaultConfig(), zap.NewNop())
	metrics := NewMetricsCollector(engine, zap.NewNop())

	port := freePort(t)
	require.NoError(t, metrics.Start("/metrics", port))
	assert.Error(t, metrics.Start("/metrics", port))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, metrics.Stop(ctx))
	// 重複停止不應出錯
	require.NoError(t, metrics.Stop(ctx))

	// 停止後可再次啟動
	require.NoError(t, metrics.Start("/metrics", freePort(t)))
	require.NoError(t, metrics.Stop(ctx))
}
