package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricsCollector 指標收集器
type MetricsCollector struct {
	mu sync.RWMutex

	startTime   time.Time
	engineState string
	stats       EngineStats

	// 歷史記錄 (用於計算速率)
	pollHistory []pollSample
	maxHistory  int

	engine *Engine
	server *http.Server
	done   chan struct{}
	loops  sync.WaitGroup
	logger *zap.Logger
}

type pollSample struct {
	timestamp time.Time
	polls     uint64
	requests  uint64
}

// DeviceSnapshot 單一設備的指標
type DeviceSnapshot struct {
	Name      string        `json:"name"`
	OK        bool          `json:"ok"`
	LastPoll  time.Time     `json:"last_poll"`
	ElapsedMs int64         `json:"elapsed_ms"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Blocks    []BlockSample `json:"blocks,omitempty"`
}

// MetricsSnapshot 指標快照
type MetricsSnapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	Uptime        string    `json:"uptime"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	EngineState   string    `json:"engine_state"`

	TotalDevices     int `json:"total_devices"`
	ConnectedDevices int `json:"connected_devices"`

	TotalPolls     uint64  `json:"total_polls"`
	FailedPolls    uint64  `json:"failed_polls"`
	TotalRequests  uint64  `json:"total_requests"`
	TotalErrors    uint64  `json:"total_errors"`
	ErrorRate      float64 `json:"error_rate"`
	PollsPerSec    float64 `json:"polls_per_sec"`
	RequestsPerSec float64 `json:"requests_per_sec"`
	BytesReceived  uint64  `json:"bytes_received"`
	BytesSent      uint64  `json:"bytes_sent"`

	Devices []DeviceSnapshot `json:"devices"`
}

// NewMetricsCollector 建立指標收集器
func NewMetricsCollector(engine *Engine, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		engine:     engine,
		logger:     logger,
		startTime:  time.Now(),
		maxHistory: 60, // 保留 60 個樣本 (用於計算每秒速率)
	}
}

// Handler 建立指標 HTTP 路由
func (m *MetricsCollector) Handler(endpoint string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(endpoint, m.handleMetrics)
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/ready", m.handleReady)
	return mux
}

// Start 啟動指標收集與 HTTP 伺服器
func (m *MetricsCollector) Start(endpoint string, port int) error {
	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(endpoint),
		ReadHeaderTimeout: 5 * time.Second,
	}

	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return fmt.Errorf("指標收集器已經在運行中")
	}
	done := make(chan struct{})
	m.done = done
	m.server = server
	m.startTime = time.Now()
	m.mu.Unlock()

	m.loops.Add(1)
	go m.collectLoop(done)

	m.logger.Info("啟動指標伺服器", zap.String("addr", addr))

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止收集迴圈與指標伺服器，可重複呼叫
func (m *MetricsCollector) Stop(ctx context.Context) error {
	m.mu.Lock()
	done, server := m.done, m.server
	m.done, m.server = nil, nil
	m.mu.Unlock()

	if done != nil {
		close(done)
	}
	m.loops.Wait()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// collectLoop 背景收集迴圈
func (m *MetricsCollector) collectLoop(done <-chan struct{}) {
	defer m.loops.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

// collect 收集指標
func (m *MetricsCollector) collect() {
	if m.engine == nil {
		return
	}

	stats := m.engine.Stats()
	state := m.engine.State().String()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.engineState = state
	m.stats = stats

	m.pollHistory = append(m.pollHistory, pollSample{
		timestamp: time.Now(),
		polls:     stats.TotalPolls,
		requests:  stats.TotalRequests,
	})
	if len(m.pollHistory) > m.maxHistory {
		m.pollHistory = m.pollHistory[1:]
	}
}

// Snapshot 取得指標快照
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.stats
	uptime := time.Since(m.startTime)
	snapshot := MetricsSnapshot{
		Timestamp:        time.Now(),
		Uptime:           uptime.String(),
		UptimeSeconds:    uptime.Seconds(),
		EngineState:      m.engineState,
		TotalDevices:     stats.DeviceCount,
		ConnectedDevices: stats.ConnectedDevices,
		TotalPolls:       stats.TotalPolls,
		FailedPolls:      stats.FailedPolls,
		TotalRequests:    stats.TotalRequests,
		TotalErrors:      stats.TotalErrors,
		BytesReceived:    stats.BytesReceived,
		BytesSent:        stats.BytesSent,
	}

	// 計算錯誤率
	if stats.TotalRequests > 0 {
		snapshot.ErrorRate = float64(stats.TotalErrors) / float64(stats.TotalRequests) * 100
	}

	// 計算每秒速率 (使用最近的歷史記錄)
	if len(m.pollHistory) >= 2 {
		first := m.pollHistory[0]
		last := m.pollHistory[len(m.pollHistory)-1]
		duration := last.timestamp.Sub(first.timestamp).Seconds()
		if duration > 0 {
			snapshot.PollsPerSec = float64(last.polls-first.polls) / duration
			snapshot.RequestsPerSec = float64(last.requests-first.requests) / duration
		}
	}

	if m.engine != nil {
		for _, s := range m.engine.Samples() {
			snapshot.Devices = append(snapshot.Devices, DeviceSnapshot{
				Name:      s.Device,
				OK:        s.OK() && !s.At.IsZero(),
				LastPoll:  s.At,
				ElapsedMs: s.ElapsedMs,
				ErrorKind: s.ErrorKind,
				Error:     s.Error,
				Blocks:    s.Blocks,
			})
		}
	}

	return snapshot
}

// handleMetrics 處理 /metrics 請求
func (m *MetricsCollector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := m.Snapshot()

	// 檢查 Accept header
	accept := r.Header.Get("Accept")
	if accept == "application/json" || r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
		return
	}

	// Prometheus 格式
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	writeMetric(w, "mbpoll_uptime_seconds", "gauge", "Uptime in seconds",
		fmt.Sprintf("%f", snapshot.UptimeSeconds))
	writeMetric(w, "mbpoll_devices_total", "gauge", "Total number of polled devices",
		fmt.Sprintf("%d", snapshot.TotalDevices))
	writeMetric(w, "mbpoll_devices_connected", "gauge", "Devices with an open connection",
		fmt.Sprintf("%d", snapshot.ConnectedDevices))
	writeMetric(w, "mbpoll_polls_total", "counter", "Total number of poll cycles",
		fmt.Sprintf("%d", snapshot.TotalPolls))
	writeMetric(w, "mbpoll_polls_failed_total", "counter", "Poll cycles that failed",
		fmt.Sprintf("%d", snapshot.FailedPolls))
	writeMetric(w, "mbpoll_requests_total", "counter", "Total number of read requests",
		fmt.Sprintf("%d", snapshot.TotalRequests))
	writeMetric(w, "mbpoll_errors_total", "counter", "Total number of failed read requests",
		fmt.Sprintf("%d", snapshot.TotalErrors))
	writeMetric(w, "mbpoll_requests_per_second", "gauge", "Requests per second",
		fmt.Sprintf("%f", snapshot.RequestsPerSec))
	writeMetric(w, "mbpoll_bytes_received_total", "counter", "Total bytes received",
		fmt.Sprintf("%d", snapshot.BytesReceived))
	writeMetric(w, "mbpoll_bytes_sent_total", "counter", "Total bytes sent",
		fmt.Sprintf("%d", snapshot.BytesSent))

	if len(snapshot.Devices) == 0 {
		return
	}

	fmt.Fprintf(w, "# HELP mbpoll_device_up Whether the last poll cycle succeeded\n")
	fmt.Fprintf(w, "# TYPE mbpoll_device_up gauge\n")
	for _, d := range snapshot.Devices {
		up := 0
		if d.OK {
			up = 1
		}
		fmt.Fprintf(w, "mbpoll_device_up{device=%q} %d\n", d.Name, up)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP mbpoll_device_poll_milliseconds Round-trip time of the last poll cycle\n")
	fmt.Fprintf(w, "# TYPE mbpoll_device_poll_milliseconds gauge\n")
	for _, d := range snapshot.Devices {
		fmt.Fprintf(w, "mbpoll_device_poll_milliseconds{device=%q} %d\n", d.Name, d.ElapsedMs)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP mbpoll_value Decoded value of a read block\n")
	fmt.Fprintf(w, "# TYPE mbpoll_value gauge\n")
	for _, d := range snapshot.Devices {
		for _, b := range d.Blocks {
			for i, v := range b.Values {
				fmt.Fprintf(w, "mbpoll_value{device=%q,block=%q,index=\"%d\"} %f\n", d.Name, b.Name, i, v)
			}
		}
	}
}

func writeMetric(w http.ResponseWriter, name, kind, help, value string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %s\n\n", name, value)
}

// handleHealth 處理 /health 請求
func (m *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleReady 處理 /ready 請求
func (m *MetricsCollector) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if m.engine == nil || m.engine.State() != EngineStateRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
