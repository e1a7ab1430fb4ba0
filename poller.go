package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"modbus-poller/mbtcp"
)

// readBlock 解析後的讀取區塊
type readBlock struct {
	name     string
	address  uint16
	quantity uint16
	dataType mbtcp.DataType
	scale    float64
}

// BlockSample 單一讀取區塊的結果
type BlockSample struct {
	Name      string    `json:"name"`
	Address   uint16    `json:"address"`
	Quantity  uint16    `json:"quantity"`
	DataType  string    `json:"data_type"`
	Registers []uint16  `json:"registers"`
	Values    []float64 `json:"values"`
	ElapsedMs int64     `json:"elapsed_ms"`
}

// Sample 單一設備最近一次輪詢的結果
type Sample struct {
	Device    string        `json:"device"`
	At        time.Time     `json:"at"`
	Blocks    []BlockSample `json:"blocks,omitempty"`
	ElapsedMs int64         `json:"elapsed_ms"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// OK 本次輪詢是否成功
func (s Sample) OK() bool {
	return s.Error == ""
}

// Poller 單一設備的輪詢器，獨佔一個 mbtcp.Client
type Poller struct {
	device DeviceConfig
	blocks []readBlock
	client *mbtcp.Client

	mu     sync.RWMutex
	latest Sample

	polls    atomic.Uint64
	failures atomic.Uint64

	logger *zap.Logger
}

// NewPoller 建立設備輪詢器
func NewPoller(device DeviceConfig, clientCfg ClientConfig, logger *zap.Logger) (*Poller, error) {
	blocks := make([]readBlock, 0, len(device.Reads))
	for _, r := range device.Reads {
		dt, err := mbtcp.ParseDataType(r.DataType)
		if err != nil {
			return nil, fmt.Errorf("讀取區塊 %q: %w", r.Name, err)
		}
		blocks = append(blocks, readBlock{
			name:     r.Name,
			address:  r.Address,
			quantity: r.Quantity,
			dataType: dt,
			scale:    r.Scale,
		})
	}

	logger = logger.With(zap.String("device", device.Name))
	client := mbtcp.New(device.Host, uint16(device.Port), device.Unit(),
		mbtcp.WithLogger(logger),
		mbtcp.WithConnectTimeout(clientCfg.ConnectTimeout),
		mbtcp.WithTimeout(clientCfg.Timeout),
		mbtcp.WithLocalAddr(clientCfg.ParsedSourceIP()),
	)

	return &Poller{
		device: device,
		blocks: blocks,
		client: client,
		latest: Sample{Device: device.Name},
		logger: logger,
	}, nil
}

// PollOnce 執行一次輪詢，任一區塊失敗即放棄整個週期
func (p *Poller) PollOnce() Sample {
	p.polls.Add(1)
	sample := Sample{
		Device: p.device.Name,
		At:     time.Now(),
	}

	blocks := make([]BlockSample, 0, len(p.blocks))
	for _, b := range p.blocks {
		data, err := p.client.ReadHoldingRegisters(b.address, b.quantity)
		if err != nil {
			return p.fail(sample, err)
		}

		values, err := mbtcp.Decode(data.Result, b.dataType, b.scale)
		if err != nil {
			return p.fail(sample, err)
		}

		block := BlockSample{
			Name:      b.name,
			Address:   b.address,
			Quantity:  b.quantity,
			DataType:  b.dataType.String(),
			Registers: data.Result,
			Values:    values,
		}
		if ms, ok := data.ElapsedMillis(); ok {
			block.ElapsedMs = ms
			sample.ElapsedMs += ms
		}
		blocks = append(blocks, block)
	}

	sample.Blocks = blocks
	p.store(sample)
	return sample
}

func (p *Poller) fail(sample Sample, err error) Sample {
	p.failures.Add(1)
	sample.ErrorKind = mbtcp.KindOf(err).String()
	sample.Error = err.Error()
	p.store(sample)
	return sample
}

func (p *Poller) store(sample Sample) {
	p.mu.Lock()
	p.latest = sample
	p.mu.Unlock()
}

// Latest 取得最近一次輪詢結果
func (p *Poller) Latest() Sample {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Run 以固定間隔輪詢，直到 ctx 取消。週期不重疊、不重試
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.device.Interval)
	defer ticker.Stop()

	p.PollOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce()
		}
	}
}

// Close 關閉設備連線
func (p *Poller) Close() {
	if !p.client.Disconnect() {
		p.logger.Warn("關閉設備連線失敗")
	}
}

// EngineState 引擎狀態
type EngineState int32

const (
	EngineStateStopped EngineState = iota
	EngineStateStarting
	EngineStateRunning
	EngineStateStopping
)

func (s EngineState) String() string {
	switch s {
	case EngineStateStopped:
		return "stopped"
	case EngineStateStarting:
		return "starting"
	case EngineStateRunning:
		return "running"
	case EngineStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Engine 輪詢引擎，每個設備一個 Poller、一個 goroutine
type Engine struct {
	mu sync.RWMutex

	config *Config
	state  atomic.Int32

	pollers map[string]*Poller
	stats   EngineStats

	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// EngineStats 引擎統計資訊
type EngineStats struct {
	StartTime        time.Time
	DeviceCount      int
	ConnectedDevices int
	TotalPolls       uint64
	FailedPolls      uint64
	TotalRequests    uint64
	TotalErrors      uint64
	BytesSent        uint64
	BytesReceived    uint64
}

// NewEngine 建立新的引擎
func NewEngine(config *Config, logger *zap.Logger) *Engine {
	return &Engine{
		config:  config,
		pollers: make(map[string]*Poller),
		logger:  logger,
	}
}

// Start 啟動引擎
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(EngineStateStopped), int32(EngineStateStarting)) {
		return fmt.Errorf("引擎已經在運行中")
	}

	if len(e.config.Devices) == 0 {
		e.state.Store(int32(EngineStateStopped))
		return fmt.Errorf("沒有配置任何設備")
	}

	e.stats.StartTime = time.Now()
	e.logger.Info("正在啟動引擎", zap.Int("device_count", len(e.config.Devices)))

	pollers := make(map[string]*Poller, len(e.config.Devices))
	for _, device := range e.config.Devices {
		p, err := NewPoller(device, e.config.Client, e.logger)
		if err != nil {
			e.state.Store(int32(EngineStateStopped))
			return fmt.Errorf("建立設備 %s 輪詢器失敗: %w", device.Name, err)
		}
		pollers[device.Name] = p
	}

	// 預先連線，失敗不影響啟動 (讀取時會自動重連)
	var wg sync.WaitGroup
	var failed atomic.Int32
	semaphore := make(chan struct{}, 100) // 限制並發連線數量

	for _, p := range pollers {
		wg.Add(1)
		go func(p *Poller) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if !p.client.Connect() {
				failed.Add(1)
			}
		}(p)
	}
	wg.Wait()

	if n := failed.Load(); n > 0 {
		e.logger.Warn("部分設備預先連線失敗",
			zap.Int32("failed", n),
			zap.Int("total", len(pollers)),
		)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.pollers = pollers
	e.cancel = cancel
	e.stats.DeviceCount = len(pollers)
	e.mu.Unlock()

	for _, p := range pollers {
		e.wg.Add(1)
		go func(p *Poller) {
			defer e.wg.Done()
			defer p.Close()
			p.Run(runCtx)
		}(p)
	}

	e.state.Store(int32(EngineStateRunning))
	e.logger.Info("引擎啟動完成",
		zap.Int("devices", len(pollers)),
		zap.Duration("startup_time", time.Since(e.stats.StartTime)),
	)

	return nil
}

// Stop 停止引擎
func (e *Engine) Stop(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(EngineStateRunning), int32(EngineStateStopping)) {
		return nil
	}

	e.logger.Info("正在停止引擎")

	e.mu.RLock()
	cancel := e.cancel
	e.mu.RUnlock()
	cancel()

	// 等待所有輪詢器停止或超時
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// 輪詢器結束 Run 後自行關閉連線
		e.logger.Warn("停止引擎超時")
	}

	// 累計值併入 e.stats，停止後仍可查詢
	e.mu.Lock()
	final := e.collectLocked()
	final.ConnectedDevices = 0
	e.stats = final
	e.pollers = make(map[string]*Poller)
	e.mu.Unlock()

	e.state.Store(int32(EngineStateStopped))
	e.logger.Info("引擎已停止")

	return nil
}

// GetPoller 取得指定設備的輪詢器
func (e *Engine) GetPoller(name string) (*Poller, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.pollers[name]
	return p, ok
}

// ListPollers 依設備名稱排序列出所有輪詢器
func (e *Engine) ListPollers() []*Poller {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pollers := make([]*Poller, 0, len(e.pollers))
	for _, p := range e.pollers {
		pollers = append(pollers, p)
	}
	sort.Slice(pollers, func(i, j int) bool {
		return pollers[i].device.Name < pollers[j].device.Name
	})
	return pollers
}

// Samples 所有設備最近一次的輪詢結果
func (e *Engine) Samples() []Sample {
	pollers := e.ListPollers()
	samples := make([]Sample, 0, len(pollers))
	for _, p := range pollers {
		samples = append(samples, p.Latest())
	}
	return samples
}

// State 取得引擎狀態
func (e *Engine) State() EngineState {
	return EngineState(e.state.Load())
}

// Stats 取得統計資訊
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.collectLocked()
}

// collectLocked 彙整 e.stats 與運行中的輪詢器，呼叫端須持有 e.mu
func (e *Engine) collectLocked() EngineStats {
	stats := e.stats

	// 彙整所有設備的統計
	for _, p := range e.pollers {
		clientStats := p.client.Stats()
		stats.TotalPolls += p.polls.Load()
		stats.FailedPolls += p.failures.Load()
		stats.TotalRequests += clientStats.RequestCount.Load()
		stats.TotalErrors += clientStats.ErrorCount.Load()
		stats.BytesSent += clientStats.BytesSent.Load()
		stats.BytesReceived += clientStats.BytesReceived.Load()
		if p.client.IsConnected() {
			stats.ConnectedDevices++
		}
	}

	return stats
}
