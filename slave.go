package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"

	"modbus-poller/mbtcp"
)

// SlaveState 開發用從站狀態
type SlaveState int32

const (
	SlaveStateStopped SlaveState = iota
	SlaveStateStarting
	SlaveStateRunning
	SlaveStateStopping
)

func (s SlaveState) String() string {
	switch s {
	case SlaveStateStopped:
		return "stopped"
	case SlaveStateStarting:
		return "starting"
	case SlaveStateRunning:
		return "running"
	case SlaveStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const holdingRegisterCount = 65536

// DevSlave 開發與測試用的 Modbus TCP 從站
type DevSlave struct {
	mu sync.RWMutex

	addr  string
	state atomic.Int32

	// 保持暫存器 (啟動時複製到 mbserver)
	holding []uint16

	server    *mbserver.Server
	stopped   chan struct{}
	startTime time.Time

	logger *zap.Logger
}

// NewDevSlave 依配置建立從站並寫入初始暫存器值
func NewDevSlave(cfg SimulatorConfig, logger *zap.Logger) (*DevSlave, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &DevSlave{
		addr:    net.JoinHostPort(cfg.Listen, strconv.Itoa(cfg.Port)),
		holding: make([]uint16, holdingRegisterCount),
		logger:  logger.With(zap.String("component", "slave")),
	}

	for _, def := range cfg.Registers {
		dt, err := mbtcp.ParseDataType(def.DataType)
		if err != nil {
			return nil, fmt.Errorf("暫存器 %q: %w", def.Name, err)
		}
		scale := def.Scale
		if scale == 0 {
			scale = 1
		}
		if err := s.SetRegisters(def.Address, mbtcp.Encode(dt, def.Value, scale)); err != nil {
			return nil, fmt.Errorf("暫存器 %q: %w", def.Name, err)
		}
	}

	return s, nil
}

// Addr 監聽位址
func (s *DevSlave) Addr() string {
	return s.addr
}

// SetRegisters 寫入連續的保持暫存器，僅能在停止狀態下呼叫
func (s *DevSlave) SetRegisters(address uint16, values []uint16) error {
	if s.State() != SlaveStateStopped {
		return fmt.Errorf("從站 %s 運行中，無法寫入暫存器", s.addr)
	}
	if int(address)+len(values) > holdingRegisterCount {
		return fmt.Errorf("暫存器位址超出範圍: %d+%d", address, len(values))
	}

	s.mu.Lock()
	copy(s.holding[address:], values)
	s.mu.Unlock()
	return nil
}

// Register 讀取單一保持暫存器的值
func (s *DevSlave) Register(address uint16) uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holding[address]
}

// Start 啟動從站，ctx 取消時自動停止
func (s *DevSlave) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(SlaveStateStopped), int32(SlaveStateStarting)) {
		return fmt.Errorf("從站 %s 已經在運行中", s.addr)
	}

	server := mbserver.NewServer()
	s.mu.RLock()
	copy(server.HoldingRegisters, s.holding)
	s.mu.RUnlock()

	// ListenTCP 同步建立 listener，內部以 goroutine accept
	if err := server.ListenTCP(s.addr); err != nil {
		s.state.Store(int32(SlaveStateStopped))
		return fmt.Errorf("監聽 %s 失敗: %w", s.addr, err)
	}

	stopped := make(chan struct{})
	s.mu.Lock()
	s.server = server
	s.stopped = stopped
	s.startTime = time.Now()
	s.mu.Unlock()

	s.state.Store(int32(SlaveStateRunning))

	go func() {
		select {
		case <-ctx.Done():
			s.Stop(context.Background())
		case <-stopped:
		}
	}()

	s.logger.Info("從站已啟動", zap.String("addr", s.addr))
	return nil
}

// Stop 停止從站
func (s *DevSlave) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(SlaveStateRunning), int32(SlaveStateStopping)) {
		return nil // 已經停止
	}

	s.mu.Lock()
	server := s.server
	s.server = nil
	close(s.stopped)
	uptime := time.Since(s.startTime)
	s.mu.Unlock()

	if server != nil {
		server.Close()
	}

	s.state.Store(int32(SlaveStateStopped))
	s.logger.Info("從站已停止",
		zap.String("addr", s.addr),
		zap.Duration("uptime", uptime),
	)

	return nil
}

// State 取得當前狀態
func (s *DevSlave) State() SlaveState {
	return SlaveState(s.state.Load())
}
