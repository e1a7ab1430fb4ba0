package mbtcp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// 預設逾時
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultTimeout        = 1 * time.Second
)

// State 連線狀態
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// connection 持有唯一的 TCP socket
type connection struct {
	addr           string
	connectTimeout time.Duration
	timeout        time.Duration
	localAddr      *net.TCPAddr

	state  atomic.Int32
	conn   net.Conn
	logger *zap.Logger
}

func (c *connection) State() State {
	return State(c.state.Load())
}

// open 建立 TCP 連線，失敗時維持 Disconnected
func (c *connection) open() error {
	if c.conn != nil {
		return nil
	}
	c.state.Store(int32(StateConnecting))

	dialer := net.Dialer{Timeout: c.connectTimeout}
	if c.localAddr != nil {
		dialer.LocalAddr = c.localAddr
	}

	conn, err := dialer.DialContext(context.Background(), "tcp", c.addr)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		c.logger.Warn("連線至 Modbus 從站失敗",
			zap.Duration("connect_timeout", c.connectTimeout),
			zap.Error(err),
		)
		return err
	}

	c.conn = conn
	c.state.Store(int32(StateConnected))
	c.logger.Debug("已連線至 Modbus 從站")
	return nil
}

// close 雙向關閉後釋放 socket，之後一律為 Disconnected
func (c *connection) close() error {
	if c.conn == nil {
		c.state.Store(int32(StateDisconnected))
		return nil
	}

	var err error
	if tcp, ok := c.conn.(*net.TCPConn); ok {
		if e := tcp.CloseWrite(); e != nil && !isClosedConn(e) {
			err = e
		}
		if e := tcp.CloseRead(); e != nil && !isClosedConn(e) && err == nil {
			err = e
		}
	}
	if e := c.conn.Close(); e != nil && err == nil {
		err = e
	}

	c.conn = nil
	c.state.Store(int32(StateDisconnected))
	if err != nil {
		c.logger.Warn("關閉 TCP 連線失敗", zap.Error(err))
	}
	return err
}

// drop 在讀取週期內發生無法復原的錯誤後捨棄連線
func (c *connection) drop() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.state.Store(int32(StateDisconnected))
}

// write 寫入完整訊框
func (c *connection) write(frame []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	for len(frame) > 0 {
		n, err := c.conn.Write(frame)
		if err != nil {
			return err
		}
		frame = frame[n:]
	}
	return nil
}

// readFull 讀取剛好 len(buf) bytes
func (c *connection) readFull(buf []byte) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	_, err := io.ReadFull(c.conn, buf)
	return err
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
