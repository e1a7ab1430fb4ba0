// Package mbtcp 實作 Modbus TCP 主站 (master) 客戶端。
//
// 一個 Client 對應一個從站端點，同一時間只會有一筆請求在傳輸中，
// 呼叫端必須自行序列化對同一個 Client 的呼叫。需要同時輪詢多個設備時，
// 請為每個設備建立各自的 Client。
package mbtcp

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Client Modbus TCP 主站客戶端
type Client struct {
	host   string
	port   uint16
	unitID uint8

	tid    uint16
	conn   connection
	stats  ClientStats
	logger *zap.Logger
}

// ClientStats 客戶端統計資訊
type ClientStats struct {
	RequestCount  atomic.Uint64
	ErrorCount    atomic.Uint64
	BytesSent     atomic.Uint64
	BytesReceived atomic.Uint64
	LastElapsedMs atomic.Int64
	LastRequestAt atomic.Int64
}

// Option 客戶端配置選項
type Option func(*Client)

// WithLogger 設定日誌
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithConnectTimeout 設定連線逾時
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.conn.connectTimeout = d
		}
	}
}

// WithTimeout 設定讀寫逾時
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.conn.timeout = d
		}
	}
}

// WithLocalAddr 指定連線使用的來源 IP
func WithLocalAddr(ip net.IP) Option {
	return func(c *Client) {
		if ip != nil {
			c.conn.localAddr = &net.TCPAddr{IP: ip}
		}
	}
}

// New 建立客戶端，初始狀態為未連線
func New(host string, port uint16, unitID uint8, opts ...Option) *Client {
	c := &Client{
		host:   host,
		port:   port,
		unitID: unitID,
	}
	c.conn.addr = net.JoinHostPort(host, strconv.Itoa(int(port)))
	c.conn.connectTimeout = DefaultConnectTimeout
	c.conn.timeout = DefaultTimeout

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("addr", c.conn.addr))
	c.conn.logger = c.logger

	return c
}

// Addr 從站位址 host:port
func (c *Client) Addr() string {
	return c.conn.addr
}

// State 取得連線狀態
func (c *Client) State() State {
	return c.conn.State()
}

// IsConnected 是否已連線
func (c *Client) IsConnected() bool {
	return c.conn.State() == StateConnected
}

// Stats 取得統計資訊
func (c *Client) Stats() *ClientStats {
	return &c.stats
}

// Connect 建立連線，失敗時回傳 false 並維持未連線
func (c *Client) Connect() bool {
	return c.conn.open() == nil
}

// Disconnect 關閉連線；未連線時不做任何事並回傳 true
func (c *Client) Disconnect() bool {
	return c.conn.close() == nil
}

// SetUnitID 設定後續請求使用的 unit id
func (c *Client) SetUnitID(id uint8) {
	c.unitID = id
}

// UnitID 取得目前的 unit id
func (c *Client) UnitID() uint8 {
	return c.unitID
}

// Read 依請求的功能碼分派，目前只有讀取保持暫存器有實作
func (c *Client) Read(req ReadRequest) (*Data, error) {
	switch req.Function {
	case FuncReadHoldingRegisters:
		return c.ReadHoldingRegisters(req.Address, req.Quantity)
	default:
		c.logger.Error("不支援的功能", zap.Stringer("request", req))
		return nil, fmt.Errorf("%w: %s", ErrInvalidFunction, req.Function)
	}
}

// ReadHoldingRegisters 讀取保持暫存器 (FC 03)
func (c *Client) ReadHoldingRegisters(address, quantity uint16) (*Data, error) {
	data, err := c.readHoldingRegisters(address, quantity)
	if err != nil {
		c.stats.ErrorCount.Add(1)
		c.logger.Warn("讀取保持暫存器失敗",
			zap.Uint8("unit_id", c.unitID),
			zap.Uint16("address", address),
			zap.Uint16("quantity", quantity),
			zap.Stringer("kind", KindOf(err)),
			zap.Error(err),
		)
		return nil, err
	}
	return data, nil
}

func (c *Client) readHoldingRegisters(address, quantity uint16) (*Data, error) {
	c.stats.RequestCount.Add(1)
	c.stats.LastRequestAt.Store(time.Now().UnixMilli())

	if c.conn.conn == nil {
		if err := c.conn.open(); err != nil {
			return nil, &IOError{Op: "connect " + c.conn.addr, Err: fmt.Errorf("%w: %v", errConnect, err)}
		}
	}

	c.tid++
	tid := c.tid
	unitID := c.unitID

	request, err := EncodeReadHoldingRegisters(tid, unitID, address, quantity)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	if err := c.conn.write(request); err != nil {
		c.conn.drop()
		return nil, wrapIO("write", err)
	}
	c.stats.BytesSent.Add(uint64(len(request)))

	header := make([]byte, HeaderLength)
	if err := c.conn.readFull(header); err != nil {
		c.conn.drop()
		return nil, wrapIO("read header", err)
	}

	total, err := ResolveFrameLength(header, FuncReadHoldingRegisters)
	if err != nil {
		// 長度不可信，剩餘資料無法對齊
		c.conn.drop()
		return nil, err
	}

	frame := make([]byte, total)
	copy(frame, header)
	if err := c.conn.readFull(frame[HeaderLength:]); err != nil {
		c.conn.drop()
		return nil, wrapIO("read body", err)
	}
	c.stats.BytesReceived.Add(uint64(total))

	if err := verifyEcho(frame, tid, unitID); err != nil {
		// 回應不屬於本次請求，串流已不同步
		c.conn.drop()
		return nil, err
	}

	registers, err := DecodeReadHoldingRegistersResponse(frame)
	if err != nil {
		return nil, err
	}
	if len(registers) != int(quantity) {
		return nil, invalidResponse("暫存器數量 %d 與請求 %d 不符", len(registers), quantity)
	}

	elapsed := time.Since(start).Milliseconds()
	c.stats.LastElapsedMs.Store(elapsed)
	return NewData(registers, &elapsed), nil
}

// verifyEcho 確認回應的 transaction id 與 unit id 與請求一致
func verifyEcho(frame []byte, tid uint16, unitID uint8) error {
	header, err := ParseHeader(frame)
	if err != nil {
		return err
	}
	if header.TransactionID != tid {
		return invalidResponse("transaction id 不符: got=%d want=%d", header.TransactionID, tid)
	}
	if got := frame[HeaderLength]; got != unitID {
		return invalidResponse("unit id 不符: got=%d want=%d", got, unitID)
	}
	return nil
}
