package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/viper"

	"modbus-poller/mbtcp"
)

// Config 全域配置
type Config struct {
	Client    ClientConfig    `json:"client" mapstructure:"client"`
	Devices   []DeviceConfig  `json:"devices" mapstructure:"devices"`
	Simulator SimulatorConfig `json:"simulator" mapstructure:"simulator"`
	Network   NetworkConfig   `json:"network" mapstructure:"network"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig   `json:"metrics" mapstructure:"metrics"`
}

// ClientConfig 客戶端配置 (所有設備共用)
type ClientConfig struct {
	ConnectTimeout  time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	Timeout         time.Duration `json:"timeout" mapstructure:"timeout"`
	SourceIP        string        `json:"source_ip" mapstructure:"source_ip"`
	GracefulTimeout time.Duration `json:"graceful_timeout" mapstructure:"graceful_timeout"`
}

// DeviceConfig 被輪詢的從站設備
type DeviceConfig struct {
	Name     string        `json:"name" mapstructure:"name"`
	Host     string        `json:"host" mapstructure:"host"`
	Port     int           `json:"port" mapstructure:"port"`
	UnitID   *uint8        `json:"unit_id,omitempty" mapstructure:"unit_id"`
	Interval time.Duration `json:"interval" mapstructure:"interval"`
	Reads    []ReadConfig  `json:"reads" mapstructure:"reads"`
}

// ReadConfig 單一讀取區塊 (保持暫存器)
type ReadConfig struct {
	Name     string  `json:"name" mapstructure:"name"`
	Address  uint16  `json:"address" mapstructure:"address"`
	Quantity uint16  `json:"quantity" mapstructure:"quantity"`
	DataType string  `json:"data_type" mapstructure:"data_type"`
	Scale    float64 `json:"scale" mapstructure:"scale"`
}

// SimulatorConfig 開發用從站配置
type SimulatorConfig struct {
	Listen    string               `json:"listen" mapstructure:"listen"`
	Port      int                  `json:"port" mapstructure:"port"`
	Registers []RegisterDefinition `json:"registers" mapstructure:"registers"`
}

// RegisterDefinition 暫存器定義
type RegisterDefinition struct {
	Address  uint16  `json:"address" mapstructure:"address"`
	Name     string  `json:"name" mapstructure:"name"`
	DataType string  `json:"data_type" mapstructure:"data_type"`
	Scale    float64 `json:"scale" mapstructure:"scale"`
	Value    float64 `json:"value" mapstructure:"value"`
}

// NetworkConfig 網路配置
type NetworkConfig struct {
	Interface string `json:"interface" mapstructure:"interface"`
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	Format string `json:"format" mapstructure:"format"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Port     int    `json:"port" mapstructure:"port"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			ConnectTimeout:  mbtcp.DefaultConnectTimeout,
			Timeout:         mbtcp.DefaultTimeout,
			GracefulTimeout: 10 * time.Second,
		},
		Devices: []DeviceConfig{},
		Simulator: SimulatorConfig{
			Listen: "127.0.0.1",
			Port:   5020,
			Registers: []RegisterDefinition{
				{Address: 0, Name: "LineVoltage", DataType: "uint16", Scale: 10, Value: 220.0},
				{Address: 1, Name: "LineCurrent", DataType: "uint16", Scale: 100, Value: 15.50},
				{Address: 2, Name: "Frequency", DataType: "uint16", Scale: 100, Value: 60.00},
				{Address: 3, Name: "TotalEnergy", DataType: "uint32", Scale: 1, Value: 0},
				{Address: 5, Name: "PowerFactor", DataType: "uint16", Scale: 1000, Value: 0.95},
				{Address: 6, Name: "ActivePower", DataType: "float32", Scale: 1, Value: 3300},
			},
		},
		Network: NetworkConfig{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
			Port:     9090,
		},
	}
}

// ExampleConfig 範例配置，輪詢本機的開發用從站
func ExampleConfig() *Config {
	cfg := DefaultConfig()
	cfg.Devices = []DeviceConfig{
		{
			Name:     "meter-1",
			Host:     cfg.Simulator.Listen,
			Port:     cfg.Simulator.Port,
			UnitID:   unitID(1),
			Interval: time.Second,
			Reads: []ReadConfig{
				{Name: "line_voltage", Address: 0, Quantity: 1, DataType: "uint16", Scale: 10},
				{Name: "total_energy", Address: 3, Quantity: 2, DataType: "uint32", Scale: 1},
				{Name: "active_power", Address: 6, Quantity: 2, DataType: "float32", Scale: 1},
			},
		},
	}
	return cfg
}

// LoadConfig 載入配置檔
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mbpoll/")
		v.AddConfigPath("$HOME/.mbpoll/")
	}

	// 環境變數覆蓋
	v.SetEnvPrefix("MBPOLL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		// 配置檔不存在，使用預設值
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// applyDefaults 補齊設備層級的預設值
func (c *Config) applyDefaults() {
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Port == 0 {
			d.Port = mbtcp.DefaultPort
		}
		// 0 是合法的 unit id，只有未設定時才補預設值
		if d.UnitID == nil {
			d.UnitID = unitID(1)
		}
		if d.Interval == 0 {
			d.Interval = time.Second
		}
	}
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if c.Client.ConnectTimeout <= 0 {
		return fmt.Errorf("連線逾時必須大於 0")
	}
	if c.Client.Timeout <= 0 {
		return fmt.Errorf("讀寫逾時必須大於 0")
	}
	if c.Client.SourceIP != "" && net.ParseIP(c.Client.SourceIP) == nil {
		return fmt.Errorf("無效的來源 IP: %s", c.Client.SourceIP)
	}

	names := make(map[string]struct{}, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		if err := d.Validate(); err != nil {
			return fmt.Errorf("設備 %q 驗證失敗: %w", d.Name, err)
		}
		if _, dup := names[d.Name]; dup {
			return fmt.Errorf("設備名稱重複: %s", d.Name)
		}
		names[d.Name] = struct{}{}
	}

	if c.Simulator.Port < 1 || c.Simulator.Port > 65535 {
		return fmt.Errorf("無效的模擬器埠號: %d", c.Simulator.Port)
	}
	for _, r := range c.Simulator.Registers {
		if _, err := mbtcp.ParseDataType(r.DataType); err != nil {
			return fmt.Errorf("暫存器 %q: %w", r.Name, err)
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("無效的日誌等級: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("無效的日誌格式: %s", c.Logging.Format)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("無效的指標埠號: %d", c.Metrics.Port)
	}

	return nil
}

// Unit 設備的 unit id，未設定時為 1
func (d *DeviceConfig) Unit() uint8 {
	if d.UnitID == nil {
		return 1
	}
	return *d.UnitID
}

func unitID(id uint8) *uint8 {
	return &id
}

// Validate 驗證設備配置
func (d *DeviceConfig) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("必須指定設備名稱")
	}
	if d.Host == "" {
		return fmt.Errorf("必須指定主機位址")
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("無效的埠號: %d", d.Port)
	}
	if d.Interval <= 0 {
		return fmt.Errorf("輪詢間隔必須大於 0")
	}
	if len(d.Reads) == 0 {
		return fmt.Errorf("至少需要一個讀取區塊")
	}
	for _, r := range d.Reads {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("讀取區塊 %q: %w", r.Name, err)
		}
	}
	return nil
}

// Validate 驗證讀取區塊
func (r *ReadConfig) Validate() error {
	if r.Quantity < 1 || r.Quantity > mbtcp.MaxRegistersPerRead {
		return fmt.Errorf("數量必須介於 1-%d: %d", mbtcp.MaxRegistersPerRead, r.Quantity)
	}
	dt, err := mbtcp.ParseDataType(r.DataType)
	if err != nil {
		return err
	}
	if int(r.Quantity)%dt.RegisterCount() != 0 {
		return fmt.Errorf("數量 %d 不是 %s 暫存器數 %d 的整數倍", r.Quantity, dt, dt.RegisterCount())
	}
	return nil
}

// SaveConfig 儲存配置到檔案
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	return nil
}

// ParsedSourceIP 解析來源 IP，未設定時回傳 nil
func (c *ClientConfig) ParsedSourceIP() net.IP {
	if c.SourceIP == "" {
		return nil
	}
	return net.ParseIP(c.SourceIP)
}
