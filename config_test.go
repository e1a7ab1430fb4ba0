package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-poller/mbtcp"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, mbtcp.DefaultConnectTimeout, cfg.Client.ConnectTimeout)
	assert.Equal(t, mbtcp.DefaultTimeout, cfg.Client.Timeout)
	assert.Equal(t, 5020, cfg.Simulator.Port)
	assert.Empty(t, cfg.Devices)
	assert.True(t, cfg.Metrics.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestExampleConfig(t *testing.T) {
	cfg := ExampleConfig()
	require.NoError(t, cfg.Validate())
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, cfg.Simulator.Port, cfg.Devices[0].Port)
}

func validDevice() DeviceConfig {
	return DeviceConfig{
		Name:     "meter",
		Host:     "127.0.0.1",
		Port:     502,
		UnitID:   unitID(1),
		Interval: time.Second,
		Reads: []ReadConfig{
			{Name: "voltage", Address: 0, Quantity: 1, DataType: "uint16", Scale: 10},
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "valid device",
			modify: func(c *Config) {
				c.Devices = []DeviceConfig{validDevice()}
			},
			wantErr: false,
		},
		{
			name: "zero connect timeout",
			modify: func(c *Config) {
				c.Client.ConnectTimeout = 0
			},
			wantErr: true,
		},
		{
			name: "zero timeout",
			modify: func(c *Config) {
				c.Client.Timeout = 0
			},
			wantErr: true,
		},
		{
			name: "invalid source ip",
			modify: func(c *Config) {
				c.Client.SourceIP = "not-an-ip"
			},
			wantErr: true,
		},
		{
			name: "device port too high",
			modify: func(c *Config) {
				d := validDevice()
				d.Port = 70000
				c.Devices = []DeviceConfig{d}
			},
			wantErr: true,
		},
		{
			name: "device without host",
			modify: func(c *Config) {
				d := validDevice()
				d.Host = ""
				c.Devices = []DeviceConfig{d}
			},
			wantErr: true,
		},
		{
			name: "device without reads",
			modify: func(c *Config) {
				d := validDevice()
				d.Reads = nil
				c.Devices = []DeviceConfig{d}
			},
			wantErr: true,
		},
		{
			name: "duplicate device names",
			modify: func(c *Config) {
				c.Devices = []DeviceConfig{validDevice(), validDevice()}
			},
			wantErr: true,
		},
		{
			name: "quantity too high",
			modify: func(c *Config) {
				d := validDevice()
				d.Reads[0].Quantity = 126
				c.Devices = []DeviceConfig{d}
			},
			wantErr: true,
		},
		{
			name: "quantity not a multiple of data type width",
			modify: func(c *Config) {
				d := validDevice()
				d.Reads[0].DataType = "float32"
				d.Reads[0].Quantity = 3
				c.Devices = []DeviceConfig{d}
			},
			wantErr: true,
		},
		{
			name: "unknown data type",
			modify: func(c *Config) {
				d := validDevice()
				d.Reads[0].DataType = "float64"
				c.Devices = []DeviceConfig{d}
			},
			wantErr: true,
		},
		{
			name: "invalid simulator port",
			modify: func(c *Config) {
				c.Simulator.Port = 0
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Logging.Level = "verbose"
			},
			wantErr: true,
		},
		{
			name: "metrics port ignored when disabled",
			modify: func(c *Config) {
				c.Metrics.Enabled = false
				c.Metrics.Port = 0
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_SaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.json")

	cfg := ExampleConfig()
	cfg.Client.Timeout = 250 * time.Millisecond
	cfg.Devices[0].UnitID = unitID(17)

	err := cfg.SaveConfig(configPath)
	require.NoError(t, err)

	_, err = os.Stat(configPath)
	require.NoError(t, err)

	loadedCfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, cfg.Client.Timeout, loadedCfg.Client.Timeout)
	require.Len(t, loadedCfg.Devices, 1)
	assert.Equal(t, uint8(17), loadedCfg.Devices[0].Unit())
	assert.Equal(t, cfg.Devices[0].Reads, loadedCfg.Devices[0].Reads)
}

func TestLoadConfig_AppliesDeviceDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	content := `{
  "client": {"connect_timeout": "2s", "timeout": "500ms"},
  "devices": [
    {
      "name": "plc",
      "host": "10.0.0.5",
      "reads": [{"name": "status", "address": 100, "quantity": 4}]
    }
  ]
}`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Client.ConnectTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Client.Timeout)
	require.Len(t, cfg.Devices, 1)
	d := cfg.Devices[0]
	assert.Equal(t, mbtcp.DefaultPort, d.Port)
	require.NotNil(t, d.UnitID)
	assert.Equal(t, uint8(1), d.Unit())
	assert.Equal(t, time.Second, d.Interval)
}

func TestLoadConfig_KeepsUnitIDZero(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	content := `{"devices": [{"name": "gw", "host": "10.0.0.5", "unit_id": 0, "reads": [{"name": "x", "quantity": 1}]}]}`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	require.Len(t, cfg.Devices, 1)
	require.NotNil(t, cfg.Devices[0].UnitID)
	assert.Equal(t, uint8(0), cfg.Devices[0].Unit())
}

func TestLoadConfig_Invalid(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	content := `{"devices": [{"name": "plc", "host": "10.0.0.5", "reads": [{"name": "x", "quantity": 200}]}]}`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	_, err := LoadConfig(configPath)
	assert.Error(t, err)
}

func TestClientConfig_ParsedSourceIP(t *testing.T) {
	c := ClientConfig{}
	assert.Nil(t, c.ParsedSourceIP())

	c.SourceIP = "192.168.1.10"
	assert.Equal(t, "192.168.1.10", c.ParsedSourceIP().String())
}
