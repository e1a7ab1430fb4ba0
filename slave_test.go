package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"modbus-poller/mbtcp"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// startDevSlave 在 loopback 的空閒埠上啟動預設暫存器的從站
func startDevSlave(t *testing.T) *DevSlave {
	t.Helper()
	cfg := DefaultConfig().Simulator
	cfg.Port = freePort(t)

	slave, err := NewDevSlave(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, slave.Start(context.Background()))
	t.Cleanup(func() { slave.Stop(context.Background()) })
	return slave
}

func TestSlaveState_String(t *testing.T) {
	assert.Equal(t, "stopped", SlaveStateStopped.String())
	assert.Equal(t, "running", SlaveStateRunning.String())
	assert.Equal(t, "unknown", SlaveState(42).String())
}

func TestNewDevSlave_SeedsRegisters(t *testing.T) {
	slave, err := NewDevSlave(DefaultConfig().Simulator, nil)
	require.NoError(t, err)

	assert.Equal(t, uint16(2200), slave.Register(0))
	assert.Equal(t, uint16(1550), slave.Register(1))
	assert.Equal(t, uint16(6000), slave.Register(2))
	assert.Equal(t, uint16(950), slave.Register(5))

	power, err := mbtcp.Decode([]uint16{slave.Register(6), slave.Register(7)}, mbtcp.DataTypeFloat32, 1)
	require.NoError(t, err)
	assert.InDelta(t, 3300.0, power[0], 0.001)
}

func TestNewDevSlave_InvalidRegister(t *testing.T) {
	cfg := DefaultConfig().Simulator
	cfg.Registers = []RegisterDefinition{{Address: 0, Name: "bad", DataType: "float64"}}
	_, err := NewDevSlave(cfg, nil)
	assert.Error(t, err)

	cfg.Registers = []RegisterDefinition{{Address: 65535, Name: "tail", DataType: "uint32", Value: 1}}
	_, err = NewDevSlave(cfg, nil)
	assert.Error(t, err)
}

func TestDevSlave_StartStop(t *testing.T) {
	slave := startDevSlave(t)
	assert.Equal(t, SlaveStateRunning, slave.State())

	// 運行中不可寫入
	assert.Error(t, slave.SetRegisters(10, []uint16{1}))
	assert.Error(t, slave.Start(context.Background()))

	require.NoError(t, slave.Stop(context.Background()))
	assert.Equal(t, SlaveStateStopped, slave.State())
	assert.NoError(t, slave.Stop(context.Background()))

	require.NoError(t, slave.SetRegisters(10, []uint16{0xBEEF}))
	assert.Equal(t, uint16(0xBEEF), slave.Register(10))
}

func TestDevSlave_StopsOnContextCancel(t *testing.T) {
	cfg := DefaultConfig().Simulator
	cfg.Port = freePort(t)
	slave, err := NewDevSlave(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, slave.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool {
		return slave.State() == SlaveStateStopped
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDevSlave_ServesClient(t *testing.T) {
	slave := startDevSlave(t)
	host, portStr, err := net.SplitHostPort(slave.Addr())
	require.NoError(t, err)
	port, err := net.LookupPort("tcp", portStr)
	require.NoError(t, err)

	client := mbtcp.New(host, uint16(port), 1)
	defer client.Disconnect()

	data, err := client.ReadHoldingRegisters(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{2200, 1550, 6000}, data.Result)
}
