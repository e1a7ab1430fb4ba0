//go:build integration

package main

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"modbus-poller/mbtcp"
)

func TestSlaveIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	logger, _ := zap.NewDevelopment()
	cfg := DefaultConfig().Simulator
	cfg.Port = freePort(t)

	slave, err := NewDevSlave(cfg, logger)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, slave.Start(ctx))
	defer slave.Stop(ctx)

	// goburrow/modbus 作為參考客戶端
	handler := modbus.NewTCPClientHandler(slave.Addr())
	handler.Timeout = 5 * time.Second
	handler.SlaveId = 1
	require.NoError(t, handler.Connect())
	defer handler.Close()

	reference := modbus.NewClient(handler)

	host, portStr, err := net.SplitHostPort(slave.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client := mbtcp.New(host, uint16(port), 1, mbtcp.WithLogger(logger))
	defer client.Disconnect()

	t.Run("ReadHoldingRegisters", func(t *testing.T) {
		results, err := reference.ReadHoldingRegisters(0, 1)
		require.NoError(t, err)
		assert.Len(t, results, 2) // 1 暫存器 = 2 bytes

		voltage := float64(binary.BigEndian.Uint16(results)) / 10.0
		assert.InDelta(t, 220.0, voltage, 0.01)
	})

	// 兩個客戶端讀到的暫存器必須一致
	t.Run("MatchesReferenceClient", func(t *testing.T) {
		for _, q := range []uint16{1, 3, 8, 125} {
			raw, err := reference.ReadHoldingRegisters(0, q)
			require.NoError(t, err)

			data, err := client.ReadHoldingRegisters(0, q)
			require.NoError(t, err)
			require.Len(t, data.Result, int(q))

			for i, reg := range data.Result {
				assert.Equal(t, binary.BigEndian.Uint16(raw[2*i:]), reg)
			}
		}
	})

	t.Run("DecodedValues", func(t *testing.T) {
		data, err := client.ReadHoldingRegisters(0, 8)
		require.NoError(t, err)

		current, err := mbtcp.Decode(data.Result[1:2], mbtcp.DataTypeUint16, 100)
		require.NoError(t, err)
		assert.InDelta(t, 15.5, current[0], 0.001)

		power, err := mbtcp.Decode(data.Result[6:8], mbtcp.DataTypeFloat32, 1)
		require.NoError(t, err)
		assert.InDelta(t, 3300.0, power[0], 0.001)
	})

	t.Run("ReconnectAfterDisconnect", func(t *testing.T) {
		require.True(t, client.Disconnect())
		data, err := client.ReadHoldingRegisters(2, 1)
		require.NoError(t, err)
		assert.Equal(t, []uint16{6000}, data.Result)
	})
}

func TestEngineIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	logger, _ := zap.NewDevelopment()
	slave := startDevSlave(t)

	cfg := ExampleConfig()
	host, portStr, err := net.SplitHostPort(slave.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	cfg.Devices[0].Host = host
	cfg.Devices[0].Port = port
	cfg.Devices[0].Interval = 50 * time.Millisecond
	require.NoError(t, cfg.Validate())

	engine := NewEngine(cfg, logger)
	require.NoError(t, engine.Start(context.Background()))
	defer engine.Stop(context.Background())

	require.Eventually(t, func() bool {
		return engine.Stats().TotalPolls >= 3
	}, 3*time.Second, 20*time.Millisecond)

	samples := engine.Samples()
	require.Len(t, samples, 1)
	require.True(t, samples[0].OK(), samples[0].Error)
	require.Len(t, samples[0].Blocks, 3)
	assert.InDelta(t, 220.0, samples[0].Blocks[0].Values[0], 0.01)
	assert.InDelta(t, 3300.0, samples[0].Blocks[2].Values[0], 0.01)
}

func BenchmarkClientRead(b *testing.B) {
	cfg := DefaultConfig().Simulator
	cfg.Port = 5504

	slave, err := NewDevSlave(cfg, zap.NewNop())
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	if err := slave.Start(ctx); err != nil {
		b.Fatal(err)
	}
	defer slave.Stop(ctx)

	client := mbtcp.New("127.0.0.1", 5504, 1)
	defer client.Disconnect()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := client.ReadHoldingRegisters(0, 10); err != nil {
			b.Fatal(err)
		}
	}
}
