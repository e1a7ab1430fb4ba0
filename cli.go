package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"modbus-poller/mbtcp"
)

var (
	cfgFile   string
	logger    *zap.Logger
	appConfig *Config
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "mbpoll",
	Short: "Modbus TCP 主站輪詢工具",
	Long: `以 Modbus TCP 讀取從站保持暫存器的主站工具。
支援單次讀取、多設備持續輪詢與開發用從站。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 載入配置 (除了 version、help 與 generate 命令)
		var err error
		appConfig = DefaultConfig()
		if cmd.Name() != "version" && cmd.Name() != "help" && cmd.Name() != "generate" {
			appConfig, err = LoadConfig(cfgFile)
			if err != nil {
				if cfgFile != "" || cmd.Name() == "validate" {
					return err
				}
				// 搜尋路徑中的配置無效時使用預設值
				appConfig = DefaultConfig()
			}
		}

		logger, err = initLogger(appConfig.Logging)
		if err != nil {
			return fmt.Errorf("初始化日誌失敗: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// readCmd 單次讀取命令
var readCmd = &cobra.Command{
	Use:   "read <host> <address> <quantity>",
	Short: "讀取保持暫存器",
	Long:  "連線到從站並讀取一次保持暫存器 (功能碼 0x03)。",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var address, quantity uint16
		if _, err := fmt.Sscanf(args[1], "%d", &address); err != nil {
			return fmt.Errorf("無效的位址: %s", args[1])
		}
		if _, err := fmt.Sscanf(args[2], "%d", &quantity); err != nil {
			return fmt.Errorf("無效的數量: %s", args[2])
		}

		port, _ := cmd.Flags().GetUint16("port")
		unitID, _ := cmd.Flags().GetUint8("unit")
		typeName, _ := cmd.Flags().GetString("type")
		scale, _ := cmd.Flags().GetFloat64("scale")
		asJSON, _ := cmd.Flags().GetBool("json")
		if sourceIP, _ := cmd.Flags().GetString("source-ip"); sourceIP != "" {
			appConfig.Client.SourceIP = sourceIP
		}

		dt, err := mbtcp.ParseDataType(typeName)
		if err != nil {
			return err
		}

		if err := checkSource(cmd.Context()); err != nil {
			return err
		}

		client := mbtcp.New(args[0], port, unitID,
			mbtcp.WithLogger(logger),
			mbtcp.WithConnectTimeout(appConfig.Client.ConnectTimeout),
			mbtcp.WithTimeout(appConfig.Client.Timeout),
			mbtcp.WithLocalAddr(appConfig.Client.ParsedSourceIP()),
		)
		defer client.Disconnect()

		data, err := client.ReadHoldingRegisters(address, quantity)
		if err != nil {
			return fmt.Errorf("讀取失敗 (%s): %w", mbtcp.KindOf(err), err)
		}

		values, err := mbtcp.Decode(data.Result, dt, scale)
		if err != nil {
			return err
		}

		if asJSON {
			out := struct {
				*mbtcp.Data
				DataType string    `json:"data_type"`
				Values   []float64 `json:"values"`
			}{data, dt.String(), values}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "從站 %s (unit %d) 位址 %d 數量 %d\n", client.Addr(), unitID, address, quantity)
		for i, reg := range data.Result {
			fmt.Fprintf(w, "  [%5d] 0x%04X %6d\n", int(address)+i, reg, reg)
		}
		if dt != mbtcp.DataTypeUint16 || scale != 1 {
			fmt.Fprintf(w, "數值 (%s, scale %g):\n", dt, scale)
			for i, v := range values {
				fmt.Fprintf(w, "  [%d] %g\n", i, v)
			}
		}
		if ms, ok := data.ElapsedMillis(); ok {
			fmt.Fprintf(w, "耗時 %d ms\n", ms)
		}
		return nil
	},
}

// pollCmd 持續輪詢命令
var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "輪詢配置中的設備",
	Long:  "依配置檔的設備清單持續輪詢，直到收到 SIGINT/SIGTERM。",
	RunE: func(cmd *cobra.Command, args []string) error {
		if port, _ := cmd.Flags().GetInt("metrics-port"); port > 0 {
			appConfig.Metrics.Port = port
		}

		if err := checkSource(cmd.Context()); err != nil {
			return err
		}

		logger.Info("啟動輪詢",
			zap.Int("devices", len(appConfig.Devices)),
			zap.Duration("timeout", appConfig.Client.Timeout),
		)

		engine := NewEngine(appConfig, logger)

		// 設置優雅關閉
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("啟動引擎失敗: %w", err)
		}

		var metrics *MetricsCollector
		if appConfig.Metrics.Enabled {
			metrics = NewMetricsCollector(engine, logger)
			if err := metrics.Start(appConfig.Metrics.Endpoint, appConfig.Metrics.Port); err != nil {
				logger.Warn("啟動指標伺服器失敗", zap.Error(err))
				metrics = nil
			}
		}

		sig := <-sigChan
		logger.Info("收到關閉信號", zap.String("signal", sig.String()))

		// 優雅關閉
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), appConfig.Client.GracefulTimeout)
		defer shutdownCancel()

		if metrics != nil {
			if err := metrics.Stop(shutdownCtx); err != nil {
				logger.Warn("關閉指標伺服器失敗", zap.Error(err))
			}
		}

		if err := engine.Stop(shutdownCtx); err != nil {
			logger.Error("關閉引擎失敗", zap.Error(err))
			return err
		}

		stats := engine.Stats()
		logger.Info("輪詢已停止",
			zap.Uint64("polls", stats.TotalPolls),
			zap.Uint64("failed", stats.FailedPolls),
		)
		return nil
	},
}

// simulateCmd 開發用從站命令
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "啟動開發用從站",
	Long:  "依配置的暫存器定義啟動一個 Modbus TCP 從站，供本機開發與測試。",
	RunE: func(cmd *cobra.Command, args []string) error {
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			appConfig.Simulator.Listen = listen
		}
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			appConfig.Simulator.Port = port
		}

		slave, err := NewDevSlave(appConfig.Simulator, logger)
		if err != nil {
			return fmt.Errorf("建立從站失敗: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := slave.Start(ctx); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "從站監聽於 %s，按 Ctrl+C 結束\n", slave.Addr())
		<-ctx.Done()

		return slave.Stop(context.Background())
	},
}

// networkCmd 網路命令組
var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "網路檢查命令",
	Long:  "檢查來源位址配置。",
}

// networkCheckCmd 檢查來源 IP
var networkCheckCmd = &cobra.Command{
	Use:   "check [ip]",
	Short: "檢查來源 IP",
	Long:  "確認來源 IP 已配置在本機網路介面上。未指定時使用配置中的 client.source_ip。",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if iface, _ := cmd.Flags().GetString("interface"); iface != "" {
			appConfig.Network.Interface = iface
		}

		raw := appConfig.Client.SourceIP
		if len(args) == 1 {
			raw = args[0]
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return fmt.Errorf("無效的來源 IP: %q", raw)
		}

		checker := NewSourceChecker(appConfig.Network.Interface, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := checker.Check(ctx, ip); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "來源 IP %s 可用\n", ip)
		return nil
	},
}

// networkListCmd 列出介面 IP
var networkListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出介面 IP",
	Long:  "列出網路介面上已配置的 IP 位址。",
	RunE: func(cmd *cobra.Command, args []string) error {
		if iface, _ := cmd.Flags().GetString("interface"); iface != "" {
			appConfig.Network.Interface = iface
		}

		checker := NewSourceChecker(appConfig.Network.Interface, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ips, err := checker.List(ctx)
		if err != nil {
			return fmt.Errorf("列出 IP 失敗: %w", err)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "已配置的 IP (%d 個):\n", len(ips))
		for _, ip := range ips {
			fmt.Fprintf(w, "  - %s\n", ip.String())
		}
		return nil
	},
}

// configCmd 配置命令組
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
	Long:  "管理配置檔。",
}

// configValidateCmd 驗證配置
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "驗證配置檔",
	Long:  "驗證指定的配置檔是否有效。",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, "配置驗證通過")
		fmt.Fprintf(w, "  Devices: %d\n", len(appConfig.Devices))
		for _, d := range appConfig.Devices {
			fmt.Fprintf(w, "    - %s %s:%d unit=%d interval=%s reads=%d\n",
				d.Name, d.Host, d.Port, d.Unit(), d.Interval, len(d.Reads))
		}
		fmt.Fprintf(w, "  Timeout: %s / %s\n", appConfig.Client.ConnectTimeout, appConfig.Client.Timeout)
		fmt.Fprintf(w, "  Simulator: %s:%d (%d registers)\n",
			appConfig.Simulator.Listen, appConfig.Simulator.Port, len(appConfig.Simulator.Registers))
		return nil
	},
}

// configGenerateCmd 生成配置
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成範例配置",
	Long:  "生成範例配置檔。",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = "config.json"
		}

		cfg := ExampleConfig()
		if err := cfg.SaveConfig(output); err != nil {
			return fmt.Errorf("生成配置失敗: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "範例配置已生成: %s\n", output)
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "mbpoll version %s\n", Version)
		fmt.Fprintf(w, "  Build: %s\n", BuildTime)
		fmt.Fprintf(w, "  Commit: %s\n", GitCommit)
	},
}

func init() {
	// 全域 flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")

	// read 命令 flags
	readCmd.Flags().Uint16P("port", "p", mbtcp.DefaultPort, "從站埠號")
	readCmd.Flags().Uint8P("unit", "u", 1, "Unit ID")
	readCmd.Flags().StringP("type", "t", "uint16", "資料型別 (uint16, int16, uint32, int32, float32)")
	readCmd.Flags().Float64P("scale", "s", 1, "縮放倍率")
	readCmd.Flags().String("source-ip", "", "來源 IP")
	readCmd.Flags().Bool("json", false, "以 JSON 輸出")

	// poll 命令 flags
	pollCmd.Flags().Int("metrics-port", 0, "指標伺服器埠號")

	// simulate 命令 flags
	simulateCmd.Flags().StringP("listen", "l", "", "監聽位址")
	simulateCmd.Flags().IntP("port", "p", 0, "監聽埠號")

	// network 命令 flags
	networkCheckCmd.Flags().StringP("interface", "i", "", "網路介面 (空白表示全部)")
	networkListCmd.Flags().StringP("interface", "i", "", "網路介面 (空白表示全部)")

	// config 命令 flags
	configGenerateCmd.Flags().StringP("output", "o", "config.json", "輸出檔案路徑")

	// 組裝命令樹
	networkCmd.AddCommand(networkCheckCmd, networkListCmd)
	configCmd.AddCommand(configValidateCmd, configGenerateCmd)

	rootCmd.AddCommand(
		readCmd,
		pollCmd,
		simulateCmd,
		networkCmd,
		configCmd,
		versionCmd,
	)
}

// checkSource 設定來源 IP 時，確認該位址已配置在本機介面上
func checkSource(ctx context.Context) error {
	ip := appConfig.Client.ParsedSourceIP()
	if ip == nil {
		if appConfig.Client.SourceIP != "" {
			return fmt.Errorf("無效的來源 IP: %s", appConfig.Client.SourceIP)
		}
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	checker := NewSourceChecker(appConfig.Network.Interface, logger)
	if err := checker.Check(ctx, ip); err != nil {
		return fmt.Errorf("來源 IP 檢查失敗: %w", err)
	}
	return nil
}

func initLogger(cfg LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, fmt.Errorf("無效的日誌等級: %s", cfg.Level)
		}
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// Execute 執行 CLI
func Execute() error {
	return rootCmd.Execute()
}
