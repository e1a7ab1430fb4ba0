// mbpoll 是 Modbus TCP 主站輪詢工具，協定實作位於 mbtcp 套件。
package main

import (
	"fmt"
	"os"
)

// 版本資訊 (由 ldflags 注入)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mbpoll: %v\n", err)
		os.Exit(1)
	}
}
