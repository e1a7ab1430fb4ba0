package main

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// SourceChecker 來源位址檢查器介面
type SourceChecker interface {
	// Check 確認 IP 已配置在本機介面上
	Check(ctx context.Context, ip net.IP) error

	// List 列出介面上的 IP
	List(ctx context.Context) ([]net.IP, error)
}

// NewSourceChecker 建立來源位址檢查器，interfaceName 為空時檢查所有介面
func NewSourceChecker(interfaceName string, logger *zap.Logger) SourceChecker {
	return newPlatformChecker(interfaceName, logger)
}

// baseChecker 共用邏輯
type baseChecker struct {
	InterfaceName string
	Logger        *zap.Logger
}

// validateSource 過濾無法作為來源的位址
func validateSource(ip net.IP) error {
	switch {
	case ip == nil:
		return fmt.Errorf("未指定來源 IP")
	case ip.IsUnspecified():
		return fmt.Errorf("來源 IP 不可為未指定位址: %s", ip)
	case ip.IsMulticast():
		return fmt.Errorf("來源 IP 不可為多播位址: %s", ip)
	}
	return nil
}

// checkIn 在已列出的位址中尋找 ip
func (c *baseChecker) checkIn(ip net.IP, ips []net.IP) error {
	for _, candidate := range ips {
		if candidate.Equal(ip) {
			c.Logger.Debug("來源 IP 已配置", zap.String("ip", ip.String()))
			return nil
		}
	}

	where := c.InterfaceName
	if where == "" {
		where = "任何介面"
	}
	return fmt.Errorf("來源 IP %s 未配置在 %s 上", ip, where)
}
