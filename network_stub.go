//go:build !linux

package main

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// StubChecker 非 Linux 平台的檢查器
type StubChecker struct {
	baseChecker
}

func newPlatformChecker(interfaceName string, logger *zap.Logger) SourceChecker {
	return &StubChecker{
		baseChecker: baseChecker{
			InterfaceName: interfaceName,
			Logger:        logger,
		},
	}
}

// Check 確認 IP 已配置在介面上
func (c *StubChecker) Check(ctx context.Context, ip net.IP) error {
	if err := validateSource(ip); err != nil {
		return err
	}

	ips, err := c.List(ctx)
	if err != nil {
		return err
	}

	return c.checkIn(ip, ips)
}

// List 列出介面上的 IP (使用標準函式庫)
func (c *StubChecker) List(ctx context.Context) ([]net.IP, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var addrs []net.Addr
	var err error
	if c.InterfaceName != "" {
		iface, ierr := net.InterfaceByName(c.InterfaceName)
		if ierr != nil {
			return nil, fmt.Errorf("找不到網路介面 %s: %w", c.InterfaceName, ierr)
		}
		addrs, err = iface.Addrs()
	} else {
		addrs, err = net.InterfaceAddrs()
	}
	if err != nil {
		return nil, fmt.Errorf("取得本地 IP 失敗: %w", err)
	}

	var ips []net.IP
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			ips = append(ips, ipNet.IP)
		}
	}

	return ips, nil
}
