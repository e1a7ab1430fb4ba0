//go:build linux

package main

import (
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// LinuxChecker 使用 netlink 查詢介面位址
type LinuxChecker struct {
	baseChecker
}

func newPlatformChecker(interfaceName string, logger *zap.Logger) SourceChecker {
	return &LinuxChecker{
		baseChecker: baseChecker{
			InterfaceName: interfaceName,
			Logger:        logger,
		},
	}
}

// Check 確認 IP 已配置在介面上
func (c *LinuxChecker) Check(ctx context.Context, ip net.IP) error {
	if err := validateSource(ip); err != nil {
		return err
	}

	ips, err := c.List(ctx)
	if err != nil {
		return err
	}

	return c.checkIn(ip, ips)
}

// List 列出介面上的 IP
func (c *LinuxChecker) List(ctx context.Context) ([]net.IP, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var link netlink.Link
	if c.InterfaceName != "" {
		l, err := netlink.LinkByName(c.InterfaceName)
		if err != nil {
			return nil, fmt.Errorf("找不到網路介面 %s: %w", c.InterfaceName, err)
		}
		link = l
	}

	// link 為 nil 時列出所有介面
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("列出 IP 失敗: %w", err)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ips = append(ips, addr.IP)
	}

	c.Logger.Debug("已列出介面位址",
		zap.String("interface", c.InterfaceName),
		zap.Int("count", len(ips)),
	)

	return ips, nil
}
