//go:build linux

// Package network brings the guest's interfaces up far enough to reach the
// image registry. The loopback device is always raised; a configured
// interface additionally gets a static address and default route.
package network

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"

	"github.com/realmkit/realmkit/internal/log"
)

// Test dependencies
var (
	linkByName = netlink.LinkByName
	linkSetUp  = netlink.LinkSetUp
	addrAdd    = netlink.AddrAdd
	routeAdd   = netlink.RouteAdd
	parseAddr  = netlink.ParseAddr
)

// Config is the optional network block of the guest configuration.
type Config struct {
	// Interface is the device to configure, e.g. "eth0".
	Interface string `yaml:"interface"`

	// Address is the CIDR address to assign, e.g. "192.168.100.2/24".
	Address string `yaml:"address"`

	// Gateway is the default route target; empty skips the route.
	Gateway string `yaml:"gateway"`
}

// Setup raises loopback and, when cfg names an interface, configures it.
func Setup(ctx context.Context, cfg *Config) error {
	lo, err := linkByName("lo")
	if err != nil {
		return errors.Wrap(err, "find loopback device")
	}
	if err := linkSetUp(lo); err != nil {
		return errors.Wrap(err, "raise loopback device")
	}

	if cfg == nil || cfg.Interface == "" {
		log.G(ctx).Debug("no network interface configured")
		return nil
	}

	link, err := linkByName(cfg.Interface)
	if err != nil {
		return errors.Wrapf(err, "find device %s", cfg.Interface)
	}
	if err := linkSetUp(link); err != nil {
		return errors.Wrapf(err, "raise device %s", cfg.Interface)
	}

	if cfg.Address != "" {
		addr, err := parseAddr(cfg.Address)
		if err != nil {
			return errors.Wrapf(err, "parse address %q", cfg.Address)
		}
		if err := addrAdd(link, addr); err != nil {
			return errors.Wrapf(err, "assign %s to %s", cfg.Address, cfg.Interface)
		}
	}

	if cfg.Gateway != "" {
		gw := net.ParseIP(cfg.Gateway)
		if gw == nil {
			return errors.Errorf("invalid gateway address %q", cfg.Gateway)
		}
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Gw:        gw,
		}
		if err := routeAdd(route); err != nil {
			return errors.Wrapf(err, "add default route via %s", cfg.Gateway)
		}
	}

	log.G(ctx).WithFields(map[string]interface{}{
		"interface": cfg.Interface,
		"address":   cfg.Address,
		"gateway":   cfg.Gateway,
	}).Info("network configured")
	return nil
}
