// Package netcheck answers whether the machine currently has a usable
// network connection, for deciding if a partially downloaded book can be
// streamed.
package netcheck

import (
	"net/netip"
	"strings"

	"github.com/austinkregel/local-media/audiobookd/internal/log"
	"github.com/samber/lo"
	psnet "github.com/shirou/gopsutil/v3/net"
)

var logger = log.For("netcheck")

// Lister returns the host's network interfaces
type Lister func() (psnet.InterfaceStatList, error)

// Checker reports connectivity from interface state. An interface counts
// when it is up, is not loopback, and has a routable address.
type Checker struct {
	list Lister
	// only these interfaces count when non-empty
	required []string
}

// NewChecker creates a checker over the host's interfaces. required limits
// the check to the named interfaces.
func NewChecker(required []string) *Checker {
	return &Checker{list: psnet.Interfaces, required: required}
}

// WithLister swaps the interface source
func (c *Checker) WithLister(l Lister) *Checker {
	c.list = l
	return c
}

// IsConnected reports whether any qualifying interface is up
func (c *Checker) IsConnected() bool {
	ifaces, err := c.list()
	if err != nil {
		logger.WithError(err).Warn("failed to list interfaces")
		return false
	}

	up := lo.Filter(ifaces, func(i psnet.InterfaceStat, _ int) bool {
		if len(c.required) > 0 && !lo.Contains(c.required, i.Name) {
			return false
		}
		return lo.Contains(i.Flags, "up") &&
			!lo.Contains(i.Flags, "loopback") &&
			lo.SomeBy(i.Addrs, func(a psnet.InterfaceAddr) bool { return routable(a.Addr) })
	})

	logger.Debugf("%d usable interfaces", len(up))
	return len(up) > 0
}

// routable accepts "addr" or "addr/prefix" and rejects loopback and
// link-local addresses
func routable(s string) bool {
	s, _, _ = strings.Cut(s, "/")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	return !addr.IsLoopback() && !addr.IsLinkLocalUnicast() && !addr.IsUnspecified()
}
