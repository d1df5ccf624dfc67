package netinfo

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/shirou/gopsutil/net"
)

// ErrNoShareableAddress is returned when no interface has a usable address.
var ErrNoShareableAddress = errors.New("no shareable network address found")

// Resolver finds the address other devices can use to reach this host.
type Resolver struct {
	interfaces func() ([]net.InterfaceStat, error)
}

// NewResolver reads interfaces through gopsutil.
func NewResolver() *Resolver {
	return &Resolver{interfaces: func() ([]net.InterfaceStat, error) {
		return net.Interfaces()
	}}
}

// ShareAddress prefers a global IPv6 address, then a non-loopback IPv4 one.
func (r *Resolver) ShareAddress() (netip.Addr, error) {
	ifaces, err := r.interfaces()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to list network interfaces: %w", err)
	}

	var v4 netip.Addr
	for _, iface := range ifaces {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			addr, ok := parseAddr(a.Addr)
			if !ok || !addr.IsGlobalUnicast() {
				continue
			}
			if addr.Is6() && !addr.Is4In6() {
				if !addr.IsPrivate() {
					return addr, nil
				}
				continue
			}
			if !v4.IsValid() {
				v4 = addr.Unmap()
			}
		}
	}
	if v4.IsValid() {
		return v4, nil
	}
	return netip.Addr{}, ErrNoShareableAddress
}

// ShareURL returns http://<address>:<port>/ for the share address.
func (r *Resolver) ShareURL(port int) (string, error) {
	addr, err := r.ShareAddress()
	if err != nil {
		return "", err
	}
	return "http://" + netip.AddrPortFrom(addr, uint16(port)).String() + "/", nil
}

// parseAddr accepts both "addr" and "addr/prefix" forms.
func parseAddr(s string) (netip.Addr, bool) {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone(""), true
}
