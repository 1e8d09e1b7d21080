package utils

import (
	"net"
	"strings"
)

// HostInterface is the part of a network interface the relay heuristic reads.
type HostInterface struct {
	Name  string
	Flags net.Flags
	Addrs []net.Addr
}

// tunnelNames are substrings of interface names used by VPN clients:
// OpenVPN tun/tap, WireGuard, PPP links and Cloudflare WARP.
var tunnelNames = []string{"tun", "tap", "wg", "ppp", "warp"}

// Shared address space used by carrier-grade NAT, Tailscale and WARP.
var cgnatBlock = &net.IPNet{
	IP:   net.IPv4(100, 64, 0, 0).To4(),
	Mask: net.CIDRMask(10, 32),
}

// HostInterfaces lists the interfaces of this machine with their addresses.
// Interfaces whose addresses cannot be read are returned without them.
func HostInterfaces() ([]HostInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]HostInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		hi := HostInterface{Name: iface.Name, Flags: iface.Flags}
		if addrs, err := iface.Addrs(); err == nil {
			hi.Addrs = addrs
		}
		out = append(out, hi)
	}
	return out, nil
}

// ShouldForceRelay reports whether this host looks like it is behind a VPN or
// CGNAT, where direct connections between strangers rarely succeed.
func ShouldForceRelay() bool {
	ifaces, err := HostInterfaces()
	if err != nil {
		return false
	}
	return BehindRelayNAT(ifaces)
}

// BehindRelayNAT applies the VPN/CGNAT heuristic to ifaces. Loopback and down
// interfaces are ignored.
func BehindRelayNAT(ifaces []HostInterface) bool {
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if isTunnelName(iface.Name) {
			return true
		}
		for _, addr := range iface.Addrs {
			if ip := addrIP(addr); ip != nil && cgnatBlock.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func isTunnelName(name string) bool {
	name = strings.ToLower(name)
	for _, s := range tunnelNames {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

func addrIP(addr net.Addr) net.IP {
	switch v := addr.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	}
	return nil
}
