package transport

import (
	"fmt"
	"net"
)

// IsPrivateEndpoint reports whether ep resolves to an RFC 1918 or
// link-local address, the test §4.5/§8 uses for the localNetworkOnly
// policy (property 7). This is plain address classification with no
// protocol behind it, so it stays on net.IP rather than reaching for a
// library — there's no ecosystem concern here beyond what the standard
// library already models precisely.
func IsPrivateEndpoint(ep EndPoint) bool {
	ip := net.ParseIP(ep.Host)
	if ip == nil {
		addrs, err := net.LookupIP(ep.Host)
		if err != nil || len(addrs) == 0 {
			return false
		}
		ip = addrs[0]
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

var privateBlocks = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"fc00::/7",
	}
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, block, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, block)
	}
	return out
}()

func splitHostPort(addr string) (string, string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", "", fmt.Errorf("transport: split remote addr %q: %w", addr, err)
	}
	return host, port, nil
}
