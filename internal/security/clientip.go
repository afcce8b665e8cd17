// clientip.go: proxy-aware client addressing. X-Forwarded-For is only
// honored when the directly connected peer is a trusted proxy, otherwise a
// client could spoof its way past per-IP rate limits.
package security

import (
	"net"
	"net/http"
	"strings"
)

// ParseTrustedProxies parses the configured proxy CIDRs, skipping entries
// that do not parse. A bare address is treated as a /32 (or /128).
func ParseTrustedProxies(cidrs []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			if ip := net.ParseIP(raw); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			}
			continue
		}
		if _, ipnet, err := net.ParseCIDR(raw); err == nil {
			nets = append(nets, ipnet)
		}
	}
	return nets
}

func isTrusted(ip net.IP, proxies []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, n := range proxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP resolves the real client address of a request. When the peer is a
// trusted proxy, the X-Forwarded-For chain is walked right to left and the
// first untrusted hop wins. Otherwise the peer address is returned as-is.
func ClientIP(r *http.Request, proxies []*net.IPNet) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}

	peerIP := net.ParseIP(peer)
	if !isTrusted(peerIP, proxies) {
		return peer
	}

	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return peer
	}

	hops := strings.Split(forwarded, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		ip := net.ParseIP(hop)
		if ip == nil {
			break
		}
		if !isTrusted(ip, proxies) {
			return hop
		}
	}
	return peer
}
