package security

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ClientInfo is what the edge tells us about the caller of a session request.
type ClientInfo struct {
	IP        string
	UserAgent string
	Forwarded bool // IP came from a proxy header
}

// TrustedProxies lists the networks whose forwarding headers are believed.
// The zero value trusts nobody, so only RemoteAddr is used.
type TrustedProxies []*net.IPNet

// ParseTrustedProxies accepts CIDRs or bare addresses.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	var tp TrustedProxies
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("trusted proxy %q: not an address", e)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			tp = append(tp, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		tp = append(tp, n)
	}
	return tp, nil
}

// Contains reports whether raw is an address inside a trusted network.
func (tp TrustedProxies) Contains(raw string) bool {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return false
	}
	for _, n := range tp {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientInfoFrom resolves the caller address. Forwarding headers are read
// only when the direct peer is a trusted proxy; X-Forwarded-For is then
// walked right to left and the first untrusted hop is the client.
func ClientInfoFrom(r *http.Request, tp TrustedProxies) ClientInfo {
	info := ClientInfo{UserAgent: r.Header.Get("User-Agent"), IP: r.RemoteAddr}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		info.IP = host
	}
	if !tp.Contains(info.IP) {
		return info
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				break
			}
			info.IP, info.Forwarded = hop, true
			if !tp.Contains(hop) {
				break
			}
		}
		return info
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(real) != nil {
		info.IP, info.Forwarded = real, true
	}
	return info
}

// ClientIP is the caller address recorded on the session.
func ClientIP(r *http.Request, tp TrustedProxies) string {
	return ClientInfoFrom(r, tp).IP
}
