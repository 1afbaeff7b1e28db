package ratelimit

import (
	"net"
	"strings"
)

// Key derivation strategies. Raw network addresses are never used as bucket
// keys: the last IPv4 octet (or the trailing IPv6 groups) is zeroed first.

// ByIdentity keys the bucket on a caller identity such as a member id.
func ByIdentity(id string) string {
	return "id:" + strings.TrimSpace(id)
}

// ByAddress keys the bucket on an anonymized network address.
func ByAddress(addr string) string {
	return "ip:" + anonymizeAddr(addr)
}

// ByEmail keys the bucket on a normalized contact address.
func ByEmail(email string) string {
	return "email:" + strings.ToLower(strings.TrimSpace(email))
}

// ByEndpoint keys the bucket on an endpoint plus anonymized address, so one
// noisy caller cannot exhaust an endpoint budget shared with others.
func ByEndpoint(endpoint, addr string) string {
	return "ep:" + strings.TrimSpace(endpoint) + ":" + anonymizeAddr(addr)
}

func anonymizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return "unknown"
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return ip.Mask(net.CIDRMask(48, 128)).String()
}
