package util

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
)

// Errors collects multiple errors, e.g. every missing environment variable
// during configuration, and reports them as one.
type Errors []error

func (e Errors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// RequireEnv returns the value of the environment variable `name`. If it is
// unset or empty, an error is appended to `errs`.
func RequireEnv(name string, errs *Errors) string {
	value := os.Getenv(name)
	if value == "" {
		*errs = append(*errs, fmt.Errorf("environment variable %s must be set", name))
	}
	return value
}

// UnknownClient identifies requests whose source address can't be determined.
const UnknownClient = "unknown"

// TrustedProxies are the networks whose forwarding headers are believed.
type TrustedProxies []*net.IPNet

// ParseTrustedProxies parses addresses and CIDR ranges. A bare address
// trusts exactly that host.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	proxies := make(TrustedProxies, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid proxy address %q", entry)
			}
			bits := 8 * net.IPv6len
			if v4 := ip.To4(); v4 != nil {
				ip, bits = v4, 8*net.IPv4len
			}
			proxies = append(proxies, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy range %q: %v", entry, err)
		}
		proxies = append(proxies, network)
	}
	return proxies, nil
}

// Contains reports whether ip belongs to a trusted proxy.
func (p TrustedProxies) Contains(ip net.IP) bool {
	for _, network := range p {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIdentifier derives the identifier used for per-client throttling.
// Forwarding headers are only read when the connection comes from a trusted
// proxy. X-Forwarded-For is walked from the right, skipping trusted hops, so
// entries a client prepends itself are never reached. X-Real-IP is the
// fallback. Otherwise the connection's remote address is used.
func ClientIdentifier(r *http.Request, trusted TrustedProxies) string {
	peer := remoteHost(r.RemoteAddr)
	if peerIP := net.ParseIP(peer); peerIP != nil && trusted.Contains(peerIP) {
		if ip := forwardedFor(r, trusted); ip != "" {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}
	if peer != "" {
		return peer
	}
	return UnknownClient
}

func forwardedFor(r *http.Request, trusted TrustedProxies) string {
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil {
			return ""
		}
		if !trusted.Contains(ip) {
			return ip.String()
		}
	}
	return ""
}

func remoteHost(remoteAddr string) string {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
