package sip

import (
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
)

// rfc1918 holds the private IPv4 ranges used for the NAT-traversal
// exception.
var rfc1918 = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

// Admission decides whether an inbound INVITE source is allowed to ring
// the assistant. Rules, evaluated in order:
//
//  1. filter disabled (runtime toggle) → allow
//  2. source IP inside the configured allowlist → allow
//  3. source IP is RFC1918 private AND the caller URI carries the
//     configured public server IP or the provider hostname → allow; the
//     provider rewrites Contact headers to private addresses behind its
//     NAT, so the URI is the only trustworthy hint left
//  4. otherwise → reject
type Admission struct {
	logger *slog.Logger

	enabled atomic.Bool

	mu               sync.RWMutex
	allowed          []netip.Prefix
	publicIP         string
	providerHostname string
}

// Verdict is the outcome of an admission check, carrying the matched rule
// for logging and events.
type Verdict struct {
	Allowed bool
	Rule    string // "disabled", "allowlist", "nat-exception", "denied"
}

// NewAdmission builds the filter from configuration. Entries may be CIDR
// prefixes or single IPs. The filter starts enabled.
func NewAdmission(cidrs []string, publicIP, providerHostname string, logger *slog.Logger) (*Admission, error) {
	a := &Admission{
		logger:           logger.With("subsystem", "admission"),
		publicIP:         publicIP,
		providerHostname: strings.ToLower(providerHostname),
	}
	a.enabled.Store(true)

	for _, c := range cidrs {
		prefix, err := parseCIDROrIP(c)
		if err != nil {
			return nil, err
		}
		a.allowed = append(a.allowed, prefix)
	}

	a.logger.Info("admission filter initialized",
		"networks", len(a.allowed),
		"provider", providerHostname,
	)
	return a, nil
}

// SetEnabled toggles the filter at runtime.
func (a *Admission) SetEnabled(enabled bool) {
	a.enabled.Store(enabled)
	a.logger.Info("admission filter toggled", "enabled", enabled)
}

// Enabled reports whether the filter is active.
func (a *Admission) Enabled() bool {
	return a.enabled.Load()
}

// Networks returns the configured allowlist as strings.
func (a *Admission) Networks() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.allowed))
	for i, p := range a.allowed {
		out[i] = p.String()
	}
	return out
}

// Check evaluates the admission rules for a source IP and caller URI.
func (a *Admission) Check(remoteIP, callerURI string) Verdict {
	if !a.enabled.Load() {
		return Verdict{Allowed: true, Rule: "disabled"}
	}

	addr, err := parseAddr(remoteIP)
	if err != nil {
		a.logger.Warn("unparseable source ip, rejecting", "ip", remoteIP, "error", err)
		return Verdict{Allowed: false, Rule: "denied"}
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, prefix := range a.allowed {
		if prefix.Contains(addr) {
			return Verdict{Allowed: true, Rule: "allowlist"}
		}
	}

	if isPrivate(addr) {
		uri := strings.ToLower(callerURI)
		if a.publicIP != "" && strings.Contains(uri, strings.ToLower(a.publicIP)) {
			return Verdict{Allowed: true, Rule: "nat-exception"}
		}
		if a.providerHostname != "" && strings.Contains(uri, a.providerHostname) {
			return Verdict{Allowed: true, Rule: "nat-exception"}
		}
	}

	return Verdict{Allowed: false, Rule: "denied"}
}

// isPrivate reports whether addr falls inside an RFC1918 range.
func isPrivate(addr netip.Addr) bool {
	for _, p := range rfc1918 {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// parseCIDROrIP parses a string as either a CIDR prefix or a single IP address.
// Single IPs are converted to /32 (IPv4) or /128 (IPv6) prefixes.
func parseCIDROrIP(s string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(s)
	if err == nil {
		return prefix, nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}

	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// parseAddr parses an IP string that may include a port (e.g. "192.168.1.1:5060")
// and returns just the address portion.
func parseAddr(ipStr string) (netip.Addr, error) {
	if host, _, err := net.SplitHostPort(ipStr); err == nil {
		return netip.ParseAddr(host)
	}
	return netip.ParseAddr(ipStr)
}
