package socks5

import (
	"net"
	"sync/atomic"
)

// Deny reasons reported to the admission metrics counter and log lines.
const (
	DenyConnectionLimit = "connection_limit"
	DenyBlacklisted     = "blacklisted"
	DenyNotWhitelisted  = "not_whitelisted"
)

// Admission implements the connection-admission policy: a concurrent
// connection cap plus blacklist/whitelist CIDR matching, evaluated in that
// order (limit, then blacklist, then whitelist) against each accepted
// connection's source address before any protocol bytes are read.
type Admission struct {
	limit     int64
	count     atomic.Int64
	blacklist []*net.IPNet
	whitelist []*net.IPNet
}

// NewAdmission builds an admission controller. limit <= 0 means unlimited
// concurrent connections. An empty whitelist means every non-blacklisted
// address is admitted; a non-empty whitelist means only addresses it
// contains are admitted.
func NewAdmission(limit int64, blacklist, whitelist []*net.IPNet) *Admission {
	return &Admission{
		limit:     limit,
		blacklist: blacklist,
		whitelist: whitelist,
	}
}

// Decide evaluates the admission policy for a connection from ip. On
// admission it atomically reserves a slot; the caller must call Release
// exactly once when the connection ends. On denial no slot is reserved and
// the caller should close the connection without reading from it.
func (a *Admission) Decide(ip net.IP) (admitted bool, reason string) {
	if a.limit > 0 && a.count.Load() >= a.limit {
		return false, DenyConnectionLimit
	}
	if containsIP(a.blacklist, ip) {
		return false, DenyBlacklisted
	}
	if len(a.whitelist) > 0 && !containsIP(a.whitelist, ip) {
		return false, DenyNotWhitelisted
	}

	a.count.Add(1)
	return true, ""
}

// Release frees the slot reserved by a prior admitted Decide call.
func (a *Admission) Release() {
	a.count.Add(-1)
}

// Count returns the number of currently admitted connections.
func (a *Admission) Count() int64 {
	return a.count.Load()
}

func containsIP(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseCIDRList parses a list of CIDR strings (bare IPs are treated as
// /32 or /128 as appropriate) into *net.IPNet values, returning the first
// parse error encountered.
func ParseCIDRList(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		_, ipNet, err := parseCIDROrIP(entry)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

func parseCIDROrIP(entry string) (net.IP, *net.IPNet, error) {
	if ip, ipNet, err := net.ParseCIDR(entry); err == nil {
		return ip, ipNet, nil
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, nil, &net.ParseError{Type: "CIDR address or IP", Text: entry}
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	mask := net.CIDRMask(bits, bits)
	return ip, &net.IPNet{IP: ip.Mask(mask), Mask: mask}, nil
}
