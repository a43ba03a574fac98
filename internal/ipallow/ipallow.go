// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ipallow implements the SNI_IpAllow action's CIDR membership
// check (§4.2) using a compressed binary trie (gaissmai/bart) so that
// large allow-lists can be tested against the peer IP in O(prefix length)
// rather than scanning every configured range linearly.
package ipallow

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/gaissmai/bart"
)

// List is an immutable set of CIDR ranges built once at rule-compile time.
type List struct {
	trie *bart.Table[struct{}]
}

// Build compiles cidrs (as produced by config.RuleSpec.IPAllowCIDRs) into
// a List. A malformed CIDR is a ConfigSemantic-class error; the caller
// decides whether that drops the whole rule.
func Build(cidrs []string) (*List, error) {
	t := &bart.Table[struct{}]{}
	for _, c := range cidrs {
		prefix, err := parsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("ipallow: %w", err)
		}
		t.Insert(prefix, struct{}{})
	}
	return &List{trie: t}, nil
}

// Contains reports whether ip falls within any configured range. A nil or
// invalid ip is never contained.
func (l *List) Contains(ip net.IP) bool {
	if l == nil || l.trie == nil || ip == nil {
		return false
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	addr = addr.Unmap()
	_, found := l.trie.Lookup(addr)
	return found
}

func parsePrefix(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid CIDR or IP %q: %w", s, err)
	}
	bits := 32
	if addr.Is6() {
		bits = 128
	}
	return netip.PrefixFrom(addr, bits), nil
}
