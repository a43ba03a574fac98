// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netdial

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver performs the DNS lookups the pre-warm state machine's
// DnsLookup state needs (§4.5). It is a DNS *client*, per spec.md's
// Non-goal of implementing a resolver as a server: this core only
// consumes DNS the way ATS's HostDB does.
type Resolver struct {
	servers []string // "host:port"; empty uses the system resolver
	client  *dns.Client
}

// NewResolver builds a Resolver. servers, if non-empty, are tried in
// order for every lookup; otherwise LookupHost uses net.DefaultResolver
// and LookupSRV returns an error.
func NewResolver(servers []string, timeout time.Duration) *Resolver {
	return &Resolver{
		servers: servers,
		client:  &dns.Client{Timeout: timeout},
	}
}

// LookupHost resolves a hostname to its A/AAAA addresses.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]net.IP, error) {
	if len(r.servers) == 0 {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, err
		}
		ips := make([]net.IP, len(addrs))
		for i, a := range addrs {
			ips[i] = a.IP
		}
		return ips, nil
	}

	fqdn := dns.Fqdn(host)
	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(fqdn, qtype)
		found, err := r.exchangeAny(m)
		if err != nil {
			continue
		}
		for _, rr := range found.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				ips = append(ips, rec.A)
			case *dns.AAAA:
				ips = append(ips, rec.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("netdial: no A/AAAA records for %s", host)
	}
	return ips, nil
}

// LookupSRV resolves an SRV record set, used when tunnel_prewarm_srv is
// enabled for a destination.
func (r *Resolver) LookupSRV(service, proto, name string) ([]*net.SRV, error) {
	fqdn := fmt.Sprintf("_%s._%s.%s", service, proto, dns.Fqdn(name))
	m := new(dns.Msg)
	m.SetQuestion(fqdn, dns.TypeSRV)
	resp, err := r.exchangeAny(m)
	if err != nil {
		return nil, err
	}

	var out []*net.SRV
	for _, rr := range resp.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			out = append(out, &net.SRV{
				Target:   srv.Target,
				Port:     srv.Port,
				Priority: srv.Priority,
				Weight:   srv.Weight,
			})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("netdial: no SRV records for %s", fqdn)
	}
	return out, nil
}

func (r *Resolver) exchangeAny(m *dns.Msg) (*dns.Msg, error) {
	if len(r.servers) == 0 {
		return nil, fmt.Errorf("netdial: no DNS servers configured")
	}
	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.Exchange(m, server)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}
