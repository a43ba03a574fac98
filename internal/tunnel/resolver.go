// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tunnel implements the tunnel destination resolver (C3): template
// expansion of a TunnelDestination action's route string using the SNI
// match's capture groups and per-connection port data.
package tunnel

import (
	"fmt"
	"strconv"
	"strings"
)

// Destination is the resolver's pure-function output: a host:port pair
// and whether the port was only knowable at request time (dynamic),
// which per §4.3 means the pre-warm pool must not be consulted.
type Destination struct {
	Host          string
	Port          string
	PortIsDynamic bool
}

// String renders "host:port".
func (d Destination) String() string {
	return d.Host + ":" + d.Port
}

// Resolve expands template using groups (1-based $N capture-group
// substitution), localPort ({inbound_local_port}), and proxyProtocolPort
// ({proxy_protocol_port}). Resolution is a pure function of its inputs
// (§8 round-trip law).
func Resolve(template string, groups []string, localPort uint16, proxyProtocolPort uint16) (*Destination, error) {
	hasLocal := strings.Contains(template, "{inbound_local_port}")
	hasPP := strings.Contains(template, "{proxy_protocol_port}")
	if hasLocal && hasPP {
		return nil, fmt.Errorf("tunnel: template combines {inbound_local_port} and {proxy_protocol_port}: %q", template)
	}

	expanded, dynamicFromCaptures := substituteCaptureGroups(template, groups)

	dynamic := dynamicFromCaptures
	if hasLocal {
		expanded = strings.ReplaceAll(expanded, "{inbound_local_port}", strconv.Itoa(int(localPort)))
		dynamic = true
	}
	if hasPP {
		expanded = strings.ReplaceAll(expanded, "{proxy_protocol_port}", strconv.Itoa(int(proxyProtocolPort)))
		dynamic = true
	}

	host, port, err := splitHostPort(expanded)
	if err != nil {
		return nil, err
	}

	return &Destination{Host: host, Port: port, PortIsDynamic: dynamic}, nil
}

// substituteCaptureGroups replaces every "$N" occurrence with the N-th
// (1-based) capture group. If $N falls after the first ':' (the port
// side of the template), the result is marked dynamic. A non-digit
// immediately after '$' disables substitution for that occurrence,
// leaving the literal text in place.
func substituteCaptureGroups(template string, groups []string) (string, bool) {
	if !strings.Contains(template, "$") {
		return template, false
	}

	colonIdx := strings.IndexByte(template, ':')
	dynamic := false

	var b strings.Builder
	i := 0
	for i < len(template) {
		c := template[i]
		if c != '$' {
			b.WriteByte(c)
			i++
			continue
		}

		j := i + 1
		for j < len(template) && template[j] >= '0' && template[j] <= '9' {
			j++
		}
		if j == i+1 {
			// No digits followed '$'; leave literal.
			b.WriteByte(c)
			i++
			continue
		}

		n, _ := strconv.Atoi(template[i+1 : j])
		if n >= 1 && n <= len(groups) {
			b.WriteString(groups[n-1])
			if colonIdx >= 0 && i > colonIdx {
				dynamic = true
			}
		}
		i = j
	}

	return b.String(), dynamic
}

func splitHostPort(hostport string) (host, port string, err error) {
	idx := strings.LastIndexByte(hostport, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("tunnel: destination %q has no port", hostport)
	}
	return hostport[:idx], hostport[idx+1:], nil
}
