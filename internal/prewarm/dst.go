// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package prewarm implements the pre-warm registry (C4), state machine
// (C5), and per-thread queue (C6): maintaining pools of already-opened
// outbound connections for tunnel destinations and handing them to the
// request-handling state machine on demand.
package prewarm

import (
	"fmt"
	"time"

	"grimm.is/sniproxy/internal/config"
)

// InvalidALPNIndex is the sentinel for "no ALPN index" (§3).
const InvalidALPNIndex int32 = -1

// Dst is the routing key for pre-warmed connections: (host, port, routing
// type, ALPN index). Immutable once constructed; equality and hashing
// cover all four fields via Go's native struct comparability.
type Dst struct {
	Host      string
	Port      uint16
	Type      config.RoutingType
	ALPNIndex int32
}

// String renders a stable label for metrics and logs.
func (d Dst) String() string {
	return fmt.Sprintf("%s:%d:%s:%d", d.Host, d.Port, d.Type, d.ALPNIndex)
}

// Conf is the pre-warming policy for a Dst (§3).
type Conf struct {
	Min                    uint32
	Max                    int32 // negative = unbounded
	Rate                   float64
	ConnectTimeout         time.Duration
	InactiveTimeout        time.Duration
	SRVEnabled             bool
	VerifyServerPolicy     config.VerifyServerPolicy
	VerifyServerProperties config.VerifyServerProperty
	SNI                    string
}

// Bounded reports whether Max is a real ceiling rather than "unbounded".
func (c Conf) Bounded() bool { return c.Max >= 0 }

// FromSpec builds a Conf from a rule's validated pre-warm knobs.
func FromSpec(spec config.PrewarmSpec, outboundSNI string) Conf {
	return Conf{
		Min:             spec.Min,
		Max:             spec.Max,
		Rate:            spec.Rate,
		ConnectTimeout:  spec.ConnectTimeout,
		InactiveTimeout: spec.InactiveTimeout,
		SRVEnabled:      spec.SRV,
		SNI:             outboundSNI,
	}
}
