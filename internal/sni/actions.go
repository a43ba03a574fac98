// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sni

import (
	"net"

	"grimm.is/sniproxy/internal/config"
	"grimm.is/sniproxy/internal/ipallow"
	"grimm.is/sniproxy/internal/logging"
	"grimm.is/sniproxy/internal/tunnel"
)

// ActionResult is the outcome contract every Action must honor (§4.2):
// continue the pipeline, pause pending external work, or abort the
// handshake with a fatal alert.
type ActionResult int

const (
	Ok ActionResult = iota
	Retry
	FatalAlert
)

// ConnContext is the capability surface an Action needs from the inbound
// TLS session. internal/server's connection wrapper implements this; it
// is this repo's binding of the "conn_ctx" collaborator in §4.2.
type ConnContext interface {
	DisableALPN(proto string)
	EnableALPN(proto string)
	SetHTTP2Hint(name string, value int)
	SetVerifyClient(mode config.VerifyClientMode, caFile, caDir string)
	SetTLSVersionRange(min, max config.TLSVersion)
	SetOutboundSNIPolicy(policy string)
	SetServerMaxEarlyData(n uint32)
	SetTunnel(dest *tunnel.Destination, routing config.RoutingType, prewarm config.PrewarmSpec)
	PeerIP() net.IP
	LocalPort() uint16
	ProxyProtocolPort() (uint16, bool)
	ServerName() string
}

// MatchContext carries the regex capture groups from the rule match, used
// by TunnelDestination to resolve its template.
type MatchContext struct {
	Groups []string
}

// Action is one configured effect a matched rule applies to a connection.
type Action interface {
	Apply(ctx ConnContext, match MatchContext) ActionResult
}

var h2ALPN = "h2"

// ControlH2 enables or disables advertising HTTP/2 in ALPN.
type ControlH2 struct{ On bool }

func (a ControlH2) Apply(ctx ConnContext, _ MatchContext) ActionResult {
	if a.On {
		ctx.EnableALPN(h2ALPN)
	} else {
		ctx.DisableALPN(h2ALPN)
	}
	return Ok
}

// ControlQUIC aborts QUIC-capable handshakes when disabled; a no-op on
// any other session. ConnContext never represents a QUIC-capable
// session here (QUIC termination is a Non-goal), so this is always a
// no-op, matching the original's behavior for non-QUIC connections.
type ControlQUIC struct{ On bool }

func (a ControlQUIC) Apply(_ ConnContext, _ MatchContext) ActionResult {
	return Ok
}

// HTTP2Hint records one of the HTTP/2 tuning knobs (buffer watermark,
// initial window size, or a per-minute frame-rate cap) for downstream
// HTTP/2 policy to consume.
type HTTP2Hint struct {
	Name  string
	Value int
}

func (a HTTP2Hint) Apply(ctx ConnContext, _ MatchContext) ActionResult {
	ctx.SetHTTP2Hint(a.Name, a.Value)
	return Ok
}

// VerifyClient sets the client-certificate verification mode and, if
// given, a per-connection CA store.
type VerifyClient struct {
	Mode   config.VerifyClientMode
	CAFile string
	CADir  string
}

func (a VerifyClient) Apply(ctx ConnContext, _ MatchContext) ActionResult {
	ctx.SetVerifyClient(a.Mode, a.CAFile, a.CADir)
	return Ok
}

// HostSNIPolicy has no handshake-time effect; during the probe phase it
// publishes its policy value to the caller (see Probe below).
type HostSNIPolicy struct {
	Policy config.HostSNIPolicy
}

func (a HostSNIPolicy) Apply(_ ConnContext, _ MatchContext) ActionResult {
	return Ok
}

// TLSValidProtocols sets the acceptable TLS version range for the
// connection (after §9's range-authoritative resolution in config.Build).
type TLSValidProtocols struct {
	Min, Max config.TLSVersion
}

func (a TLSValidProtocols) Apply(ctx ConnContext, _ MatchContext) ActionResult {
	ctx.SetTLSVersionRange(a.Min, a.Max)
	return Ok
}

// SNIIPAllow denies the handshake unless the peer IP is within the
// configured CIDR ranges.
type SNIIPAllow struct {
	Allow *ipallow.List
}

func (a SNIIPAllow) Apply(ctx ConnContext, _ MatchContext) ActionResult {
	if a.Allow == nil {
		return Ok
	}
	if !a.Allow.Contains(ctx.PeerIP()) {
		return FatalAlert
	}
	return Ok
}

// OutboundSNIPolicy records a policy string for later outbound-handshake
// logic to consult.
type OutboundSNIPolicy struct{ Policy string }

func (a OutboundSNIPolicy) Apply(ctx ConnContext, _ MatchContext) ActionResult {
	ctx.SetOutboundSNIPolicy(a.Policy)
	return Ok
}

// ServerMaxEarlyData configures the 0-RTT early-data window.
type ServerMaxEarlyData struct{ Bytes uint32 }

func (a ServerMaxEarlyData) Apply(ctx ConnContext, _ MatchContext) ActionResult {
	ctx.SetServerMaxEarlyData(a.Bytes)
	return Ok
}

// TunnelDestination switches the session into tunneling mode, resolving
// the final destination via internal/tunnel and enabling the configured
// ALPN identifiers.
type TunnelDestination struct {
	Template string
	Routing  config.RoutingType
	ALPNIDs  []string
	Prewarm  config.PrewarmSpec
	logger   *logging.Logger
}

func NewTunnelDestination(template string, routing config.RoutingType, alpnIDs []string, prewarm config.PrewarmSpec) TunnelDestination {
	return TunnelDestination{Template: template, Routing: routing, ALPNIDs: alpnIDs, Prewarm: prewarm}
}

func (a TunnelDestination) Apply(ctx ConnContext, match MatchContext) ActionResult {
	localPort := ctx.LocalPort()
	ppPort, _ := ctx.ProxyProtocolPort()

	dest, err := tunnel.Resolve(a.Template, match.Groups, localPort, ppPort)
	if err != nil {
		return FatalAlert
	}

	for _, proto := range a.ALPNIDs {
		ctx.EnableALPN(proto)
	}
	ctx.SetTunnel(dest, a.Routing, a.Prewarm)
	return Ok
}

// Probe runs only the probe-phase-eligible actions (SNIIPAllow,
// HostSNIPolicy), per §4.2: "no visible side effects on the session".
// It returns the most specific HostSNIPolicy it saw and whether any rule
// fired at all.
func Probe(rs *RuleStore, servername string, peerIP net.IP, port uint16) (config.HostSNIPolicy, bool) {
	match, ok := rs.Get(servername, port)
	if !ok {
		return config.HostSNIDisabled, false
	}

	policy := config.HostSNIDisabled
	for _, act := range match.Actions {
		switch a := act.(type) {
		case SNIIPAllow:
			if a.Allow != nil && !a.Allow.Contains(peerIP) {
				return policy, true
			}
		case HostSNIPolicy:
			policy = a.Policy
		}
	}
	return policy, true
}
