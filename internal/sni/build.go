// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sni

import (
	"grimm.is/sniproxy/internal/config"
	"grimm.is/sniproxy/internal/ipallow"
)

// BuildActions translates one validated config.RuleSpec into its ordered
// Action list, in a fixed order: H2/QUIC toggles, HTTP/2 hints, verify
// client, host SNI policy, TLS version range, IP allow, outbound SNI
// policy, early data, and the tunnel destination last. Because all
// actions run at ClientHello time, verify/H2 toggles take effect before
// ALPN selection (§4.2).
func BuildActions(spec config.RuleSpec) ([]Action, error) {
	var actions []Action

	if spec.HTTP2 != nil {
		actions = append(actions, ControlH2{On: *spec.HTTP2})
	}
	if spec.QUIC != nil {
		actions = append(actions, ControlQUIC{On: *spec.QUIC})
	}

	for _, hint := range []struct {
		name string
		val  *int
	}{
		{"buffer_water_mark", spec.HTTP2BufferWaterMark},
		{"initial_window_size", spec.HTTP2InitialWindowSizeIn},
		{"max_settings_frames_per_minute", spec.HTTP2MaxSettingsFramesPerMinute},
		{"max_ping_frames_per_minute", spec.HTTP2MaxPingFramesPerMinute},
		{"max_priority_frames_per_minute", spec.HTTP2MaxPriorityFramesPerMinute},
		{"max_rst_stream_frames_per_minute", spec.HTTP2MaxRstStreamFramesPerMinute},
		{"max_continuation_frames_per_minute", spec.HTTP2MaxContinuationFramesPerMinute},
	} {
		if hint.val != nil {
			actions = append(actions, HTTP2Hint{Name: hint.name, Value: *hint.val})
		}
	}

	if spec.VerifyClient != config.VerifyClientNone || spec.VerifyClientCAFile != "" || spec.VerifyClientCADir != "" {
		actions = append(actions, VerifyClient{
			Mode:   spec.VerifyClient,
			CAFile: spec.VerifyClientCAFile,
			CADir:  spec.VerifyClientCADir,
		})
	}

	if spec.HostSNIPolicy != config.HostSNIDisabled {
		actions = append(actions, HostSNIPolicy{Policy: spec.HostSNIPolicy})
	}

	if spec.TLSVersionMin != config.TLSVersionUnset || spec.TLSVersionMax != config.TLSVersionUnset {
		actions = append(actions, TLSValidProtocols{Min: spec.TLSVersionMin, Max: spec.TLSVersionMax})
	}

	if len(spec.IPAllowCIDRs) > 0 {
		list, err := ipallow.Build(spec.IPAllowCIDRs)
		if err != nil {
			return nil, err
		}
		actions = append(actions, SNIIPAllow{Allow: list})
	}

	if spec.ClientSNIPolicy != "" {
		actions = append(actions, OutboundSNIPolicy{Policy: spec.ClientSNIPolicy})
	}

	if spec.ServerMaxEarlyData > 0 {
		actions = append(actions, ServerMaxEarlyData{Bytes: spec.ServerMaxEarlyData})
	}

	if spec.Tunnel != nil {
		actions = append(actions, NewTunnelDestination(
			spec.Tunnel.Template, spec.Tunnel.Routing, spec.Tunnel.ALPN, spec.Tunnel.Prewarm,
		))
	}

	return actions, nil
}
