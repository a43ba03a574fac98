// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	flerrors "grimm.is/sniproxy/internal/errors"
)

// DefaultTunnelPrewarm is the default for tunnel_prewarm when unset on a
// Forward/PartialBlind rule. Decided false: enabling pre-warm by default
// would silently open outbound connections for configs written before
// pre-warming existed.
const DefaultTunnelPrewarm = false

// PrewarmSpec is the validated pre-warm policy carried on a RuleSpec.
type PrewarmSpec struct {
	Enabled         bool
	Min             uint32
	Max             int32
	Rate            float64
	ConnectTimeout  time.Duration
	InactiveTimeout time.Duration
	SRV             bool
}

// TunnelSpec describes the routing a rule's matched actions switch into.
type TunnelSpec struct {
	Template string
	Routing  RoutingType
	ALPN     []string
	Prewarm  PrewarmSpec
}

// RuleSpec is one fully validated `sni:` entry, ready for internal/sni to
// compile into a matchable Rule (exact or wildcard-regex) plus its Action
// list.
type RuleSpec struct {
	FQDN       string
	IsWildcard bool
	Rank       uint32
	PortRanges []PortRange

	HTTP2 *bool
	QUIC  *bool

	HTTP2BufferWaterMark               *int
	HTTP2InitialWindowSizeIn           *int
	HTTP2MaxSettingsFramesPerMinute     *int
	HTTP2MaxPingFramesPerMinute         *int
	HTTP2MaxPriorityFramesPerMinute     *int
	HTTP2MaxRstStreamFramesPerMinute    *int
	HTTP2MaxContinuationFramesPerMinute *int

	VerifyClient        VerifyClientMode
	VerifyClientCAFile  string
	VerifyClientCADir   string

	HostSNIPolicy HostSNIPolicy

	Tunnel *TunnelSpec

	VerifyServerPolicy     VerifyServerPolicy
	VerifyServerProperties VerifyServerProperty

	ClientCert      string
	ClientKey       SecureString
	ClientSNIPolicy string

	IPAllowCIDRs []string

	TLSVersionMin TLSVersion
	TLSVersionMax TLSVersion

	ServerMaxEarlyData uint32
}

// Build validates one RawRule and produces its RuleSpec, plus any
// non-fatal warnings. A semantic error drops only this rule (§7 kind 2);
// the caller is responsible for continuing with the remaining rules.
func Build(raw RawRule, rank uint32, readFile func(string) ([]byte, error)) (*RuleSpec, []string, error) {
	var warnings []string

	if raw.FQDN == "" {
		return nil, warnings, flerrors.New(flerrors.KindConfigSemantic, "fqdn is required")
	}
	fqdn := strings.ToLower(raw.FQDN)
	isWildcard := strings.ContainsAny(fqdn, "*?")

	ranges, err := parsePortRanges(raw.InboundPortRanges)
	if err != nil {
		return nil, warnings, flerrors.Wrap(err, flerrors.KindConfigSemantic, "inbound_port_ranges")
	}

	spec := &RuleSpec{
		FQDN:       fqdn,
		IsWildcard: isWildcard,
		Rank:       rank,
		PortRanges: ranges,

		HTTP2: raw.HTTP2,
		QUIC:  raw.QUIC,

		HTTP2BufferWaterMark:                raw.HTTP2BufferWaterMark,
		HTTP2InitialWindowSizeIn:            raw.HTTP2InitialWindowSizeIn,
		HTTP2MaxSettingsFramesPerMinute:     raw.HTTP2MaxSettingsFramesPerMinute,
		HTTP2MaxPingFramesPerMinute:         raw.HTTP2MaxPingFramesPerMinute,
		HTTP2MaxPriorityFramesPerMinute:     raw.HTTP2MaxPriorityFramesPerMinute,
		HTTP2MaxRstStreamFramesPerMinute:    raw.HTTP2MaxRstStreamFramesPerMinute,
		HTTP2MaxContinuationFramesPerMinute: raw.HTTP2MaxContinuationFramesPerMinute,

		ClientCert:      raw.ClientCert,
		ClientKey:       raw.ClientKey,
		ClientSNIPolicy: raw.ClientSNIPolicy,

		ServerMaxEarlyData: valOr(raw.ServerMaxEarlyData, 0),
	}

	if spec.VerifyClient, err = ParseVerifyClientMode(raw.VerifyClient); err != nil {
		return nil, warnings, flerrors.Wrap(err, flerrors.KindConfigSemantic, "verify_client")
	}
	caFile, caDir, err := parseCACerts(raw.VerifyClientCACerts)
	if err != nil {
		return nil, warnings, flerrors.Wrap(err, flerrors.KindConfigSemantic, "verify_client_ca_certs")
	}
	spec.VerifyClientCAFile, spec.VerifyClientCADir = caFile, caDir

	if spec.HostSNIPolicy, err = ParseHostSNIPolicy(raw.HostSNIPolicy); err != nil {
		return nil, warnings, flerrors.Wrap(err, flerrors.KindConfigSemantic, "host_sni_policy")
	}

	if spec.VerifyServerPolicy, err = ParseVerifyServerPolicy(raw.VerifyServerPolicy); err != nil {
		return nil, warnings, flerrors.Wrap(err, flerrors.KindConfigSemantic, "verify_server_policy")
	}
	if spec.VerifyServerProperties, err = ParseVerifyServerProperties(raw.VerifyServerProperties); err != nil {
		return nil, warnings, flerrors.Wrap(err, flerrors.KindConfigSemantic, "verify_server_properties")
	}

	tunnelCount := 0
	var template string
	var routing RoutingType
	if raw.TunnelRoute != "" {
		tunnelCount++
		template, routing = raw.TunnelRoute, RoutingBlind
	}
	if raw.ForwardRoute != "" {
		tunnelCount++
		template, routing = raw.ForwardRoute, RoutingForward
	}
	if raw.PartialBlindRoute != "" {
		tunnelCount++
		template, routing = raw.PartialBlindRoute, RoutingPartialBlind
	}
	if tunnelCount > 1 {
		return nil, warnings, flerrors.New(flerrors.KindConfigSemantic, "at most one of tunnel_route, forward_route, partial_blind_route may be set")
	}
	if tunnelCount == 1 {
		if err := validateTemplateTokens(template); err != nil {
			return nil, warnings, flerrors.Wrap(err, flerrors.KindConfigSemantic, "route template")
		}
		prewarmEnabled := DefaultTunnelPrewarm
		if raw.TunnelPrewarm != nil {
			prewarmEnabled = *raw.TunnelPrewarm
		}
		spec.Tunnel = &TunnelSpec{
			Template: template,
			Routing:  routing,
			ALPN:     raw.TunnelALPN,
			Prewarm: PrewarmSpec{
				Enabled:         prewarmEnabled,
				Min:             valOr(raw.TunnelPrewarmMin, 0),
				Max:             valOr(raw.TunnelPrewarmMax, -1),
				Rate:            valOr(raw.TunnelPrewarmRate, 1.0),
				ConnectTimeout:  time.Duration(valOr(raw.TunnelPrewarmConnectTimeout, 10)) * time.Second,
				InactiveTimeout: time.Duration(valOr(raw.TunnelPrewarmInactiveTimeout, 30)) * time.Second,
				SRV:             valOr(raw.TunnelPrewarmSRV, false),
			},
		}
	}

	minV, err1 := ParseTLSVersion(raw.ValidTLSVersionMinIn)
	maxV, err2 := ParseTLSVersion(raw.ValidTLSVersionMaxIn)
	if err1 != nil {
		return nil, warnings, flerrors.Wrap(err1, flerrors.KindConfigSemantic, "valid_tls_version_min_in")
	}
	if err2 != nil {
		return nil, warnings, flerrors.Wrap(err2, flerrors.KindConfigSemantic, "valid_tls_version_max_in")
	}
	if (minV != TLSVersionUnset || maxV != TLSVersionUnset) && len(raw.ValidTLSVersionsIn) > 0 {
		// Open Question decision #2: range form is authoritative when
		// present; the legacy sequence is ignored with a warning.
		warnings = append(warnings, fmt.Sprintf(
			"rule %q: both valid_tls_versions_in and a min/max range were set; the range form wins", fqdn))
		spec.TLSVersionMin, spec.TLSVersionMax = minV, maxV
	} else if minV != TLSVersionUnset || maxV != TLSVersionUnset {
		spec.TLSVersionMin, spec.TLSVersionMax = minV, maxV
	} else if len(raw.ValidTLSVersionsIn) > 0 {
		lo, hi, err := sequenceToRange(raw.ValidTLSVersionsIn)
		if err != nil {
			return nil, warnings, flerrors.Wrap(err, flerrors.KindConfigSemantic, "valid_tls_versions_in")
		}
		spec.TLSVersionMin, spec.TLSVersionMax = lo, hi
	}

	if raw.IPAllow != "" {
		cidrs, err := resolveIPAllow(raw.IPAllow, readFile)
		if err != nil {
			return nil, warnings, flerrors.Wrap(err, flerrors.KindConfigSemantic, "ip_allow")
		}
		spec.IPAllowCIDRs = cidrs
	}

	return spec, warnings, nil
}

func valOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

func parsePortRanges(node yaml.Node) ([]PortRange, error) {
	if node.Kind == 0 {
		return []PortRange{{Min: 1, Max: 65535}}, nil
	}

	var raw []string
	switch node.Kind {
	case yaml.ScalarNode:
		raw = []string{node.Value}
	case yaml.SequenceNode:
		for _, item := range node.Content {
			raw = append(raw, item.Value)
		}
	default:
		return nil, fmt.Errorf("inbound_port_ranges must be a scalar or sequence")
	}

	if len(raw) == 0 {
		return []PortRange{{Min: 1, Max: 65535}}, nil
	}

	var ranges []PortRange
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if idx := strings.IndexByte(s, '-'); idx >= 0 {
			lo, err := strconv.ParseUint(s[:idx], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("invalid port range %q: %w", s, err)
			}
			hi, err := strconv.ParseUint(s[idx+1:], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("invalid port range %q: %w", s, err)
			}
			if lo > hi {
				return nil, fmt.Errorf("invalid port range %q: min > max", s)
			}
			ranges = append(ranges, PortRange{Min: uint16(lo), Max: uint16(hi)})
		} else {
			p, err := strconv.ParseUint(s, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("invalid port %q: %w", s, err)
			}
			ranges = append(ranges, PortRange{Min: uint16(p), Max: uint16(p)})
		}
	}
	return ranges, nil
}

func parseCACerts(node yaml.Node) (file, dir string, err error) {
	switch node.Kind {
	case 0:
		return "", "", nil
	case yaml.ScalarNode:
		return node.Value, "", nil
	case yaml.MappingNode:
		var m struct {
			File string `yaml:"file"`
			Dir  string `yaml:"dir"`
		}
		if err := node.Decode(&m); err != nil {
			return "", "", err
		}
		return m.File, m.Dir, nil
	default:
		return "", "", fmt.Errorf("verify_client_ca_certs must be a string or {file, dir} mapping")
	}
}

// validateTemplateTokens enforces the mutual-exclusion rule in §4.3: a
// template may use at most one of {inbound_local_port} / {proxy_protocol_port}.
func validateTemplateTokens(tmpl string) error {
	hasLocal := strings.Contains(tmpl, "{inbound_local_port}")
	hasPP := strings.Contains(tmpl, "{proxy_protocol_port}")
	if hasLocal && hasPP {
		return fmt.Errorf("template may not combine {inbound_local_port} and {proxy_protocol_port}")
	}
	return nil
}

func sequenceToRange(versions []string) (TLSVersion, TLSVersion, error) {
	var lo, hi TLSVersion = TLSv1_3, TLSv1
	for _, v := range versions {
		tv, err := ParseTLSVersion(v)
		if err != nil {
			return 0, 0, err
		}
		if tv == TLSVersionUnset {
			continue
		}
		if tv < lo {
			lo = tv
		}
		if tv > hi {
			hi = tv
		}
	}
	return lo, hi, nil
}

func resolveIPAllow(val string, readFile func(string) ([]byte, error)) ([]string, error) {
	if strings.HasPrefix(val, "@") {
		path := val[1:]
		var data []byte
		var err error
		if readFile != nil {
			data, err = readFile(path)
		} else {
			data, err = os.ReadFile(path)
		}
		if err != nil {
			return nil, fmt.Errorf("reading ip_allow file %s: %w", path, err)
		}
		val = string(data)
	}
	var out []string
	for _, line := range strings.FieldsFunc(val, func(r rune) bool { return r == ',' || r == '\n' || r == '\r' }) {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}
