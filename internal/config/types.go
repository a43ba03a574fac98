// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config parses and validates the YAML sni: document (§6) into the
// RuleSpec values internal/sni compiles into a RuleStore.
package config

import (
	"fmt"
)

// SecureString hides its value in logs and JSON/text marshaling. Used for
// the client private-key path, which diagnostics must never echo verbatim.
type SecureString string

func (s SecureString) String() string {
	if s == "" {
		return ""
	}
	return "(hidden)"
}

func (s SecureString) GoString() string { return "(hidden)" }

// MarshalJSON masks the value wherever config is reflected back out
// (e.g. a future debug endpoint).
func (s SecureString) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte(`""`), nil
	}
	return []byte(`"(hidden)"`), nil
}

func (s *SecureString) UnmarshalText(text []byte) error {
	*s = SecureString(text)
	return nil
}

// PortRange is an inclusive [Min, Max] range of inbound ports.
type PortRange struct {
	Min uint16
	Max uint16
}

// Contains reports whether port falls within the range.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.Min && port <= r.Max
}

func (r PortRange) String() string {
	if r.Min == r.Max {
		return fmt.Sprintf("%d", r.Min)
	}
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// VerifyClientMode is the client-certificate verification mode.
type VerifyClientMode int

const (
	VerifyClientNone VerifyClientMode = iota
	VerifyClientModerate
	VerifyClientStrict
)

func ParseVerifyClientMode(s string) (VerifyClientMode, error) {
	switch s {
	case "", "NONE":
		return VerifyClientNone, nil
	case "MODERATE":
		return VerifyClientModerate, nil
	case "STRICT":
		return VerifyClientStrict, nil
	default:
		return VerifyClientNone, fmt.Errorf("config: unknown verify_client value %q", s)
	}
}

// HostSNIPolicy governs the probe-phase publication described in §4.2
// (HostSniPolicy action).
type HostSNIPolicy int

const (
	HostSNIDisabled HostSNIPolicy = iota
	HostSNIPermissive
	HostSNIEnforced
)

func ParseHostSNIPolicy(s string) (HostSNIPolicy, error) {
	switch s {
	case "", "DISABLED":
		return HostSNIDisabled, nil
	case "PERMISSIVE":
		return HostSNIPermissive, nil
	case "ENFORCED":
		return HostSNIEnforced, nil
	default:
		return HostSNIDisabled, fmt.Errorf("config: unknown host_sni_policy value %q", s)
	}
}

// VerifyServerPolicy governs the upstream TLS verification mode used by
// partial-blind pre-warm connections.
type VerifyServerPolicy int

const (
	VerifyServerUnset VerifyServerPolicy = iota
	VerifyServerDisabled
	VerifyServerPermissive
	VerifyServerEnforced
)

func ParseVerifyServerPolicy(s string) (VerifyServerPolicy, error) {
	switch s {
	case "", "UNSET":
		return VerifyServerUnset, nil
	case "DISABLED":
		return VerifyServerDisabled, nil
	case "PERMISSIVE":
		return VerifyServerPermissive, nil
	case "ENFORCED":
		return VerifyServerEnforced, nil
	default:
		return VerifyServerUnset, fmt.Errorf("config: unknown verify_server_policy value %q", s)
	}
}

// VerifyServerProperty is one bit of the verify_server_properties bitmask.
type VerifyServerProperty int

const (
	VerifyServerPropertySignature VerifyServerProperty = 1 << iota
	VerifyServerPropertyName
)

func ParseVerifyServerProperties(vals []string) (VerifyServerProperty, error) {
	var mask VerifyServerProperty
	for _, v := range vals {
		switch v {
		case "SIGNATURE":
			mask |= VerifyServerPropertySignature
		case "NAME":
			mask |= VerifyServerPropertyName
		default:
			return 0, fmt.Errorf("config: unknown verify_server_properties value %q", v)
		}
	}
	return mask, nil
}

// TLSVersion enumerates the TLS protocol versions the schema can name.
type TLSVersion int

const (
	TLSVersionUnset TLSVersion = iota
	TLSv1
	TLSv1_1
	TLSv1_2
	TLSv1_3
)

func ParseTLSVersion(s string) (TLSVersion, error) {
	switch s {
	case "":
		return TLSVersionUnset, nil
	case "TLSv1":
		return TLSv1, nil
	case "TLSv1_1":
		return TLSv1_1, nil
	case "TLSv1_2":
		return TLSv1_2, nil
	case "TLSv1_3":
		return TLSv1_3, nil
	default:
		return TLSVersionUnset, fmt.Errorf("config: unknown TLS version %q", s)
	}
}

// RoutingType classifies how a tunnel route handles inbound/outbound TLS.
type RoutingType int

const (
	RoutingNone RoutingType = iota
	RoutingBlind
	RoutingForward
	RoutingPartialBlind
)

func (t RoutingType) String() string {
	switch t {
	case RoutingBlind:
		return "Blind"
	case RoutingForward:
		return "Forward"
	case RoutingPartialBlind:
		return "PartialBlind"
	default:
		return "None"
	}
}
