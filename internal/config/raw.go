// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

// Document is the top-level YAML shape: a single `sni:` sequence.
type Document struct {
	SNI []RawRule `yaml:"sni"`
}

// RawRule is one `sni:` sequence entry, decoded straight off the wire
// before semantic validation. Field names mirror the YAML keys in §6
// exactly; unknown keys are reported by the decoder via KnownFields and
// turned into warnings, never load failures.
type RawRule struct {
	FQDN               string   `yaml:"fqdn"`
	InboundPortRanges  yaml.Node `yaml:"inbound_port_ranges"`
	HTTP2              *bool    `yaml:"http2"`
	QUIC               *bool    `yaml:"quic"`
	HTTP2BufferWaterMark                 *int `yaml:"http2_buffer_water_mark"`
	HTTP2InitialWindowSizeIn             *int `yaml:"http2_initial_window_size_in"`
	HTTP2MaxSettingsFramesPerMinute       *int `yaml:"http2_max_settings_frames_per_minute"`
	HTTP2MaxPingFramesPerMinute           *int `yaml:"http2_max_ping_frames_per_minute"`
	HTTP2MaxPriorityFramesPerMinute       *int `yaml:"http2_max_priority_frames_per_minute"`
	HTTP2MaxRstStreamFramesPerMinute      *int `yaml:"http2_max_rst_stream_frames_per_minute"`
	HTTP2MaxContinuationFramesPerMinute   *int `yaml:"http2_max_continuation_frames_per_minute"`
	VerifyClient         string    `yaml:"verify_client"`
	VerifyClientCACerts  yaml.Node `yaml:"verify_client_ca_certs"`
	HostSNIPolicy        string    `yaml:"host_sni_policy"`
	TunnelRoute          string    `yaml:"tunnel_route"`
	ForwardRoute         string    `yaml:"forward_route"`
	PartialBlindRoute    string    `yaml:"partial_blind_route"`
	TunnelALPN           []string  `yaml:"tunnel_alpn"`
	TunnelPrewarm        *bool     `yaml:"tunnel_prewarm"`
	TunnelPrewarmMin     *uint32   `yaml:"tunnel_prewarm_min"`
	TunnelPrewarmMax     *int32    `yaml:"tunnel_prewarm_max"`
	TunnelPrewarmRate    *float64  `yaml:"tunnel_prewarm_rate"`
	TunnelPrewarmConnectTimeout  *uint32 `yaml:"tunnel_prewarm_connect_timeout"`
	TunnelPrewarmInactiveTimeout *uint32 `yaml:"tunnel_prewarm_inactive_timeout"`
	TunnelPrewarmSRV     *bool     `yaml:"tunnel_prewarm_srv"`
	VerifyServerPolicy     string   `yaml:"verify_server_policy"`
	VerifyServerProperties []string `yaml:"verify_server_properties"`
	ClientCert          string       `yaml:"client_cert"`
	ClientKey           SecureString `yaml:"client_key"`
	ClientSNIPolicy     string       `yaml:"client_sni_policy"`
	IPAllow             string       `yaml:"ip_allow"`
	ValidTLSVersionsIn    []string `yaml:"valid_tls_versions_in"`
	ValidTLSVersionMinIn  string   `yaml:"valid_tls_version_min_in"`
	ValidTLSVersionMaxIn  string   `yaml:"valid_tls_version_max_in"`
	ServerMaxEarlyData   *uint32   `yaml:"server_max_early_data"`
}

// ParseDocument decodes raw YAML bytes into a Document. It does not
// validate semantics; that happens in the pipeline's validation stages.
func ParseDocument(data []byte) (*Document, []string, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var warnings []string
	if err := dec.Decode(&doc); err != nil {
		// KnownFields rejects unknown keys; §6 requires unknown keys to
		// warn, not fail, so fall back to a lenient decode and record a
		// warning instead of surfacing the strict error.
		warnings = append(warnings, "config: unrecognized key(s) present, falling back to lenient decode: "+err.Error())
		var lenient Document
		if err2 := yaml.Unmarshal(data, &lenient); err2 != nil {
			return nil, warnings, err2
		}
		return &lenient, warnings, nil
	}
	return &doc, warnings, nil
}
