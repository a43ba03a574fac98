// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package prewarm

import (
	"strconv"
	"strings"
	"sync"

	"grimm.is/sniproxy/internal/config"
	"grimm.is/sniproxy/internal/logging"
	"grimm.is/sniproxy/internal/tunnel"
)

// Registry holds the Dst → Conf mapping (§4.4), rebuilt and broadcast to
// every per-thread Queue on each config reconfigure.
type Registry struct {
	mu         sync.RWMutex
	parsedConf map[Dst]Conf

	subscribersMu sync.Mutex
	subscribers   []func(map[Dst]Conf)

	logger *logging.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig()).WithComponent("ssl")
	}
	return &Registry{parsedConf: map[Dst]Conf{}, logger: logger}
}

// Subscribe registers a per-thread Queue's on_reconfigure handler. Every
// queue calls this once at startup; Reconfigure fans the new map out to
// all of them.
func (r *Registry) Subscribe(fn func(map[Dst]Conf)) {
	r.subscribersMu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.subscribersMu.Unlock()
}

// Reconfigure rebuilds parsedConf from specs and broadcasts it to every
// subscribed queue. Only rules whose tunnel destination resolves to a
// fully static host:port (no capture-group or per-connection-port token)
// can seed a registry entry — a template that only resolves at
// connection time has no destination to pre-warm ahead of that
// connection arriving.
func (r *Registry) Reconfigure(specs []config.RuleSpec) {
	next := buildParsedConf(specs, r.logger)

	r.mu.Lock()
	r.parsedConf = next
	r.mu.Unlock()

	r.subscribersMu.Lock()
	subs := append([]func(map[Dst]Conf){}, r.subscribers...)
	r.subscribersMu.Unlock()

	for _, fn := range subs {
		fn(next)
	}

	r.logger.Info("prewarm registry reconfigured", "destinations", len(next))
}

// Get returns the Conf for dst, if the registry holds one.
func (r *Registry) Get(dst Dst) (Conf, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.parsedConf[dst]
	return c, ok
}

// Snapshot returns a copy of the current Dst->Conf map.
func (r *Registry) Snapshot() map[Dst]Conf {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Dst]Conf, len(r.parsedConf))
	for k, v := range r.parsedConf {
		out[k] = v
	}
	return out
}

func buildParsedConf(specs []config.RuleSpec, logger *logging.Logger) map[Dst]Conf {
	out := map[Dst]Conf{}

	for _, spec := range specs {
		if spec.Tunnel == nil {
			continue
		}
		t := spec.Tunnel
		if t.Routing != config.RoutingForward && t.Routing != config.RoutingPartialBlind {
			continue
		}

		prewarmEnabled := t.Prewarm.Enabled
		if !prewarmEnabled {
			continue
		}

		if isDynamicTemplate(t.Template) {
			logger.Debug("skipping prewarm registry entry for dynamic template",
				"fqdn", spec.FQDN, "template", t.Template)
			continue
		}

		dest, err := tunnel.Resolve(t.Template, nil, 0, 0)
		if err != nil || dest.PortIsDynamic {
			logger.Warn("prewarm template failed static resolution, skipping registry entry",
				"fqdn", spec.FQDN, "template", t.Template)
			continue
		}

		port, err := portFromString(dest.Port)
		if err != nil {
			continue
		}

		conf := FromSpec(t.Prewarm, dest.Host)
		conf.VerifyServerPolicy = spec.VerifyServerPolicy
		conf.VerifyServerProperties = spec.VerifyServerProperties

		if len(t.ALPN) == 0 {
			out[Dst{Host: dest.Host, Port: port, Type: t.Routing, ALPNIndex: InvalidALPNIndex}] = conf
			continue
		}
		for i := range t.ALPN {
			out[Dst{Host: dest.Host, Port: port, Type: t.Routing, ALPNIndex: int32(i)}] = conf
		}
	}

	return out
}

func isDynamicTemplate(tmpl string) bool {
	return strings.Contains(tmpl, "$") ||
		strings.Contains(tmpl, "{inbound_local_port}") ||
		strings.Contains(tmpl, "{proxy_protocol_port}")
}

func portFromString(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(p), nil
}
