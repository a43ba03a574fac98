// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the per-destination pre-warm counters and gauges
// (§4.6) plus rule-store reload counters, via Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector this core registers. One
// instance is created at startup by cmd/sniproxy, which counts config
// reloads on it, and handed to the per-thread pre-warm queues, which
// update the pre-warm collectors. ConfigReloadErrors, RuleStoreRuleCount
// and RuleStoreLastReload are registered but no component updates them.
type Metrics struct {
	// Pre-warm per-destination counters, labeled by dst (see prewarm.Dst.String).
	PrewarmHit            *prometheus.CounterVec
	PrewarmMiss           *prometheus.CounterVec
	PrewarmHandshakeTotal *prometheus.CounterVec
	PrewarmHandshakeCount *prometheus.CounterVec
	PrewarmRetry          *prometheus.CounterVec

	// Pre-warm per-destination gauges.
	PrewarmInitListSize *prometheus.GaugeVec
	PrewarmOpenListSize *prometheus.GaugeVec

	// Rule store / config reload.
	ConfigReloadTotal    *prometheus.CounterVec
	ConfigReloadErrors   *prometheus.CounterVec
	RuleStoreRuleCount   prometheus.Gauge
	RuleStoreLastReload  prometheus.Gauge
}

// New constructs a Metrics instance with every collector created but not
// yet registered.
func New() *Metrics {
	return &Metrics{
		PrewarmHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniproxy_prewarm_hit_total",
			Help: "Pre-warm dequeue calls served from the open pool, by destination.",
		}, []string{"dst"}),
		PrewarmMiss: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniproxy_prewarm_miss_total",
			Help: "Pre-warm dequeue calls with an empty open pool, by destination.",
		}, []string{"dst"}),
		PrewarmHandshakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniproxy_prewarm_handshake_seconds_total",
			Help: "Cumulative handshake_time (Established - Init) of pre-warm SMs donated through Dequeue, by destination; SMs closed before donation are not counted.",
		}, []string{"dst"}),
		PrewarmHandshakeCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniproxy_prewarm_handshake_count_total",
			Help: "Count of pre-warm SMs donated through Dequeue, by destination; SMs that reach Open but close before donation are not counted.",
		}, []string{"dst"}),
		PrewarmRetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniproxy_prewarm_retry_total",
			Help: "Pre-warm SM DNS/connect/handshake failures charged to retry, by destination.",
		}, []string{"dst"}),
		PrewarmInitListSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sniproxy_prewarm_init_list_size",
			Help: "Current length of the init_list (establishing SMs), by destination.",
		}, []string{"dst"}),
		PrewarmOpenListSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sniproxy_prewarm_open_list_size",
			Help: "Current length of the open_list (donatable SMs), by destination.",
		}, []string{"dst"}),
		ConfigReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniproxy_config_reload_total",
			Help: "Config reload attempts, labeled by outcome.",
		}, []string{"outcome"}),
		ConfigReloadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sniproxy_config_reload_errors_total",
			Help: "Config reload errors, labeled by error kind (config_parse, config_semantic).",
		}, []string{"kind"}),
		RuleStoreRuleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sniproxy_rule_store_rule_count",
			Help: "Number of rules in the currently active rule store.",
		}),
		RuleStoreLastReload: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sniproxy_rule_store_last_reload_unixtime",
			Help: "Unix timestamp of the last successful rule store reload.",
		}),
	}
}

// MustRegister registers every collector against reg. Panics (like
// prometheus.MustRegister) if a name collides.
func (m *Metrics) MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		m.PrewarmHit,
		m.PrewarmMiss,
		m.PrewarmHandshakeTotal,
		m.PrewarmHandshakeCount,
		m.PrewarmRetry,
		m.PrewarmInitListSize,
		m.PrewarmOpenListSize,
		m.ConfigReloadTotal,
		m.ConfigReloadErrors,
		m.RuleStoreRuleCount,
		m.RuleStoreLastReload,
	)
}
