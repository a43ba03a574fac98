// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/sniproxy/internal/sni"
)

// DebugServer exposes the Prometheus registry plus a small JSON
// introspection surface over the active rule store, separate from the
// TLS listener (§4.6, §6's operational surface).
type DebugServer struct {
	reg   *prometheus.Registry
	store *sni.Store
}

// NewDebugServer builds the mux.Router-backed HTTP handler for
// /metrics, /debug/rulestore and /healthz.
func NewDebugServer(reg *prometheus.Registry, store *sni.Store) *DebugServer {
	return &DebugServer{reg: reg, store: store}
}

// Handler returns the router to pass to http.Server or http.ListenAndServe.
func (d *DebugServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(d.reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/debug/rulestore", d.handleRuleStoreStats).Methods(http.MethodGet)
	router.HandleFunc("/healthz", d.handleHealthz).Methods(http.MethodGet)
	return router
}

func (d *DebugServer) handleRuleStoreStats(w http.ResponseWriter, r *http.Request) {
	stats := d.store.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (d *DebugServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
