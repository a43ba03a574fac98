// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sni

import (
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/sniproxy/internal/clock"
	"grimm.is/sniproxy/internal/config"
	flerrors "grimm.is/sniproxy/internal/errors"
	"grimm.is/sniproxy/internal/logging"
)

type snapshot struct {
	rules     *RuleStore
	generation uint64
	refcount  int64 // atomic; informational only, Go's GC owns the memory
}

// RuleStoreStats is the observability accessor supplementing §4.1 per
// SPEC_FULL.md: rule counts and reload history for the debug HTTP surface.
type RuleStoreStats struct {
	RuleCount      int
	Generation     uint64
	LastReloadAt   time.Time
	LastReloadErr  string
}

// Store is the process-global, reader-preferring holder of the active
// RuleStore. Reload builds a fresh RuleStore off to the side and swaps
// the atomic pointer in one step (§4.1 "COW with refcount"); in-flight
// Acquire() handles keep the prior snapshot reachable for the duration of
// the action execution they're driving (Design Notes option (a)).
type Store struct {
	current atomic.Pointer[snapshot]

	mu            sync.Mutex // serializes Reconfigure writers
	onReconfigure func(*RuleStore)
	logger        *logging.Logger

	statsMu sync.RWMutex
	stats   RuleStoreStats
}

// NewStore constructs an empty Store (no rules loaded).
func NewStore(logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig()).WithComponent("ssl")
	}
	s := &Store{logger: logger}
	s.current.Store(&snapshot{rules: &RuleStore{exact: make(map[string][]*Rule)}})
	return s
}

// OnReconfigure registers the single callback invoked after every
// successful swap (§6 "on_reconfigure_signal"). Per the Design Notes, this
// must be registered exactly once at startup; re-registering replaces it.
func (s *Store) OnReconfigure(fn func(*RuleStore)) {
	s.onReconfigure = fn
}

// Reconfigure runs the full rule-build pipeline over specs and, on
// success, atomically swaps the active RuleStore and invokes the
// registered on_reconfigure callback. Per-rule semantic errors (already
// filtered out by config.Pipeline) never reach here; Build's own
// per-action compile errors (e.g. a malformed ip_allow CIDR) behave the
// same way: the rule is dropped, load continues.
func (s *Store) Reconfigure(specs []config.RuleSpec) ([]error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, buildErrs := Build(specs, BuildActions)

	prev := s.current.Load()
	next := &snapshot{rules: rules, generation: prev.generation + 1}
	s.current.Store(next)

	s.statsMu.Lock()
	s.stats = RuleStoreStats{
		RuleCount:    rules.RuleCount(),
		Generation:   next.generation,
		LastReloadAt: clock.Now(),
	}
	if len(buildErrs) > 0 {
		s.stats.LastReloadErr = buildErrs[0].Error()
	}
	s.statsMu.Unlock()

	if s.onReconfigure != nil {
		s.onReconfigure(rules)
	}

	s.logger.Info("rule store reconfigured",
		"generation", next.generation, "rules", rules.RuleCount(), "dropped", len(buildErrs))

	if len(buildErrs) > 0 {
		return buildErrs, flerrors.New(flerrors.KindConfigSemantic, "one or more rules failed to compile")
	}
	return nil, nil
}

// Scoped is a reference-counted handle on one RuleStore snapshot, held for
// the duration of a single action-execution pass.
type Scoped struct {
	snap *snapshot
}

// Acquire returns a Scoped handle on the currently active RuleStore.
func (s *Store) Acquire() *Scoped {
	snap := s.current.Load()
	atomic.AddInt64(&snap.refcount, 1)
	return &Scoped{snap: snap}
}

// Release drops this handle's hold on the snapshot.
func (h *Scoped) Release() {
	if h == nil || h.snap == nil {
		return
	}
	atomic.AddInt64(&h.snap.refcount, -1)
}

// Get performs the §4.1 lookup against the snapshot this handle pins.
func (h *Scoped) Get(servername string, port uint16) (*MatchResult, bool) {
	return h.snap.rules.Get(servername, port)
}

// Stats returns the current RuleStoreStats snapshot.
func (s *Store) Stats() RuleStoreStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}
