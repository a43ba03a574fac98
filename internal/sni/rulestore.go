// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sni implements the SNI rule store (C1) and action set (C2): the
// ordered match of a ClientHello's (servername, inbound port) against
// compiled rules, and the concrete actions those rules apply.
package sni

import (
	"regexp"
	"strings"

	"grimm.is/sniproxy/internal/config"
)

const maxHostNameLen = 256

// Rule is one compiled, matchable rule: an exact FQDN or a wildcard regex,
// an inbound port filter, a rank, and its ordered actions.
type Rule struct {
	Spec    config.RuleSpec
	Regex   *regexp.Regexp // nil for exact rules
	Actions []Action
}

func (r *Rule) matchesPort(port uint16) bool {
	if len(r.Spec.PortRanges) == 0 {
		return true
	}
	for _, pr := range r.Spec.PortRanges {
		if pr.Contains(port) {
			return true
		}
	}
	return false
}

// RuleStore is the immutable, compiled set of rules built from one
// Reconfigure call. It is never mutated after Build returns it; reload
// swaps in a new instance (internal/sni.Store handles the COW swap).
type RuleStore struct {
	exact    map[string][]*Rule
	wildcard []*Rule // ordered by Rank ascending
	ruleCount int
}

// Build compiles a RuleStore from validated specs, in rank order. Specs
// must already be rank-ordered (Pipeline assigns Rank by document order).
func Build(specs []config.RuleSpec, actionBuilder func(config.RuleSpec) ([]Action, error)) (*RuleStore, []error) {
	rs := &RuleStore{exact: make(map[string][]*Rule)}
	var errs []error

	for _, spec := range specs {
		actions, err := actionBuilder(spec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rule := &Rule{Spec: spec, Actions: actions}

		if spec.IsWildcard {
			re, err := compileGlob(spec.FQDN)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			rule.Regex = re
			rs.wildcard = append(rs.wildcard, rule)
		} else {
			rs.exact[spec.FQDN] = append(rs.exact[spec.FQDN], rule)
		}
		rs.ruleCount++
	}

	return rs, errs
}

// MatchResult is the outcome of a successful Get: the matched rule's
// actions plus any regex capture groups from the servername.
type MatchResult struct {
	Actions []Action
	Groups  []string
	Rule    *Rule
}

// Get implements the §4.1 lookup algorithm: exact bucket first (best
// rank among port-matching candidates), then the wildcard list walked in
// rank order, stopping once a wildcard's rank can no longer beat the best
// exact rank found.
func (rs *RuleStore) Get(servername string, port uint16) (*MatchResult, bool) {
	name := normalizeServername(servername)

	var bestExact *Rule
	bestRank := ^uint32(0)
	for _, candidate := range rs.exact[name] {
		if !candidate.matchesPort(port) {
			continue
		}
		if candidate.Spec.Rank < bestRank {
			bestExact = candidate
			bestRank = candidate.Spec.Rank
		}
	}

	var bestWildcard *Rule
	var groups []string
	for _, candidate := range rs.wildcard {
		if candidate.Spec.Rank >= bestRank {
			break
		}
		if !candidate.matchesPort(port) {
			continue
		}
		m := candidate.Regex.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		bestWildcard = candidate
		bestRank = candidate.Spec.Rank
		if len(m) > 1 {
			groups = m[1:]
		} else {
			groups = nil
		}
	}

	switch {
	case bestWildcard != nil:
		return &MatchResult{Actions: bestWildcard.Actions, Groups: groups, Rule: bestWildcard}, true
	case bestExact != nil:
		return &MatchResult{Actions: bestExact.Actions, Rule: bestExact}, true
	default:
		return nil, false
	}
}

// RuleCount returns the total number of compiled rules (exact + wildcard).
func (rs *RuleStore) RuleCount() int { return rs.ruleCount }

func normalizeServername(s string) string {
	if len(s) > maxHostNameLen {
		s = s[:maxHostNameLen]
	}
	return strings.ToLower(s)
}
