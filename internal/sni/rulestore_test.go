// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sni

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/sniproxy/internal/config"
)

func specOf(fqdn string, rank uint32, ranges []config.PortRange) config.RuleSpec {
	return config.RuleSpec{
		FQDN:       fqdn,
		IsWildcard: containsGlobChars(fqdn),
		Rank:       rank,
		PortRanges: ranges,
	}
}

func containsGlobChars(s string) bool {
	for _, r := range s {
		if r == '*' || r == '?' {
			return true
		}
	}
	return false
}

func TestRuleStore_ExactMatchPortInRange(t *testing.T) {
	specs := []config.RuleSpec{specOf("example.com", 0, []config.PortRange{{Min: 443, Max: 443}})}
	rs, errs := Build(specs, BuildActions)
	require.Empty(t, errs)

	m, ok := rs.Get("example.com", 443)
	require.True(t, ok)
	assert.Equal(t, "example.com", m.Rule.Spec.FQDN)
}

func TestRuleStore_CaseInsensitive(t *testing.T) {
	specs := []config.RuleSpec{specOf("example.com", 0, nil)}
	rs, _ := Build(specs, BuildActions)

	m1, ok1 := rs.Get("Example.COM", 443)
	m2, ok2 := rs.Get("example.com", 443)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, m1.Rule, m2.Rule)
}

func TestRuleStore_PortFiltering(t *testing.T) {
	specs := []config.RuleSpec{specOf("example.com", 0, []config.PortRange{{Min: 8443, Max: 8443}})}
	rs, _ := Build(specs, BuildActions)

	_, ok := rs.Get("example.com", 443)
	assert.False(t, ok)

	_, ok = rs.Get("example.com", 8443)
	assert.True(t, ok)
}

func TestRuleStore_WildcardCapture(t *testing.T) {
	specs := []config.RuleSpec{specOf("*.foo.com", 0, nil)}
	rs, _ := Build(specs, BuildActions)

	m, ok := rs.Get("alpha.foo.com", 443)
	require.True(t, ok)
	require.Len(t, m.Groups, 1)
	assert.Equal(t, "alpha", m.Groups[0])
}

func TestRuleStore_RankTieBreakWildcardBeatsExact(t *testing.T) {
	specs := []config.RuleSpec{
		specOf("*.example.com", 0, nil),   // rank 0
		specOf("shop.example.com", 1, nil), // rank 1
	}
	rs, _ := Build(specs, BuildActions)

	m, ok := rs.Get("shop.example.com", 443)
	require.True(t, ok)
	assert.True(t, m.Rule.Spec.IsWildcard, "lower-rank wildcard should win over higher-rank exact rule")
}

func TestRuleStore_NoMatch(t *testing.T) {
	specs := []config.RuleSpec{specOf("example.com", 0, nil)}
	rs, _ := Build(specs, BuildActions)

	_, ok := rs.Get("nowhere.example", 443)
	assert.False(t, ok)
}

func TestRuleStore_IdempotentReload(t *testing.T) {
	specs := []config.RuleSpec{specOf("example.com", 0, nil)}
	rs1, _ := Build(specs, BuildActions)
	rs2, _ := Build(specs, BuildActions)

	assert.Equal(t, rs1.RuleCount(), rs2.RuleCount())
}

func TestGlobToRegexRoundTrip(t *testing.T) {
	cases := []struct {
		glob, name string
		want       bool
	}{
		{"*.foo.com", "alpha.foo.com", true},
		{"*.foo.com", "foo.com", false},
		{"example.com", "example.com", true},
		{"example.com", "notexample.com", false},
	}
	for _, c := range cases {
		re, err := compileGlob(c.glob)
		require.NoError(t, err)
		assert.Equal(t, c.want, re.MatchString(c.name), "glob=%s name=%s", c.glob, c.name)
	}
}
