// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sni

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/sniproxy/internal/config"
)

func TestStore_ReconfigureSwapsAtomically(t *testing.T) {
	s := NewStore(nil)

	var reconfCount int
	s.OnReconfigure(func(rs *RuleStore) { reconfCount++ })

	errs, err := s.Reconfigure([]config.RuleSpec{specOf("example.com", 0, nil)})
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Equal(t, 1, reconfCount)

	handle := s.Acquire()
	defer handle.Release()
	m, ok := handle.Get("example.com", 443)
	require.True(t, ok)
	assert.Equal(t, "example.com", m.Rule.Spec.FQDN)

	assert.Equal(t, 1, s.Stats().RuleCount)
}

func TestStore_ReconfigureTwiceIsIdempotent(t *testing.T) {
	s := NewStore(nil)
	specs := []config.RuleSpec{specOf("example.com", 0, nil)}

	_, err := s.Reconfigure(specs)
	require.NoError(t, err)
	gen1 := s.Stats().Generation

	_, err = s.Reconfigure(specs)
	require.NoError(t, err)
	gen2 := s.Stats().Generation

	assert.Equal(t, gen1+1, gen2)
	assert.Equal(t, 1, s.Stats().RuleCount)
}

func TestStore_AcquiredHandleSeesConsistentSnapshotAcrossReload(t *testing.T) {
	s := NewStore(nil)
	_, err := s.Reconfigure([]config.RuleSpec{specOf("old.example", 0, nil)})
	require.NoError(t, err)

	handle := s.Acquire()
	defer handle.Release()

	_, err = s.Reconfigure([]config.RuleSpec{specOf("new.example", 0, nil)})
	require.NoError(t, err)

	// The handle acquired before reload still sees the old rule set in full.
	_, ok := handle.Get("old.example", 443)
	assert.True(t, ok)
	_, ok = handle.Get("new.example", 443)
	assert.False(t, ok)
}
