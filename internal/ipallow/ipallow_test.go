// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ipallow

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestList_ContainsCIDR(t *testing.T) {
	l, err := Build([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	assert.True(t, l.Contains(net.ParseIP("10.1.2.3")))
	assert.False(t, l.Contains(net.ParseIP("192.0.2.7")))
}

func TestList_ContainsExactIP(t *testing.T) {
	l, err := Build([]string{"192.0.2.7"})
	require.NoError(t, err)

	assert.True(t, l.Contains(net.ParseIP("192.0.2.7")))
	assert.False(t, l.Contains(net.ParseIP("192.0.2.8")))
}

func TestList_InvalidCIDR(t *testing.T) {
	_, err := Build([]string{"not-a-cidr"})
	assert.Error(t, err)
}

func TestList_NilList(t *testing.T) {
	var l *List
	assert.False(t, l.Contains(net.ParseIP("10.0.0.1")))
}
