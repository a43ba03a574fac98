// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package prewarm

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/sniproxy/internal/config"
)

func pipeDial(t *testing.T) DialFunc {
	t.Helper()
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			buf := make([]byte, 1)
			server.Read(buf)
			server.Close()
		}()
		return client, nil
	}
}

func failDial(err error) DialFunc {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, err
	}
}

func TestSM_StartReachesOpenOnForward(t *testing.T) {
	dst := Dst{Host: "127.0.0.1", Port: 443, Type: config.RoutingForward, ALPNIndex: InvalidALPNIndex}
	conf := Conf{ConnectTimeout: time.Second}
	sm := NewSM(dst, conf, nil, pipeDial(t), nil)

	require.NoError(t, sm.Start(context.Background()))
	assert.Equal(t, StateOpen, sm.State())

	ht, ok := sm.HandshakeTime()
	assert.True(t, ok)
	assert.GreaterOrEqual(t, ht, time.Duration(0))
}

func TestSM_RetryBudgetExhaustedClosesSM(t *testing.T) {
	dst := Dst{Host: "127.0.0.1", Port: 443, Type: config.RoutingForward}
	conf := Conf{ConnectTimeout: 5 * time.Second}

	var retries int32
	sm := NewSM(dst, conf, nil, failDial(errors.New("connection refused")), nil)
	sm.onRetry = func(*SM) { atomic.AddInt32(&retries, 1) }

	err := sm.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateClosed, sm.State())
	assert.Equal(t, int32(defaultMaxRetries), atomic.LoadInt32(&retries))
}

func TestSM_DonateOnlyFromOpen(t *testing.T) {
	dst := Dst{Host: "127.0.0.1", Port: 443, Type: config.RoutingForward}
	sm := NewSM(dst, Conf{ConnectTimeout: time.Second}, nil, pipeDial(t), nil)

	_, err := sm.Donate()
	assert.Error(t, err, "donate before Open must fail")

	require.NoError(t, sm.Start(context.Background()))
	conn, err := sm.Donate()
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, StateClosed, sm.State())

	_, err = sm.Donate()
	assert.Error(t, err, "double donate must fail")
}

func TestSM_ExpireIfInactiveClosesPastTimeout(t *testing.T) {
	dst := Dst{Host: "127.0.0.1", Port: 443, Type: config.RoutingForward}
	conf := Conf{ConnectTimeout: time.Second, InactiveTimeout: 10 * time.Second}
	sm := NewSM(dst, conf, nil, pipeDial(t), nil)
	require.NoError(t, sm.Start(context.Background()))

	assert.False(t, sm.ExpireIfInactive(time.Now()))

	future := time.Now().Add(time.Minute)
	assert.True(t, sm.ExpireIfInactive(future))
	assert.Equal(t, StateClosed, sm.State())
}

func TestSM_StopClosesFromAnyState(t *testing.T) {
	dst := Dst{Host: "127.0.0.1", Port: 443, Type: config.RoutingForward}
	sm := NewSM(dst, Conf{}, nil, pipeDial(t), nil)
	sm.Stop()
	assert.Equal(t, StateClosed, sm.State())
}

func TestBackoff_GrowsThenCaps(t *testing.T) {
	assert.Equal(t, backoffBase, backoff(0))
	assert.Greater(t, backoff(1), backoff(0))
	assert.Equal(t, backoffCap, backoff(10))
}
