// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package prewarm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/sniproxy/internal/config"
)

func testDst() Dst {
	return Dst{Host: "10.0.0.1", Port: 443, Type: config.RoutingForward, ALPNIndex: InvalidALPNIndex}
}

func TestQueue_OnReconfigure_AddsRemovesAndUpdatesShards(t *testing.T) {
	q := NewQueue(nil, failDial(errors.New("dial disabled in this test")), nil, nil, SizingFixedMin)
	dst := testDst()

	q.OnReconfigure(map[Dst]Conf{dst: {Min: 2}})
	q.mu.Lock()
	require.Contains(t, q.shards, dst)
	assert.EqualValues(t, 2, q.shards[dst].conf.Min)
	q.mu.Unlock()

	q.OnReconfigure(map[Dst]Conf{dst: {Min: 5}})
	q.mu.Lock()
	assert.EqualValues(t, 5, q.shards[dst].conf.Min)
	q.mu.Unlock()

	q.OnReconfigure(map[Dst]Conf{})
	q.mu.Lock()
	assert.NotContains(t, q.shards, dst)
	q.mu.Unlock()
}

func TestQueue_Dequeue_MissWhenShardAbsentOrEmpty(t *testing.T) {
	q := NewQueue(nil, nil, nil, nil, SizingFixedMin)
	dst := testDst()

	_, ok := q.Dequeue(dst)
	assert.False(t, ok, "no shard registered yet")

	q.OnReconfigure(map[Dst]Conf{dst: {Min: 1}})
	_, ok = q.Dequeue(dst)
	assert.False(t, ok, "shard registered but open_list empty")
}

func TestQueue_Dequeue_HitDonatesFromOpenList(t *testing.T) {
	q := NewQueue(nil, nil, nil, nil, SizingFixedMin)
	dst := testDst()
	q.OnReconfigure(map[Dst]Conf{dst: {Min: 1, ConnectTimeout: time.Second}})

	sm := NewSM(dst, Conf{ConnectTimeout: time.Second}, nil, pipeDialFor(t), nil)
	require.NoError(t, sm.Start(context.Background()))

	q.mu.Lock()
	q.shards[dst].openList = append(q.shards[dst].openList, sm)
	q.mu.Unlock()

	conn, ok := q.Dequeue(dst)
	require.True(t, ok)
	require.NotNil(t, conn)
	assert.Equal(t, StateClosed, sm.State())
}

func pipeDialFor(t *testing.T) DialFunc {
	return pipeDial(t)
}

func TestQueue_OnTick_DrainsInitIntoOpenAndSpawnsToMin(t *testing.T) {
	q := NewQueue(nil, pipeDial(t), nil, nil, SizingFixedMin)
	dst := testDst()
	q.OnReconfigure(map[Dst]Conf{dst: {Min: 2, ConnectTimeout: time.Second}})

	openSM := NewSM(dst, Conf{ConnectTimeout: time.Second}, nil, pipeDial(t), nil)
	require.NoError(t, openSM.Start(context.Background()))
	q.mu.Lock()
	q.shards[dst].initList = append(q.shards[dst].initList, openSM)
	q.mu.Unlock()

	q.OnTick(context.Background())

	q.mu.Lock()
	sh := q.shards[dst]
	assert.Contains(t, sh.openList, openSM, "an already-Open init SM must move to open_list")
	have := len(sh.initList) + len(sh.openList)
	q.mu.Unlock()
	assert.GreaterOrEqual(t, have, 2, "queue must top shard up toward conf.Min")
}

func TestQueue_OnTick_ReapsClosedInitSMs(t *testing.T) {
	q := NewQueue(nil, nil, nil, nil, SizingFixedMin)
	dst := testDst()
	q.OnReconfigure(map[Dst]Conf{dst: {Min: 0}})

	dead := NewSM(dst, Conf{}, nil, nil, nil)
	dead.Stop()
	q.mu.Lock()
	q.shards[dst].initList = append(q.shards[dst].initList, dead)
	q.mu.Unlock()

	q.OnTick(context.Background())

	q.mu.Lock()
	assert.Empty(t, q.shards[dst].initList)
	q.mu.Unlock()
}

func TestShard_AdaptiveDepth_BoundedByMinAndMax(t *testing.T) {
	sh := &shard{conf: Conf{Min: 2, Max: 10, Rate: 1}}
	now := time.Now()

	d := sh.adaptiveDepth(now)
	assert.Equal(t, 2, d, "first sample has no elapsed window, defaults to min")

	sh.hitTotal = 20
	d = sh.adaptiveDepth(now.Add(time.Second))
	assert.GreaterOrEqual(t, d, 2)
	assert.LessOrEqual(t, d, 10)
}

func TestShard_AdaptiveDepth_UnboundedFallsBackToMultipleOfMin(t *testing.T) {
	sh := &shard{conf: Conf{Min: 3, Max: -1, Rate: 1}}
	now := time.Now()
	sh.adaptiveDepth(now)
	sh.hitTotal = 1000
	d := sh.adaptiveDepth(now.Add(time.Second))
	assert.LessOrEqual(t, d, 3*4)
}
