// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package prewarm

import (
	"context"
	"sync"
	"time"

	"grimm.is/sniproxy/internal/clock"
	"grimm.is/sniproxy/internal/logging"
	"grimm.is/sniproxy/internal/metrics"
	"grimm.is/sniproxy/internal/netdial"
)

// shard is the per-destination bookkeeping a Queue keeps: the SMs still
// establishing (init_list) and the SMs sitting ready to donate
// (open_list), plus rate-tracking state for V2 sizing.
type shard struct {
	conf Conf

	initList []*SM
	openList []*SM

	hitTotal  uint64
	missTotal uint64

	prevHitTotal   uint64
	prevSampleTime time.Time
}

// Queue is one IO thread's pre-warm pool: independently sized and ticked,
// subscribed to a shared Registry for Dst→Conf updates (§4.6 "per-thread
// pre-warm queue"). A real deployment runs one Queue per accept-loop
// goroutine; nothing here assumes true OS-thread affinity, only that a
// single goroutine owns Push/Dequeue/OnTick/OnReconfigure for a given
// Queue instance.
type Queue struct {
	mu     sync.Mutex
	shards map[Dst]*shard

	resolver *netdial.Resolver
	dial     DialFunc
	metrics  *metrics.Metrics
	logger   *logging.Logger

	sizing SizingPolicy
}

// SizingPolicy selects the desired init_list+open_list depth for a shard.
type SizingPolicy int

const (
	// SizingFixedMin (V1) keeps exactly conf.Min connections established.
	SizingFixedMin SizingPolicy = iota
	// SizingAdaptive (V2) scales desired depth off the observed hit rate,
	// bounded by [conf.Min, conf.Max] when conf.Bounded().
	SizingAdaptive
)

// NewQueue constructs an empty per-thread Queue.
func NewQueue(resolver *netdial.Resolver, dial DialFunc, m *metrics.Metrics, logger *logging.Logger, sizing SizingPolicy) *Queue {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig()).WithComponent("ssl")
	}
	return &Queue{
		shards:   map[Dst]*shard{},
		resolver: resolver,
		dial:     dial,
		metrics:  m,
		logger:   logger,
		sizing:   sizing,
	}
}

// OnReconfigure applies a new Dst→Conf map from the Registry: shards for
// removed Dsts are stopped and dropped, shards for existing Dsts get
// their Conf swapped in place (open/init SMs keep running under the old
// Conf until they cycle), and new empty shards are created for added
// Dsts. Suitable as the callback passed to Registry.Subscribe.
func (q *Queue) OnReconfigure(next map[Dst]Conf) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for dst, sh := range q.shards {
		if _, ok := next[dst]; !ok {
			for _, sm := range sh.initList {
				sm.Stop()
			}
			for _, sm := range sh.openList {
				sm.Stop()
			}
			delete(q.shards, dst)
		}
	}

	for dst, conf := range next {
		if sh, ok := q.shards[dst]; ok {
			sh.conf = conf
			continue
		}
		q.shards[dst] = &shard{conf: conf}
	}
}

// push appends sm to dst's init_list (establishing). OnTick adds the SMs
// it spawns to init_list directly and does not go through push.
func (q *Queue) push(dst Dst, sm *SM) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sh, ok := q.shards[dst]
	if !ok {
		return
	}
	sh.initList = append(sh.initList, sm)
}

// Dequeue hands the caller a pre-warmed, Open connection for dst, if one
// is available, recording a hit or a miss. The returned SM has already
// transitioned to Closed via Donate; callers use its returned *netdial.Conn.
func (q *Queue) Dequeue(dst Dst) (*netdial.Conn, bool) {
	q.mu.Lock()
	sh, ok := q.shards[dst]
	if !ok {
		q.mu.Unlock()
		if q.metrics != nil {
			q.metrics.PrewarmMiss.WithLabelValues(dst.String()).Inc()
		}
		return nil, false
	}

	for len(sh.openList) > 0 {
		sm := sh.openList[0]
		sh.openList = sh.openList[1:]
		conn, err := sm.Donate()
		if err != nil {
			continue
		}
		sh.hitTotal++
		q.mu.Unlock()
		if q.metrics != nil {
			q.metrics.PrewarmHit.WithLabelValues(dst.String()).Inc()
			if ht, ok := sm.HandshakeTime(); ok {
				q.metrics.PrewarmHandshakeTotal.WithLabelValues(dst.String()).Add(ht.Seconds())
				q.metrics.PrewarmHandshakeCount.WithLabelValues(dst.String()).Inc()
			}
		}
		return conn, true
	}

	sh.missTotal++
	q.mu.Unlock()
	if q.metrics != nil {
		q.metrics.PrewarmMiss.WithLabelValues(dst.String()).Inc()
	}
	return nil, false
}

// OnTick drains finished SMs out of init_list into open_list (or back
// out entirely if Closed), reaps inactive Open SMs past InactiveTimeout,
// and tops each shard up to its desired depth by spawning new SMs.
func (q *Queue) OnTick(ctx context.Context) {
	now := clock.Now()

	q.mu.Lock()
	type spawn struct {
		dst Dst
		sm  *SM
	}
	var toSpawn []spawn

	for dst, sh := range q.shards {
		remaining := sh.initList[:0]
		for _, sm := range sh.initList {
			switch sm.State() {
			case StateOpen:
				sh.openList = append(sh.openList, sm)
			case StateClosed:
				// dropped: failed past its retry budget
			default:
				remaining = append(remaining, sm)
			}
		}
		sh.initList = remaining

		openRemaining := sh.openList[:0]
		for _, sm := range sh.openList {
			if sm.ExpireIfInactive(now) {
				continue
			}
			openRemaining = append(openRemaining, sm)
		}
		sh.openList = openRemaining

		desired := q.desiredDepth(sh, now)
		have := len(sh.initList) + len(sh.openList)
		for have < desired {
			sm := NewSM(dst, sh.conf, q.resolver, q.dial, q.logger)
			sh.initList = append(sh.initList, sm)
			toSpawn = append(toSpawn, spawn{dst: dst, sm: sm})
			have++
		}

		if q.metrics != nil {
			q.metrics.PrewarmInitListSize.WithLabelValues(dst.String()).Set(float64(len(sh.initList)))
			q.metrics.PrewarmOpenListSize.WithLabelValues(dst.String()).Set(float64(len(sh.openList)))
		}
	}
	q.mu.Unlock()

	for _, s := range toSpawn {
		sm := s.sm
		dst := s.dst
		go func() {
			if err := sm.Start(ctx); err != nil {
				q.logger.Debug("prewarm sm failed", "dst", dst.String(), "error", err)
				if q.metrics != nil {
					q.metrics.PrewarmRetry.WithLabelValues(dst.String()).Inc()
				}
			}
		}()
	}
}

// desiredDepth picks the target init+open depth for sh under the
// Queue's configured SizingPolicy. Must be called with q.mu held.
func (q *Queue) desiredDepth(sh *shard, now time.Time) int {
	var desired int
	switch q.sizing {
	case SizingAdaptive:
		desired = sh.adaptiveDepth(now)
	default:
		desired = int(sh.conf.Min)
	}
	if sh.conf.Bounded() && desired > int(sh.conf.Max) {
		desired = int(sh.conf.Max)
	}
	return desired
}

// adaptiveDepth (V2) scales desired depth to roughly match the observed
// hit rate: if hits are arriving faster than the pool can replace them,
// grow toward Max; if the pool is going unused, shrink toward Min.
func (sh *shard) adaptiveDepth(now time.Time) int {
	min := int(sh.conf.Min)
	max := min
	if sh.conf.Bounded() {
		max = int(sh.conf.Max)
	} else {
		max = min * 4
		if max < min {
			max = min
		}
	}

	if sh.prevSampleTime.IsZero() {
		sh.prevSampleTime = now
		sh.prevHitTotal = sh.hitTotal
		return min
	}

	elapsed := now.Sub(sh.prevSampleTime).Seconds()
	rate := calculateRate(sh.hitTotal, sh.prevHitTotal, elapsed)
	sh.prevHitTotal = sh.hitTotal
	sh.prevSampleTime = now

	target := min
	if sh.conf.Rate > 0 {
		target = int(rate / sh.conf.Rate * float64(min))
	}
	if target < min {
		target = min
	}
	if target > max {
		target = max
	}
	return target
}
