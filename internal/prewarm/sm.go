// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package prewarm

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/sniproxy/internal/clock"
	"grimm.is/sniproxy/internal/config"
	"grimm.is/sniproxy/internal/logging"
	"grimm.is/sniproxy/internal/netdial"
)

// State is one of the §4.5 pre-warm SM states.
type State int

const (
	StateInit State = iota
	StateDnsLookup
	StateNetOpen
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateDnsLookup:
		return "DnsLookup"
	case StateNetOpen:
		return "NetOpen"
	case StateOpen:
		return "Open"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

const (
	defaultMaxRetries  = 3
	backoffBase        = 200 * time.Millisecond
	backoffCap         = 5 * time.Second
)

// DialFunc opens a raw TCP connection; overridable in tests.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

func defaultDial(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// Milestones records the timings named in §4.5.
type Milestones struct {
	Init          time.Time
	DnsLookupDone time.Time
	Established   time.Time
	Closed        time.Time
}

// SM owns one pooled outbound connection candidate's lifecycle (§4.5).
type SM struct {
	ID  string
	Dst Dst

	mu         sync.Mutex
	state      State
	conf       Conf
	milestones Milestones
	retries    int

	conn *netdial.Conn

	resolver *netdial.Resolver
	dial     DialFunc
	logger   *logging.Logger

	onRetry func(*SM) // invoked when the SM drops back to Init after a failure
	onDone  func(*SM, error)
}

// NewSM constructs an SM for dst under conf. resolver and dial may be nil
// to use the system resolver and a plain net.Dialer respectively.
func NewSM(dst Dst, conf Conf, resolver *netdial.Resolver, dial DialFunc, logger *logging.Logger) *SM {
	if dial == nil {
		dial = defaultDial
	}
	if logger == nil {
		logger = logging.New(logging.DefaultConfig()).WithComponent("ssl")
	}
	return &SM{
		ID:       uuid.NewString(),
		Dst:      dst,
		conf:     conf,
		resolver: resolver,
		dial:     dial,
		logger:   logger,
		state:    StateInit,
	}
}

// State returns the SM's current state.
func (sm *SM) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

func (sm *SM) setState(s State) {
	sm.mu.Lock()
	sm.state = s
	sm.mu.Unlock()
}

// Start drives the SM from Init through DnsLookup and NetOpen to Open,
// retrying on failure under a bounded budget before finally transitioning
// to Closed. It blocks for up to conf.ConnectTimeout and is meant to be
// run on its own goroutine by the owning per-thread Queue.
func (sm *SM) Start(ctx context.Context) error {
	sm.mu.Lock()
	sm.milestones.Init = clock.Now()
	sm.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, sm.connectTimeout())
	defer cancel()

	for attempt := 0; ; attempt++ {
		err := sm.attempt(ctx)
		if err == nil {
			return nil
		}

		if attempt >= defaultMaxRetries {
			sm.transitionClosed()
			return fmt.Errorf("prewarm: %s: retry budget exhausted: %w", sm.Dst, err)
		}

		sm.setState(StateInit)
		if sm.onRetry != nil {
			sm.onRetry(sm)
		}

		select {
		case <-ctx.Done():
			sm.transitionClosed()
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
}

func (sm *SM) attempt(ctx context.Context) error {
	sm.setState(StateDnsLookup)
	addr, err := sm.resolveAddr(ctx)
	if err != nil {
		return fmt.Errorf("dns lookup: %w", err)
	}
	sm.mu.Lock()
	sm.milestones.DnsLookupDone = clock.Now()
	sm.mu.Unlock()

	sm.setState(StateNetOpen)
	rawConn, err := sm.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if sm.Dst.Type == config.RoutingPartialBlind {
		tlsConn, err := sm.handshakeUpstreamTLS(ctx, rawConn)
		if err != nil {
			rawConn.Close()
			return fmt.Errorf("upstream tls handshake: %w", err)
		}
		rawConn = tlsConn
	}

	sm.mu.Lock()
	sm.conn = netdial.Wrap(rawConn)
	sm.milestones.Established = clock.Now()
	sm.state = StateOpen
	sm.mu.Unlock()
	return nil
}

func (sm *SM) resolveAddr(ctx context.Context) (string, error) {
	if sm.resolver == nil || net.ParseIP(sm.Dst.Host) != nil {
		return fmt.Sprintf("%s:%d", sm.Dst.Host, sm.Dst.Port), nil
	}
	ips, err := sm.resolver.LookupHost(ctx, sm.Dst.Host)
	if err != nil || len(ips) == 0 {
		return "", err
	}
	return fmt.Sprintf("%s:%d", ips[0].String(), sm.Dst.Port), nil
}

func (sm *SM) handshakeUpstreamTLS(ctx context.Context, raw net.Conn) (net.Conn, error) {
	sni := sm.conf.SNI
	if sni == "" {
		sni = sm.Dst.Host
	}
	cfg := &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: sm.conf.VerifyServerPolicy == config.VerifyServerDisabled,
	}
	tlsConn := tls.Client(raw, cfg)
	if deadline, ok := ctx.Deadline(); ok {
		tlsConn.SetDeadline(deadline)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	tlsConn.SetDeadline(time.Time{})
	return tlsConn, nil
}

func (sm *SM) connectTimeout() time.Duration {
	if sm.conf.ConnectTimeout <= 0 {
		return 10 * time.Second
	}
	return sm.conf.ConnectTimeout
}

func (sm *SM) transitionClosed() {
	sm.mu.Lock()
	sm.state = StateClosed
	sm.milestones.Closed = clock.Now()
	conn := sm.conn
	sm.conn = nil
	sm.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Stop forces the SM to Closed, closing any underlying connection.
func (sm *SM) Stop() {
	sm.transitionClosed()
}

// HandshakeTime returns Established - Init, and whether the SM ever
// reached Open.
func (sm *SM) HandshakeTime() (time.Duration, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.milestones.Established.IsZero() {
		return 0, false
	}
	return sm.milestones.Established.Sub(sm.milestones.Init), true
}

// IdleSince returns how long the SM has sat in Open without donation.
func (sm *SM) IdleSince(now time.Time) time.Duration {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state != StateOpen || sm.milestones.Established.IsZero() {
		return 0
	}
	return now.Sub(sm.milestones.Established)
}

// ExpireIfInactive closes the SM if it has been Open longer than
// conf.InactiveTimeout without being donated.
func (sm *SM) ExpireIfInactive(now time.Time) bool {
	sm.mu.Lock()
	state := sm.state
	established := sm.milestones.Established
	timeout := sm.conf.InactiveTimeout
	sm.mu.Unlock()

	if state != StateOpen || established.IsZero() || timeout <= 0 {
		return false
	}
	if now.Sub(established) < timeout {
		return false
	}
	sm.transitionClosed()
	return true
}

// Donate atomically extracts the underlying connection and transitions
// to Closed (§4.5). Returns an error if the SM is not in Open.
func (sm *SM) Donate() (*netdial.Conn, error) {
	sm.mu.Lock()
	if sm.state != StateOpen {
		sm.mu.Unlock()
		return nil, fmt.Errorf("prewarm: %s: cannot donate from state %s", sm.Dst, sm.state)
	}
	conn := sm.conn
	sm.conn = nil
	sm.state = StateClosed
	sm.milestones.Closed = clock.Now()
	sm.mu.Unlock()
	return conn, nil
}

func backoff(attempt int) time.Duration {
	d := backoffBase << uint(attempt)
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}
