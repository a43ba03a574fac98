// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"grimm.is/sniproxy/internal/config"
	"grimm.is/sniproxy/internal/logging"
	"grimm.is/sniproxy/internal/netdial"
	"grimm.is/sniproxy/internal/prewarm"
	"grimm.is/sniproxy/internal/sni"
)

// Config is the listener-level configuration for one Server (§1, §5).
type Config struct {
	ListenAddr            string
	CertFile              string
	KeyFile               string
	EnablePROXYProtocol   bool
	PROXYProtocolTimeout  time.Duration
	MaxClientHelloRecord  int
	HandshakeTimeout      time.Duration
}

// DefaultConfig mirrors the teacher's DefaultServerConfig idiom: sane
// listener defaults a caller can override selectively.
func DefaultConfig() Config {
	return Config{
		ListenAddr:           ":8443",
		PROXYProtocolTimeout: 2 * time.Second,
		MaxClientHelloRecord: 1 << 16,
		HandshakeTimeout:     10 * time.Second,
	}
}

// Server accepts inbound TLS connections, matches their ClientHello
// against the active rule store, and dispatches Blind/Forward/
// PartialBlind routing to the resolved tunnel destination.
type Server struct {
	cfg Config

	store    *sni.Store
	registry *prewarm.Registry
	queue    *prewarm.Queue
	resolver *netdial.Resolver
	logger   *logging.Logger

	defaultCert *tls.Certificate

	dial prewarm.DialFunc

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New constructs a Server. store/registry/queue/resolver/logger are all
// shared process-wide singletons wired up by cmd/sniproxy.
func New(cfg Config, store *sni.Store, registry *prewarm.Registry, queue *prewarm.Queue, resolver *netdial.Resolver, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig()).WithComponent("ssl")
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		registry: registry,
		queue:    queue,
		resolver: resolver,
		logger:   logger,
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("server: loading default certificate: %w", err)
		}
		s.defaultCert = &cert
	}

	return s, nil
}

// ListenAndServe opens the listener (optionally PROXY-protocol-wrapped)
// and accepts connections until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}
	if s.cfg.EnablePROXYProtocol {
		ln = netdial.WrapPROXYProtocol(ln, s.cfg.PROXYProtocolTimeout)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("sni proxy listening", "addr", s.cfg.ListenAddr, "proxy_protocol", s.cfg.EnablePROXYProtocol)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Wait blocks until every in-flight connection handler has returned.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	defer raw.Close()

	nc := netdial.Wrap(raw)
	info, err := netdial.PeekClientHello(nc.BufferedReader(), s.cfg.MaxClientHelloRecord)
	if err != nil {
		s.logger.Debug("rejecting connection: ClientHello peek failed", "remote", raw.RemoteAddr(), "error", err)
		return
	}

	peerIP, localPort := connEndpoints(raw)
	ppPort, hasPP := netdial.ProxyProtocolPort(raw)

	scoped := s.store.Acquire()
	defer scoped.Release()

	match, ok := scoped.Get(info.ServerName, localPort)
	if !ok {
		s.logger.Debug("no rule matched, closing", "servername", info.ServerName, "port", localPort)
		return
	}

	cctx := newConnContext(info.ServerName, peerIP, localPort, ppPort, hasPP)
	for _, proto := range info.ALPN {
		cctx.EnableALPN(proto)
	}

	for _, act := range match.Actions {
		if act.Apply(cctx, sni.MatchContext{Groups: match.Groups}) == sni.FatalAlert {
			s.logger.Debug("action aborted handshake", "servername", info.ServerName)
			return
		}
	}

	if cctx.tunnelDest == nil {
		s.logger.Debug("rule matched but configured no tunnel destination", "servername", info.ServerName)
		return
	}

	switch cctx.tunnelRouting {
	case config.RoutingBlind:
		s.serveBlind(ctx, nc, cctx)
	case config.RoutingForward:
		s.serveForward(ctx, nc, cctx)
	case config.RoutingPartialBlind:
		s.servePartialBlind(ctx, nc, cctx)
	default:
		s.logger.Debug("unsupported routing type", "servername", info.ServerName)
	}
}

func connEndpoints(conn net.Conn) (net.IP, uint16) {
	var peerIP net.IP
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		peerIP = tcpAddr.IP
	}
	var localPort uint16
	if tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		localPort = uint16(tcpAddr.Port)
	}
	return peerIP, localPort
}

// serveBlind forwards the raw TLS byte stream (including the already
// peeked ClientHello, replayed by nc's buffered reader) to the
// destination untouched — the inbound TLS session is never terminated.
func (s *Server) serveBlind(ctx context.Context, nc *netdial.Conn, cctx *connContext) {
	upstream, err := s.dialDestination(ctx, cctx)
	if err != nil {
		s.logger.Debug("blind dial failed", "dest", cctx.tunnelDest.Host, "error", err)
		return
	}
	defer upstream.Close()
	splice(nc, upstream)
}

// serveForward terminates the inbound TLS session with this proxy's
// certificate, then relays decrypted application bytes to the destination
// in plaintext.
func (s *Server) serveForward(ctx context.Context, nc *netdial.Conn, cctx *connContext) {
	tlsConn, err := s.terminateInbound(nc, cctx)
	if err != nil {
		s.logger.Debug("inbound tls handshake failed", "servername", cctx.servername, "error", err)
		return
	}
	defer tlsConn.Close()

	upstream, err := s.dialDestination(ctx, cctx)
	if err != nil {
		s.logger.Debug("forward dial failed", "dest", cctx.tunnelDest.Host, "error", err)
		return
	}
	defer upstream.Close()
	splice(tlsConn, upstream)
}

// servePartialBlind terminates inbound TLS and re-encrypts toward the
// destination, preferring a pre-warmed connection from the queue when
// one is available.
func (s *Server) servePartialBlind(ctx context.Context, nc *netdial.Conn, cctx *connContext) {
	tlsConn, err := s.terminateInbound(nc, cctx)
	if err != nil {
		s.logger.Debug("inbound tls handshake failed", "servername", cctx.servername, "error", err)
		return
	}
	defer tlsConn.Close()

	upstream, err := s.dequeueOrDial(ctx, cctx)
	if err != nil {
		s.logger.Debug("partial-blind upstream failed", "dest", cctx.tunnelDest.Host, "error", err)
		return
	}
	defer upstream.Close()
	splice(tlsConn, upstream)
}

func (s *Server) terminateInbound(nc *netdial.Conn, cctx *connContext) (*tls.Conn, error) {
	cfg := &tls.Config{
		NextProtos: cctx.alpnProtocols(),
		MinVersion: tlsVersionToStd(cctx.tlsMin, tls.VersionTLS12),
		MaxVersion: tlsVersionToStd(cctx.tlsMax, tls.VersionTLS13),
	}
	if s.defaultCert != nil {
		cfg.Certificates = []tls.Certificate{*s.defaultCert}
	}
	if cctx.verifyClientMode != config.VerifyClientNone && cctx.verifyClientCA != "" {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(cctx.verifyClientCA)
		if err == nil {
			pool.AppendCertsFromPEM(pem)
		}
		cfg.ClientCAs = pool
		if cctx.verifyClientMode == config.VerifyClientStrict {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			cfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}

	tlsConn := tls.Server(nc, cfg)
	hctx, cancel := context.WithTimeout(context.Background(), s.handshakeTimeout())
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

func (s *Server) handshakeTimeout() time.Duration {
	if s.cfg.HandshakeTimeout <= 0 {
		return 10 * time.Second
	}
	return s.cfg.HandshakeTimeout
}

// dialDestination opens a plain TCP connection to cctx's resolved
// destination (Blind/Forward routing never re-encrypts outbound).
func (s *Server) dialDestination(ctx context.Context, cctx *connContext) (net.Conn, error) {
	dial := s.dial
	if dial == nil {
		var d net.Dialer
		dial = func(ctx context.Context, network, address string) (net.Conn, error) {
			return d.DialContext(ctx, network, address)
		}
	}
	addr := net.JoinHostPort(cctx.tunnelDest.Host, cctx.tunnelDest.Port)
	return dial(ctx, "tcp", addr)
}

// dequeueOrDial serves a PartialBlind upstream from the pre-warm queue if
// the destination resolved statically and a pooled connection is ready;
// otherwise it dials and TLS-handshakes a fresh one inline.
func (s *Server) dequeueOrDial(ctx context.Context, cctx *connContext) (net.Conn, error) {
	conf := prewarm.FromSpec(cctx.tunnelPrewarm, s.outboundSNI(cctx))

	if !cctx.tunnelDest.PortIsDynamic {
		if port, err := portFromDestination(cctx.tunnelDest.Port); err == nil {
			dst := prewarm.Dst{
				Host:      cctx.tunnelDest.Host,
				Port:      port,
				Type:      config.RoutingPartialBlind,
				ALPNIndex: prewarm.InvalidALPNIndex,
			}
			if s.registry != nil {
				if registered, ok := s.registry.Get(dst); ok {
					conf = registered
				}
			}
			if s.queue != nil {
				if conn, ok := s.queue.Dequeue(dst); ok {
					return conn, nil
				}
			}
		}
	}

	port, err := portFromDestination(cctx.tunnelDest.Port)
	if err != nil {
		return nil, err
	}
	sm := prewarm.NewSM(
		prewarm.Dst{Host: cctx.tunnelDest.Host, Port: port, Type: config.RoutingPartialBlind},
		conf,
		s.resolver, nil, s.logger,
	)
	if err := sm.Start(ctx); err != nil {
		return nil, err
	}
	conn, err := sm.Donate()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Server) outboundSNI(cctx *connContext) string {
	if cctx.outboundSNIPolicy != "" {
		return cctx.outboundSNIPolicy
	}
	return cctx.tunnelDest.Host
}

func portFromDestination(port string) (uint16, error) {
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(p), nil
}

// splice copies bytes bidirectionally between a and b until either side
// closes, mirroring a transparent TCP proxy's data-plane loop.
func splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	<-done
	<-done
}
