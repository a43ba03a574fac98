// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command sniproxy runs the SNI-routing TLS proxy core: it loads the
// sni: rule document, pre-warms outbound connections for statically
// resolvable tunnel destinations, and accepts inbound TLS connections,
// dispatching each to Blind/Forward/PartialBlind routing per the
// matched rule's actions.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/sniproxy/internal/config"
	"grimm.is/sniproxy/internal/logging"
	"grimm.is/sniproxy/internal/metrics"
	"grimm.is/sniproxy/internal/netdial"
	"grimm.is/sniproxy/internal/prewarm"
	"grimm.is/sniproxy/internal/server"
	"grimm.is/sniproxy/internal/sni"
)

func main() {
	listenAddr := flag.String("listen", ":8443", "Address to listen on for inbound TLS connections")
	debugAddr := flag.String("debug-listen", ":9090", "Address to serve /metrics and /debug/rulestore on")
	configFile := flag.String("config", "/etc/sniproxy/sni.yaml", "Path to the sni: rule document")
	certFile := flag.String("tls-cert", "", "Default TLS certificate (PEM) for Forward/PartialBlind termination")
	keyFile := flag.String("tls-key", "", "Default TLS private key (PEM) for Forward/PartialBlind termination")
	proxyProtocol := flag.Bool("proxy-protocol", false, "Expect a PROXY protocol v1/v2 header on every accepted connection")
	dnsServer := flag.String("dns-server", "", "DNS server (host:port) for pre-warm lookups; empty uses the system resolver")
	adaptiveSizing := flag.Bool("adaptive-prewarm", false, "Use hit-rate-adaptive pre-warm pool sizing instead of fixed-min")
	flag.Parse()

	logCfg := logging.DefaultConfig()
	logCfg.Output = os.Stderr
	logger := logging.New(logCfg).WithComponent("sniproxy")
	logging.SetDefault(logger)

	logging.Info("starting sniproxy", "listen", *listenAddr, "config", *configFile)

	reg := prometheus.NewRegistry()
	m := metrics.New()
	m.MustRegister(reg)

	store := sni.NewStore(logger.WithComponent("ssl"))
	registry := prewarm.NewRegistry(logger.WithComponent("prewarm"))

	var resolver *netdial.Resolver
	if *dnsServer != "" {
		resolver = netdial.NewResolver([]string{*dnsServer}, 5*time.Second)
	}

	sizing := prewarm.SizingFixedMin
	if *adaptiveSizing {
		sizing = prewarm.SizingAdaptive
	}
	queue := prewarm.NewQueue(resolver, nil, m, logger.WithComponent("prewarm"), sizing)
	registry.Subscribe(queue.OnReconfigure)

	loadLogger := logger.WithComponent("ssl_load")
	pipeline := config.NewPipeline(loadLogger, nil)

	reload := func() {
		result, err := pipeline.LoadFile(*configFile)
		if err != nil {
			logging.Error("config reload failed, keeping previous rule store", "error", err.Error())
			m.ConfigReloadTotal.WithLabelValues("failure").Inc()
			return
		}
		for _, w := range result.Warnings {
			loadLogger.Warn("config warning", "message", w)
		}
		if buildErrs, err := store.Reconfigure(result.Rules); err != nil {
			logging.Warn("some rules failed to compile", "dropped", len(buildErrs))
			m.ConfigReloadTotal.WithLabelValues("partial").Inc()
		} else {
			m.ConfigReloadTotal.WithLabelValues("success").Inc()
		}
		registry.Reconfigure(result.Rules)
	}
	reload()

	srvCfg := server.DefaultConfig()
	srvCfg.ListenAddr = *listenAddr
	srvCfg.CertFile = *certFile
	srvCfg.KeyFile = *keyFile
	srvCfg.EnablePROXYProtocol = *proxyProtocol

	proxy, err := server.New(srvCfg, store, registry, queue, resolver, logger.WithComponent("ssl"))
	if err != nil {
		logging.Error("failed to construct server", "error", err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	watcher := config.NewWatcher(*configFile, reload, logger.WithComponent("ssl_load"))
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logging.Warn("config watcher exited", "error", err.Error())
		}
	}()

	go runTicker(ctx, queue)

	debugSrv := server.NewDebugServer(reg, store)
	httpSrv := &http.Server{Addr: *debugAddr, Handler: debugSrv.Handler()}
	go func() {
		logging.Info("debug http server listening", "addr", *debugAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Warn("debug http server exited", "error", err.Error())
		}
	}()

	go func() {
		if err := proxy.ListenAndServe(ctx); err != nil {
			logging.Error("proxy listener exited", "error", err.Error())
			cancel()
		}
	}()

	<-ctx.Done()
	httpSrv.Close()
	proxy.Wait()
	logging.Info("sniproxy exited")
}

// runTicker drives the pre-warm queue's periodic top-up/reap cycle.
func runTicker(ctx context.Context, queue *prewarm.Queue) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queue.OnTick(ctx)
		}
	}
}
