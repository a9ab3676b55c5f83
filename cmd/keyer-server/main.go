package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/spider-keyer-server/internal/keyer"
	"github.com/kstaniek/spider-keyer-server/internal/link"
	"github.com/kstaniek/spider-keyer-server/internal/metrics"
	"github.com/kstaniek/spider-keyer-server/internal/server"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("keyer-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	h := initHub(cfg, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	obs := &hubObserver{hub: h, log: l, initialWPM: cfg.initialWPM}
	lk := link.New(link.WithObserver(obs), link.WithIdentifyTimeout(cfg.identifyTO))
	defer lk.Close()
	obs.speed = lk.SetSpeed

	cleanup, err := initDevice(ctx, cfg, lk, l, &wg)
	if err != nil {
		l.Error("device_init_error", "error", err)
		return
	}

	srv := server.NewServer(
		server.WithHub(h),
		server.WithDispatcher(keyerDispatcher{lk: lk}),
		server.WithGreeting(greetingFor(lk)),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
		server.WithReusePort(cfg.reusePort),
	)
	srv.SetListenAddr(cfg.listenAddr)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()

	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		port := listenPort(srv.Addr())
		cleanupMDNS, err := startMDNS(ctx, cfg, port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	// Ready once the listener is bound and the keyer confirmed its identity.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil && lk.Snapshot().State == keyer.StateConnected
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	sdCtx, sdCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer sdCancel()
	if err := srv.Shutdown(sdCtx); err != nil {
		l.Warn("tcp_shutdown_error", "error", err)
	}
	cancel()
	if err := cleanup(); err != nil {
		l.Warn("device_cleanup_error", "error", err)
	}
	wg.Wait()
}

// listenPort extracts the port from a bound address (host:port or :port).
func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}
