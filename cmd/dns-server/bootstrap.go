package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Joxit/dns-server/internal/blocklist"
	"github.com/Joxit/dns-server/internal/config"
	"github.com/Joxit/dns-server/internal/control"
	"github.com/Joxit/dns-server/internal/metrics"
	"github.com/Joxit/dns-server/internal/requestlog"
	"github.com/Joxit/dns-server/internal/resolver"
	"github.com/Joxit/dns-server/internal/server"
	"github.com/Joxit/dns-server/internal/upstream"
)

// runServer wires components from the options, starts the requested
// listeners, and blocks until ctx is cancelled or a listener fails.
func runServer(ctx context.Context, opts config.Options, logger *slog.Logger) error {
	metrics.Init()

	engine, err := buildEngine(opts, logger)
	if err != nil {
		return err
	}
	stats := engine.Stats()
	logger.Info("blacklist loaded", "exact", stats.Exact, "zones", stats.Zones)

	endpoint, err := upstream.ParseEndpoint(opts.DNSServer)
	if err != nil {
		return err
	}
	forwarder, err := upstream.New(endpoint, logger)
	if err != nil {
		return fmt.Errorf("upstream client: %w", err)
	}
	defer forwarder.Close()
	logger.Info("upstream configured", "endpoint", endpoint.String())

	requests, closeRequests, err := buildRequestLog(opts)
	if err != nil {
		return err
	}
	if closeRequests != nil {
		defer closeRequests()
	}

	pipeline := resolver.New(engine, forwarder, resolver.Config{
		Sinkhole: opts.SinkholeIP(),
	}, logger, requests)

	var serverTLS *tls.Config
	if opts.TLS || opts.H2 {
		cert, err := tls.LoadX509KeyPair(opts.TLSCertificate, opts.TLSPrivateKey)
		if err != nil {
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		serverTLS = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	udpServer := server.NewUDPServer(pipeline, opts.Workers, server.NewClientLimiter(opts.RateLimit), logger)
	g.Go(func() error {
		return udpServer.ListenAndServe(gctx, opts.UDPAddr())
	})
	if opts.TLS {
		dotServer := server.NewDoTServer(pipeline, serverTLS, logger)
		g.Go(func() error {
			return dotServer.ListenAndServe(gctx, opts.DoTAddr())
		})
	}
	if opts.H2 {
		dohServer := server.NewDoHServer(pipeline, serverTLS, logger)
		g.Go(func() error {
			return dohServer.ListenAndServe(gctx, opts.DoHAddr())
		})
	}
	if opts.MetricsListen != "" {
		controlServer := control.NewServer(engine, logger)
		g.Go(func() error {
			return controlServer.ListenAndServe(gctx, opts.MetricsListen)
		})
	}

	<-gctx.Done()
	if ctx.Err() == nil {
		// A listener died; surface its error.
		return g.Wait()
	}

	logger.Info("shutdown requested", "drain", opts.DrainWindow().String())
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(opts.DrainWindow()):
		logger.Warn("drain window expired with queries still in flight")
		return nil
	}
}

// buildEngine streams the configured blacklist files into the match
// engine. Missing options mean empty lists; unreadable files are fatal.
func buildEngine(opts config.Options, logger *slog.Logger) (*blocklist.Engine, error) {
	open := func(path string) (*os.File, error) {
		if path == "" {
			return nil, nil
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open blacklist: %w", err)
		}
		return f, nil
	}

	exactFile, err := open(opts.Blacklist)
	if err != nil {
		return nil, err
	}
	if exactFile != nil {
		defer exactFile.Close()
	}
	zoneFile, err := open(opts.ZoneBlacklist)
	if err != nil {
		return nil, err
	}
	if zoneFile != nil {
		defer zoneFile.Close()
	}

	lines := func(f *os.File) func(func(string) bool) {
		if f == nil {
			return nil
		}
		return blocklist.ScanLines(f)
	}
	return blocklist.NewEngine(lines(exactFile), lines(zoneFile), logger), nil
}

// buildRequestLog sets up the optional per-query log sink.
func buildRequestLog(opts config.Options) (requestlog.Writer, func(), error) {
	if opts.RequestLog == "" {
		return nil, nil, nil
	}
	var out io.Writer = os.Stdout
	var closer func()
	if opts.RequestLogDir != "" {
		daily, err := requestlog.NewDailyWriter(opts.RequestLogDir, "dns-requests")
		if err != nil {
			return nil, nil, fmt.Errorf("request log: %w", err)
		}
		out = daily
		closer = func() { _ = daily.Close() }
	}
	return requestlog.NewWriter(out, opts.RequestLog), closer, nil
}
