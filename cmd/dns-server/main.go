// Command dns-server is a filtering DNS forwarder: it answers queries on
// plain UDP, DNS-over-TLS, and DNS-over-HTTPS, blocks blacklisted names
// locally, and forwards everything else to one upstream resolver.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Joxit/dns-server/internal/config"
	"github.com/Joxit/dns-server/internal/logging"
)

func main() {
	opts, err := buildOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.FromEnv(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runServer(ctx, opts, logger); err != nil {
		logging.Fatal(logger, "server failed", "err", err)
	}
}

// buildOptions merges defaults, the optional --config file, and the
// command line (highest precedence), then validates the result.
func buildOptions(args []string) (config.Options, error) {
	defaults := config.Default()

	fs := flag.NewFlagSet("dns-server", flag.ContinueOnError)
	configPath := fs.String("config", "", "Optional YAML config file; flags override its values")

	port := fs.Int("port", defaults.Port, "UDP listen port")
	listen := fs.String("listen", defaults.Listen, "Listen address for all front-ends")
	workers := fs.Int("workers", defaults.Workers, "Concurrent UDP receive tasks")
	blacklist := fs.String("blacklist", "", "File of exact-match names, one per line")
	zoneBlacklist := fs.String("zone-blacklist", "", "File of zone names; blocks apex and descendants")
	defaultIP := fs.String("default-ip", "", "Synthesize A reply with this IP on block; else empty NOERROR")
	dnsServer := fs.String("dns-server", defaults.DNSServer, "Upstream endpoint (shortcut or addr[:port][:proto:domain])")
	enableTLS := fs.Bool("tls", false, "Enable the DNS-over-TLS listener")
	tlsPort := fs.Int("tls-port", defaults.TLSPort, "DNS-over-TLS listen port")
	enableH2 := fs.Bool("h2", false, "Enable the DNS-over-HTTPS listener")
	h2Port := fs.Int("h2-port", defaults.H2Port, "DNS-over-HTTPS listen port")
	tlsCertificate := fs.String("tls-certificate", "", "PEM certificate (required with --tls or --h2)")
	tlsPrivateKey := fs.String("tls-private-key", "", "PEM private key (required with --tls or --h2)")
	rateLimit := fs.Int("rate-limit", 0, "Per-client UDP queries per second; 0 disables")
	requestLog := fs.String("request-log", "", "Per-query log format: text or json")
	requestLogDir := fs.String("request-log-dir", "", "Write request logs to daily files in this directory instead of stdout")
	metricsListen := fs.String("metrics-listen", "", "Serve prometheus metrics and pprof on this address")
	drain := fs.Duration("drain", defaults.Drain.Duration, "Grace window for in-flight queries at shutdown")

	if err := fs.Parse(args); err != nil {
		return config.Options{}, err
	}
	if fs.NArg() > 0 {
		return config.Options{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	opts := defaults
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			return config.Options{}, err
		}
		opts = loaded
	}

	// Flags the user actually set win over the config file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			opts.Port = *port
		case "listen":
			opts.Listen = *listen
		case "workers":
			opts.Workers = *workers
		case "blacklist":
			opts.Blacklist = *blacklist
		case "zone-blacklist":
			opts.ZoneBlacklist = *zoneBlacklist
		case "default-ip":
			opts.DefaultIP = *defaultIP
		case "dns-server":
			opts.DNSServer = *dnsServer
		case "tls":
			opts.TLS = *enableTLS
		case "tls-port":
			opts.TLSPort = *tlsPort
		case "h2":
			opts.H2 = *enableH2
		case "h2-port":
			opts.H2Port = *h2Port
		case "tls-certificate":
			opts.TLSCertificate = *tlsCertificate
		case "tls-private-key":
			opts.TLSPrivateKey = *tlsPrivateKey
		case "rate-limit":
			opts.RateLimit = *rateLimit
		case "request-log":
			opts.RequestLog = *requestLog
		case "request-log-dir":
			opts.RequestLogDir = *requestLogDir
		case "metrics-listen":
			opts.MetricsListen = *metricsListen
		case "drain":
			opts.Drain = config.Duration{Duration: *drain}
		}
	})

	if err := opts.Validate(); err != nil {
		return config.Options{}, err
	}
	return opts, nil
}
