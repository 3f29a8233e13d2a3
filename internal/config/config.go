// Package config holds the validated runtime options of the forwarder.
// Values come from command-line flags, optionally seeded from a YAML
// file carrying the same fields (flags win).
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration unmarshals either a Go duration string ("30s") or a bare
// integer number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		return nil
	}
	if value.Tag == "!!int" {
		seconds, err := strconv.Atoi(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration integer %q: %w", value.Value, err)
		}
		d.Duration = time.Duration(seconds) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Options is the full configuration surface of the server.
type Options struct {
	Listen  string `yaml:"listen"`
	Port    int    `yaml:"port"`
	Workers int    `yaml:"workers"`

	Blacklist     string `yaml:"blacklist"`
	ZoneBlacklist string `yaml:"zone_blacklist"`
	DefaultIP     string `yaml:"default_ip"`

	DNSServer string `yaml:"dns_server"`

	TLS            bool   `yaml:"tls"`
	TLSPort        int    `yaml:"tls_port"`
	H2             bool   `yaml:"h2"`
	H2Port         int    `yaml:"h2_port"`
	TLSCertificate string `yaml:"tls_certificate"`
	TLSPrivateKey  string `yaml:"tls_private_key"`

	RateLimit     int    `yaml:"rate_limit"`
	RequestLog    string `yaml:"request_log"`
	RequestLogDir string `yaml:"request_log_dir"`
	MetricsListen string `yaml:"metrics_listen"`

	Drain Duration `yaml:"drain"`
}

// Default returns the documented option defaults.
func Default() Options {
	return Options{
		Listen:    "0.0.0.0",
		Port:      53,
		Workers:   4,
		DNSServer: "cloudflare:h2",
		TLSPort:   853,
		H2Port:    443,
		Drain:     Duration{5 * time.Second},
	}
}

// LoadFile reads options from a YAML file on top of the defaults.
func LoadFile(path string) (Options, error) {
	opts := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("parse config: %w", err)
	}
	return opts, nil
}

// Validate rejects option combinations the server cannot run with. It is
// called once at startup, before anything binds.
func (o *Options) Validate() error {
	if o.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", o.Workers)
	}
	for _, port := range []struct {
		name  string
		value int
	}{
		{"port", o.Port},
		{"tls-port", o.TLSPort},
		{"h2-port", o.H2Port},
	} {
		if port.value < 1 || port.value > 65535 {
			return fmt.Errorf("%s %d out of range", port.name, port.value)
		}
	}
	if net.ParseIP(o.Listen) == nil {
		return fmt.Errorf("invalid listen address %q", o.Listen)
	}
	if o.DefaultIP != "" {
		ip := net.ParseIP(o.DefaultIP)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("default-ip %q is not an IPv4 address", o.DefaultIP)
		}
	}
	if (o.TLS || o.H2) && (o.TLSCertificate == "" || o.TLSPrivateKey == "") {
		return fmt.Errorf("tls-certificate and tls-private-key are required with --tls or --h2")
	}
	if o.RateLimit < 0 {
		return fmt.Errorf("rate-limit must not be negative")
	}
	switch o.RequestLog {
	case "", "text", "json":
	default:
		return fmt.Errorf("request-log must be \"text\" or \"json\", got %q", o.RequestLog)
	}
	return nil
}

// SinkholeIP returns the configured sinkhole address, or nil when
// blocked queries should get an empty NOERROR.
func (o *Options) SinkholeIP() net.IP {
	if o.DefaultIP == "" {
		return nil
	}
	return net.ParseIP(o.DefaultIP)
}

// DrainWindow is the grace period given to in-flight queries at
// shutdown.
func (o *Options) DrainWindow() time.Duration {
	if o.Drain.Duration <= 0 {
		return 5 * time.Second
	}
	return o.Drain.Duration
}

// UDPAddr returns the plain-DNS listen address.
func (o *Options) UDPAddr() string {
	return net.JoinHostPort(o.Listen, strconv.Itoa(o.Port))
}

// DoTAddr returns the DNS-over-TLS listen address.
func (o *Options) DoTAddr() string {
	return net.JoinHostPort(o.Listen, strconv.Itoa(o.TLSPort))
}

// DoHAddr returns the DNS-over-HTTPS listen address.
func (o *Options) DoHAddr() string {
	return net.JoinHostPort(o.Listen, strconv.Itoa(o.H2Port))
}
