package upstream

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Kind selects the transport used to reach the upstream resolver.
type Kind string

const (
	KindUDP Kind = "udp"
	KindTLS Kind = "tls"
	KindH2  Kind = "h2"
)

// Endpoint identifies the single upstream resolver. Domain is the TLS
// server name (and DoH Host); it is required for tls/h2 and must be
// absent for udp.
type Endpoint struct {
	Kind   Kind
	Addr   string // host:port, IPv6 host bracketed
	Domain string
}

func (e Endpoint) String() string {
	if e.Domain == "" {
		return fmt.Sprintf("%s://%s", e.Kind, e.Addr)
	}
	return fmt.Sprintf("%s://%s#%s", e.Kind, e.Addr, e.Domain)
}

func defaultPort(kind Kind) int {
	switch kind {
	case KindTLS:
		return 853
	case KindH2:
		return 443
	default:
		return 53
	}
}

// Well-known resolver shortcuts.
var shortcuts = map[string]Endpoint{
	"cloudflare":     {Kind: KindUDP, Addr: "1.1.1.1:53"},
	"google":         {Kind: KindUDP, Addr: "8.8.8.8:53"},
	"cloudflare:tls": {Kind: KindTLS, Addr: "1.1.1.1:853", Domain: "cloudflare-dns.com"},
	"google:tls":     {Kind: KindTLS, Addr: "8.8.8.8:853", Domain: "dns.google"},
	"cloudflare:h2":  {Kind: KindH2, Addr: "1.1.1.1:443", Domain: "cloudflare-dns.com"},
	"google:h2":      {Kind: KindH2, Addr: "8.8.8.8:443", Domain: "dns.google"},
}

// ParseEndpoint resolves an upstream endpoint string:
//
//	endpoint := shortcut | literal
//	shortcut := "cloudflare" | "google" [":" ("tls"|"h2")]
//	literal  := addr [":" port] [":" proto ":" domain]
//	proto    := "tls" | "h2"
//	addr     := IPv4 | "[" IPv6 "]"
//
// Missing ports default to 53 (udp), 853 (tls), 443 (h2). tls and h2
// require a domain; udp takes none. "udp" spelled as a proto is rejected:
// the plain form carries no domain, so the combination cannot be valid.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, fmt.Errorf("empty upstream endpoint")
	}
	if ep, ok := shortcuts[strings.ToLower(s)]; ok {
		return ep, nil
	}

	addr, rest, err := splitAddr(s)
	if err != nil {
		return Endpoint{}, err
	}

	var parts []string
	if rest != "" {
		parts = strings.Split(rest, ":")
	}

	port := 0
	if len(parts) > 0 {
		if p, err := strconv.Atoi(parts[0]); err == nil {
			if p < 1 || p > 65535 {
				return Endpoint{}, fmt.Errorf("upstream endpoint %q: port %d out of range", s, p)
			}
			port = p
			parts = parts[1:]
		}
	}

	kind := KindUDP
	domain := ""
	switch len(parts) {
	case 0:
	case 2:
		proto := strings.ToLower(parts[0])
		switch proto {
		case "tls":
			kind = KindTLS
		case "h2":
			kind = KindH2
		case "udp":
			return Endpoint{}, fmt.Errorf("upstream endpoint %q: proto udp takes no domain", s)
		default:
			return Endpoint{}, fmt.Errorf("upstream endpoint %q: unknown proto %q", s, proto)
		}
		domain = parts[1]
		if domain == "" {
			return Endpoint{}, fmt.Errorf("upstream endpoint %q: %s requires a domain", s, proto)
		}
	case 1:
		switch proto := strings.ToLower(parts[0]); proto {
		case "udp":
			return Endpoint{}, fmt.Errorf("upstream endpoint %q: proto udp cannot be spelled explicitly", s)
		case "tls", "h2":
			return Endpoint{}, fmt.Errorf("upstream endpoint %q: %s requires a domain", s, proto)
		default:
			return Endpoint{}, fmt.Errorf("upstream endpoint %q: unknown proto %q", s, proto)
		}
	default:
		return Endpoint{}, fmt.Errorf("upstream endpoint %q: trailing %q", s, strings.Join(parts[2:], ":"))
	}

	if port == 0 {
		port = defaultPort(kind)
	}
	return Endpoint{
		Kind:   kind,
		Addr:   net.JoinHostPort(addr, strconv.Itoa(port)),
		Domain: domain,
	}, nil
}

// splitAddr peels the leading address off the endpoint string, handling
// the bracketed IPv6 form. The returned addr is unbracketed.
func splitAddr(s string) (addr, rest string, err error) {
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", "", fmt.Errorf("upstream endpoint %q: unterminated IPv6 address", s)
		}
		addr = s[1:end]
		if ip := net.ParseIP(addr); ip == nil || ip.To4() != nil {
			return "", "", fmt.Errorf("upstream endpoint %q: invalid IPv6 address %q", s, addr)
		}
		rest = s[end+1:]
		rest = strings.TrimPrefix(rest, ":")
		return addr, rest, nil
	}
	addr = s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		addr, rest = s[:i], s[i+1:]
	}
	if ip := net.ParseIP(addr); ip == nil || ip.To4() == nil {
		return "", "", fmt.Errorf("upstream endpoint %q: invalid IPv4 address %q", s, addr)
	}
	return addr, rest, nil
}
