package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/Joxit/dns-server/internal/dnsmsg"
)

const (
	dohPath     = "/dns-query"
	dohMimeType = "application/dns-message"
	dohMaxBody  = 65535

	dohIdleTimeout = 30 * time.Second
)

// dohForwarder performs RFC 8484 exchanges over a single HTTP/2
// connection per endpoint. Stream concurrency is bounded by the peer's
// HTTP/2 settings; excess queries queue inside the transport. Ids are
// rewritten to zero on the wire (RFC 8484 §4.1) and restored on return.
type dohForwarder struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func newDoHForwarder(ep Endpoint, logger *slog.Logger) *dohForwarder {
	transport := &http2.Transport{
		IdleConnTimeout: dohIdleTimeout,
		// Treat the peer's stream limit as global so queries wait for a
		// free stream instead of opening a second connection.
		StrictMaxConcurrentStreams: true,
		TLSClientConfig: &tls.Config{
			ServerName: ep.Domain,
			MinVersion: tls.VersionTLS12,
		},
		// The URL names the domain for Host/SNI; the socket goes to the
		// configured address.
		DialTLSContext: func(ctx context.Context, network, _ string, cfg *tls.Config) (net.Conn, error) {
			dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: cfg}
			return dialer.DialContext(ctx, network, ep.Addr)
		},
	}
	return &dohForwarder{
		url:    "https://" + ep.Domain + dohPath,
		client: &http.Client{Transport: transport},
		logger: logger,
	}
}

func (f *dohForwarder) Forward(ctx context.Context, query []byte) ([]byte, error) {
	if len(query) < dnsmsg.HeaderLen {
		return nil, ErrBadResponse
	}
	origID := dnsmsg.ID(query)

	wire := make([]byte, len(query))
	copy(wire, query)
	dnsmsg.SetID(wire, 0)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(wire))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", dohMimeType)
	req.Header.Set("Accept", dohMimeType)

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, errors.Join(ErrConnectionLost, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, dohMaxBody))
		return nil, fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, dohMimeType) {
		return nil, fmt.Errorf("%w: content-type %q", ErrBadResponse, ct)
	}

	reply, err := io.ReadAll(io.LimitReader(resp.Body, dohMaxBody+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, errors.Join(ErrConnectionLost, err)
	}
	if len(reply) < dnsmsg.HeaderLen || len(reply) > dohMaxBody {
		return nil, fmt.Errorf("%w: %d byte body", ErrBadResponse, len(reply))
	}
	dnsmsg.SetID(reply, origID)
	return reply, nil
}

func (f *dohForwarder) Close() error {
	f.client.CloseIdleConnections()
	return nil
}
