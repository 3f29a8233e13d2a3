package upstream

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Joxit/dns-server/internal/dnsmsg"
)

const (
	// dotIdleTimeout tears down an upstream TLS connection that has
	// carried no reply for this long; the next forward redials.
	dotIdleTimeout = 30 * time.Second

	dotDialTimeout = 5 * time.Second
)

// dotForwarder keeps at most one live TLS connection to the endpoint and
// multiplexes concurrent queries over it by transaction id, using the
// RFC 7858 two-octet length prefix per message. The connection is built
// lazily and rebuilt on the forward after a loss.
type dotForwarder struct {
	ep        Endpoint
	tlsConfig *tls.Config
	logger    *slog.Logger

	mu     sync.Mutex // serializes connection (re)build and teardown
	conn   *dotConn
	closed bool
}

type dotConn struct {
	tc      net.Conn
	pending *inflight
	writeMu sync.Mutex
}

func newDoTForwarder(ep Endpoint, logger *slog.Logger) *dotForwarder {
	return &dotForwarder{
		ep: ep,
		tlsConfig: &tls.Config{
			ServerName: ep.Domain,
			MinVersion: tls.VersionTLS12,
		},
		logger: logger,
	}
}

func (f *dotForwarder) Forward(ctx context.Context, query []byte) ([]byte, error) {
	if len(query) < dnsmsg.HeaderLen {
		return nil, ErrBadResponse
	}
	c, err := f.getConn(ctx)
	if err != nil {
		return nil, errors.Join(ErrConnectionLost, err)
	}

	origID := dnsmsg.ID(query)
	id, ch := c.pending.register()

	wire := make([]byte, 2+len(query))
	binary.BigEndian.PutUint16(wire[:2], uint16(len(query)))
	copy(wire[2:], query)
	dnsmsg.SetID(wire[2:], id)

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.tc.SetWriteDeadline(deadline)
	}
	_, err = c.tc.Write(wire)
	c.writeMu.Unlock()
	if err != nil {
		c.pending.remove(id)
		f.teardown(c, err)
		return nil, errors.Join(ErrConnectionLost, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		dnsmsg.SetID(reply, origID)
		return reply, nil
	case <-ctx.Done():
		c.pending.remove(id)
		return nil, ErrTimeout
	}
}

// getConn returns the live connection, dialing one when absent. Rebuild
// is serialized by the forwarder mutex so concurrent forwards after a
// loss produce a single new connection.
func (f *dotForwarder) getConn(ctx context.Context) (*dotConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, net.ErrClosed
	}
	if f.conn != nil {
		return f.conn, nil
	}

	dialer := &net.Dialer{Timeout: dotDialTimeout}
	tc, err := tls.DialWithDialer(dialer, "tcp", f.ep.Addr, f.tlsConfig)
	if err != nil {
		return nil, err
	}
	c := &dotConn{tc: tc, pending: newInflight()}
	f.conn = c
	go f.readLoop(c)
	return c, nil
}

func (f *dotForwarder) readLoop(c *dotConn) {
	header := make([]byte, 2)
	for {
		_ = c.tc.SetReadDeadline(time.Now().Add(dotIdleTimeout))
		if _, err := io.ReadFull(c.tc, header); err != nil {
			idle := isTimeout(err) && c.pending.len() == 0
			if !idle && f.logger != nil {
				f.logger.Warn("upstream tls connection lost", "endpoint", f.ep.Addr, "err", err)
			}
			f.teardown(c, err)
			return
		}
		length := binary.BigEndian.Uint16(header)
		if length < dnsmsg.HeaderLen {
			f.teardown(c, errors.New("short upstream frame"))
			return
		}
		reply := make([]byte, length)
		if _, err := io.ReadFull(c.tc, reply); err != nil {
			f.teardown(c, err)
			return
		}
		c.pending.deliver(dnsmsg.ID(reply), reply)
	}
}

// teardown closes a connection, fails its waiters, and clears it from
// the forwarder so the next forward redials.
func (f *dotForwarder) teardown(c *dotConn, _ error) {
	f.mu.Lock()
	if f.conn == c {
		f.conn = nil
	}
	f.mu.Unlock()
	_ = c.tc.Close()
	c.pending.failAll()
}

func (f *dotForwarder) Close() error {
	f.mu.Lock()
	f.closed = true
	c := f.conn
	f.conn = nil
	f.mu.Unlock()
	if c != nil {
		_ = c.tc.Close()
		c.pending.failAll()
	}
	return nil
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
