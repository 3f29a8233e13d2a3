package upstream

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/Joxit/dns-server/internal/dnsmsg"
)

const udpReadBufSize = 65535

// udpForwarder forwards queries over one shared unconnected UDP socket.
// A single reader goroutine demultiplexes incoming datagrams by
// transaction id and wakes the matching waiter.
type udpForwarder struct {
	conn    *net.UDPConn
	remote  *net.UDPAddr
	pending *inflight
	logger  *slog.Logger
	done    chan struct{}
}

func newUDPForwarder(ep Endpoint, logger *slog.Logger) (*udpForwarder, error) {
	remote, err := net.ResolveUDPAddr("udp", ep.Addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	f := &udpForwarder{
		conn:    conn,
		remote:  remote,
		pending: newInflight(),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go f.readLoop()
	return f, nil
}

func (f *udpForwarder) Forward(ctx context.Context, query []byte) ([]byte, error) {
	if len(query) < dnsmsg.HeaderLen {
		return nil, ErrBadResponse
	}
	origID := dnsmsg.ID(query)
	id, ch := f.pending.register()

	// Copy before rewriting: the caller's buffer must keep its id.
	wire := make([]byte, len(query))
	copy(wire, query)
	dnsmsg.SetID(wire, id)

	if _, err := f.conn.WriteToUDP(wire, f.remote); err != nil {
		f.pending.remove(id)
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
		f.pending.remove(id)
		return nil, ErrTimeout
	}
}

func (f *udpForwarder) readLoop() {
	buf := make([]byte, udpReadBufSize)
	for {
		n, from, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-f.done:
			default:
				if f.logger != nil {
					f.logger.Warn("upstream udp read failed", "err", err)
				}
			}
			f.pending.failAll()
			return
		}
		if n < dnsmsg.HeaderLen {
			continue
		}
		// Replies must come from the configured resolver.
		if !from.IP.Equal(f.remote.IP) || from.Port != f.remote.Port {
			continue
		}
		reply := make([]byte, n)
		copy(reply, buf[:n])
		f.pending.deliver(dnsmsg.ID(reply), reply)
	}
}

func (f *udpForwarder) Close() error {
	close(f.done)
	err := f.conn.Close()
	f.pending.failAll()
	return err
}
