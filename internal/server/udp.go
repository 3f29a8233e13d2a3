package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/Joxit/dns-server/internal/dnsmsg"
	"github.com/Joxit/dns-server/internal/metrics"
)

// UDPServer answers DNS queries on a shared UDP socket. A fixed pool of
// worker goroutines competes on receive; each worker processes its
// datagram to completion before reading the next, so Workers also bounds
// per-listener concurrency.
type UDPServer struct {
	handler Handler
	limiter *ClientLimiter
	workers int
	logger  *slog.Logger

	mu   sync.Mutex
	conn *net.UDPConn
}

func NewUDPServer(handler Handler, workers int, limiter *ClientLimiter, logger *slog.Logger) *UDPServer {
	if workers <= 0 {
		workers = 4
	}
	return &UDPServer{
		handler: handler,
		limiter: limiter,
		workers: workers,
		logger:  logger,
	}
}

// ListenAndServe binds addr and blocks until ctx is cancelled or the
// socket fails. In-flight queries finish before it returns.
func (s *UDPServer) ListenAndServe(ctx context.Context, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.logger.Info("udp listener started", "addr", conn.LocalAddr().String(), "workers", s.workers)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, conn)
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return errors.New("udp listener stopped unexpectedly")
}

// LocalAddr returns the bound address, or nil before ListenAndServe.
func (s *UDPServer) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *UDPServer) worker(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, maxUDPQuery)
	for {
		n, client, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Socket closed on shutdown, or a fatal read error; either
			// way this worker is done.
			return
		}
		if !s.limiter.Allow(client.IP.String()) {
			metrics.RecordRateLimited()
			continue
		}
		query := make([]byte, n)
		copy(query, buf[:n])

		reply := s.handler.Process(ctx, query, client.IP.String(), "udp")
		if reply == nil {
			continue
		}
		reply = dnsmsg.Truncate(reply, maxUDPReply)
		if _, err := conn.WriteToUDP(reply, client); err != nil {
			s.logger.Warn("udp reply write failed", "client", client.String(), "err", err)
		}
	}
}
