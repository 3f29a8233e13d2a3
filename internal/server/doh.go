package server

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

const dohPath = "/dns-query"

const dohMimeType = "application/dns-message"

// DoHServer serves DNS-over-HTTPS (RFC 8484) on HTTP/2 over TLS. It
// accepts POST bodies and GET ?dns=<base64url> on /dns-query and nothing
// else.
type DoHServer struct {
	handler Handler
	logger  *slog.Logger
	srv     *http.Server

	mu       sync.Mutex
	listener net.Listener
}

func NewDoHServer(handler Handler, tlsConfig *tls.Config, logger *slog.Logger) *DoHServer {
	s := &DoHServer{handler: handler, logger: logger}
	mux := http.NewServeMux()
	mux.Handle(dohPath, http.HandlerFunc(s.serveQuery))
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	s.srv = &http.Server{
		Handler:           mux,
		TLSConfig:         tlsConfig.Clone(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe binds addr, enables HTTP/2, and serves until ctx is
// cancelled.
func (s *DoHServer) ListenAndServe(ctx context.Context, addr string) error {
	if err := http2.ConfigureServer(s.srv, &http2.Server{}); err != nil {
		return err
	}
	listener, err := tls.Listen("tcp", addr, s.srv.TLSConfig)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("doh listener started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}

// Addr returns the bound address, or nil before ListenAndServe.
func (s *DoHServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *DoHServer) serveQuery(w http.ResponseWriter, r *http.Request) {
	var raw []byte
	var err error
	switch r.Method {
	case http.MethodGet:
		raw, err = base64.RawURLEncoding.DecodeString(r.URL.Query().Get("dns"))
	case http.MethodPost:
		raw, err = io.ReadAll(io.LimitReader(r.Body, maxTCPQuery))
		r.Body.Close()
	default:
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err != nil || len(raw) == 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	client := r.RemoteAddr
	if host, _, err := net.SplitHostPort(client); err == nil {
		client = host
	}
	reply := s.handler.Process(r.Context(), raw, client, "doh")
	if reply == nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", dohMimeType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}
