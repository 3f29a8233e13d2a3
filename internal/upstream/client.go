// Package upstream forwards raw DNS queries to the configured recursive
// resolver over plain UDP, DNS-over-TLS, or DNS-over-HTTPS.
//
// All three sub-clients implement Forwarder. The caller's transaction id
// never leaks upstream: queries are re-identified on send (rewritten to a
// random id for udp/tls, to zero for h2) and the original id is restored
// on the returned bytes.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/miekg/dns"

	"github.com/Joxit/dns-server/internal/metrics"
)

// Forwarding failures, mapped by the pipeline onto SERVFAIL.
var (
	ErrTimeout        = errors.New("upstream timeout")
	ErrConnectionLost = errors.New("upstream connection lost")
	ErrBadResponse    = errors.New("upstream bad response")
)

// ErrorKind reduces a forwarding error to a metric label.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrBadResponse):
		return "bad_response"
	default:
		return "other"
	}
}

// Forwarder sends one query upstream and returns the raw reply bytes with
// the caller's transaction id already restored. The context deadline is
// the per-query deadline; expiry surfaces as ErrTimeout.
type Forwarder interface {
	Forward(ctx context.Context, query []byte) ([]byte, error)
	Close() error
}

// New builds the sub-client matching the endpoint kind.
func New(ep Endpoint, logger *slog.Logger) (Forwarder, error) {
	switch ep.Kind {
	case KindUDP:
		return newUDPForwarder(ep, logger)
	case KindTLS:
		return newDoTForwarder(ep, logger), nil
	case KindH2:
		return newDoHForwarder(ep, logger), nil
	default:
		return nil, fmt.Errorf("unsupported upstream kind %q", ep.Kind)
	}
}

// inflight tracks queries multiplexed over a shared socket or stream,
// keyed by the rewritten transaction id. The lock is held only for
// insert/remove/lookup; waiting happens on the per-query channel.
type inflight struct {
	mu      sync.Mutex
	waiters map[uint16]chan []byte
}

func newInflight() *inflight {
	return &inflight{waiters: make(map[uint16]chan []byte)}
}

// register picks a random id not currently in flight and parks a waiter
// under it. Collisions are retried; with 16-bit ids and realistic load
// the expected number of retries is far below one.
func (f *inflight) register() (uint16, chan []byte) {
	ch := make(chan []byte, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		id := dns.Id()
		if _, taken := f.waiters[id]; taken {
			continue
		}
		f.waiters[id] = ch
		metrics.UpstreamInflight.Inc()
		return id, ch
	}
}

// remove reclaims an id, e.g. when the waiter gave up.
func (f *inflight) remove(id uint16) {
	f.mu.Lock()
	if _, ok := f.waiters[id]; ok {
		delete(f.waiters, id)
		metrics.UpstreamInflight.Dec()
	}
	f.mu.Unlock()
}

// deliver hands a reply to the waiter parked under id, if any. Replies
// with no matching waiter are dropped.
func (f *inflight) deliver(id uint16, reply []byte) {
	f.mu.Lock()
	ch, ok := f.waiters[id]
	if ok {
		delete(f.waiters, id)
		metrics.UpstreamInflight.Dec()
	}
	f.mu.Unlock()
	if ok {
		ch <- reply
	}
}

func (f *inflight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// failAll drops every waiter by closing its channel; the waiters report
// ErrConnectionLost. Used when the shared connection dies.
func (f *inflight) failAll() {
	f.mu.Lock()
	for id, ch := range f.waiters {
		delete(f.waiters, id)
		metrics.UpstreamInflight.Dec()
		close(ch)
	}
	f.mu.Unlock()
}
