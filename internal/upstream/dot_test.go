package upstream

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/Joxit/dns-server/internal/dnsmsg"
	"github.com/Joxit/dns-server/internal/logging"
)

// selfSignedCert builds a throwaway certificate for loopback TLS servers.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "dns.test"},
		DNSNames:     []string{"dns.test"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

type fakeDoTServer struct {
	ln net.Listener

	mu    sync.Mutex
	conns []net.Conn
}

// fakeDoTUpstream answers length-prefixed DNS over TLS on loopback.
func fakeDoTUpstream(t *testing.T) *fakeDoTServer {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{selfSignedCert(t)},
	})
	if err != nil {
		t.Fatalf("tls listen: %v", err)
	}
	srv := &fakeDoTServer{ln: ln}
	t.Cleanup(func() { ln.Close(); srv.closeConns() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			srv.mu.Lock()
			srv.conns = append(srv.conns, conn)
			srv.mu.Unlock()
			go srv.serve(conn)
		}
	}()
	return srv
}

func (s *fakeDoTServer) serve(conn net.Conn) {
	defer conn.Close()
	header := make([]byte, 2)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		frame := make([]byte, binary.BigEndian.Uint16(header))
		if _, err := io.ReadFull(conn, frame); err != nil {
			return
		}
		req := new(dns.Msg)
		if err := req.Unpack(frame); err != nil {
			continue
		}
		resp := new(dns.Msg)
		resp.SetReply(req)
		resp.Answer = []dns.RR{&dns.A{
			Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
			A:   net.IPv4(192, 0, 2, 2),
		}}
		packed, err := resp.Pack()
		if err != nil {
			continue
		}
		out := make([]byte, 2+len(packed))
		binary.BigEndian.PutUint16(out[:2], uint16(len(packed)))
		copy(out[2:], packed)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (s *fakeDoTServer) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func newTestDoTForwarder(t *testing.T, addr string) *dotForwarder {
	t.Helper()
	f := newDoTForwarder(Endpoint{Kind: KindTLS, Addr: addr, Domain: "dns.test"}, logging.NewDiscardLogger())
	f.tlsConfig.InsecureSkipVerify = true
	t.Cleanup(func() { f.Close() })
	return f
}

func TestDoTForwardRestoresID(t *testing.T) {
	srv := fakeDoTUpstream(t)
	f := newTestDoTForwarder(t, srv.ln.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := f.Forward(ctx, testQuery(t, "example.org", 0xCAFE))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if dnsmsg.ID(reply) != 0xCAFE {
		t.Errorf("reply id = %#x, want 0xcafe", dnsmsg.ID(reply))
	}
}

func TestDoTForwardConcurrentSharesConnection(t *testing.T) {
	srv := fakeDoTUpstream(t)
	f := newTestDoTForwarder(t, srv.ln.Addr().String())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id uint16) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			reply, err := f.Forward(ctx, testQuery(t, "example.org", id))
			if err != nil {
				t.Errorf("Forward(%d): %v", id, err)
				return
			}
			if dnsmsg.ID(reply) != id {
				t.Errorf("reply id = %#x, want %#x", dnsmsg.ID(reply), id)
			}
		}(uint16(i + 100))
	}
	wg.Wait()

	srv.mu.Lock()
	conns := len(srv.conns)
	srv.mu.Unlock()
	if conns != 1 {
		t.Errorf("server saw %d connections, want 1 (multiplexed)", conns)
	}
}

func TestDoTForwardConnectionLossAndRebuild(t *testing.T) {
	srv := fakeDoTUpstream(t)
	f := newTestDoTForwarder(t, srv.ln.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := f.Forward(ctx, testQuery(t, "example.org", 1)); err != nil {
		t.Fatalf("first Forward: %v", err)
	}

	// Kill the server side; the next forward must rebuild lazily.
	srv.closeConns()

	deadline := time.Now().Add(2 * time.Second)
	for {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 500*time.Millisecond)
		reply, err := f.Forward(ctx2, testQuery(t, "example.org", 2))
		cancel2()
		if err == nil {
			if dnsmsg.ID(reply) != 2 {
				t.Errorf("reply id = %#x, want 2", dnsmsg.ID(reply))
			}
			break
		}
		if !errors.Is(err, ErrConnectionLost) && !errors.Is(err, ErrTimeout) {
			t.Fatalf("Forward after loss: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("forwarder never recovered after connection loss")
		}
	}
}

func TestDoTForwardDialFailure(t *testing.T) {
	// Reserve an address with nothing listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	f := newTestDoTForwarder(t, addr)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := f.Forward(ctx, testQuery(t, "example.org", 3)); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("Forward error = %v, want ErrConnectionLost", err)
	}
}
