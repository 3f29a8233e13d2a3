package control

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Joxit/dns-server/internal/blocklist"
	"github.com/Joxit/dns-server/internal/logging"
	"github.com/Joxit/dns-server/internal/metrics"
)

func startServer(t *testing.T) string {
	t.Helper()
	metrics.Init()
	engine := blocklist.NewEngine(
		blocklist.ScanLines(strings.NewReader("ads.example\n")),
		blocklist.ScanLines(strings.NewReader("doubleclick.net\ntracking.example\n")),
		logging.NewDiscardLogger(),
	)
	srv := NewServer(engine, logging.NewDiscardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.ListenAndServe(ctx, "127.0.0.1:0"); err != nil {
			t.Errorf("ListenAndServe: %v", err)
		}
	}()
	for srv.Addr() == nil {
		time.Sleep(5 * time.Millisecond)
	}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return "http://" + srv.Addr().String()
}

func TestHealth(t *testing.T) {
	base := startServer(t)
	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ok, _ := body["ok"].(bool); !ok {
		t.Errorf("body = %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	base := startServer(t)
	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "dns_queries_total") && !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("metrics output unexpected: %.200s", body)
	}
}

func TestBlacklistStats(t *testing.T) {
	base := startServer(t)
	resp, err := http.Get(base + "/blacklist/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var stats blocklist.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Exact != 1 || stats.Zones != 2 {
		t.Errorf("stats = %+v, want exact=1 zones=2", stats)
	}
}
