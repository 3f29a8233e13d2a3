// Command perf-tester generates closed-loop DNS load against a running
// forwarder and reports throughput and latency percentiles. Point it at
// the same blacklist file the server uses to measure the blocked path,
// or at any names file to measure forwarding.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

type options struct {
	resolver    string
	protocol    string
	namesPath   string
	generate    int
	queries     int
	concurrency int
	timeout     time.Duration
	qtype       string
	shuffle     bool
	seed        int64
}

type results struct {
	errors    atomic.Int64
	nextSlot  atomic.Uint64
	latencies []int64

	mu     sync.Mutex
	rcodes map[int]int64
}

func main() {
	opts := parseFlags()
	logger := log.New(os.Stdout, "perf-tester ", log.LstdFlags)

	names, err := loadNames(opts)
	if err != nil {
		logger.Fatalf("failed to load names: %v", err)
	}
	if len(names) == 0 {
		logger.Fatalf("no DNS names loaded")
	}
	if opts.shuffle {
		rng := rand.New(rand.NewSource(opts.seed))
		rng.Shuffle(len(names), func(i, j int) {
			names[i], names[j] = names[j], names[i]
		})
	}

	logger.Printf("starting: %d queries, %d workers, %s via %s",
		opts.queries, opts.concurrency, opts.resolver, opts.protocol)
	start := time.Now()
	res := run(names, opts)
	printSummary(res, opts.queries, time.Since(start), logger)
}

func parseFlags() options {
	opts := options{}
	flag.StringVar(&opts.resolver, "resolver", "127.0.0.1:53", "DNS server address host:port")
	flag.StringVar(&opts.protocol, "protocol", "udp", "Protocol: udp or tcp")
	flag.StringVar(&opts.namesPath, "names", "", "Newline-delimited names file (a blacklist file works)")
	flag.IntVar(&opts.generate, "generate", 10000, "Synthetic names to generate when no file is given")
	flag.IntVar(&opts.queries, "queries", 10000, "Number of queries to send")
	flag.IntVar(&opts.concurrency, "concurrency", 50, "Number of concurrent workers")
	flag.DurationVar(&opts.timeout, "timeout", 2*time.Second, "Per-query timeout")
	flag.StringVar(&opts.qtype, "qtype", "A", "DNS query type (A, AAAA, TXT, ...)")
	flag.BoolVar(&opts.shuffle, "shuffle", true, "Shuffle names before running")
	flag.Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "Random seed for shuffling")
	flag.Parse()

	if opts.concurrency <= 0 {
		opts.concurrency = 1
	}
	if opts.queries <= 0 {
		opts.queries = 1
	}
	opts.protocol = strings.ToLower(strings.TrimSpace(opts.protocol))
	return opts
}

func loadNames(opts options) ([]string, error) {
	if opts.namesPath == "" {
		return syntheticNames(opts.generate), nil
	}
	file, err := os.Open(opts.namesPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var names []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	return names, scanner.Err()
}

// syntheticNames builds plausible-looking unique query names.
func syntheticNames(count int) []string {
	subdomains := []string{"ads", "trk", "pixel", "beacon", "metrics", "cdn", "api", "edge"}
	zones := []string{"example.com", "example.net", "example.org", "test.site"}
	names := make([]string, 0, count)
	for i := 0; len(names) < count; i++ {
		names = append(names, fmt.Sprintf("%s-%d.%s",
			subdomains[i%len(subdomains)], i, zones[(i/len(subdomains))%len(zones)]))
	}
	return names
}

func run(names []string, opts options) *results {
	res := &results{
		latencies: make([]int64, opts.queries),
		rcodes:    make(map[int]int64),
	}
	qtype, ok := dns.StringToType[strings.ToUpper(opts.qtype)]
	if !ok {
		qtype = dns.TypeA
	}

	jobs := make(chan string, opts.concurrency)
	var wg sync.WaitGroup
	for i := 0; i < opts.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &dns.Client{Net: opts.protocol, Timeout: opts.timeout}
			for name := range jobs {
				msg := new(dns.Msg)
				msg.SetQuestion(dns.Fqdn(name), qtype)
				start := time.Now()
				resp, _, err := client.Exchange(msg, opts.resolver)
				elapsed := time.Since(start)

				slot := res.nextSlot.Add(1) - 1
				if int(slot) < len(res.latencies) {
					res.latencies[slot] = elapsed.Microseconds()
				}
				if err != nil {
					res.errors.Add(1)
					continue
				}
				res.mu.Lock()
				res.rcodes[resp.Rcode]++
				res.mu.Unlock()
			}
		}()
	}

	for i := 0; i < opts.queries; i++ {
		jobs <- names[i%len(names)]
	}
	close(jobs)
	wg.Wait()
	return res
}

func printSummary(res *results, total int, elapsed time.Duration, logger *log.Logger) {
	samples := res.latencies[:res.nextSlot.Load()]
	if len(samples) == 0 {
		logger.Printf("no samples recorded")
		return
	}
	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	logger.Printf("elapsed: %s", elapsed.Round(time.Millisecond))
	logger.Printf("qps: %.2f", float64(total)/elapsed.Seconds())
	logger.Printf("latency (ms): avg=%.3f p50=%.3f p95=%.3f p99=%.3f min=%.3f max=%.3f",
		toMillis(average(sorted)), toMillis(percentile(sorted, 50)), toMillis(percentile(sorted, 95)),
		toMillis(percentile(sorted, 99)), toMillis(sorted[0]), toMillis(sorted[len(sorted)-1]))

	res.mu.Lock()
	codes := make([]int, 0, len(res.rcodes))
	for code := range res.rcodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		logger.Printf("rcode %s: %d", dns.RcodeToString[code], res.rcodes[code])
	}
	res.mu.Unlock()
	logger.Printf("errors: %d", res.errors.Load())
}

func average(values []int64) int64 {
	var sum int64
	for _, v := range values {
		sum += v
	}
	return sum / int64(len(values))
}

func percentile(values []int64, p int) int64 {
	if p <= 0 {
		return values[0]
	}
	if p >= 100 {
		return values[len(values)-1]
	}
	rank := (float64(p) / 100) * float64(len(values)-1)
	index := int(rank + 0.5)
	if index >= len(values) {
		index = len(values) - 1
	}
	return values[index]
}

func toMillis(value int64) float64 {
	return float64(value) / 1000
}
