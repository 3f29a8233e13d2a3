// Package resolver implements the per-query pipeline: decode the
// question, consult the blacklist, and either synthesize a local answer
// or forward the query upstream.
package resolver

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"

	"github.com/Joxit/dns-server/internal/blocklist"
	"github.com/Joxit/dns-server/internal/dnsmsg"
	"github.com/Joxit/dns-server/internal/metrics"
	"github.com/Joxit/dns-server/internal/requestlog"
	"github.com/Joxit/dns-server/internal/upstream"
)

// DefaultQueryTimeout bounds the wait for an upstream reply.
const DefaultQueryTimeout = 5 * time.Second

// Pipeline is a pure function of (engine, forwarder, config): it holds no
// per-query state and may be invoked concurrently from every front-end.
type Pipeline struct {
	engine    *blocklist.Engine
	forwarder upstream.Forwarder
	sinkhole  net.IP
	timeout   time.Duration
	logger    *slog.Logger
	requests  requestlog.Writer
}

// Config carries the pipeline's per-process settings.
type Config struct {
	// Sinkhole, when set, is returned in a synthetic A record for
	// blocked A/IN queries; nil answers blocked queries with an empty
	// NOERROR.
	Sinkhole net.IP
	// QueryTimeout is the per-query upstream deadline; zero means
	// DefaultQueryTimeout.
	QueryTimeout time.Duration
}

func New(engine *blocklist.Engine, forwarder upstream.Forwarder, cfg Config, logger *slog.Logger, requests requestlog.Writer) *Pipeline {
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &Pipeline{
		engine:    engine,
		forwarder: forwarder,
		sinkhole:  cfg.Sinkhole,
		timeout:   timeout,
		logger:    logger,
		requests:  requests,
	}
}

// Process handles one raw query and returns the reply bytes, or nil when
// the query must be dropped (input so mangled that not even the id is
// recoverable). client and transport only feed diagnostics.
func (p *Pipeline) Process(ctx context.Context, raw []byte, client, transport string) []byte {
	start := time.Now()
	metrics.RecordQuery(transport)

	q, err := dnsmsg.Decode(raw)
	if err != nil {
		metrics.RecordMalformed()
		p.logger.Warn("malformed query", "client", client, "transport", transport, "err", err)
		reply, ok := dnsmsg.FormErr(raw)
		if !ok {
			return nil
		}
		p.logRequest(q, client, transport, "malformed", dns.RcodeFormatError, start)
		return reply
	}

	// Non-QUERY opcodes and non-IN classes bypass the blacklist and go
	// upstream as-is.
	if q.Opcode() == dns.OpcodeQuery && q.QClass == dns.ClassINET {
		if p.engine.Classify(q.Name) == blocklist.Block {
			metrics.RecordBlocked()
			p.logger.Debug("query blocked", "client", client, "qname", q.Name)
			p.logRequest(q, client, transport, "blocked", dns.RcodeSuccess, start)
			return dnsmsg.BlockedReply(raw, q, p.sinkhole)
		}
	}

	// Detach from the listener's context: shutdown stops accepting new
	// queries, but in-flight forwards run to their own deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	reply, err := p.forwarder.Forward(ctx, raw)
	if err != nil {
		kind := upstream.ErrorKind(err)
		metrics.RecordUpstreamError(kind)
		p.logger.Warn("upstream forward failed", "client", client, "qname", q.Name, "kind", kind, "err", err)
		p.logRequest(q, client, transport, "servfail", dns.RcodeServerFailure, start)
		return dnsmsg.RcodeReply(raw, q, dns.RcodeServerFailure)
	}
	metrics.RecordForwarded()
	p.logRequest(q, client, transport, "forwarded", int(replyRcode(reply)), start)
	return reply
}

func replyRcode(reply []byte) uint16 {
	if len(reply) < 4 {
		return 0
	}
	return uint16(reply[3]) & 0xF
}

func (p *Pipeline) logRequest(q dnsmsg.Query, client, transport, outcome string, rcode int, start time.Time) {
	if p.requests == nil {
		return
	}
	qtype := dns.TypeToString[q.QType]
	if qtype == "" {
		qtype = strconv.Itoa(int(q.QType))
	}
	rcodeStr := dns.RcodeToString[rcode]
	if rcodeStr == "" {
		rcodeStr = strconv.Itoa(rcode)
	}
	qname := q.Name
	if qname == "" {
		qname = "-"
	}
	p.requests.Write(requestlog.Entry{
		Timestamp:  requestlog.FormatTimestamp(time.Now().UTC()),
		ClientIP:   client,
		Transport:  transport,
		QName:      qname,
		QType:      qtype,
		Outcome:    outcome,
		RCode:      rcodeStr,
		DurationMS: time.Since(start).Seconds() * 1000.0,
	})
}
