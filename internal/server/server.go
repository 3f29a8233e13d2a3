// Package server hosts the client-facing transports: a plain UDP
// listener, a DNS-over-TLS listener, and a DNS-over-HTTPS listener. Each
// front-end reads raw DNS messages and hands them to the query pipeline.
package server

import "context"

// Handler processes one raw query and returns the reply bytes, or nil
// when no reply can be produced. Implemented by the resolver pipeline.
type Handler interface {
	Process(ctx context.Context, raw []byte, client, transport string) []byte
}

const (
	// maxUDPQuery bounds datagrams read from clients.
	maxUDPQuery = 4096

	// maxUDPReply is the largest reply sent over plain UDP; larger
	// replies are truncated with TC set, whether or not the query
	// carried EDNS.
	maxUDPReply = 512

	// maxTCPQuery bounds a single length-prefixed or DoH-carried
	// message.
	maxTCPQuery = 65535
)
