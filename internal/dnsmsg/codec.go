// Package dnsmsg implements the wire-level DNS message handling the
// forwarder needs: header and first-question decoding, synthetic
// responses, and in-place transaction id surgery.
//
// The codec deliberately works on raw bytes instead of unpacking into a
// full message structure. Forwarded replies must reach the client
// byte-for-byte as the upstream produced them (only the id differs), and
// synthesized replies must reuse the question section exactly as the
// client sent it; a full unpack/repack round-trip loses both guarantees.
package dnsmsg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// ErrMalformed is returned when a message is too short to carry a header
// and one question, or the question section violates wire-format limits.
var ErrMalformed = errors.New("malformed dns message")

const (
	// HeaderLen is the fixed DNS header size.
	HeaderLen = 12

	// SinkholeTTL is the TTL of synthesized A records.
	SinkholeTTL = 600

	maxNameLen  = 253
	maxLabelLen = 63

	flagQR     = 1 << 15
	flagAA     = 1 << 10
	flagTC     = 1 << 9
	flagRD     = 1 << 8
	flagRA     = 1 << 7
	opcodeMask = 0xF << 11
	rcodeMask  = 0xF
)

// Query is the decoded prefix of a DNS query: header plus first question.
// End is the offset just past QCLASS; anything beyond it is an opaque tail.
type Query struct {
	ID     uint16
	Flags  uint16
	Name   string // lower-cased, no trailing dot
	QType  uint16
	QClass uint16
	End    int
}

// Opcode extracts the OPCODE field from the query flags.
func (q Query) Opcode() int {
	return int(q.Flags>>11) & 0xF
}

// RD reports whether the client set the recursion-desired bit.
func (q Query) RD() bool {
	return q.Flags&flagRD != 0
}

// Decode parses the header and first question of msg.
// It fails with ErrMalformed when the header is short, the question
// section is absent, a label uses compression (questions must not be
// compressed), or name/label length limits are exceeded.
func Decode(msg []byte) (Query, error) {
	if len(msg) < HeaderLen {
		return Query{}, fmt.Errorf("%w: %d byte header", ErrMalformed, len(msg))
	}
	q := Query{
		ID:    binary.BigEndian.Uint16(msg[0:2]),
		Flags: binary.BigEndian.Uint16(msg[2:4]),
	}
	qdcount := binary.BigEndian.Uint16(msg[4:6])
	if qdcount == 0 {
		return Query{}, fmt.Errorf("%w: empty question section", ErrMalformed)
	}

	var name strings.Builder
	off := HeaderLen
	for {
		if off >= len(msg) {
			return Query{}, fmt.Errorf("%w: truncated question name", ErrMalformed)
		}
		length := int(msg[off])
		if length == 0 {
			off++
			break
		}
		if length > maxLabelLen {
			// 0xC0 prefixes are pointers; RFC 1035 forbids compressed
			// question names and everything in between is reserved.
			return Query{}, fmt.Errorf("%w: label length byte 0x%02x in question", ErrMalformed, length)
		}
		if off+1+length > len(msg) {
			return Query{}, fmt.Errorf("%w: truncated label", ErrMalformed)
		}
		if name.Len() > 0 {
			name.WriteByte('.')
		}
		for _, c := range msg[off+1 : off+1+length] {
			if c >= 'A' && c <= 'Z' {
				c += 'a' - 'A'
			}
			name.WriteByte(c)
		}
		if name.Len() > maxNameLen {
			return Query{}, fmt.Errorf("%w: name exceeds %d octets", ErrMalformed, maxNameLen)
		}
		off += 1 + length
	}
	if off+4 > len(msg) {
		return Query{}, fmt.Errorf("%w: truncated question", ErrMalformed)
	}
	q.Name = name.String()
	q.QType = binary.BigEndian.Uint16(msg[off : off+2])
	q.QClass = binary.BigEndian.Uint16(msg[off+2 : off+4])
	q.End = off + 4
	return q, nil
}

// responseFlags builds the flag word shared by all synthesized replies:
// QR=1, OPCODE and RD copied from the request, AA=TC=0, RA=1, Z=0.
func responseFlags(queryFlags uint16, rcode int) uint16 {
	flags := uint16(flagQR | flagRA)
	flags |= queryFlags & opcodeMask
	flags |= queryFlags & flagRD
	flags |= uint16(rcode) & rcodeMask
	return flags
}

// BlockedReply synthesizes the response for a blacklisted name. The reply
// keeps the request id and question and answers NOERROR. When sinkhole is
// a valid IPv4 address and the question is A/IN, a single A record
// pointing at it is appended (name as a compression pointer to offset 12,
// TTL fixed at SinkholeTTL); every other case answers with no records.
func BlockedReply(msg []byte, q Query, sinkhole net.IP) []byte {
	withAnswer := false
	var ip4 net.IP
	if sinkhole != nil && q.QType == dns.TypeA && q.QClass == dns.ClassINET {
		if ip4 = sinkhole.To4(); ip4 != nil {
			withAnswer = true
		}
	}

	size := q.End
	if withAnswer {
		size += 16 // pointer(2) type(2) class(2) ttl(4) rdlength(2) rdata(4)
	}
	out := make([]byte, q.End, size)
	copy(out, msg[:q.End])

	binary.BigEndian.PutUint16(out[2:4], responseFlags(q.Flags, dns.RcodeSuccess))
	binary.BigEndian.PutUint16(out[4:6], 1) // QDCOUNT: first question only
	ancount := uint16(0)
	if withAnswer {
		ancount = 1
	}
	binary.BigEndian.PutUint16(out[6:8], ancount)
	binary.BigEndian.PutUint16(out[8:10], 0)
	binary.BigEndian.PutUint16(out[10:12], 0)

	if withAnswer {
		var rr [16]byte
		rr[0], rr[1] = 0xC0, HeaderLen // pointer to the question name
		binary.BigEndian.PutUint16(rr[2:4], dns.TypeA)
		binary.BigEndian.PutUint16(rr[4:6], dns.ClassINET)
		binary.BigEndian.PutUint32(rr[6:10], SinkholeTTL)
		binary.BigEndian.PutUint16(rr[10:12], 4)
		copy(rr[12:16], ip4)
		out = append(out, rr[:]...)
	}
	return out
}

// RcodeReply synthesizes an error response (e.g. SERVFAIL) carrying the
// request id and question and no other records.
func RcodeReply(msg []byte, q Query, rcode int) []byte {
	out := make([]byte, q.End)
	copy(out, msg[:q.End])
	binary.BigEndian.PutUint16(out[2:4], responseFlags(q.Flags, rcode))
	binary.BigEndian.PutUint16(out[4:6], 1)
	binary.BigEndian.PutUint16(out[6:8], 0)
	binary.BigEndian.PutUint16(out[8:10], 0)
	binary.BigEndian.PutUint16(out[10:12], 0)
	return out
}

// FormErr builds a minimal FORMERR response for input that failed to
// decode. The id is recovered from the first two octets of the raw input;
// ok is false when not even those are present, in which case the query
// must be dropped.
func FormErr(raw []byte) (reply []byte, ok bool) {
	if len(raw) < 2 {
		return nil, false
	}
	out := make([]byte, HeaderLen)
	copy(out[0:2], raw[0:2])
	var flags uint16 = flagQR | flagRA | uint16(dns.RcodeFormatError)
	if len(raw) >= 4 {
		reqFlags := binary.BigEndian.Uint16(raw[2:4])
		flags |= reqFlags & opcodeMask
		flags |= reqFlags & flagRD
	}
	binary.BigEndian.PutUint16(out[2:4], flags)
	return out, true
}

// ID returns the transaction id of a wire message. The message must be at
// least two octets long.
func ID(msg []byte) uint16 {
	return binary.BigEndian.Uint16(msg[0:2])
}

// SetID rewrites the transaction id in place. Used by the upstream client
// to multiplex many queries over a shared connection and to restore the
// client's id on the way back.
func SetID(msg []byte, id uint16) {
	binary.BigEndian.PutUint16(msg[0:2], id)
}

// Truncate clamps a reply to limit octets for transports that cannot
// carry it whole, setting the TC bit so the client can retry over TCP.
func Truncate(msg []byte, limit int) []byte {
	if len(msg) <= limit {
		return msg
	}
	out := msg[:limit]
	flags := binary.BigEndian.Uint16(out[2:4])
	binary.BigEndian.PutUint16(out[2:4], flags|flagTC)
	return out
}
