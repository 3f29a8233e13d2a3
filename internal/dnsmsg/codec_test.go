package dnsmsg

import (
	"bytes"
	"net"
	"testing"

	"github.com/miekg/dns"
)

func packQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.Id = 0x4242
	packed, err := msg.Pack()
	if err != nil {
		t.Fatalf("pack query: %v", err)
	}
	return packed
}

func TestDecode(t *testing.T) {
	raw := packQuery(t, "Ads.Example.COM", dns.TypeA)
	q, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if q.ID != 0x4242 {
		t.Errorf("ID = %#x, want 0x4242", q.ID)
	}
	if q.Name != "ads.example.com" {
		t.Errorf("Name = %q, want ads.example.com (case-folded)", q.Name)
	}
	if q.QType != dns.TypeA || q.QClass != dns.ClassINET {
		t.Errorf("QType/QClass = %d/%d, want A/IN", q.QType, q.QClass)
	}
	if q.End != len(raw) {
		t.Errorf("End = %d, want %d", q.End, len(raw))
	}
	if q.Opcode() != dns.OpcodeQuery {
		t.Errorf("Opcode = %d, want QUERY", q.Opcode())
	}
	if !q.RD() {
		t.Error("RD bit lost in decode")
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid := packQuery(t, "example.org", dns.TypeA)

	compressed := append([]byte(nil), valid[:HeaderLen]...)
	compressed = append(compressed, 0xC0, 0x0C, 0, 1, 0, 1)

	badLabel := append([]byte(nil), valid...)
	badLabel[HeaderLen] = 0x7F // 127: above the 63-octet label limit, not a pointer

	cases := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"short header", valid[:8]},
		{"no question", append(append([]byte(nil), valid[:4]...), 0, 0, 0, 0, 0, 0, 0, 0)},
		{"truncated name", valid[:HeaderLen+3]},
		{"truncated qtype", valid[:len(valid)-2]},
		{"compressed question", compressed},
		{"oversized label byte", badLabel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.raw); err == nil {
				t.Fatalf("Decode(%s) succeeded, want ErrMalformed", tc.name)
			}
		})
	}
}

func TestBlockedReplyWithSinkhole(t *testing.T) {
	raw := packQuery(t, "ads.example", dns.TypeA)
	q, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	reply := BlockedReply(raw, q, net.ParseIP("10.0.0.1"))

	msg := new(dns.Msg)
	if err := msg.Unpack(reply); err != nil {
		t.Fatalf("reply does not unpack: %v", err)
	}
	if msg.Id != q.ID {
		t.Errorf("reply id = %#x, want %#x", msg.Id, q.ID)
	}
	if !msg.Response || msg.Rcode != dns.RcodeSuccess {
		t.Errorf("expected NOERROR response, got %+v", msg)
	}
	if !msg.RecursionAvailable || !msg.RecursionDesired {
		t.Error("RA should be set and RD copied")
	}
	if msg.Authoritative || msg.Truncated {
		t.Error("AA and TC must be clear")
	}
	if len(msg.Answer) != 1 {
		t.Fatalf("ANCOUNT = %d, want 1", len(msg.Answer))
	}
	a, ok := msg.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("answer is %T, want *dns.A", msg.Answer[0])
	}
	if !a.A.Equal(net.ParseIP("10.0.0.1")) {
		t.Errorf("A = %v, want 10.0.0.1", a.A)
	}
	if a.Hdr.Ttl != SinkholeTTL {
		t.Errorf("TTL = %d, want %d", a.Hdr.Ttl, SinkholeTTL)
	}
	if a.Hdr.Name != "ads.example." {
		t.Errorf("answer name = %q (pointer should resolve to question)", a.Hdr.Name)
	}
	if len(msg.Ns) != 0 || len(msg.Extra) != 0 {
		t.Error("NSCOUNT and ARCOUNT must be 0")
	}

	// Question section is the client's bytes, untouched.
	if !bytes.Equal(reply[HeaderLen:q.End], raw[HeaderLen:q.End]) {
		t.Error("question bytes differ from request")
	}
}

func TestBlockedReplyNoSinkholeForAAAA(t *testing.T) {
	raw := packQuery(t, "ads.example", dns.TypeAAAA)
	q, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	reply := BlockedReply(raw, q, net.ParseIP("10.0.0.1"))
	msg := new(dns.Msg)
	if err := msg.Unpack(reply); err != nil {
		t.Fatalf("reply does not unpack: %v", err)
	}
	if msg.Rcode != dns.RcodeSuccess || len(msg.Answer) != 0 {
		t.Errorf("AAAA block should be empty NOERROR, got rcode=%d ancount=%d", msg.Rcode, len(msg.Answer))
	}
}

func TestBlockedReplyEmptyWithoutSinkhole(t *testing.T) {
	raw := packQuery(t, "ads.example", dns.TypeA)
	q, _ := Decode(raw)
	reply := BlockedReply(raw, q, nil)
	msg := new(dns.Msg)
	if err := msg.Unpack(reply); err != nil {
		t.Fatalf("reply does not unpack: %v", err)
	}
	if len(msg.Answer) != 0 {
		t.Errorf("ANCOUNT = %d, want 0", len(msg.Answer))
	}
}

func TestRcodeReply(t *testing.T) {
	raw := packQuery(t, "example.org", dns.TypeA)
	q, _ := Decode(raw)
	reply := RcodeReply(raw, q, dns.RcodeServerFailure)
	msg := new(dns.Msg)
	if err := msg.Unpack(reply); err != nil {
		t.Fatalf("reply does not unpack: %v", err)
	}
	if msg.Rcode != dns.RcodeServerFailure {
		t.Errorf("rcode = %d, want SERVFAIL", msg.Rcode)
	}
	if msg.Id != q.ID {
		t.Errorf("id = %#x, want %#x", msg.Id, q.ID)
	}
	if len(msg.Question) != 1 || msg.Question[0].Name != "example.org." {
		t.Errorf("question not preserved: %+v", msg.Question)
	}
}

func TestFormErr(t *testing.T) {
	reply, ok := FormErr([]byte{0xAB, 0xCD, 0x01, 0x00, 0xFF})
	if !ok {
		t.Fatal("FormErr refused input with recoverable id")
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(reply); err != nil {
		t.Fatalf("reply does not unpack: %v", err)
	}
	if msg.Id != 0xABCD {
		t.Errorf("id = %#x, want 0xabcd", msg.Id)
	}
	if msg.Rcode != dns.RcodeFormatError {
		t.Errorf("rcode = %d, want FORMERR", msg.Rcode)
	}

	if _, ok := FormErr([]byte{0x01}); ok {
		t.Error("FormErr should fail when the id is unrecoverable")
	}
}

func TestSetID(t *testing.T) {
	raw := packQuery(t, "example.org", dns.TypeA)
	SetID(raw, 0x1234)
	if ID(raw) != 0x1234 {
		t.Errorf("ID after SetID = %#x, want 0x1234", ID(raw))
	}
	SetID(raw, 0)
	if ID(raw) != 0 {
		t.Errorf("ID after zeroing = %#x, want 0", ID(raw))
	}
}

func TestTruncate(t *testing.T) {
	big := make([]byte, 700)
	copy(big, packQuery(t, "example.org", dns.TypeA))

	out := Truncate(big, 512)
	if len(out) != 512 {
		t.Fatalf("len = %d, want 512", len(out))
	}
	flags := uint16(out[2])<<8 | uint16(out[3])
	if flags&flagTC == 0 {
		t.Error("TC bit not set on truncated message")
	}

	small := packQuery(t, "example.org", dns.TypeA)
	if got := Truncate(small, 512); len(got) != len(small) {
		t.Error("small message should pass through unchanged")
	}
}

func TestDecodeNonQueryOpcode(t *testing.T) {
	raw := packQuery(t, "example.org", dns.TypeA)
	raw[2] |= 0x10 // opcode STATUS (2)
	q, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if q.Opcode() != dns.OpcodeStatus {
		t.Errorf("Opcode = %d, want STATUS", q.Opcode())
	}
}
