package wire

import (
	"bytes"
	"net"
	"testing"
)

func TestIPHeaderRoundTrip(t *testing.T) {
	t.Parallel()
	h := NewIPHeader(net.ParseIP("127.1.1.1"), net.ParseIP("127.2.2.2"), 6, 10)
	enc := h.Encode()
	if len(enc) != IPHeaderLen {
		t.Fatalf("encoded length = %d, want %d", len(enc), IPHeaderLen)
	}
	got, err := DecodeIPHeader(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.SrcIP().Equal(h.SrcIP()) || !got.DstIP().Equal(h.DstIP()) {
		t.Fatalf("addresses did not round-trip: got src=%s dst=%s", got.SrcIP(), got.DstIP())
	}
	if got.TotalLen != h.TotalLen {
		t.Fatalf("total len = %d, want %d", got.TotalLen, h.TotalLen)
	}
}

func TestDecodeIPHeaderShortBuffer(t *testing.T) {
	t.Parallel()
	_, err := DecodeIPHeader(make([]byte, 10))
	if err == nil {
		t.Fatal("expected error on short buffer")
	}
}

func TestLSADatagramRoundTrip(t *testing.T) {
	t.Parallel()
	d := LSADatagram{
		IP:     NewIPHeader(net.ParseIP("127.1.1.1"), net.ParseIP("224.0.0.5"), 89, 0),
		AdvRtr: [4]byte{1, 1, 1, 1},
		Seq:    7,
		Records: []LSARecord{
			{Dest: "2.2.2.2", Cost: 1, Iface: "Gi0/1"},
			{Dest: "3.3.3.3", Cost: 4, Iface: "Gi0/2"},
		},
	}
	enc := d.Encode()
	got, err := DecodeLSADatagram(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Seq != d.Seq {
		t.Fatalf("seq = %d, want %d", got.Seq, d.Seq)
	}
	if !bytes.Equal(got.AdvRtr[:], d.AdvRtr[:]) {
		t.Fatalf("adv_rtr mismatch")
	}
	if len(got.Records) != 2 || got.Records[0] != d.Records[0] || got.Records[1] != d.Records[1] {
		t.Fatalf("records mismatch: got %+v", got.Records)
	}
}

func TestDecodeLSADatagramTrailingWhitespace(t *testing.T) {
	t.Parallel()
	d := LSADatagram{
		IP:     NewIPHeader(net.ParseIP("127.1.1.1"), net.ParseIP("224.0.0.5"), 89, 0),
		AdvRtr: [4]byte{1, 1, 1, 1},
		Seq:    1,
		Records: []LSARecord{
			{Dest: "2.2.2.2", Cost: 1, Iface: "Gi0/1"},
		},
	}
	enc := d.Encode()
	enc = append(enc, '\r', '\n', ' ', '\r', '\n')
	got, err := DecodeLSADatagram(enc)
	if err != nil {
		t.Fatalf("decode with trailing whitespace: %v", err)
	}
	if len(got.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(got.Records))
	}
}

func TestDecodeLSADatagramEmptyBody(t *testing.T) {
	t.Parallel()
	d := LSADatagram{
		IP:     NewIPHeader(net.ParseIP("127.1.1.1"), net.ParseIP("224.0.0.5"), 89, 0),
		AdvRtr: [4]byte{1, 1, 1, 1},
		Seq:    1,
	}
	got, err := DecodeLSADatagram(d.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Records) != 0 {
		t.Fatalf("got %d records, want 0", len(got.Records))
	}
}

func TestHTTPDatagramRoundTrip(t *testing.T) {
	t.Parallel()
	payload := []byte("GET /index.html HTTP/1.0\r\n\r\n")
	d := HTTPDatagram{
		IP: NewIPHeader(net.ParseIP("127.1.1.1"), net.ParseIP("127.2.2.2"), 6, TCPLikeHeaderLen+len(payload)),
		Segment: TCPLikeHeader{
			SrcPort: 5000,
			DstPort: 80,
			SeqNum:  1,
			AckNum:  0,
			Flags:   FlagSYN,
			Window:  4,
			NextHop: [4]byte{127, 2, 2, 2},
		},
		Payload: payload,
	}
	enc := d.Encode()
	got, err := DecodeHTTPDatagram(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("payload mismatch: got %q", got.Payload)
	}
	if !got.Segment.HasFlag(FlagSYN) {
		t.Fatalf("expected SYN flag set")
	}
	if !got.Segment.NextHopIP().Equal(net.IP{127, 2, 2, 2}) {
		t.Fatalf("next hop mismatch: got %s", got.Segment.NextHopIP())
	}
}

func TestFlagCombinations(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		set  uint8
		want uint8
	}{
		{"ack+fin", FlagACK | FlagFIN, 17},
		{"syn+ack", FlagSYN | FlagACK, 18},
		{"ack+psh", FlagACK | FlagPSH, 24},
		{"ack+psh+fin", FlagACK | FlagPSH | FlagFIN, 25},
	}
	for _, c := range cases {
		if c.set != c.want {
			t.Errorf("%s: got %d, want %d", c.name, c.set, c.want)
		}
	}
}
