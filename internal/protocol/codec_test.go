package protocol

import (
	"bytes"
	"reflect"
	"testing"
)

func sampleMessages() []Message {
	id := NewGUID()
	return []Message{
		// Parse fills PayloadType and PayloadLength from the wire, so each
		// sample carries the values Encode writes for it.
		Ping{Header: Header{DescriptorID: id, PayloadType: TypePing, TTL: 7}},
		Pong{Header: Header{DescriptorID: id, PayloadType: TypePong, TTL: 1, PayloadLength: 14}, Port: 6346, IP: [4]byte{1, 2, 3, 4}, FilesShared: 3, KilobytesShared: 1024},
		Query{Header: Header{DescriptorID: id, PayloadType: TypeQuery, TTL: 7, PayloadLength: 11}, MinSpeed: 0, Criteria: "bird mp3"},
		QueryHits{
			Header: Header{DescriptorID: id, PayloadType: TypeQueryHits, TTL: 1, PayloadLength: 45},
			Port:   6346, IP: [4]byte{10, 0, 0, 1}, Speed: 100,
			Results:   []QueryHitResult{{FileIndex: 1, FileSize: 4096, FileName: "bird.mp3"}},
			ServentID: NewGUID(),
		},
		Push{Header: Header{DescriptorID: id, PayloadType: TypePush, PayloadLength: 26}, ServentID: NewGUID(), FileIndex: 1, IP: [4]byte{1, 2, 3, 4}, Port: 9000},
		Bye{Header: Header{DescriptorID: id, PayloadType: TypeBye, PayloadLength: 16}, Code: 200, Message: "Shutting down"},
		RouteTableUpdate{Header: Header{DescriptorID: id, PayloadType: TypeRouteTableUpdate, PayloadLength: 6}, Reset: &RouteTableReset{TableLength: 65536, Infinity: 1}},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	for _, m := range sampleMessages() {
		enc := Encode(m)
		got, n, err := Parse(enc)
		if err != nil {
			t.Fatalf("Parse(%T): %v", m, err)
		}
		if n != len(enc) {
			t.Fatalf("Parse(%T) consumed %d, want %d", m, n, len(enc))
		}
		if !reflect.DeepEqual(got, m) {
			t.Fatalf("Parse(%T) round trip mismatch:\n got=%#v\nwant=%#v", m, got, m)
		}
	}
}

func TestCodecRoundTripWithTrailingResidue(t *testing.T) {
	trailer := []byte("residue-bytes")
	for _, m := range sampleMessages() {
		enc := append(Encode(m), trailer...)
		_, n, err := Parse(enc)
		if err != nil {
			t.Fatalf("Parse(%T): %v", m, err)
		}
		if n != len(enc)-len(trailer) {
			t.Fatalf("Parse(%T) consumed %d, want %d (leaving trailer)", m, n, len(enc)-len(trailer))
		}
		if !bytes.Equal(enc[n:], trailer) {
			t.Fatalf("Parse(%T) did not leave trailer intact", m)
		}
	}
}

func TestFramingBoundary(t *testing.T) {
	for _, m := range sampleMessages() {
		enc := Encode(m)
		for split := 1; split < len(enc); split++ {
			if _, _, err := Parse(enc[:split]); err != ErrNeedMore {
				t.Fatalf("%T split at %d: want ErrNeedMore, got %v", m, split, err)
			}
		}
		if _, n, err := Parse(enc); err != nil || n != len(enc) {
			t.Fatalf("%T full buffer: got n=%d err=%v", m, n, err)
		}
	}
}

func TestQueryMissingNUL(t *testing.T) {
	h := Header{DescriptorID: NewGUID(), PayloadType: TypeQuery}
	payload := []byte{0, 0, 'b', 'i', 'r', 'd'} // no NUL terminator
	buf := make([]byte, HeaderSize+len(payload))
	h.PayloadLength = uint32(len(payload))
	encodeHeader(h, buf)
	copy(buf[HeaderSize:], payload)

	if _, _, err := Parse(buf); err == nil {
		t.Fatal("expected parse error for QUERY without NUL terminator")
	}
}

func TestPongTooShort(t *testing.T) {
	h := Header{DescriptorID: NewGUID(), PayloadType: TypePong, PayloadLength: 4}
	buf := make([]byte, HeaderSize+4)
	encodeHeader(h, buf)

	if _, _, err := Parse(buf); err == nil {
		t.Fatal("expected parse error for short PONG")
	}
}

func TestUnknownDescriptorPreserved(t *testing.T) {
	h := Header{DescriptorID: NewGUID(), PayloadType: 0x99, PayloadLength: 3}
	buf := make([]byte, HeaderSize+3)
	encodeHeader(h, buf)
	copy(buf[HeaderSize:], []byte{1, 2, 3})

	msg, n, err := Parse(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	u, ok := msg.(Unknown)
	if !ok {
		t.Fatalf("got %T, want Unknown", msg)
	}
	if !bytes.Equal(u.Raw, []byte{1, 2, 3}) {
		t.Fatalf("raw payload mismatch: %v", u.Raw)
	}
}

func TestPayloadCeilingRejected(t *testing.T) {
	buf := make([]byte, HeaderSize)
	h := Header{DescriptorID: NewGUID(), PayloadType: TypePing, PayloadLength: MaxPayloadSize + 1}
	encodeHeader(h, buf)
	if _, _, err := Parse(buf); err == nil {
		t.Fatal("expected rejection of oversized payload length")
	}
}

func TestQueryHitsResultWalkDoesNotReadIntoServentID(t *testing.T) {
	// count=1, one result header, then a filename with no NUL
	// terminator before the payload ends. The only zero byte in the
	// remaining bytes sits inside the 16-byte serventId trailer; the
	// walk must not search past the reserved trailer to find it.
	payload := []byte{
		1,                // count
		0x46, 0x18, // port
		10, 0, 0, 1, // ip
		0, 0, 0, 0, // speed
		1, 0, 0, 0, // file index
		0, 0x10, 0, 0, // file size
		'b', 'a', 'd', // unterminated filename
	}
	payload = append(payload, make([]byte, 16)...) // serventId, all zero bytes
	h := Header{DescriptorID: NewGUID(), PayloadType: TypeQueryHits, PayloadLength: uint32(len(payload))}
	buf := make([]byte, HeaderSize+len(payload))
	encodeHeader(h, buf)
	copy(buf[HeaderSize:], payload)

	if _, _, err := Parse(buf); err == nil {
		t.Fatal("expected a Truncated error, got nil")
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	hs := Handshake{
		Kind:    HandshakeConnect,
		Version: "0.6",
		Headers: map[string]string{"User-Agent": "gnutella-leaf/1.0"},
	}
	enc := EncodeHandshake(hs)
	got, n, err := Parse(enc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n != len(enc) {
		t.Fatalf("consumed %d, want %d", n, len(enc))
	}
	gotHS, ok := got.(Handshake)
	if !ok {
		t.Fatalf("got %T, want Handshake", got)
	}
	if v, _ := gotHS.Header("user-agent"); v != "gnutella-leaf/1.0" {
		t.Fatalf("User-Agent round trip mismatch: %q", v)
	}
}

func TestHandshakeNeedsMoreUntilTerminator(t *testing.T) {
	partial := []byte("GNUTELLA CONNECT/0.6\r\nUser-Agent: X\r\n")
	if _, _, err := Parse(partial); err != ErrNeedMore {
		t.Fatalf("want ErrNeedMore, got %v", err)
	}
}

func TestTTLAdjust(t *testing.T) {
	h := Header{TTL: 3, Hops: 1}
	ok := h.Adjust()
	if !ok || h.TTL != 2 || h.Hops != 2 {
		t.Fatalf("Adjust: got ttl=%d hops=%d ok=%v", h.TTL, h.Hops, ok)
	}

	h2 := Header{TTL: 0, Hops: 1}
	if h2.Adjust() {
		t.Fatal("Adjust on ttl=0 should report false")
	}
	if h2.TTL != 0 || h2.Hops != 1 {
		t.Fatalf("Adjust on ttl=0 must leave header unchanged, got ttl=%d hops=%d", h2.TTL, h2.Hops)
	}
}
