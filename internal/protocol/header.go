package protocol

import "encoding/binary"

// Descriptor (payload) types, spec.md §3.
const (
	TypePing             = 0x00
	TypePong             = 0x01
	TypeBye              = 0x02
	TypeRouteTableUpdate = 0x30
	TypePush             = 0x40
	TypeQuery            = 0x80
	TypeQueryHits        = 0x81
)

// HeaderSize is the fixed 23-byte descriptor header layout (spec.md §3).
const HeaderSize = 23

// MaxPayloadSize bounds payloadLength on decode (spec.md invariant I1).
const MaxPayloadSize = 65536

// Header is the fixed 23-byte header prefixing every binary descriptor.
type Header struct {
	DescriptorID  GUID
	PayloadType   byte
	TTL           byte
	Hops          byte
	PayloadLength uint32
}

func encodeHeader(h Header, buf []byte) {
	copy(buf[0:16], h.DescriptorID[:])
	buf[16] = h.PayloadType
	buf[17] = h.TTL
	buf[18] = h.Hops
	binary.LittleEndian.PutUint32(buf[19:23], h.PayloadLength)
}

func decodeHeader(buf []byte) Header {
	var h Header
	copy(h.DescriptorID[:], buf[0:16])
	h.PayloadType = buf[16]
	h.TTL = buf[17]
	h.Hops = buf[18]
	h.PayloadLength = binary.LittleEndian.Uint32(buf[19:23])
	return h
}

// Adjust applies the forwarding TTL/hops accounting of spec.md §4.5
// (I4): ttl is decremented and hops incremented. It reports whether
// the resulting message may still be forwarded (ttl' >= 0 and the
// original ttl was > 0).
func (h *Header) Adjust() bool {
	if h.TTL == 0 {
		return false
	}
	h.TTL--
	h.Hops++
	return true
}
