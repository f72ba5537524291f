package protocol

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// MaxHandshakeSize bounds how much text we will buffer while looking
// for the CRLFCRLF terminator of a handshake block, so a peer cannot
// force unbounded buffering by never terminating its handshake.
const MaxHandshakeSize = 8192

// Parse attempts to decode one complete message from the front of
// buf. It returns the decoded message and the number of bytes
// consumed from buf. If buf does not yet contain a complete message,
// it returns ErrNeedMore and the caller should wait for more bytes
// before calling again (spec.md §4.1, framing boundary property).
func Parse(buf []byte) (Message, int, error) {
	if len(buf) == 0 {
		return nil, 0, ErrNeedMore
	}
	if looksLikeHandshake(buf) {
		return parseHandshakeFrame(buf)
	}
	return parseDescriptor(buf)
}

func looksLikeHandshake(buf []byte) bool {
	return bytes.HasPrefix(buf, []byte("GNUTELLA"))
}

func parseHandshakeFrame(buf []byte) (Message, int, error) {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		if len(buf) >= MaxHandshakeSize {
			return nil, 0, &ParseError{Reason: "handshake exceeds size limit without terminator"}
		}
		return nil, 0, ErrNeedMore
	}
	block := string(buf[:idx])
	hs, err := ParseHandshake(block)
	if err != nil {
		return nil, 0, err
	}
	return hs, idx + 4, nil
}

func parseDescriptor(buf []byte) (Message, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, ErrNeedMore
	}
	h := decodeHeader(buf)
	if h.PayloadLength > MaxPayloadSize {
		return nil, 0, &ParseError{Reason: "payload length exceeds configured ceiling"}
	}
	total := HeaderSize + int(h.PayloadLength)
	if len(buf) < total {
		return nil, 0, ErrNeedMore
	}
	payload := buf[HeaderSize:total]

	var msg Message
	var err error
	switch h.PayloadType {
	case TypePing:
		msg = Ping{Header: h}
	case TypePong:
		msg, err = decodePong(h, payload)
	case TypeQuery:
		msg, err = decodeQuery(h, payload)
	case TypeQueryHits:
		msg, err = decodeQueryHits(h, payload)
	case TypePush:
		msg, err = decodePush(h, payload)
	case TypeBye:
		msg, err = decodeBye(h, payload)
	case TypeRouteTableUpdate:
		msg, err = decodeRouteTableUpdate(h, payload)
	default:
		raw := make([]byte, len(payload))
		copy(raw, payload)
		msg = Unknown{Header: h, Raw: raw}
	}
	if err != nil {
		return nil, 0, err
	}
	return msg, total, nil
}

func decodePong(h Header, p []byte) (Pong, error) {
	if len(p) < 14 {
		return Pong{}, &ParseError{Reason: "PONG payload shorter than 14 bytes"}
	}
	var pong Pong
	pong.Header = h
	pong.Port = binary.LittleEndian.Uint16(p[0:2])
	copy(pong.IP[:], p[2:6])
	pong.FilesShared = binary.LittleEndian.Uint32(p[6:10])
	pong.KilobytesShared = binary.LittleEndian.Uint32(p[10:14])
	return pong, nil
}

func encodePong(p Pong) []byte {
	buf := make([]byte, 14)
	binary.LittleEndian.PutUint16(buf[0:2], p.Port)
	copy(buf[2:6], p.IP[:])
	binary.LittleEndian.PutUint32(buf[6:10], p.FilesShared)
	binary.LittleEndian.PutUint32(buf[10:14], p.KilobytesShared)
	return buf
}

func decodeQuery(h Header, p []byte) (Query, error) {
	if len(p) < 2 {
		return Query{}, &ParseError{Reason: "QUERY payload shorter than minSpeed field"}
	}
	minSpeed := binary.LittleEndian.Uint16(p[0:2])
	rest := p[2:]
	nul := bytes.IndexByte(rest, 0)
	if nul < 0 {
		return Query{}, &ParseError{Reason: "QUERY search criteria missing NUL terminator"}
	}
	criteria := string(rest[:nul])
	trailer := append([]byte(nil), rest[nul+1:]...)
	return Query{Header: h, MinSpeed: minSpeed, Criteria: criteria, Trailer: trailer}, nil
}

func encodeQuery(q Query) []byte {
	var buf bytes.Buffer
	var speed [2]byte
	binary.LittleEndian.PutUint16(speed[:], q.MinSpeed)
	buf.Write(speed[:])
	buf.WriteString(q.Criteria)
	buf.WriteByte(0)
	buf.Write(q.Trailer)
	return buf.Bytes()
}

func decodeQueryHits(h Header, p []byte) (QueryHits, error) {
	if len(p) < 11 {
		return QueryHits{}, &Truncated{Want: 11, Have: len(p)}
	}
	var qh QueryHits
	qh.Header = h
	count := int(p[0])
	qh.Port = binary.LittleEndian.Uint16(p[1:3])
	copy(qh.IP[:], p[3:7])
	qh.Speed = binary.LittleEndian.Uint32(p[7:11])

	// The trailing 16 bytes are always the serventId (spec.md §4.1), so
	// the result walk must never read past resultsEnd into that region,
	// even when a malformed count/NUL placement would otherwise let it.
	resultsEnd := len(p) - 16

	off := 11
	for i := 0; i < count; i++ {
		if off+8 > resultsEnd {
			return QueryHits{}, &Truncated{Want: off + 8, Have: len(p)}
		}
		fileIndex := binary.LittleEndian.Uint32(p[off : off+4])
		fileSize := binary.LittleEndian.Uint32(p[off+4 : off+8])
		off += 8
		nameEnd := bytes.IndexByte(p[off:resultsEnd], 0)
		if nameEnd < 0 {
			return QueryHits{}, &Truncated{Want: off + 1, Have: len(p)}
		}
		name := string(p[off : off+nameEnd])
		off += nameEnd + 1
		metaEnd := bytes.IndexByte(p[off:resultsEnd], 0)
		if metaEnd < 0 {
			return QueryHits{}, &Truncated{Want: off + 1, Have: len(p)}
		}
		meta := string(p[off : off+metaEnd])
		off += metaEnd + 1
		qh.Results = append(qh.Results, QueryHitResult{
			FileIndex: fileIndex,
			FileSize:  fileSize,
			FileName:  name,
			Metadata:  meta,
		})
	}
	// What remains is [trailer (QHD) ...][16-byte trailing serventId].
	if len(p)-off < 16 {
		return QueryHits{}, &Truncated{Want: off + 16, Have: len(p)}
	}
	qh.QHDTrailer = append([]byte(nil), p[off:len(p)-16]...)
	copy(qh.ServentID[:], p[len(p)-16:])
	return qh, nil
}

func encodeQueryHits(qh QueryHits) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(len(qh.Results)))
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], qh.Port)
	buf.Write(u16[:])
	buf.Write(qh.IP[:])
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], qh.Speed)
	buf.Write(u32[:])
	for _, r := range qh.Results {
		binary.LittleEndian.PutUint32(u32[:], r.FileIndex)
		buf.Write(u32[:])
		binary.LittleEndian.PutUint32(u32[:], r.FileSize)
		buf.Write(u32[:])
		buf.WriteString(r.FileName)
		buf.WriteByte(0)
		buf.WriteString(r.Metadata)
		buf.WriteByte(0)
	}
	buf.Write(qh.QHDTrailer)
	buf.Write(qh.ServentID[:])
	return buf.Bytes()
}

func decodePush(h Header, p []byte) (Push, error) {
	if len(p) < 26 {
		return Push{}, &ParseError{Reason: "PUSH payload shorter than 26 bytes"}
	}
	var push Push
	push.Header = h
	copy(push.ServentID[:], p[0:16])
	push.FileIndex = binary.LittleEndian.Uint32(p[16:20])
	copy(push.IP[:], p[20:24])
	push.Port = binary.LittleEndian.Uint16(p[24:26])
	return push, nil
}

func encodePush(p Push) []byte {
	buf := make([]byte, 26)
	copy(buf[0:16], p.ServentID[:])
	binary.LittleEndian.PutUint32(buf[16:20], p.FileIndex)
	copy(buf[20:24], p.IP[:])
	binary.LittleEndian.PutUint16(buf[24:26], p.Port)
	return buf
}

func decodeBye(h Header, p []byte) (Bye, error) {
	if len(p) < 2 {
		return Bye{}, &ParseError{Reason: "BYE payload shorter than code field"}
	}
	code := binary.LittleEndian.Uint16(p[0:2])
	rest := p[2:]
	nul := bytes.IndexByte(rest, 0)
	if nul < 0 {
		return Bye{Header: h, Code: code, Message: string(rest)}, nil
	}
	msg := string(rest[:nul])
	headers := strings.TrimRight(string(rest[nul+1:]), "\r\n")
	return Bye{Header: h, Code: code, Message: msg, Headers: headers}, nil
}

func encodeBye(b Bye) []byte {
	var buf bytes.Buffer
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], b.Code)
	buf.Write(u16[:])
	buf.WriteString(b.Message)
	buf.WriteByte(0)
	buf.WriteString(b.Headers)
	return buf.Bytes()
}

func decodeRouteTableUpdate(h Header, p []byte) (RouteTableUpdate, error) {
	if len(p) < 1 {
		return RouteTableUpdate{}, &ParseError{Reason: "ROUTE_TABLE_UPDATE payload empty"}
	}
	switch p[0] {
	case 0x00:
		if len(p) < 6 {
			return RouteTableUpdate{}, &Truncated{Want: 6, Have: len(p)}
		}
		return RouteTableUpdate{
			Header: h,
			Reset: &RouteTableReset{
				TableLength: binary.LittleEndian.Uint32(p[1:5]),
				Infinity:    p[5],
			},
		}, nil
	case 0x01:
		if len(p) < 5 {
			return RouteTableUpdate{}, &Truncated{Want: 5, Have: len(p)}
		}
		return RouteTableUpdate{
			Header: h,
			Patch: &RouteTablePatch{
				SeqNo:      p[1],
				SeqCount:   p[2],
				Compressor: p[3],
				EntryBits:  p[4],
				Data:       append([]byte(nil), p[5:]...),
			},
		}, nil
	default:
		return RouteTableUpdate{}, &ParseError{Reason: "unknown ROUTE_TABLE_UPDATE variant"}
	}
}

func encodeRouteTableUpdate(r RouteTableUpdate) []byte {
	var buf bytes.Buffer
	if r.Reset != nil {
		buf.WriteByte(0x00)
		var u32 [4]byte
		binary.LittleEndian.PutUint32(u32[:], r.Reset.TableLength)
		buf.Write(u32[:])
		buf.WriteByte(r.Reset.Infinity)
	} else if r.Patch != nil {
		buf.WriteByte(0x01)
		buf.WriteByte(r.Patch.SeqNo)
		buf.WriteByte(r.Patch.SeqCount)
		buf.WriteByte(r.Patch.Compressor)
		buf.WriteByte(r.Patch.EntryBits)
		buf.Write(r.Patch.Data)
	}
	return buf.Bytes()
}

// Encode serializes any known Message back to wire bytes, including
// the 23-byte header for binary descriptors.
func Encode(m Message) []byte {
	switch v := m.(type) {
	case Handshake:
		return EncodeHandshake(v)
	case Ping:
		return encodeFramed(v.Header, TypePing, nil)
	case Pong:
		return encodeFramed(v.Header, TypePong, encodePong(v))
	case Query:
		return encodeFramed(v.Header, TypeQuery, encodeQuery(v))
	case QueryHits:
		return encodeFramed(v.Header, TypeQueryHits, encodeQueryHits(v))
	case Push:
		return encodeFramed(v.Header, TypePush, encodePush(v))
	case Bye:
		return encodeFramed(v.Header, TypeBye, encodeBye(v))
	case RouteTableUpdate:
		return encodeFramed(v.Header, TypeRouteTableUpdate, encodeRouteTableUpdate(v))
	case Unknown:
		return encodeFramed(v.Header, v.Header.PayloadType, v.Raw)
	default:
		panic("protocol: Encode called with unrecognized message type")
	}
}

func encodeFramed(h Header, payloadType byte, payload []byte) []byte {
	h.PayloadType = payloadType
	h.PayloadLength = uint32(len(payload))
	buf := make([]byte, HeaderSize+len(payload))
	encodeHeader(h, buf)
	copy(buf[HeaderSize:], payload)
	return buf
}
