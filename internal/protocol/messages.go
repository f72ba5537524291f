package protocol

// Message is any decoded descriptor, binary or handshake. Concrete
// types below implement it; the router type-switches on the concrete
// type (spec.md §9: "a sum type over the named variants... with
// exhaustive dispatch in the router").
type Message interface {
	isMessage()
}

// Ping carries no payload.
type Ping struct {
	Header Header
}

func (Ping) isMessage() {}

// Pong is the 14-byte PONG payload (spec.md §3).
type Pong struct {
	Header          Header
	Port            uint16
	IP              [4]byte // big-endian dotted quad
	FilesShared     uint32
	KilobytesShared uint32
}

func (Pong) isMessage() {}

// Query carries the minimum search speed, the NUL-terminated search
// criteria, and an opaque trailer (GGEP/HUGE extensions) preserved
// verbatim but not interpreted, per spec.md §1 and §3.
type Query struct {
	Header   Header
	MinSpeed uint16
	Criteria string
	Trailer  []byte
}

func (Query) isMessage() {}

// QueryHitResult is one result record within a QUERY_HITS payload.
type QueryHitResult struct {
	FileIndex uint32
	FileSize  uint32
	FileName  string
	Metadata  string
}

// QueryHits is the QUERY_HITS payload (spec.md §3).
type QueryHits struct {
	Header    Header
	Port      uint16
	IP        [4]byte
	Speed     uint32
	Results   []QueryHitResult
	// QHDTrailer carries the optional vendor/open-data/GGEP block
	// that may follow the result list, preserved opaquely.
	QHDTrailer []byte
	ServentID  GUID
}

func (QueryHits) isMessage() {}

// Push is the 26-byte PUSH payload (spec.md §3).
type Push struct {
	Header    Header
	ServentID GUID
	FileIndex uint32
	IP        [4]byte
	Port      uint16
}

func (Push) isMessage() {}

// Bye is the BYE payload: a code, a NUL-terminated message, and
// optional CRLF headers (spec.md §3).
type Bye struct {
	Header  Header
	Code    uint16
	Message string
	Headers string
}

func (Bye) isMessage() {}

// RouteTableUpdate is the QRP ROUTE_TABLE_UPDATE payload, either a
// RESET or a PATCH variant (spec.md §3).
type RouteTableUpdate struct {
	Header Header
	Reset  *RouteTableReset
	Patch  *RouteTablePatch
}

func (RouteTableUpdate) isMessage() {}

type RouteTableReset struct {
	TableLength uint32
	Infinity    byte
}

type RouteTablePatch struct {
	SeqNo      byte
	SeqCount   byte
	Compressor byte
	EntryBits  byte
	Data       []byte
}

// Unknown preserves the raw bytes of a descriptor whose payloadType
// is not recognized, so the router can drop it without killing the
// session (spec.md §4.1).
type Unknown struct {
	Header Header
	Raw    []byte
}

func (Unknown) isMessage() {}
