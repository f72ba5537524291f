// Package router implements the per-descriptor dispatch of spec.md
// §4.5: duplicate suppression, TTL/hops accounting, and reply
// synthesis. A leaf never forwards QUERY onward (no hubs); every
// reply it emits goes back along the connection the request arrived
// on.
package router

import (
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gnutellago/leaf/internal/logger"
	"github.com/gnutellago/leaf/internal/protocol"
	"github.com/gnutellago/leaf/internal/qrp"
)

const (
	dedupTTL      = 5 * time.Minute
	dedupCapacity = 1 << 16
)

// FileRecord is the subset of a shared file's metadata the router
// needs to answer queries and serve PUSH/GIV handoffs.
type FileRecord struct {
	Index uint32
	Size  uint32
	Name  string
}

// FileIndex is the shared-file collaborator (C8) as seen by the
// router.
type FileIndex interface {
	MatchesQuery(text string) bool
	GetMatchingFiles(text string) []FileRecord
	GetFile(index uint32) (FileRecord, bool)
	FileCount() int
	TotalKilobytes() uint32
}

// PeerFeeder is the peer-directory collaborator (C7) as seen by the
// router: every PONG observed on any session feeds a candidate in.
type PeerFeeder interface {
	Add(ip [4]byte, port uint16, source string)
}

// ReplySink is the minimal session surface the router needs: send a
// reply back along the connection a descriptor arrived on, or close
// it outright (BYE).
type ReplySink interface {
	Send(protocol.Message) error
	Close() error
	RemoteAddr() net.Addr
}

// Identity is this servent's own address and serventId, stamped onto
// every locally-originated reply (spec.md §4.5 invariants).
type Identity struct {
	IP        [4]byte
	Port      uint16
	ServentID protocol.GUID
}

// Router dispatches descriptors arriving on ESTABLISHED sessions.
type Router struct {
	Identity Identity
	Files    FileIndex
	Peers    PeerFeeder
	Table    *qrp.Table
	Log      *logger.Logger

	// Dial opens the outbound PUSH/GIV socket; overridable for tests.
	Dial func(ip [4]byte, port uint16) (net.Conn, error)
	// HandoffGIV receives the freshly-written GIV socket for the
	// external file server to take over. If nil the socket is closed
	// immediately after the GIV line is written.
	HandoffGIV func(net.Conn)

	dedup *expirable.LRU[protocol.GUID, struct{}]
}

// New constructs a Router. table may be nil until the first Rebuild;
// a nil table simply never matches a query.
func New(identity Identity, files FileIndex, peers PeerFeeder, table *qrp.Table, log *logger.Logger) *Router {
	return &Router{
		Identity: identity,
		Files:    files,
		Peers:    peers,
		Table:    table,
		Dial:     dialTCP,
		Log:      log,
		dedup:    expirable.NewLRU[protocol.GUID, struct{}](dedupCapacity, nil, dedupTTL),
	}
}

func dialTCP(ip [4]byte, port uint16) (net.Conn, error) {
	addr := fmt.Sprintf("%d.%d.%d.%d:%d", ip[0], ip[1], ip[2], ip[3], port)
	return net.DialTimeout("tcp", addr, 10*time.Second)
}

// Dispatch handles one descriptor arriving on sink, per spec.md §4.5's
// per-type behavior table.
func (r *Router) Dispatch(sink ReplySink, m protocol.Message) {
	switch v := m.(type) {
	case protocol.Ping:
		r.handlePing(sink, v)
	case protocol.Pong:
		if r.seenBefore(v.Header.DescriptorID) {
			return
		}
		r.Peers.Add(v.IP, v.Port, "pong")
	case protocol.Query:
		if r.seenBefore(v.Header.DescriptorID) {
			return
		}
		r.handleQuery(sink, v)
	case protocol.QueryHits:
		if r.seenBefore(v.Header.DescriptorID) {
			return
		}
		r.Log.Debugf("query hits: %d result(s) from %v", len(v.Results), sink.RemoteAddr())
	case protocol.Push:
		if r.seenBefore(v.Header.DescriptorID) {
			return
		}
		r.handlePush(v)
	case protocol.Bye:
		r.Log.Infof("peer %v sent BYE %d %q", sink.RemoteAddr(), v.Code, v.Message)
		_ = sink.Close()
	case protocol.RouteTableUpdate:
		// A leaf does not route queries using peer-advertised tables;
		// accept and discard (spec.md §4.5).
	case protocol.Unknown:
		r.Log.Debugf("dropping unknown descriptor type 0x%02x from %v", v.Header.PayloadType, sink.RemoteAddr())
	}
}

// seenBefore reports whether descriptorId was already routed within
// the dedup window, inserting it if not (spec.md §4.5, I-dedup).
func (r *Router) seenBefore(id protocol.GUID) bool {
	if _, ok := r.dedup.Get(id); ok {
		return true
	}
	r.dedup.Add(id, struct{}{})
	return false
}

func (r *Router) handlePing(sink ReplySink, p protocol.Ping) {
	ttl := p.Header.Hops + 1
	if ttl < 1 {
		ttl = 1
	}
	pong := protocol.Pong{
		Header:          protocol.Header{DescriptorID: p.Header.DescriptorID, TTL: ttl},
		Port:            r.Identity.Port,
		IP:              r.Identity.IP,
		FilesShared:     uint32(r.Files.FileCount()),
		KilobytesShared: r.Files.TotalKilobytes(),
	}
	if err := sink.Send(pong); err != nil {
		r.Log.Warnf("sending PONG to %v: %v", sink.RemoteAddr(), err)
	}
}

func (r *Router) handleQuery(sink ReplySink, q protocol.Query) {
	if r.Table == nil || !r.Table.MatchesQuery(q.Criteria) {
		return
	}
	matches := r.Files.GetMatchingFiles(q.Criteria)
	if len(matches) == 0 {
		return
	}

	ttl := q.Header.Hops + 1
	if ttl > 7 {
		ttl = 7
	}
	hits := protocol.QueryHits{
		Header:    protocol.Header{DescriptorID: q.Header.DescriptorID, TTL: ttl},
		Port:      r.Identity.Port,
		IP:        r.Identity.IP,
		Speed:     0,
		ServentID: r.Identity.ServentID,
	}
	for _, f := range matches {
		hits.Results = append(hits.Results, protocol.QueryHitResult{
			FileIndex: f.Index,
			FileSize:  f.Size,
			FileName:  f.Name,
		})
	}
	if err := sink.Send(hits); err != nil {
		r.Log.Warnf("sending QUERY_HITS to %v: %v", sink.RemoteAddr(), err)
	}
}

// handlePush carries out the GIV handoff (spec.md §4.5, §6
// "PUSH/GIV handoff"): only when the push targets our own serventId;
// otherwise it is silently dropped, since a leaf has nothing to route
// it onward to.
func (r *Router) handlePush(p protocol.Push) {
	if p.ServentID != r.Identity.ServentID {
		return
	}
	file, ok := r.Files.GetFile(p.FileIndex)
	if !ok {
		r.Log.Warnf("PUSH for unknown file index %d", p.FileIndex)
		return
	}

	conn, err := r.Dial(p.IP, p.Port)
	if err != nil {
		r.Log.Warnf("PUSH: dialing %d.%d.%d.%d:%d: %v", p.IP[0], p.IP[1], p.IP[2], p.IP[3], p.Port, err)
		return
	}

	line := fmt.Sprintf("GIV %d:%s/%s\n\n", p.FileIndex, r.Identity.ServentID.UpperHex(), file.Name)
	if _, err := conn.Write([]byte(line)); err != nil {
		r.Log.Warnf("PUSH: writing GIV line: %v", err)
		conn.Close()
		return
	}

	if r.HandoffGIV != nil {
		r.HandoffGIV(conn)
	} else {
		conn.Close()
	}
}
