// Package engine wires the protocol codec, session state machine,
// router, peer pool/directory, and shared-file index into one running
// leaf servent (spec.md §2, "Scheduling model").
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/gnutellago/leaf/internal/logger"
	"github.com/gnutellago/leaf/internal/peers"
	"github.com/gnutellago/leaf/internal/protocol"
	"github.com/gnutellago/leaf/internal/qrp"
	"github.com/gnutellago/leaf/internal/router"
	"github.com/gnutellago/leaf/internal/session"
	"github.com/gnutellago/leaf/internal/sharedfiles"
	"github.com/gnutellago/leaf/internal/transport"
)

const (
	keepalivePingEvery = 30 * time.Second
	discoveryPingEvery = 3 * time.Second
	handshakeTimeout   = 5 * time.Second
	directoryPruneAge  = 72 * time.Hour
	directorySaveEvery = 5 * time.Minute
)

// Config configures one running engine instance (spec.md §6).
type Config struct {
	ListenAddr        string
	ListenIP          [4]byte
	ListenPort        uint16
	TargetConnections int
	SettingsPath      string
	UserAgent         string
	BootstrapPeers    []peers.CacheHost
	Log               *logger.Logger
}

// Engine owns every shared collaborator and the supervisor tree
// running them (spec.md §5: peer directory, dedup cache, QRP table,
// and session map are each single-owner structures).
type Engine struct {
	cfg      Config
	identity router.Identity
	log      *logger.Logger

	dir      *peers.Directory
	files    *sharedfiles.Index
	table    *qrp.Table
	route    *router.Router
	pool     *peers.Pool
	listener net.Listener

	settingsExtra map[string]json.RawMessage

	mu               sync.Mutex
	sessions         map[*trackedSession]struct{}
	establishedCount int32

	sup *suture.Supervisor
}

type trackedSession struct {
	sess        *session.Session
	stream      *transport.Stream
	cancelPings func()
}

// New constructs an Engine; it does not start listening or dialing
// until Run is called.
func New(cfg Config) *Engine {
	if cfg.Log == nil {
		cfg.Log = logger.DefaultLogger
	}
	e := &Engine{
		cfg:      cfg,
		log:      cfg.Log,
		dir:      peers.NewDirectory(nil),
		files:    sharedfiles.New(),
		table:    qrp.NewTable(),
		sessions: make(map[*trackedSession]struct{}),
	}
	e.identity = router.Identity{IP: cfg.ListenIP, Port: cfg.ListenPort, ServentID: protocol.NewGUID()}
	e.route = router.New(e.identity, fileIndexAdapter{e.files}, e.dir, e.table, e.log)
	e.pool = peers.NewPool(e.dir, cfg.TargetConnections, peers.DialTCP, e.established, e.log)
	e.pool.OnConnected = e.onOutboundConnected
	return e
}

// AddFile shares a local file (spec.md §4.8 "addFile"), rebuilding the
// QRP table so future RESETs reflect it.
func (e *Engine) AddFile(name string, size uint32) uint32 {
	idx := e.files.AddFile(name, size)
	e.table.Rebuild(e.files.AllKeywords())
	return idx
}

// Run loads persisted peer state, starts listening, and runs the
// supervisor tree (listener accept loop, pool maintenance, directory
// housekeeping) until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.SettingsPath != "" {
		extra, err := peers.Load(e.cfg.SettingsPath, e.dir)
		if err != nil {
			e.log.Warnf("loading peer settings: %v", err)
		}
		e.settingsExtra = extra
	}
	for _, h := range e.cfg.BootstrapPeers {
		e.dir.Add(h.IP, h.Port, string(peers.SourceManual))
	}

	ln, err := net.Listen("tcp", e.cfg.ListenAddr)
	if err != nil {
		// Locally-originated fatal: listen port in use (spec.md §7).
		return fmt.Errorf("engine: listen on %s: %w", e.cfg.ListenAddr, err)
	}
	e.listener = ln

	e.sup = suture.NewSimple("gnutella-leaf")
	e.sup.Add(suture.ServiceFunc(e.acceptLoop))
	e.sup.Add(e.pool)
	e.sup.Add(suture.ServiceFunc(e.directoryHousekeeping))

	err = e.sup.Serve(ctx)
	e.shutdown()
	return err
}

// shutdown sends BYE to every ESTABLISHED session, waits briefly for
// drain, then force-closes (spec.md §4.6 "Cancellation"), and persists
// the peer directory one last time.
func (e *Engine) shutdown() {
	e.mu.Lock()
	tracked := make([]*trackedSession, 0, len(e.sessions))
	for t := range e.sessions {
		tracked = append(tracked, t)
	}
	e.mu.Unlock()

	for _, t := range tracked {
		if t.sess.State != session.Established {
			continue
		}
		bye := protocol.Bye{Header: protocol.Header{DescriptorID: protocol.NewGUID(), TTL: 1}, Code: 200, Message: "Shutting down"}
		_ = t.stream.Send(bye)
	}
	time.Sleep(100 * time.Millisecond)
	for _, t := range tracked {
		_ = t.stream.Close()
	}

	if e.cfg.SettingsPath != "" {
		if err := peers.Save(e.cfg.SettingsPath, e.dir, e.settingsExtra); err != nil {
			// Locally-originated fatal per spec.md §7: settings file
			// unwritable on shutdown.
			e.log.Fatalf("saving peer settings on shutdown: %v", err)
		}
	}
}

func (e *Engine) established() int {
	return int(atomic.LoadInt32(&e.establishedCount))
}

func (e *Engine) acceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		e.listener.Close()
	}()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("engine: accept: %w", err)
			}
		}
		e.adopt(conn, session.Inbound)
	}
}

func (e *Engine) onOutboundConnected(conn net.Conn, ip [4]byte, port uint16) {
	e.adopt(conn, session.Outbound)
}

// adopt wraps a freshly-dialed or freshly-accepted socket in a Stream
// and Session, wires it into the router, and enforces the handshake
// timeout (spec.md §4.4, §5).
func (e *Engine) adopt(conn net.Conn, role session.Role) {
	stream := transport.New(conn, e.log)
	sess := session.New(role, stream, e.ourHeaders(), e.log)
	sess.TriesFor = func() []string { return tryCandidates(e.dir.BestN(2)) }

	t := &trackedSession{sess: sess, stream: stream}

	timer := time.AfterFunc(handshakeTimeout, func() {
		e.log.Debugf("handshake timeout for %v", conn.RemoteAddr())
		_ = stream.CloseWithReason(&protocol.Timeout{Op: "handshake"})
	})
	t.cancelPings = func() {}

	sess.OnEstablished = func(*session.Session) {
		timer.Stop()
		atomic.AddInt32(&e.establishedCount, 1)
		e.startPostHandshake(t)
	}
	sess.OnDescriptor = func(_ *session.Session, m protocol.Message) {
		e.route.Dispatch(stream, m)
	}
	stream.OnClosed = func(error) {
		timer.Stop()
		if t.cancelPings != nil {
			t.cancelPings()
		}
		if sess.State == session.Established {
			atomic.AddInt32(&e.establishedCount, -1)
		}
		e.mu.Lock()
		delete(e.sessions, t)
		e.mu.Unlock()
		e.pool.NotifyDisconnect()
	}

	e.mu.Lock()
	e.sessions[t] = struct{}{}
	e.mu.Unlock()

	go stream.Run()
	if role == session.Outbound {
		if err := sess.Start(); err != nil {
			e.log.Warnf("starting outbound session to %v: %v", conn.RemoteAddr(), err)
			stream.Close()
		}
	}
}

// startPostHandshake sends the QRP RESET/PATCH and initial PING, and
// arms the keepalive/discovery ping timers (spec.md §4.4
// "Post-handshake initiation").
func (e *Engine) startPostHandshake(t *trackedSession) {
	reset := e.table.ResetMessage(protocol.NewGUID())
	if err := t.stream.Send(reset); err != nil {
		return
	}
	patches, err := e.table.PatchMessages(protocol.NewGUID())
	if err != nil {
		e.log.Warnf("building QRP patch for %v: %v", t.stream.RemoteAddr(), err)
	} else {
		for _, p := range patches {
			if err := t.stream.Send(p); err != nil {
				return
			}
		}
	}
	initialPing := protocol.Ping{Header: protocol.Header{DescriptorID: protocol.NewGUID(), TTL: 7}}
	if err := t.stream.Send(initialPing); err != nil {
		return
	}

	stop := make(chan struct{})
	t.cancelPings = func() { close(stop) }
	go e.pingLoop(t, stop)
}

func (e *Engine) pingLoop(t *trackedSession, stop chan struct{}) {
	keepalive := time.NewTicker(keepalivePingEvery)
	discovery := time.NewTicker(discoveryPingEvery)
	defer keepalive.Stop()
	defer discovery.Stop()
	for {
		select {
		case <-stop:
			return
		case <-keepalive.C:
			_ = t.stream.Send(protocol.Ping{Header: protocol.Header{DescriptorID: protocol.NewGUID(), TTL: 1}})
		case <-discovery.C:
			_ = t.stream.Send(protocol.Ping{Header: protocol.Header{DescriptorID: protocol.NewGUID(), TTL: 7}})
		}
	}
}

func (e *Engine) directoryHousekeeping(ctx context.Context) error {
	ticker := time.NewTicker(directorySaveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.dir.Prune(directoryPruneAge)
			if e.cfg.SettingsPath != "" {
				if err := peers.Save(e.cfg.SettingsPath, e.dir, e.settingsExtra); err != nil {
					e.log.Warnf("periodic peer settings save: %v", err)
				}
			}
		}
	}
}

func (e *Engine) ourHeaders() map[string]string {
	h := map[string]string{
		"User-Agent":      e.cfg.UserAgent,
		"X-Ultrapeer":     "False",
		"X-Query-Routing": "0.2",
		"Bye-Packet":      "0.1",
		"Accept-Encoding": "deflate",
	}
	if e.cfg.ListenPort != 0 {
		ip := e.cfg.ListenIP
		h["Listen-IP"] = fmt.Sprintf("%d.%d.%d.%d:%d", ip[0], ip[1], ip[2], ip[3], e.cfg.ListenPort)
	}
	return h
}

// fileIndexAdapter adapts *sharedfiles.Index to router.FileIndex,
// translating sharedfiles.Record to the router's own record shape so
// the two packages stay decoupled.
type fileIndexAdapter struct {
	idx *sharedfiles.Index
}

func (a fileIndexAdapter) MatchesQuery(text string) bool { return a.idx.MatchesQuery(text) }

func (a fileIndexAdapter) GetMatchingFiles(text string) []router.FileRecord {
	records := a.idx.GetMatchingFiles(text)
	out := make([]router.FileRecord, len(records))
	for i, r := range records {
		out[i] = router.FileRecord{Index: r.Index, Size: r.Size, Name: r.Name}
	}
	return out
}

func (a fileIndexAdapter) GetFile(index uint32) (router.FileRecord, bool) {
	r, ok := a.idx.GetFile(index)
	if !ok {
		return router.FileRecord{}, false
	}
	return router.FileRecord{Index: r.Index, Size: r.Size, Name: r.Name}, true
}

func (a fileIndexAdapter) FileCount() int         { return a.idx.FileCount() }
func (a fileIndexAdapter) TotalKilobytes() uint32 { return a.idx.TotalKilobytes() }

func tryCandidates(entries []peers.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, fmt.Sprintf("%d.%d.%d.%d:%d", e.IP[0], e.IP[1], e.IP[2], e.IP[3], e.Port))
	}
	return out
}
