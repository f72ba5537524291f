// Package session implements the per-connection handshake state
// machine (spec.md §4.4): two-phase text handshake, capability
// negotiation, and compression activation, before handing binary
// descriptors off to the router.
package session

import (
	"strings"

	"github.com/gnutellago/leaf/internal/logger"
	"github.com/gnutellago/leaf/internal/protocol"
	"github.com/gnutellago/leaf/internal/transport"
)

type State int

const (
	Init State = iota
	ConnectSent
	OkReceived
	OkSent
	Established
	Closing
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case ConnectSent:
		return "CONNECT_SENT"
	case OkReceived:
		return "OK_RECEIVED"
	case OkSent:
		return "OK_SENT"
	case Established:
		return "ESTABLISHED"
	case Closing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

type Role int

const (
	Inbound Role = iota
	Outbound
)

// TryList supplies peer-directory candidates for X-Try / X-Try-Ultrapeers
// headers on rejection (spec.md §4.4).
type TryList func() []string

// Session drives one peer connection's handshake. Once Established it
// delegates every binary descriptor to OnDescriptor.
type Session struct {
	Role   Role
	State  State
	Stream *transport.Stream
	Log    *logger.Logger

	OurHeaders map[string]string
	PeerHeader map[string]string

	// OnEstablished fires exactly once, when both directions have
	// completed the handshake (spec.md §4.4 "post-handshake initiation").
	OnEstablished func(*Session)
	// OnDescriptor fires for every binary descriptor once Established.
	OnDescriptor func(*Session, protocol.Message)
	// TriesFor supplies the candidates sent in the X-Try header when
	// rejecting an inbound handshake; no X-Try-Ultrapeers header is sent.
	TriesFor TryList

	compressOut bool
	compressIn  bool
}

// New constructs a Session for role with the given local headers
// (spec.md §6: minimum User-Agent, X-Ultrapeer, Listen-IP,
// Accept-Encoding, X-Query-Routing, Bye-Packet).
func New(role Role, stream *transport.Stream, ourHeaders map[string]string, log *logger.Logger) *Session {
	s := &Session{
		Role:       role,
		Stream:     stream,
		Log:        log,
		OurHeaders: ourHeaders,
	}
	if role == Inbound {
		s.State = Init
	} else {
		s.State = Init // caller must call Start() to send CONNECT and move to ConnectSent
	}
	stream.OnMessage = s.handleMessage
	return s
}

// Start sends the initial CONNECT for an outbound session.
func (s *Session) Start() error {
	if s.Role != Outbound || s.State != Init {
		return &protocol.ProtocolViolation{Reason: "Start called in wrong role/state"}
	}
	hs := protocol.Handshake{Kind: protocol.HandshakeConnect, Version: "0.6", Headers: s.OurHeaders}
	if err := s.Stream.SendRaw(protocol.EncodeHandshake(hs)); err != nil {
		return err
	}
	s.State = ConnectSent
	return nil
}

func (s *Session) handleMessage(m protocol.Message) {
	if hs, ok := m.(protocol.Handshake); ok {
		if err := s.handleHandshake(hs); err != nil {
			s.fail(err)
		}
		return
	}

	if s.State != Established {
		s.fail(&protocol.ProtocolViolation{Reason: "binary descriptor received before ESTABLISHED"})
		return
	}
	if s.OnDescriptor != nil {
		s.OnDescriptor(s, m)
	}
}

func (s *Session) handleHandshake(hs protocol.Handshake) error {
	switch {
	case s.Role == Inbound && s.State == Init && hs.Kind == protocol.HandshakeConnect:
		return s.acceptInboundConnect(hs)
	case s.Role == Outbound && s.State == ConnectSent && hs.Kind == protocol.HandshakeOK:
		return s.receiveFirstOK(hs)
	case s.Role == Outbound && s.State == ConnectSent && hs.Kind == protocol.HandshakeReject:
		return s.receiveRejection(hs)
	case s.Role == Inbound && s.State == OkSent && hs.Kind == protocol.HandshakeOK:
		return s.receiveFinalOK(hs)
	default:
		return &protocol.ProtocolViolation{Reason: "unexpected handshake " + hs.Kind.String() + " in state " + s.State.String()}
	}
}

// acceptInboundConnect handles the INIT(inbound) + CONNECT transition:
// if the version is supported we reply 200 OK (negotiating
// compression intent based on the peer's Accept-Encoding); otherwise
// we reject with 503 and X-Try candidates, then close.
func (s *Session) acceptInboundConnect(hs protocol.Handshake) error {
	s.PeerHeader = hs.Headers
	if !versionSupported(hs.Version) {
		return s.rejectInbound(503, "Service Unavailable")
	}

	headers := cloneHeaders(s.OurHeaders)
	if accept, ok := hs.Header("Accept-Encoding"); ok && strings.Contains(accept, "deflate") {
		headers["Content-Encoding"] = "deflate"
		s.compressOut = true
	}
	ok := protocol.Handshake{Kind: protocol.HandshakeOK, Version: "0.6", Headers: headers}
	if err := s.Stream.SendRaw(protocol.EncodeHandshake(ok)); err != nil {
		return err
	}
	s.State = OkSent
	return nil
}

func (s *Session) rejectInbound(code int, reason string) error {
	headers := cloneHeaders(s.OurHeaders)
	if s.TriesFor != nil {
		if tries := s.TriesFor(); len(tries) > 0 {
			headers["X-Try"] = strings.Join(tries, ",")
		}
	}
	reject := protocol.Handshake{Kind: protocol.HandshakeReject, Version: "0.6", Code: code, Reason: reason, Headers: headers}
	_ = s.Stream.SendRaw(protocol.EncodeHandshake(reject))
	s.State = Closing
	return s.Stream.Close()
}

// receiveFirstOK handles CONNECT_SENT(outbound) + 200 OK: we send our
// own final OK and activate compression negotiated from both sides.
func (s *Session) receiveFirstOK(hs protocol.Handshake) error {
	s.PeerHeader = hs.Headers
	s.negotiateCompressionFrom(hs)

	headers := cloneHeaders(s.OurHeaders)
	if s.compressOut {
		headers["Content-Encoding"] = "deflate"
	}
	ok := protocol.Handshake{Kind: protocol.HandshakeOK, Version: "0.6", Headers: headers}
	if err := s.Stream.SendRaw(protocol.EncodeHandshake(ok)); err != nil {
		return err
	}
	s.activateCompression()
	s.State = Established
	if s.OnEstablished != nil {
		s.OnEstablished(s)
	}
	return nil
}

func (s *Session) receiveRejection(hs protocol.Handshake) error {
	s.State = Closing
	_ = s.Stream.Close()
	return &protocol.HandshakeRejected{Code: hs.Code, Reason: hs.Reason, Headers: hs.Headers}
}

// receiveFinalOK handles OK_SENT(inbound) + 200 OK: activate
// compression per the negotiation already computed in
// acceptInboundConnect plus what the peer's final OK reveals about
// its own Content-Encoding (what it decided to send us).
func (s *Session) receiveFinalOK(hs protocol.Handshake) error {
	s.PeerHeader = hs.Headers
	if ce, ok := hs.Header("Content-Encoding"); ok && strings.Contains(ce, "deflate") {
		s.compressIn = true
	}
	s.activateCompression()
	s.State = Established
	if s.OnEstablished != nil {
		s.OnEstablished(s)
	}
	return nil
}

// negotiateCompressionFrom derives outbound/inbound compression
// intent from the peer's headers, for the outbound-session side where
// both directions are decided from the single first OK exchange
// (spec.md §4.4 "Compression negotiation").
func (s *Session) negotiateCompressionFrom(hs protocol.Handshake) {
	if accept, ok := hs.Header("Accept-Encoding"); ok && strings.Contains(accept, "deflate") {
		s.compressOut = true
	}
	if ce, ok := hs.Header("Content-Encoding"); ok && strings.Contains(ce, "deflate") {
		s.compressIn = true
	}
}

func (s *Session) activateCompression() {
	if s.compressOut {
		s.Stream.EnableOutboundDeflate()
	}
	if s.compressIn {
		s.Stream.EnableInboundDeflate()
	}
}

func (s *Session) fail(err error) {
	s.Log.Warnf("session %v: %v", s.Stream.RemoteAddr(), err)
	s.State = Closing
	_ = s.Stream.Close()
}

func versionSupported(v string) bool {
	return v == "0.6"
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
