// Package transport wraps one peer TCP socket: reading, writing,
// optional per-direction deflate compression, and message boundary
// detection (spec.md §4.2).
package transport

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/klauspost/compress/flate"

	"github.com/gnutellago/leaf/internal/logger"
	"github.com/gnutellago/leaf/internal/protocol"
)

// OutboundBound is the per-session best-effort write bound (spec.md
// §4.2). SendRaw refuses, with CongestedError, a write that would take
// the bytes not yet written past it; since each write completes before
// the next starts, this caps the size of a single message. The stream
// is not closed and no BYE is sent when the bound is hit.
const OutboundBound = 1 << 20 // 1 MiB

// CongestedError is returned by Send when the outbound bound is
// exceeded.
type CongestedError struct{}

func (CongestedError) Error() string { return "session congested: outbound bound exceeded" }

// Stream is one framed, optionally-compressed connection. It has no
// opinion on handshake vs. established-session bytes; the session
// state machine (package session) decides when to call
// EnableInboundDeflate/EnableOutboundDeflate.
type Stream struct {
	conn net.Conn
	log  *logger.Logger

	readMu  sync.Mutex
	reader  io.Reader
	inflate io.ReadCloser

	writeMu sync.Mutex
	writer  io.Writer
	deflate *flate.Writer

	buf         []byte
	outstanding int
	OnMessage   func(protocol.Message)
	OnClosed    func(error)
	closeOnce   sync.Once
}

// New wraps conn. Reads are not started until Run is called.
func New(conn net.Conn, log *logger.Logger) *Stream {
	return &Stream{
		conn:   conn,
		log:    log,
		reader: conn,
		writer: conn,
	}
}

// EnableOutboundDeflate switches outgoing bytes to raw-deflate,
// effective from the next Send call (spec.md §4.2, I3: once
// activated, stays active until close).
func (s *Stream) EnableOutboundDeflate() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.deflate = flate.NewWriter(s.conn, flate.BestSpeed)
	s.writer = s.deflate
}

// EnableInboundDeflate switches incoming bytes to raw-deflate. A peer
// may pipeline its first compressed descriptor in the same TCP
// segment as the final handshake line, so any bytes already read past
// the handshake terminator and sitting unparsed in s.buf are raw
// deflate, not plaintext; they are fed through the new inflater ahead
// of the socket instead of being left for the next Parse call (which
// would otherwise try to decode compressed bytes as a plain
// descriptor). Must be called from the same goroutine driving Run,
// since it reaches into s.buf without its own lock.
func (s *Stream) EnableInboundDeflate() {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	residual := s.buf
	s.buf = nil
	s.inflate = flate.NewReader(io.MultiReader(bytes.NewReader(residual), s.conn))
	s.reader = s.inflate
}

// Send encodes and writes one message, flushing the outbound
// compressor (Z_SYNC_FLUSH-equivalent) after every message so peers
// see timely data (spec.md §4.2).
func (s *Stream) Send(m protocol.Message) error {
	data := protocol.Encode(m)
	return s.SendRaw(data)
}

// SendRaw writes pre-encoded bytes (used for the handshake text,
// which is not a protocol.Message going through Encode's descriptor
// path but shares the same write/flush/backpressure plumbing).
func (s *Stream) SendRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.outstanding+len(data) > OutboundBound {
		return CongestedError{}
	}
	s.outstanding += len(data)

	if _, err := s.writer.Write(data); err != nil {
		if s.deflate != nil {
			return &protocol.CompressionError{Op: "write", Err: err}
		}
		return fmt.Errorf("transport: write: %w", err)
	}
	if s.deflate != nil {
		if err := s.deflate.Flush(); err != nil {
			return &protocol.CompressionError{Op: "flush", Err: err}
		}
	}
	s.outstanding = 0
	return nil
}

// Run drives the framing loop: read chunks from the stream's current
// reader (plaintext or inflating), repeatedly decode complete
// messages and invoke OnMessage, until EOF or a non-recoverable
// error, at which point OnClosed fires exactly once.
func (s *Stream) Run() {
	chunk := make([]byte, 4096)
	var finalErr error
	for {
		s.readMu.Lock()
		r := s.reader
		s.readMu.Unlock()

		n, err := r.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
			for {
				msg, consumed, perr := protocol.Parse(s.buf)
				if perr == protocol.ErrNeedMore {
					break
				}
				if perr != nil {
					finalErr = perr
					s.closeLocked(finalErr)
					return
				}
				s.buf = s.buf[consumed:]
				if s.OnMessage != nil {
					s.OnMessage(msg)
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				if s.inflate != nil {
					finalErr = &protocol.CompressionError{Op: "read", Err: err}
				} else {
					finalErr = fmt.Errorf("transport: read: %w", err)
				}
			}
			s.closeLocked(finalErr)
			return
		}
	}
}

func (s *Stream) closeLocked(err error) {
	s.closeOnce.Do(func() {
		s.conn.Close()
		if s.OnClosed != nil {
			s.OnClosed(err)
		}
	})
}

// Close closes the underlying connection; OnClosed fires with a nil
// error for a locally-initiated close.
func (s *Stream) Close() error {
	s.closeLocked(nil)
	return nil
}

// CloseWithReason closes the underlying connection and passes reason
// to OnClosed, for local closures that have a specific cause (e.g. a
// handshake timeout) worth reporting past the socket teardown.
func (s *Stream) CloseWithReason(reason error) error {
	s.closeLocked(reason)
	return nil
}

// RemoteAddr exposes the wrapped connection's remote address.
func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Buffered reports how many undecoded bytes are currently held,
// useful for tests asserting the framing loop drains its buffer.
func (s *Stream) Buffered() int { return len(s.buf) }
