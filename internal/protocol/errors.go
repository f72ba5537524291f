package protocol

import "fmt"

// ParseError covers bad framing, truncated payloads, and unknown
// descriptor variants that cannot even be preserved as Unknown
// (spec.md §7).
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "parse error: " + e.Reason }

// Truncated is returned when a QUERY_HITS result walk overruns the
// declared payload length (spec.md §4.1).
type Truncated struct {
	Want, Have int
}

func (e *Truncated) Error() string {
	return fmt.Sprintf("truncated payload: want %d bytes, have %d", e.Want, e.Have)
}

// ProtocolViolation covers a binary descriptor arriving before
// ESTABLISHED, or other state-machine invariant breaks (spec.md §7).
type ProtocolViolation struct {
	Reason string
}

func (e *ProtocolViolation) Error() string { return "protocol violation: " + e.Reason }

// HandshakeRejected is returned when a peer's handshake response is a
// non-200 status (spec.md §7).
type HandshakeRejected struct {
	Code    int
	Reason  string
	Headers map[string]string
}

func (e *HandshakeRejected) Error() string {
	return fmt.Sprintf("handshake rejected: %d %s", e.Code, e.Reason)
}

// CompressionError wraps a failure in the deflate read or write path,
// distinct from a plain socket IoError (spec.md §7).
type CompressionError struct {
	Op  string
	Err error
}

func (e *CompressionError) Error() string { return fmt.Sprintf("compression %s: %v", e.Op, e.Err) }

func (e *CompressionError) Unwrap() error { return e.Err }

// Timeout reports a local deadline that expired without the expected
// message arriving (spec.md §7). The engine passes it, with Op
// "handshake", when closing a session whose handshake ran out of
// time; a connect timeout surfaces as the dialer's own error.
type Timeout struct {
	Op string
}

func (e *Timeout) Error() string { return fmt.Sprintf("timeout: %s", e.Op) }

// ErrNeedMore is a sentinel (not an error in the user-facing sense)
// returned by Parse when the buffer does not yet contain a complete
// message.
var ErrNeedMore = fmt.Errorf("need more data")
