package qrp

import (
	"bytes"

	"github.com/klauspost/compress/flate"

	"github.com/gnutellago/leaf/internal/protocol"
)

// Bits is the chosen QRP table width: 2^Bits slots. spec.md §9 leaves
// the choice open between 65536 (1-bit) and 8192 (4-bit); this engine
// uses 65536 slots with 1-bit-per-slot semantics (Infinity=1),
// advertised via every RESET as required.
const (
	Bits     = 16
	Size     = 1 << Bits
	Infinity = 1

	// maxPatchChunk bounds a single PATCH message's compressed
	// payload, per spec.md §4.3.
	maxPatchChunk = 1018
)

// Table is a QRP slot table: a dense array of values in [0, Infinity].
// A value of 0 means "keyword present"; Infinity means "absent".
// Rebuild is idempotent from the current file set (spec.md §3 "QRP
// table" invariant I5).
type Table struct {
	slots        [Size]uint8
	previousSent [Size]uint8
	hasPrevious  bool
}

// NewTable returns an empty table (every slot at Infinity).
func NewTable() *Table {
	t := &Table{}
	t.reset()
	return t
}

func (t *Table) reset() {
	for i := range t.slots {
		t.slots[i] = Infinity
	}
}

// Rebuild replaces the table contents from scratch given the full set
// of keyword lists for every currently shared file (spec.md I5: "the
// QRP table sent to a peer reflects the exact set of files present
// at the moment RESET is generated").
func (t *Table) Rebuild(fileKeywords [][]string) {
	t.reset()
	for _, kws := range fileKeywords {
		for _, kw := range kws {
			t.slots[Hash(kw, Bits)] = 0
		}
	}
}

// MatchesQuery reports whether every token of text hashes to a
// present slot (spec.md §4.3 matchesQuery).
func (t *Table) MatchesQuery(text string) bool {
	toks := Tokenize(text)
	if len(toks) == 0 {
		return false
	}
	for _, tok := range toks {
		if t.slots[Hash(tok, Bits)] >= Infinity {
			return false
		}
	}
	return true
}

// ResetMessage builds the ROUTE_TABLE_UPDATE RESET payload for this
// table (spec.md §4.3). A RESET puts the receiver's table back to all
// Infinity, so the next PatchMessages is computed against Infinity.
func (t *Table) ResetMessage(descriptorID protocol.GUID) protocol.RouteTableUpdate {
	t.hasPrevious = false
	return protocol.RouteTableUpdate{
		Header: protocol.Header{DescriptorID: descriptorID, TTL: 1},
		Reset:  &protocol.RouteTableReset{TableLength: Size, Infinity: Infinity},
	}
}

// PatchMessages computes the delta between the table's current
// contents and whatever was previously sent (Infinity on the first
// patch), packs it into 4-bit signed nibbles, deflates it, and splits
// it into chunks of at most maxPatchChunk compressed bytes, returning
// one ROUTE_TABLE_UPDATE PATCH message per chunk in order (spec.md
// §4.3).
func (t *Table) PatchMessages(descriptorID protocol.GUID) ([]protocol.RouteTableUpdate, error) {
	nibbles := make([]byte, Size)
	for i := 0; i < Size; i++ {
		var prev int
		if t.hasPrevious {
			prev = int(t.previousSent[i])
		} else {
			prev = Infinity
		}
		delta := int(t.slots[i]) - prev
		nibbles[i] = signedNibble(delta)
	}
	packed := packNibbles(nibbles)

	compressed, err := deflate(packed)
	if err != nil {
		return nil, err
	}

	chunks := chunkBytes(compressed, maxPatchChunk)
	msgs := make([]protocol.RouteTableUpdate, len(chunks))
	seqCount := byte(len(chunks))
	for i, chunk := range chunks {
		msgs[i] = protocol.RouteTableUpdate{
			Header: protocol.Header{DescriptorID: descriptorID, TTL: 1},
			Patch: &protocol.RouteTablePatch{
				SeqNo:      byte(i + 1),
				SeqCount:   seqCount,
				Compressor: 1,
				EntryBits:  4,
				Data:       chunk,
			},
		}
	}

	t.previousSent = t.slots
	t.hasPrevious = true
	return msgs, nil
}

func signedNibble(delta int) byte {
	if delta > 7 {
		delta = 7
	}
	if delta < -8 {
		delta = -8
	}
	return byte(int8(delta)) & 0x0F
}

func packNibbles(nibbles []byte) []byte {
	out := make([]byte, (len(nibbles)+1)/2)
	for i, n := range nibbles {
		if i%2 == 0 {
			out[i/2] = n << 4
		} else {
			out[i/2] |= n
		}
	}
	return out
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, &protocol.ParseError{Reason: "qrp: creating deflate writer: " + err.Error()}
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func chunkBytes(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
