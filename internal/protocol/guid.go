package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// GUID is a 16-byte opaque identifier used for both descriptorId and
// serventId fields. Modern servents mark their generated GUIDs by
// setting byte 8 to 0xFF and byte 15 to 0x00.
type GUID [16]byte

// NewGUID generates a fresh descriptor ID using a cryptographic RNG,
// per spec.md §4.1.
func NewGUID() GUID {
	var g GUID
	if _, err := rand.Read(g[:]); err != nil {
		panic("protocol: failed to read random bytes: " + err.Error())
	}
	g[8] = 0xFF
	g[15] = 0x00
	return g
}

func (g GUID) String() string {
	return hex.EncodeToString(g[:])
}

// UpperHex renders the GUID as uppercase hex, the form used in the
// GIV handoff line (spec.md §6).
func (g GUID) UpperHex() string {
	return strings.ToUpper(hex.EncodeToString(g[:]))
}

func (g GUID) IsZero() bool {
	return g == GUID{}
}
