// Package qrp implements the Query Routing Protocol: keyword
// tokenization, the canonical QRP hash, the slot table and its
// RESET/PATCH wire messages, and query matching (spec.md §4.3).
package qrp

import "strings"

// qrpMultiplier is the canonical QRP hash constant (spec.md §4.3).
const qrpMultiplier = 0x4F1BBCDC

// Hash computes the canonical QRP hash of a keyword for a table of
// 2^bits slots. It XOR-folds the lowercased UTF-8 bytes of s into a
// 32-bit word (little-endian byte lanes), multiplies by the QRP
// constant in 64-bit arithmetic, and returns product bits
// [32-bits, 32), i.e. the top bits bits of the product's low 32-bit
// word. Must reproduce the published test vectors exactly
// (spec.md §8).
func Hash(s string, bits uint) uint32 {
	lower := strings.ToLower(s)
	var x uint32
	for i := 0; i < len(lower); i++ {
		x ^= uint32(lower[i]) << ((uint(i) % 4) * 8)
	}
	p := uint64(x) * uint64(qrpMultiplier)
	return uint32(p>>(32-bits)) & ((1 << bits) - 1)
}
