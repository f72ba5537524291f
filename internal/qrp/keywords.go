package qrp

import (
	"path/filepath"
	"strings"
)

// Keywords derives the QRP keyword set for a filename: lowercase,
// split on runs of non-alphanumeric characters, keep tokens of
// length >= 3, plus the extensionless base and the extension
// (without its dot) when each is itself >= 3 chars (spec.md §4.3,
// §3 "Shared file record").
func Keywords(filename string) []string {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	base := strings.TrimSuffix(filename, filepath.Ext(filename))

	seen := make(map[string]struct{})
	var out []string
	add := func(tok string) {
		if len(tok) < 3 {
			return
		}
		tok = strings.ToLower(tok)
		if _, ok := seen[tok]; ok {
			return
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}

	for _, tok := range splitNonAlphanumeric(filename) {
		add(tok)
	}
	add(base)
	add(ext)
	return out
}

func splitNonAlphanumeric(s string) []string {
	var toks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		if isAlphanumeric(r) {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return toks
}

func isAlphanumeric(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	default:
		return false
	}
}

// Tokenize applies the same splitting rule to a query string: used to
// derive the set of terms a query must match in the QRP table.
func Tokenize(text string) []string {
	var out []string
	for _, tok := range splitNonAlphanumeric(text) {
		if len(tok) >= 3 {
			out = append(out, strings.ToLower(tok))
		}
	}
	return out
}
