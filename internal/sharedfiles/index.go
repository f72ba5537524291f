// Package sharedfiles implements the shared-file index (C8) of
// spec.md §4.8: monotonically-indexed file records, keyword-based
// query matching, and URN generation.
package sharedfiles

import (
	"crypto/sha1"
	"encoding/base32"
	"strings"
	"sync"

	"github.com/gnutellago/leaf/internal/qrp"
)

// Record is one shared file's metadata.
type Record struct {
	Index    uint32
	Name     string
	Size     uint32
	SHA1     [20]byte
	Keywords []string
}

// URN renders the urn:sha1 form used in QUERY_HITS GGEP/HUGE
// extensions (spec.md §4.8).
func (r Record) URN() string {
	return "urn:sha1:" + base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(r.SHA1[:])
}

// Index is the single-owner shared-file store (spec.md §5
// "shared-resource policy": mutation goes through its operations,
// serialized by the embedded mutex).
type Index struct {
	mu      sync.RWMutex
	records map[uint32]Record
	nextIdx uint32
}

// New returns an empty index; the first addFile call assigns index 1.
func New() *Index {
	return &Index{records: make(map[uint32]Record)}
}

// AddFile assigns the next index to (name, size) and computes its
// keyword set and placeholder SHA-1 (over the filename, in the
// absence of actual file content — spec.md §4.8).
func (idx *Index) AddFile(name string, size uint32) uint32 {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.nextIdx++
	r := Record{
		Index:    idx.nextIdx,
		Name:     name,
		Size:     size,
		SHA1:     sha1.Sum([]byte(name)),
		Keywords: qrp.Keywords(name),
	}
	idx.records[r.Index] = r
	return r.Index
}

// GetFile looks a record up by index (spec.md §4.8 "getFile").
func (idx *Index) GetFile(index uint32) (Record, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	r, ok := idx.records[index]
	return r, ok
}

// MatchesQuery reports whether any query token is a substring of any
// file keyword, case-insensitively (spec.md §4.8 "matchesQuery").
func (idx *Index) MatchesQuery(text string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, tok := range qrp.Tokenize(text) {
		for _, r := range idx.records {
			if anyKeywordContains(r.Keywords, tok) {
				return true
			}
		}
	}
	return false
}

// GetMatchingFiles returns every record where every query token
// substring-matches some keyword (spec.md §4.8 "getMatchingFiles").
func (idx *Index) GetMatchingFiles(text string) []Record {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	toks := qrp.Tokenize(text)
	if len(toks) == 0 {
		return nil
	}
	var out []Record
	for _, r := range idx.records {
		matchesAll := true
		for _, tok := range toks {
			if !anyKeywordContains(r.Keywords, tok) {
				matchesAll = false
				break
			}
		}
		if matchesAll {
			out = append(out, r)
		}
	}
	return out
}

// FileCount reports the number of shared files.
func (idx *Index) FileCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.records)
}

// TotalKilobytes reports the combined size of all shared files in KB.
func (idx *Index) TotalKilobytes() uint32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var total uint64
	for _, r := range idx.records {
		total += uint64(r.Size) / 1024
	}
	return uint32(total)
}

// AllKeywords returns every file's keyword list, suitable input for
// qrp.Table.Rebuild.
func (idx *Index) AllKeywords() [][]string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([][]string, 0, len(idx.records))
	for _, r := range idx.records {
		out = append(out, r.Keywords)
	}
	return out
}

func anyKeywordContains(keywords []string, token string) bool {
	token = strings.ToLower(token)
	for _, kw := range keywords {
		if strings.Contains(strings.ToLower(kw), token) {
			return true
		}
	}
	return false
}
