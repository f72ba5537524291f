// Package peers implements the peer directory (C7) and the peer pool
// (C6) of spec.md §4.6-4.7: a scored, persisted candidate set and the
// control loop that keeps enough of them in ESTABLISHED sessions.
package peers

import (
	"time"
)

// Source records how a candidate entry was learned.
type Source string

const (
	SourceManual Source = "manual"
	SourcePong   Source = "pong"
	SourceCache  Source = "cache"
)

// Entry is one known (ip, port) candidate and its history.
type Entry struct {
	IP           [4]byte
	Port         uint16
	FirstSeen    time.Time
	LastSeen     time.Time
	Source       Source
	FailureCount int

	nextRetry time.Time
	attempts  int
}

func (e Entry) key() [6]byte {
	var k [6]byte
	copy(k[0:4], e.IP[:])
	k[4] = byte(e.Port >> 8)
	k[5] = byte(e.Port)
	return k
}

// Directory is the single-owner store of known peer candidates
// (spec.md §5 "shared-resource policy": all mutation goes through its
// operations, internally serialized via Go's usual single-goroutine-
// owner convention — callers invoke Directory only from the pool's
// control loop and router callbacks, never concurrently).
type Directory struct {
	entries map[[6]byte]*Entry
	caches  map[string]CacheState
	now     func() time.Time
}

// CacheState tracks the last successful push/pull against one
// GWebCache URL (spec.md §6).
type CacheState struct {
	LastPush time.Time
	LastPull time.Time
}

// NewDirectory returns an empty directory. now defaults to time.Now
// but tests may substitute a deterministic clock.
func NewDirectory(now func() time.Time) *Directory {
	if now == nil {
		now = time.Now
	}
	return &Directory{
		entries: make(map[[6]byte]*Entry),
		caches:  make(map[string]CacheState),
		now:     now,
	}
}

// Add upserts a candidate (spec.md §4.7 "add"). An existing entry's
// LastSeen and Source are refreshed; FirstSeen is preserved.
func (d *Directory) Add(ip [4]byte, port uint16, source string) {
	e := Entry{IP: ip, Port: port}
	k := e.key()
	when := d.now()
	if existing, ok := d.entries[k]; ok {
		existing.LastSeen = when
		existing.Source = Source(source)
		return
	}
	e.FirstSeen = when
	e.LastSeen = when
	e.Source = Source(source)
	d.entries[k] = &e
}

// RecordFailure increments an entry's failureCount, scheduling its
// next retry per the backoff policy of spec.md §4.6.
func (d *Directory) RecordFailure(ip [4]byte, port uint16) {
	k := (Entry{IP: ip, Port: port}).key()
	e, ok := d.entries[k]
	if !ok {
		return
	}
	e.FailureCount++
	e.attempts++
	if e.attempts >= 3 {
		e.nextRetry = d.now().Add(time.Hour)
		return
	}
	backoff := backoffBase * (1 << uint(e.attempts-1))
	e.nextRetry = d.now().Add(jitter(backoff))
}

// RecordAttempt marks an entry as currently being dialed, so the pool
// does not pick it again concurrently.
func (d *Directory) RecordAttempt(ip [4]byte, port uint16) {
	k := (Entry{IP: ip, Port: port}).key()
	if e, ok := d.entries[k]; ok {
		e.nextRetry = d.now().Add(connectTimeout)
	}
}

// BestN returns up to n candidates ranked by score, excluding any
// currently attempting or in backoff (spec.md §4.7 "bestN").
func (d *Directory) BestN(n int) []Entry {
	now := d.now()
	var candidates []Entry
	for _, e := range d.entries {
		if now.Before(e.nextRetry) {
			continue
		}
		candidates = append(candidates, *e)
	}
	sortByScoreDesc(candidates, now)
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// Prune deletes entries not seen within age (spec.md §4.7 "prune").
func (d *Directory) Prune(age time.Duration) {
	cutoff := d.now().Add(-age)
	for k, e := range d.entries {
		if e.LastSeen.Before(cutoff) {
			delete(d.entries, k)
		}
	}
}

// Len reports the number of known candidates.
func (d *Directory) Len() int { return len(d.entries) }

func sortByScoreDesc(entries []Entry, now time.Time) {
	// Small N (peer directories are thousands of entries at most);
	// insertion sort keeps this allocation-free and avoids pulling in
	// sort.Slice's interface overhead for the hot pool-maintenance path.
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 && score(entries[j], now) > score(entries[j-1], now) {
			entries[j], entries[j-1] = entries[j-1], entries[j]
			j--
		}
	}
}

// score implements spec.md §4.7's scoring formula.
func score(e Entry, now time.Time) int {
	s := recencyBonus(now.Sub(e.LastSeen)) + sourceBonus(e.Source) + stabilityBonus(now.Sub(e.FirstSeen)) - 20*e.FailureCount
	if s < 0 {
		return 0
	}
	return s
}

func recencyBonus(age time.Duration) int {
	switch {
	case age < time.Hour:
		return 100
	case age < 6*time.Hour:
		return 80
	case age < 24*time.Hour:
		return 60
	case age < 72*time.Hour:
		return 40
	default:
		return 20
	}
}

func sourceBonus(s Source) int {
	switch s {
	case SourceCache:
		return 30
	case SourcePong:
		return 20
	case SourceManual:
		return 10
	default:
		return 0
	}
}

func stabilityBonus(known time.Duration) int {
	days := int(known / (24 * time.Hour))
	bonus := days * 5
	if bonus > 50 {
		return 50
	}
	return bonus
}
