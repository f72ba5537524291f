package peers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSettingsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.json")

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDirectory(fixedClock(now))
	d.Add([4]byte{1, 2, 3, 4}, 6346, "cache")

	if err := Save(path, d, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := NewDirectory(fixedClock(now))
	extra, err := Load(path, loaded)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(extra) != 0 {
		t.Errorf("unexpected extra keys: %v", extra)
	}
	if loaded.Len() != 1 {
		t.Fatalf("expected one peer after round-trip, got %d", loaded.Len())
	}
	e := loaded.entries[(Entry{IP: [4]byte{1, 2, 3, 4}, Port: 6346}).key()]
	if e.Source != SourceCache {
		t.Errorf("Source = %v, want cache", e.Source)
	}
}

func TestSettingsPreservesUnknownTopLevelKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.json")

	raw := `{"peers":[],"caches":{},"futureField":{"x":1}}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	d := NewDirectory(fixedClock(time.Now()))
	extra, err := Load(path, d)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := extra["futureField"]; !ok {
		t.Fatal("expected unknown key futureField to be preserved")
	}

	if err := Save(path, d, extra); err != nil {
		t.Fatalf("Save: %v", err)
	}
	again, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(again), "futureField") {
		t.Error("futureField must survive a Load-then-Save round-trip")
	}
}
