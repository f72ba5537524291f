package qrp

import (
	"testing"

	"github.com/gnutellago/leaf/internal/protocol"
)

func TestTableMatching(t *testing.T) {
	tbl := NewTable()
	tbl.Rebuild([][]string{
		Keywords("music.mp3"),
		Keywords("movie.avi"),
	})

	cases := []struct {
		query string
		want  bool
	}{
		{"music", true},
		{"movie", true},
		{"movie film", false}, // "film" hashes to a slot no keyword sets
		{"notpresent", false},
	}
	for _, c := range cases {
		if got := tbl.MatchesQuery(c.query); got != c.want {
			t.Errorf("MatchesQuery(%q) = %v, want %v", c.query, got, c.want)
		}
	}
}

func TestResetAdvertisesTableSize(t *testing.T) {
	tbl := NewTable()
	reset := tbl.ResetMessage(protocol.NewGUID())
	if reset.Reset == nil {
		t.Fatal("expected a RESET payload")
	}
	if reset.Reset.TableLength != Size {
		t.Errorf("TableLength = %d, want %d", reset.Reset.TableLength, Size)
	}
	if reset.Reset.Infinity != Infinity {
		t.Errorf("Infinity = %d, want %d", reset.Reset.Infinity, Infinity)
	}
}

func TestPatchRoundTripsThroughEncodeParse(t *testing.T) {
	tbl := NewTable()
	tbl.Rebuild([][]string{Keywords("bird.mp3")})

	msgs, err := tbl.PatchMessages(protocol.NewGUID())
	if err != nil {
		t.Fatalf("PatchMessages: %v", err)
	}
	if len(msgs) == 0 {
		t.Fatal("expected at least one PATCH message")
	}
	for i, m := range msgs {
		enc := protocol.Encode(m)
		got, n, err := protocol.Parse(enc)
		if err != nil {
			t.Fatalf("patch %d: Parse: %v", i, err)
		}
		if n != len(enc) {
			t.Fatalf("patch %d: consumed %d, want %d", i, n, len(enc))
		}
		rtu, ok := got.(protocol.RouteTableUpdate)
		if !ok || rtu.Patch == nil {
			t.Fatalf("patch %d: got %#v, want a PATCH RouteTableUpdate", i, got)
		}
		if rtu.Patch.SeqNo != byte(i+1) || int(rtu.Patch.SeqCount) != len(msgs) {
			t.Fatalf("patch %d: seqNo/seqCount mismatch: %+v", i, rtu.Patch)
		}
	}
}

func TestIdempotentRebuild(t *testing.T) {
	files := [][]string{Keywords("bird.mp3"), Keywords("movie.avi")}
	a := NewTable()
	a.Rebuild(files)
	b := NewTable()
	b.Rebuild(files)
	if a.slots != b.slots {
		t.Fatal("Rebuild is not idempotent for the same file set")
	}
}
