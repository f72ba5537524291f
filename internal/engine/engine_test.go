package engine

import (
	"net"
	"testing"
	"time"

	"github.com/gnutellago/leaf/internal/logger"
	"github.com/gnutellago/leaf/internal/session"
)

func newTestEngine(target int) *Engine {
	return New(Config{
		TargetConnections: target,
		UserAgent:         "gnutella-leaf-test/0.1",
		Log:               logger.DefaultLogger,
	})
}

func TestAdoptCompletesHandshakeAndTracksEstablished(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	server := newTestEngine(4)
	server.AddFile("bird.mp3", 4096)
	client := newTestEngine(4)

	server.adopt(a, session.Inbound)
	client.adopt(b, session.Outbound)

	deadline := time.After(2 * time.Second)
	for server.established() != 1 || client.established() != 1 {
		select {
		case <-deadline:
			t.Fatalf("established counts = server:%d client:%d, want 1/1", server.established(), client.established())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestFileIndexAdapterTranslatesRecords(t *testing.T) {
	e := newTestEngine(1)
	e.AddFile("bird.mp3", 4096)

	adapter := fileIndexAdapter{e.files}
	if !adapter.MatchesQuery("bird") {
		t.Fatal("expected bird to match")
	}
	hits := adapter.GetMatchingFiles("bird")
	if len(hits) != 1 || hits[0].Name != "bird.mp3" {
		t.Fatalf("got %#v", hits)
	}
	rec, ok := adapter.GetFile(1)
	if !ok || rec.Name != "bird.mp3" {
		t.Fatalf("GetFile(1) = %#v, %v", rec, ok)
	}
}
