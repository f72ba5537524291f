package peers

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gnutellago/leaf/internal/logger"
)

var errDialFailed = errors.New("dial failed")

func TestMaintainDialsUpToTarget(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDirectory(fixedClock(now))
	d.Add([4]byte{1, 1, 1, 1}, 6346, "manual")
	d.Add([4]byte{2, 2, 2, 2}, 6346, "manual")

	var dials int32
	dial := func(ctx context.Context, ip [4]byte, port uint16) (net.Conn, error) {
		atomic.AddInt32(&dials, 1)
		a, b := net.Pipe()
		go b.Close()
		return a, nil
	}

	p := NewPool(d, 2, dial, func() int { return 0 }, logger.DefaultLogger)
	p.maintain(context.Background())

	// attempt() runs in its own goroutine; the second dial additionally
	// waits on the 1/s connect limiter, so allow a couple of seconds.
	deadline := time.After(3 * time.Second)
	for atomic.LoadInt32(&dials) < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected 2 dial attempts, got %d", atomic.LoadInt32(&dials))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMaintainSkipsWhenTargetMet(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDirectory(fixedClock(now))
	d.Add([4]byte{1, 1, 1, 1}, 6346, "manual")

	var dials int32
	dial := func(ctx context.Context, ip [4]byte, port uint16) (net.Conn, error) {
		atomic.AddInt32(&dials, 1)
		return nil, nil
	}

	p := NewPool(d, 2, dial, func() int { return 2 }, logger.DefaultLogger)
	p.maintain(context.Background())

	time.Sleep(50 * time.Millisecond)
	if dials != 0 {
		t.Errorf("expected no dial attempts once target is met, got %d", dials)
	}
}

func TestAttemptRecordsFailureOnDialError(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDirectory(fixedClock(now))
	ip := [4]byte{9, 9, 9, 9}
	d.Add(ip, 6346, "manual")

	dial := func(ctx context.Context, ip [4]byte, port uint16) (net.Conn, error) {
		return nil, errDialFailed
	}
	p := NewPool(d, 1, dial, func() int { return 0 }, logger.DefaultLogger)

	entry := d.entries[(Entry{IP: ip, Port: 6346}).key()]
	p.attempt(context.Background(), *entry)

	if entry.FailureCount != 1 {
		t.Errorf("FailureCount = %d, want 1 after a failed dial", entry.FailureCount)
	}
}
