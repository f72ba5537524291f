package peers

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/gnutellago/leaf/internal/logger"
)

const (
	backoffBase    = 5 * time.Second
	connectTimeout = 10 * time.Second
	maintainEvery  = 30 * time.Second
	recheckDelay   = 2 * time.Second
	headroom       = 2
)

// jitter applies ±30% randomness to a backoff duration, per spec.md
// §4.6.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * 0.3
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}

// Dialer opens an outbound peer connection. Session establishment
// (handshake) is the caller's responsibility once the socket is up.
type Dialer func(ctx context.Context, ip [4]byte, port uint16) (net.Conn, error)

// Pool maintains spec.md §4.6: at least TargetConnections sessions in
// ESTABLISHED, retried with backoff and rate-limited dialing.
type Pool struct {
	Directory         *Directory
	TargetConnections int
	Dial              Dialer
	OnConnected       func(net.Conn, [4]byte, uint16)
	Log               *logger.Logger

	limiter     *rate.Limiter
	established func() int

	recheck chan struct{}
}

// NewPool constructs a Pool. established must report the current
// count of ESTABLISHED sessions (owned by the caller's session map).
func NewPool(dir *Directory, target int, dial Dialer, established func() int, log *logger.Logger) *Pool {
	return &Pool{
		Directory:         dir,
		TargetConnections: target,
		Dial:              dial,
		established:       established,
		Log:               log,
		limiter:           rate.NewLimiter(rate.Limit(1), 1),
		recheck:           make(chan struct{}, 1),
	}
}

// NotifyDisconnect schedules an out-of-cycle maintenance pass shortly
// after a session drops (spec.md §4.6 "event-driven" control).
func (p *Pool) NotifyDisconnect() {
	select {
	case p.recheck <- struct{}{}:
	default:
	}
}

// Serve runs the maintenance loop until ctx is cancelled; suitable as
// a suture.Service (the exported signature thejerf/suture/v4 expects:
// Serve(context.Context) error).
func (p *Pool) Serve(ctx context.Context) error {
	ticker := time.NewTicker(maintainEvery)
	defer ticker.Stop()

	p.maintain(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.maintain(ctx)
		case <-p.recheck:
			select {
			case <-time.After(recheckDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			p.maintain(ctx)
		}
	}
}

func (p *Pool) maintain(ctx context.Context) {
	have := p.established()
	if have >= p.TargetConnections {
		return
	}
	want := p.TargetConnections - have + headroom
	candidates := p.Directory.BestN(want)

	for _, c := range candidates {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		p.Directory.RecordAttempt(c.IP, c.Port)
		go p.attempt(ctx, c)
	}
}

func (p *Pool) attempt(ctx context.Context, c Entry) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := p.Dial(dialCtx, c.IP, c.Port)
	if err != nil {
		p.Log.Debugf("connect to %d.%d.%d.%d:%d failed: %v", c.IP[0], c.IP[1], c.IP[2], c.IP[3], c.Port, err)
		p.Directory.RecordFailure(c.IP, c.Port)
		return
	}
	if p.OnConnected != nil {
		p.OnConnected(conn, c.IP, c.Port)
	}
}

// DialTCP is the default Dialer, dialing a raw TCP socket with the
// given connect timeout enforced via ctx.
func DialTCP(ctx context.Context, ip [4]byte, port uint16) (net.Conn, error) {
	var d net.Dialer
	addr := net.JoinHostPort(net.IP(ip[:]).String(), strconv.Itoa(int(port)))
	return d.DialContext(ctx, "tcp", addr)
}
