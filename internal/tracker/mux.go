// Package tracker implements the BEP-15 client-side tracker state machine
// (TrackerEngine) and the single shared UDP socket (UdpMux) that multiplexes
// every TrackerEngine's traffic, grounded on the teacher's SendUDPTrackerRequest
// and CreateAnnounceRequest in torrent/tracker.go, generalized from a
// one-shot call into a long-lived, resumable state machine per spec §4.2.
package tracker

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/time/rate"

	"github.com/lvbealr/bittorrent/internal/config"
	"github.com/lvbealr/bittorrent/internal/log"
	"github.com/lvbealr/bittorrent/internal/session"
)

// registration binds a TrackerEntry's address-membership test to the inbox
// channel its owning Engine reads from.
type registration struct {
	entry *session.TrackerEntry
	inbox chan []byte
}

// Mux owns the single UDP socket every TrackerEngine shares (spec §5: "all
// TrackerEngines for a session share one UdpMux"). It demultiplexes inbound
// datagrams by resolved address and rate-limits outbound sends so a cold
// start with many tracker tiers does not burst every tracker at once.
type Mux struct {
	conn    *net.UDPConn
	port    int
	limiter *rate.Limiter
	log     *log.Logger

	mu    sync.RWMutex
	regs  []*registration
}

// NewMux binds a UDP socket starting at cfg.BasePort, incrementing by one on
// each bind failure up to cfg.MaxPortAttempts (spec §6: "UDP socket bound to
// an OS-assigned or configured port"). The bound port is tuned with a larger
// receive buffer on platforms where that is supported; see mux_unix.go /
// mux_other.go.
func NewMux(cfg config.Config, lg *log.Logger) (*Mux, error) {
	var conn *net.UDPConn
	var port int
	var lastErr error

	for attempt := 0; attempt < cfg.MaxPortAttempts; attempt++ {
		port = cfg.BasePort + attempt
		c, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			lastErr = err
			continue
		}
		conn = c
		break
	}
	if conn == nil {
		return nil, fmt.Errorf("tracker: binding udp socket from port %d: %w", cfg.BasePort, lastErr)
	}

	tuneRecvBuffer(conn, lg)

	return &Mux{
		conn:    conn,
		port:    port,
		limiter: rate.NewLimiter(rate.Limit(cfg.AnnounceRateLimitPerSec), cfg.AnnounceRateBurst),
		log:     lg,
	}, nil
}

// Port returns the locally bound UDP port.
func (m *Mux) Port() int { return m.port }

// Register associates entry with a fresh inbox channel for inbound datagrams
// whose source address is one of entry's resolved addresses. A single entry
// may be registered more than once concurrently (e.g. the main announce loop
// and an on-demand scrape both listening for the same tracker's datagrams);
// each registration gets its own channel and every matching registration
// receives a copy. The returned cancel func unregisters exactly this
// registration and must be called when the caller is done listening.
func (m *Mux) Register(entry *session.TrackerEntry) (<-chan []byte, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inbox := make(chan []byte, 8)
	r := &registration{entry: entry, inbox: inbox}
	m.regs = append(m.regs, r)

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, cur := range m.regs {
			if cur == r {
				close(cur.inbox)
				m.regs = append(m.regs[:i], m.regs[i+1:]...)
				return
			}
		}
	}
	return inbox, cancel
}

// Send rate-limits and writes b to addr. The rate limiter is a courtesy to
// third-party trackers, not the data-plane bandwidth shaping spec §1 excludes
// as a non-goal.
func (m *Mux) Send(ctx context.Context, addr netip.AddrPort, b []byte) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := m.conn.WriteToUDPAddrPort(b, addr)
	return err
}

// Run reads inbound datagrams until ctx is cancelled, forwarding each one to
// every registered TrackerEntry whose resolved address set contains the
// datagram's source. Forwarding to more than one registration is intentional:
// distinct tracker URLs can resolve to the same IP, and transaction-id
// correlation at the Engine level discards anything that isn't theirs (spec
// §9, dedup-at-resolution plus per-engine correlation).
func (m *Mux) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		m.conn.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, addr, err := m.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Warnw("tracker udp read error", "err", err)
			continue
		}

		datagram := append([]byte(nil), buf[:n]...)
		m.dispatch(addr, datagram)
	}
}

func (m *Mux) dispatch(addr netip.AddrPort, datagram []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.regs {
		if !r.entry.HasAddr(addr) {
			continue
		}
		select {
		case r.inbox <- datagram:
		default:
			m.log.Debugw("tracker inbox full, dropping datagram", "tracker", r.entry.URL)
		}
	}
}

// Close releases the underlying socket.
func (m *Mux) Close() error {
	return m.conn.Close()
}
