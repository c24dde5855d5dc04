package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lvbealr/bittorrent/internal/config"
	"github.com/lvbealr/bittorrent/internal/log"
	"github.com/lvbealr/bittorrent/internal/session"
	"github.com/lvbealr/bittorrent/internal/trackerudp"
)

// phase is Engine's position in the BEP-15 client state machine (spec §4.2:
// Resolving -> Connecting -> Announcing -> Idle(interval), with Idle folding
// back to Connecting once the connection-id's 60-second window lapses).
type phase int

const (
	phaseResolving phase = iota
	phaseConnecting
	phaseAnnouncing
	phaseIdle
)

var errTimeout = errors.New("tracker: response timeout")

// Progress is the subset of SessionState an Engine needs to populate the
// Downloaded/Left/Uploaded fields of an announce request.
type Progress interface {
	BytesDownloaded() uint64
	BytesUploaded() uint64
	Left() uint64
}

// PeerDiscovered is invoked once per peer address an announce response
// reports. SessionCore supplies this callback, keeping peer dialing and
// dedup (session.State.AddPeerIfAbsent) out of the tracker package.
type PeerDiscovered func(netip.AddrPort)

type scrapeRequest struct {
	ctx    context.Context
	result chan<- scrapeResult
}

type scrapeResult struct {
	stat trackerudp.ScrapeStat
	err  error
}

// Engine drives one TrackerEntry's connect/announce/idle cycle over a shared
// Mux. There is exactly one Engine task per tracker URL (spec §5).
type Engine struct {
	entry     *session.TrackerEntry
	host      string
	port      uint16
	infoHash  [20]byte
	peerID    [20]byte
	localPort uint16

	progress Progress
	onPeers  PeerDiscovered
	promote  func(*session.TrackerEntry)

	mux *Mux
	cfg config.Config
	log *log.Logger

	connectBackoff  int
	announceBackoff int

	scrapeReqs chan scrapeRequest
}

// NewEngine constructs an Engine for entry. rawURL must be a udp:// tracker
// announce URL (the http(s) case is out of scope, spec §1 non-goals).
func NewEngine(
	entry *session.TrackerEntry,
	rawURL string,
	infoHash, peerID [20]byte,
	localPort uint16,
	progress Progress,
	onPeers PeerDiscovered,
	promote func(*session.TrackerEntry),
	mux *Mux,
	cfg config.Config,
	lg *log.Logger,
) (*Engine, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: parsing url %q: %w", rawURL, err)
	}

	portStr := u.Port()
	if portStr == "" {
		portStr = "80"
	}
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("tracker: parsing port in %q: %w", rawURL, err)
	}

	return &Engine{
		entry:      entry,
		host:       u.Hostname(),
		port:       uint16(p),
		infoHash:   infoHash,
		peerID:     peerID,
		localPort:  localPort,
		progress:   progress,
		onPeers:    onPeers,
		promote:    promote,
		mux:        mux,
		cfg:        cfg,
		log:        log.WithTag(lg, "tracker"),
		scrapeReqs: make(chan scrapeRequest),
	}, nil
}

// URL returns the tracker URL this engine drives.
func (e *Engine) URL() string { return e.entry.URL }

// Run drives this engine until ctx is cancelled: the main connect/announce
// state loop and an on-demand scrape responder run concurrently under one
// errgroup (spec §5: "errgroup per TrackerEngine").
func (e *Engine) Run(ctx context.Context) error {
	inbox, cancel := e.mux.Register(e.entry)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.stateLoop(gctx, inbox) })
	g.Go(func() error { return e.scrapeServerLoop(gctx) })
	err := g.Wait()

	e.announceStopped(inbox)
	return err
}

// announceStopped sends a best-effort event=stopped announce once this
// engine's ctx has already been cancelled (spec §5 courtesy). It never
// blocks the shutdown path on a response: failure to send, or no response
// within a short fixed timeout, is logged and ignored.
func (e *Engine) announceStopped(inbox <-chan []byte) {
	connID, acquiredAt := e.entry.Connection()
	if acquiredAt.IsZero() || !e.entry.ConnectionFresh(e.cfg.ConnectionIDTTL, time.Now()) {
		return
	}
	addrs := e.entry.Addrs()
	if len(addrs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TrackerTimeoutBase)
	defer cancel()

	req := trackerudp.AnnounceRequest{
		ConnectionID:  connID,
		TransactionID: randomUint32(),
		InfoHash:      e.infoHash,
		PeerID:        e.peerID,
		Downloaded:    e.progress.BytesDownloaded(),
		Left:          e.progress.Left(),
		Uploaded:      e.progress.BytesUploaded(),
		Event:         trackerudp.EventStopped,
		NumWant:       -1,
		Key:           randomUint32(),
		Port:          e.localPort,
	}
	if err := e.mux.Send(ctx, addrs[0], req.Encode()); err != nil {
		e.log.Debugw("stopped announce send failed", "err", err)
		return
	}

	if _, err := awaitMatch(ctx, inbox, req.TransactionID, e.cfg.TrackerTimeoutBase); err != nil {
		e.log.Debugw("stopped announce got no response", "err", err)
	}
}

// ScrapeTracker performs an on-demand BEP-15 scrape and returns the
// seeder/leecher/completed counts for this engine's info-hash (spec §6
// added). It does not affect the announce cycle's interval or state.
func (e *Engine) ScrapeTracker(ctx context.Context) (trackerudp.ScrapeStat, error) {
	result := make(chan scrapeResult, 1)
	select {
	case e.scrapeReqs <- scrapeRequest{ctx: ctx, result: result}:
	case <-ctx.Done():
		return trackerudp.ScrapeStat{}, ctx.Err()
	}

	select {
	case r := <-result:
		return r.stat, r.err
	case <-ctx.Done():
		return trackerudp.ScrapeStat{}, ctx.Err()
	}
}

func (e *Engine) scrapeServerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-e.scrapeReqs:
			stat, err := e.doScrape(req.ctx)
			req.result <- scrapeResult{stat: stat, err: err}
		}
	}
}

func (e *Engine) stateLoop(ctx context.Context, inbox <-chan []byte) error {
	ph := phaseResolving
	firstAnnounce := true

	for ctx.Err() == nil {
		switch ph {
		case phaseResolving:
			addrs, err := e.resolve(ctx)
			if err != nil {
				e.log.Warnw("resolve failed", "host", e.host, "err", err)
				e.entry.RecordError(err.Error())
				if !e.sleepBackoff(ctx, &e.connectBackoff) {
					return ctx.Err()
				}
				continue
			}
			e.entry.SetAddrs(addrs)
			e.connectBackoff = 0
			ph = phaseConnecting

		case phaseConnecting:
			addr := e.entry.Addrs()[0]
			txID := randomUint32()
			req := trackerudp.ConnectRequest{TransactionID: txID}

			if err := e.mux.Send(ctx, addr, req.Encode()); err != nil {
				e.entry.RecordError(err.Error())
				if !e.sleepBackoff(ctx, &e.connectBackoff) {
					return ctx.Err()
				}
				continue
			}

			b, err := awaitMatch(ctx, inbox, txID, e.backoffTimeout(e.connectBackoff))
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.connectBackoff = min(e.connectBackoff+1, e.cfg.TrackerBackoffCap)
				continue
			}

			resp, action, err := trackerudp.DecodeConnectResponse(b)
			if err != nil {
				e.entry.RecordError(err.Error())
				continue
			}
			if action == trackerudp.ActionError {
				errResp, _ := trackerudp.DecodeErrorResponse(b)
				e.entry.RecordError(errResp.Message)
				e.connectBackoff = min(e.connectBackoff+1, e.cfg.TrackerBackoffCap)
				continue
			}

			e.entry.SetConnection(resp.ConnectionID, time.Now())
			e.connectBackoff = 0
			ph = phaseAnnouncing

		case phaseAnnouncing:
			if !e.entry.ConnectionFresh(e.cfg.ConnectionIDTTL, time.Now()) {
				e.entry.RecordError(session.ErrConnectionIDExpired.Error())
				e.log.Debugw("connection id expired, reconnecting", "url", e.entry.URL, "err", session.ErrConnectionIDExpired)
				ph = phaseConnecting
				continue
			}

			event := trackerudp.EventNone
			if firstAnnounce {
				event = trackerudp.EventStarted
			}

			connID, _ := e.entry.Connection()
			addr := e.entry.Addrs()[0]
			txID := randomUint32()
			req := trackerudp.AnnounceRequest{
				ConnectionID:  connID,
				TransactionID: txID,
				InfoHash:      e.infoHash,
				PeerID:        e.peerID,
				Downloaded:    e.progress.BytesDownloaded(),
				Left:          e.progress.Left(),
				Uploaded:      e.progress.BytesUploaded(),
				Event:         event,
				NumWant:       -1,
				Key:           randomUint32(),
				Port:          e.localPort,
			}

			if err := e.mux.Send(ctx, addr, req.Encode()); err != nil {
				e.entry.RecordError(err.Error())
				if !e.sleepBackoff(ctx, &e.announceBackoff) {
					return ctx.Err()
				}
				continue
			}
			e.entry.RecordAnnounceSent(time.Now())

			b, err := awaitMatch(ctx, inbox, txID, e.backoffTimeout(e.announceBackoff))
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.announceBackoff = min(e.announceBackoff+1, e.cfg.TrackerBackoffCap)
				continue
			}

			resp, action, err := trackerudp.DecodeAnnounceResponse(b)
			if err != nil {
				e.entry.RecordError(err.Error())
				continue
			}
			if action == trackerudp.ActionError {
				errResp, _ := trackerudp.DecodeErrorResponse(b)
				e.entry.RecordError(errResp.Message)
				e.announceBackoff = min(e.announceBackoff+1, e.cfg.TrackerBackoffCap)
				continue
			}

			e.announceBackoff = 0
			firstAnnounce = false
			e.entry.SetInterval(time.Duration(resp.Interval) * time.Second)
			e.entry.RecordResponse(time.Now())
			e.promote(e.entry)

			for _, p := range resp.Peers {
				addr := netip.AddrPortFrom(netip.AddrFrom4(p.IP), p.Port)
				e.onPeers(addr)
			}

			ph = phaseIdle

		case phaseIdle:
			interval := e.entry.Interval()
			if interval <= 0 {
				interval = 30 * time.Minute
			}

			t := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}

			if e.entry.ConnectionFresh(e.cfg.ConnectionIDTTL, time.Now()) {
				ph = phaseAnnouncing
			} else {
				e.entry.RecordError(session.ErrConnectionIDExpired.Error())
				e.log.Debugw("connection id expired, reconnecting", "url", e.entry.URL, "err", session.ErrConnectionIDExpired)
				ph = phaseConnecting
			}
		}
	}

	return ctx.Err()
}

func (e *Engine) doScrape(ctx context.Context) (trackerudp.ScrapeStat, error) {
	addrs := e.entry.Addrs()
	if len(addrs) == 0 {
		return trackerudp.ScrapeStat{}, session.ErrNoTrackerResolved
	}
	addr := addrs[0]

	connID, _ := e.entry.Connection()
	if !e.entry.ConnectionFresh(e.cfg.ConnectionIDTTL, time.Now()) {
		e.log.Debugw("connection id expired before scrape, reconnecting", "url", e.entry.URL, "err", session.ErrConnectionIDExpired)
		inbox, cancel := e.mux.Register(e.entry)
		id, err := e.connectOnce(ctx, addr, inbox)
		cancel()
		if err != nil {
			return trackerudp.ScrapeStat{}, fmt.Errorf("tracker: scrape connect: %w", err)
		}
		connID = id
		e.entry.SetConnection(connID, time.Now())
	}

	inbox, cancel := e.mux.Register(e.entry)
	defer cancel()

	txID := randomUint32()
	req := trackerudp.ScrapeRequest{ConnectionID: connID, TransactionID: txID, InfoHashes: [][20]byte{e.infoHash}}
	if err := e.mux.Send(ctx, addr, req.Encode()); err != nil {
		return trackerudp.ScrapeStat{}, err
	}

	b, err := awaitMatch(ctx, inbox, txID, e.cfg.TrackerTimeoutBase)
	if err != nil {
		return trackerudp.ScrapeStat{}, err
	}

	resp, action, err := trackerudp.DecodeScrapeResponse(b)
	if err != nil {
		return trackerudp.ScrapeStat{}, err
	}
	if action == trackerudp.ActionError {
		errResp, _ := trackerudp.DecodeErrorResponse(b)
		return trackerudp.ScrapeStat{}, fmt.Errorf("tracker: scrape error: %s", errResp.Message)
	}
	if len(resp.Stats) == 0 {
		return trackerudp.ScrapeStat{}, fmt.Errorf("tracker: scrape response carried no stats")
	}

	return resp.Stats[0], nil
}

func (e *Engine) connectOnce(ctx context.Context, addr netip.AddrPort, inbox <-chan []byte) (uint64, error) {
	txID := randomUint32()
	req := trackerudp.ConnectRequest{TransactionID: txID}
	if err := e.mux.Send(ctx, addr, req.Encode()); err != nil {
		return 0, err
	}

	b, err := awaitMatch(ctx, inbox, txID, e.cfg.TrackerTimeoutBase)
	if err != nil {
		return 0, err
	}

	resp, action, err := trackerudp.DecodeConnectResponse(b)
	if err != nil {
		return 0, err
	}
	if action == trackerudp.ActionError {
		errResp, _ := trackerudp.DecodeErrorResponse(b)
		return 0, fmt.Errorf("connect error: %s", errResp.Message)
	}
	return resp.ConnectionID, nil
}

func (e *Engine) resolve(ctx context.Context) ([]netip.AddrPort, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", e.host)
	if err != nil {
		return nil, err
	}

	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		if addr, ok := netip.AddrFromSlice(ip.To4()); ok {
			out = append(out, netip.AddrPortFrom(addr, e.port))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no ipv4 addresses resolved for %s", e.host)
	}
	return out, nil
}

func (e *Engine) sleepBackoff(ctx context.Context, counter *int) bool {
	d := e.backoffTimeout(*counter)
	*counter = min(*counter+1, e.cfg.TrackerBackoffCap)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// backoffTimeout implements the 15*2^n-second shape from spec §4.2, n
// capped at cfg.TrackerBackoffCap.
func (e *Engine) backoffTimeout(n int) time.Duration {
	if n > e.cfg.TrackerBackoffCap {
		n = e.cfg.TrackerBackoffCap
	}
	return e.cfg.TrackerTimeoutBase * time.Duration(uint64(1)<<uint(n))
}

// awaitMatch reads from inbox until a datagram whose transaction_id (bytes
// 4:8 of every BEP-15 response) matches txID arrives, or timeout elapses.
// Anything else is discarded silently, per spec §4.2/§7.
func awaitMatch(ctx context.Context, inbox <-chan []byte, txID uint32, timeout time.Duration) ([]byte, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			return nil, errTimeout
		case b := <-inbox:
			if len(b) < 8 {
				continue
			}
			if binary.BigEndian.Uint32(b[4:8]) != txID {
				continue
			}
			return b, nil
		}
	}
}
