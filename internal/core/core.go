// Package core wires SessionState, TrackerEngines, UdpMux, and PeerSessions
// together into the SessionCore/SessionHandle orchestrator described in
// spec §4.5, generalizing the teacher's ad-hoc main.go+StartDownload
// sequencing into a long-lived, controllable session.
package core

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lvbealr/bittorrent/internal/config"
	"github.com/lvbealr/bittorrent/internal/log"
	"github.com/lvbealr/bittorrent/internal/peer"
	"github.com/lvbealr/bittorrent/internal/session"
	"github.com/lvbealr/bittorrent/internal/tracker"
	"github.com/lvbealr/bittorrent/internal/trackerudp"
)

// Handle is the external control surface for a running session, returned by
// Start (spec §4.5: "start(metadata, download_dir) -> SessionHandle").
type Handle struct {
	state   *session.State
	cfg     config.Config
	log     *log.Logger
	mux     *tracker.Mux
	engines []*tracker.Engine

	cancel  context.CancelFunc
	g       *errgroup.Group
	dialSem chan struct{}
}

// Start constructs SessionState from md, allocates a UDP port, instantiates
// UdpMux and one TrackerEngine per configured tracker, and begins consuming
// the peer-address stream (spec §4.5). It is not idempotent on its own: the
// caller is expected to call Start once per torrent and hold onto the
// returned Handle.
func Start(ctx context.Context, md session.MetadataProvider, cfg config.Config, observer session.StateObserver) (*Handle, error) {
	if md == nil {
		return nil, session.ErrNoMetadata
	}

	lg, err := log.New(cfg.LogLevel)
	if err != nil {
		lg = log.Nop()
	}

	localPeerID, err := session.GeneratePeerID(cfg.PeerIDPrefix)
	if err != nil {
		return nil, fmt.Errorf("core: generating peer id: %w", err)
	}

	state := session.NewState(md, localPeerID)

	mux, err := tracker.NewMux(cfg, lg)
	if err != nil {
		return nil, fmt.Errorf("core: starting udp mux: %w", err)
	}
	state.UDPPort = mux.Port()

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	h := &Handle{
		state:   state,
		cfg:     cfg,
		log:     lg,
		mux:     mux,
		cancel:  cancel,
		g:       g,
		dialSem: make(chan struct{}, cfg.MaxConcurrentPeerDials),
	}

	peerIn, peerOut := newUnboundedAddrChan(gctx)

	onPeers := func(addr netip.AddrPort) {
		select {
		case peerIn <- addr:
		case <-gctx.Done():
		}
	}

	for _, tier := range state.Tiers() {
		for _, entry := range tier {
			eng, err := tracker.NewEngine(entry, entry.URL, state.InfoHash, localPeerID, uint16(mux.Port()), state, onPeers, state.PromoteInTier, mux, cfg, lg)
			if err != nil {
				lg.Warnw("skipping unparseable tracker", "url", entry.URL, "err", err)
				continue
			}
			h.engines = append(h.engines, eng)
		}
	}

	if len(h.engines) == 0 {
		mux.Close()
		cancel()
		return nil, session.ErrNoTrackerResolved
	}

	state.SetPhase(session.PhaseDownloading)

	g.Go(func() error { return mux.Run(gctx) })
	for _, eng := range h.engines {
		eng := eng
		g.Go(func() error { return eng.Run(gctx) })
	}
	g.Go(func() error { return h.dialDiscoveredPeers(gctx, peerOut) })
	if observer != nil {
		g.Go(func() error { return h.notifyLoop(gctx, observer) })
	}

	return h, nil
}

// dialDiscoveredPeers consumes the peer-address stream, deduplicating by
// socket address and spawning a bounded number of concurrent PeerSession
// dials (spec §4.5: "deduplicate against existing PeerEntries... spawn a
// PeerSession per new peer").
func (h *Handle) dialDiscoveredPeers(ctx context.Context, addrs <-chan netip.AddrPort) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case addr, ok := <-addrs:
			if !ok {
				return nil
			}
			entry, isNew := h.state.AddPeerIfAbsent(addr)
			if !isNew {
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				h.dialOne(ctx, addr, entry)
			}()
		}
	}
}

func (h *Handle) dialOne(ctx context.Context, addr netip.AddrPort, entry *session.PeerEntry) {
	select {
	case h.dialSem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-h.dialSem }()

	sess, err := peer.Dial(ctx, addr.String(), entry, h.state.InfoHash, h.state.LocalPeerID, h.state.NumPieces(), h.cfg, h.log)
	if err != nil {
		h.log.Debugw("peer dial failed", "addr", addr, "err", err)
		entry.SetPhase(session.PeerConnectionErrorIdle)
		return
	}

	if err := sess.Run(ctx); err != nil {
		h.log.Debugw("peer session ended", "addr", addr, "err", err)
	}
}

// notifyLoop calls observer.OnSnapshot at most once per
// cfg.SnapshotMinInterval, per spec §4.5 added.
func (h *Handle) notifyLoop(ctx context.Context, observer session.StateObserver) error {
	ticker := time.NewTicker(h.cfg.SnapshotMinInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			observer.OnSnapshot(h.state.Snapshot())
		}
	}
}

// Snapshot returns a consistent read-only view of the session (spec §4.5:
// "SessionHandle::snapshot()").
func (h *Handle) Snapshot() session.Snapshot {
	return h.state.Snapshot()
}

// SetFileDownload toggles the download flag on the file-tree node named by
// path (spec §4.5: "SessionHandle::set_file_download(node_path, bool)").
func (h *Handle) SetFileDownload(path string, want bool) error {
	node, err := session.FindNode(h.state.FileRoot, path)
	if err != nil {
		return err
	}
	node.SetDownload(want)
	return nil
}

// Stop flips the session's lifecycle phase to Stopped (spec §4.5). It does
// not tear down tasks; use Shutdown for that.
func (h *Handle) Stop() error {
	if !h.state.SetPhase(session.PhaseStopped) {
		return session.ErrAlreadyStopped
	}
	return nil
}

// StartAgain flips the session's lifecycle phase back to Downloading.
func (h *Handle) StartAgain() error {
	if !h.state.SetPhase(session.PhaseDownloading) {
		return session.ErrAlreadyStarted
	}
	return nil
}

// ScrapeResult is one tracker's scrape response, keyed by tracker URL
// rather than info-hash in this implementation: every engine in a Handle
// shares the same info-hash (one session is one torrent), so keying by
// info-hash as spec.md's prose suggests would collapse every tracker's
// result into a single map entry. Keying by URL is the only grouping that
// preserves "one entry per tracker that answered."
type ScrapeResult = trackerudp.ScrapeStat

// ScrapeTracker fans an on-demand scrape out to every TrackerEngine and
// merges the results, one entry per tracker that answered; a tracker that
// errors or times out is simply absent (fail-open, spec §7), per spec §4.5
// added.
func (h *Handle) ScrapeTracker(ctx context.Context) (map[string]ScrapeResult, error) {
	out := make(map[string]ScrapeResult)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, eng := range h.engines {
		eng := eng
		wg.Add(1)
		go func() {
			defer wg.Done()
			stat, err := eng.ScrapeTracker(ctx)
			if err != nil {
				return
			}
			mu.Lock()
			out[eng.URL()] = stat
			mu.Unlock()
		}()
	}
	wg.Wait()

	return out, nil
}

// Shutdown cancels every task owned by this session and waits for them to
// exit, sending a best-effort stopped announce where the concurrency model
// allows (spec §5: "TrackerEngines must send an announce with event=stopped
// before exit when feasible").
func (h *Handle) Shutdown() error {
	h.cancel()
	err := h.g.Wait()
	h.mux.Close()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// UDPPort returns the locally bound UDP port used for tracker traffic.
func (h *Handle) UDPPort() int { return h.state.UDPPort }
