// Package peer implements the BEP-3 peer wire state machine (PeerSession),
// grounded on the teacher's Handshake/PerformHandshake/SendMessage/
// ReceiveMessage/DownloadFromPeer in torrent/p2p.go, generalized from a
// one-shot download loop into the Dialing/HandshakeSent/HandshakeReceived/
// Active/Terminated state machine spec §4.4 describes, and restructured
// around an errgroup-managed read-loop/write-loop/inactivity-timer-loop
// shape in the style of the pack's idiomatic peer-session reference
// material.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lvbealr/bittorrent/internal/bitfield"
	"github.com/lvbealr/bittorrent/internal/config"
	"github.com/lvbealr/bittorrent/internal/log"
	"github.com/lvbealr/bittorrent/internal/peerwire"
	"github.com/lvbealr/bittorrent/internal/session"
)

// Phase mirrors session.PeerConnPhase but distinguishes the two handshake
// sub-states spec §4.4 names (HandshakeSent/HandshakeReceived) before a
// connection is considered Active.
type Phase int

const (
	PhaseDialing Phase = iota
	PhaseHandshakeSent
	PhaseHandshakeReceived
	// PhaseAwaitingFirstFrame covers the window between a completed
	// handshake and the first frame actually read off the wire. A
	// Bitfield is legal in this window (spec §4.4: "received at most
	// once immediately after handshake") whether it lands in the same
	// TCP segment as the handshake reply (caught by handshake's peek) or
	// arrives as its own read (caught by readLoop's first iteration).
	PhaseAwaitingFirstFrame
	PhaseActive
	PhaseTerminated
)

// ErrChokeFirst is returned when the first frame received after the
// handshake is a Choke; the teacher's source treats this as policy
// (dropping the connection) and spec §9 preserves that behavior rather than
// revisiting it as a bug.
var ErrChokeFirst = errors.New("peer: choke as first post-handshake frame")

// Session drives one peer TCP connection through the BEP-3 state machine,
// updating a shared session.PeerEntry as it goes. One Session per peer
// connection (spec §5).
type Session struct {
	conn   net.Conn
	entry  *session.PeerEntry
	infoHash [20]byte
	localID  [20]byte
	numPieces int
	cfg    config.Config
	log    *log.Logger

	phase Phase

	outbox chan peerwire.Frame
	dec    *peerwire.Decoder
}

// Dial opens a TCP connection to addr (bounded by cfg.DialTimeout), then
// hands off to New for the handshake and run loop. numPieces is the
// torrent's piece count, used to validate an inbound Bitfield's length and
// spare bits (spec §4.1).
func Dial(ctx context.Context, addr string, entry *session.PeerEntry, infoHash, localID [20]byte, numPieces int, cfg config.Config, lg *log.Logger) (*Session, error) {
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peer: dialing %s: %w", addr, err)
	}
	return New(conn, entry, infoHash, localID, numPieces, cfg, lg), nil
}

// New wraps an already-established connection (inbound or outbound) in a
// Session.
func New(conn net.Conn, entry *session.PeerEntry, infoHash, localID [20]byte, numPieces int, cfg config.Config, lg *log.Logger) *Session {
	return &Session{
		conn:      conn,
		entry:     entry,
		infoHash:  infoHash,
		localID:   localID,
		numPieces: numPieces,
		cfg:       cfg,
		log:       log.WithTag(lg, "peer"),
		phase:     PhaseDialing,
		outbox:    make(chan peerwire.Frame, 16),
		dec:       peerwire.NewDecoder(),
	}
}

// Run performs the handshake then drives the read-loop, write-loop, and
// inactivity-timer loop under one errgroup (spec §5 added) until ctx is
// cancelled, the peer misbehaves, or the connection closes.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()

	s.entry.SetPhase(session.PeerTryingToConnect)

	if err := s.handshake(ctx); err != nil {
		s.log.Warnw("handshake failed", "addr", s.entry.Addr, "err", err)
		s.phase = PhaseTerminated
		s.entry.SetPhase(session.PeerConnectionErrorIdle)
		return err
	}

	// handshake leaves s.phase as either PhaseActive (a first frame was
	// already read and applied) or PhaseAwaitingFirstFrame (none arrived
	// yet, so readLoop's first iteration still honors a Bitfield).
	s.entry.SetPhase(session.PeerConnected)
	s.entry.Touch(time.Now())

	g, gctx := errgroup.WithContext(ctx)
	// Closing the connection once gctx is done unblocks a Read or Write
	// still in progress, so every loop returns and Wait completes.
	stopClose := context.AfterFunc(gctx, func() { s.conn.Close() })
	defer stopClose()
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.inactivityLoop(gctx) })

	err := g.Wait()
	s.phase = PhaseTerminated
	if err != nil && gctx.Err() == nil {
		s.entry.SetPhase(session.PeerConnectionErrorIdle)
	} else {
		s.entry.SetPhase(session.PeerConnectionTimeoutIdle)
	}
	return err
}

// handshake sends our Handshake, then requires the peer's Handshake as the
// very first frame, enforcing info-hash match and the choke-first policy,
// all within cfg.HandshakeTimeout (spec §4.4).
func (s *Session) handshake(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	s.conn.SetDeadline(deadline)
	defer s.conn.SetDeadline(time.Time{})

	out, err := peerwire.Encode(peerwire.NewHandshake(s.infoHash, s.localID))
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(out); err != nil {
		return fmt.Errorf("peer: sending handshake: %w", err)
	}
	s.phase = PhaseHandshakeSent

	buf := make([]byte, peerwire.HandshakeLen)
	if _, err := readFull(s.conn, buf); err != nil {
		return fmt.Errorf("peer: reading handshake: %w", err)
	}

	s.dec.Feed(buf)
	frame, ok, err := s.dec.Next()
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrMalformedFrame, err)
	}
	if !ok || frame.Kind != peerwire.KindHandshake {
		return fmt.Errorf("%w: expected handshake as first frame", session.ErrMalformedFrame)
	}

	if frame.InfoHash != s.infoHash {
		return session.ErrInfoHashMismatch
	}
	s.phase = PhaseHandshakeReceived
	s.entry.SetPeerID(frame.PeerID)

	// The first frame after the handshake, if it is a Choke, causes
	// termination — preserved from the teacher's source as an observed
	// policy rather than a protocol requirement.
	first, err := s.readOneFrameWithDeadline(deadline)
	if err != nil {
		if errors.Is(err, errNoFrameYet) {
			s.phase = PhaseAwaitingFirstFrame
			return nil
		}
		return err
	}
	if first.Kind == peerwire.KindChoke {
		s.entry.SetLocalChoked(true)
		return ErrChokeFirst
	}

	applyErr := s.applyFrame(first)
	s.phase = PhaseActive
	return applyErr
}

var errNoFrameYet = errors.New("peer: no frame buffered yet")

// readOneFrameWithDeadline best-effort peeks at whatever arrived alongside
// (or immediately after) the handshake, without blocking past deadline.
func (s *Session) readOneFrameWithDeadline(deadline time.Time) (peerwire.Frame, error) {
	if frame, ok, err := s.dec.Next(); err != nil {
		return peerwire.Frame{}, err
	} else if ok {
		return frame, nil
	}

	s.conn.SetReadDeadline(deadline)
	defer s.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 4096)
	n, err := s.conn.Read(buf)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return peerwire.Frame{}, errNoFrameYet
		}
		return peerwire.Frame{}, err
	}
	s.dec.Feed(buf[:n])

	frame, ok, err := s.dec.Next()
	if err != nil {
		return peerwire.Frame{}, err
	}
	if !ok {
		return peerwire.Frame{}, errNoFrameYet
	}
	return frame, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// readLoop decodes frames off the wire in byte order and applies each to
// entry, per spec §5's within-session ordering guarantee.
func (s *Session) readLoop(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PeerInactivityTimeout))
		n, err := s.conn.Read(buf)
		if err != nil {
			return fmt.Errorf("peer: read: %w", err)
		}
		s.dec.Feed(buf[:n])

		for {
			frame, ok, err := s.dec.Next()
			if err != nil {
				return fmt.Errorf("%w: %v", session.ErrMalformedFrame, err)
			}
			if !ok {
				break
			}
			s.entry.Touch(time.Now())
			s.entry.Stats.MessagesReceived.Add(1)
			if s.phase == PhaseAwaitingFirstFrame && frame.Kind == peerwire.KindChoke {
				return ErrChokeFirst
			}
			if err := s.applyFrame(frame); err != nil {
				return err
			}
			if s.phase == PhaseAwaitingFirstFrame {
				s.phase = PhaseActive
			}
		}
	}
}

// applyFrame updates PeerEntry per spec §4.4's Active-state semantics.
func (s *Session) applyFrame(frame peerwire.Frame) error {
	switch frame.Kind {
	case peerwire.KindKeepAlive:
		// inactivity timer reset already handled by Touch in readLoop.
	case peerwire.KindChoke:
		s.entry.SetRemoteChoked(true)
	case peerwire.KindUnchoke:
		s.entry.SetRemoteChoked(false)
	case peerwire.KindInterested:
		s.entry.SetRemoteInterested(true)
	case peerwire.KindNotInterested:
		s.entry.SetRemoteInterested(false)
	case peerwire.KindHave:
		s.entry.MarkHave(int(frame.Index))
	case peerwire.KindBitfield:
		if s.phase == PhaseActive {
			// Receiving Bitfield outside the immediately-post-handshake
			// window is a protocol error (spec §4.4).
			return fmt.Errorf("%w: unexpected bitfield in active state", session.ErrMalformedFrame)
		}
		bf := bitfield.Bitfield(frame.Bits)
		if err := bf.Validate(s.numPieces); err != nil {
			return fmt.Errorf("%w: %v", session.ErrMalformedFrame, err)
		}
		s.entry.ReplaceBitfield(bf)
	case peerwire.KindRequest:
		s.entry.Stats.RequestsOutstanding.Add(1)
	case peerwire.KindPiece:
		s.entry.Stats.RequestsOutstanding.Add(-1)
		s.entry.Stats.BytesDownloaded.Add(uint64(len(frame.Block)))
	case peerwire.KindCancel, peerwire.KindPort:
		// observational only; no PeerEntry field tracks these.
	default:
		return fmt.Errorf("%w: unhandled frame kind %v", session.ErrMalformedFrame, frame.Kind)
	}
	return nil
}

// writeLoop serializes outbound frames plus periodic KeepAlives onto the
// wire.
func (s *Session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if err := s.send(peerwire.Frame{Kind: peerwire.KindKeepAlive}); err != nil {
				return err
			}

		case frame, ok := <-s.outbox:
			if !ok {
				return nil
			}
			if err := s.send(frame); err != nil {
				return err
			}
		}
	}
}

func (s *Session) send(frame peerwire.Frame) error {
	out, err := peerwire.Encode(frame)
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(out); err != nil {
		return fmt.Errorf("peer: write: %w", err)
	}
	s.entry.Stats.MessagesSent.Add(1)
	if frame.Kind == peerwire.KindPiece {
		s.entry.Stats.BytesUploaded.Add(uint64(len(frame.Block)))
	}
	return nil
}

// Send queues frame for the write-loop; it blocks only if the outbox is
// full, never on the network itself.
func (s *Session) Send(frame peerwire.Frame) {
	s.outbox <- frame
}

// inactivityLoop terminates the session if no frame (including KeepAlive)
// has been observed within cfg.PeerInactivityTimeout (spec §4.4: "2
// minutes").
func (s *Session) inactivityLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PeerInactivityTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.entry.Idle(time.Now()) > s.cfg.PeerInactivityTimeout {
				return fmt.Errorf("peer: inactive for over %s", s.cfg.PeerInactivityTimeout)
			}
		}
	}
}
