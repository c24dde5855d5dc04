package peer

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lvbealr/bittorrent/internal/bitfield"
	"github.com/lvbealr/bittorrent/internal/config"
	"github.com/lvbealr/bittorrent/internal/log"
	"github.com/lvbealr/bittorrent/internal/peerwire"
	"github.com/lvbealr/bittorrent/internal/session"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HandshakeTimeout = 150 * time.Millisecond
	cfg.DialTimeout = 2 * time.Second
	cfg.KeepAliveInterval = 50 * time.Millisecond
	cfg.PeerInactivityTimeout = 300 * time.Millisecond
	return cfg
}

// TestScenarioB_HandshakeActivatesSession drives a Session over an in-memory
// pipe through a matching handshake and checks it reaches PeerConnected with
// the spec's initial flag values (testable property / scenario B).
func TestScenarioB_HandshakeActivatesSession(t *testing.T) {
	clientConn, remoteConn := net.Pipe()
	defer remoteConn.Close()

	infoHash := [20]byte{0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11}
	localID := [20]byte{'-', 'G', 'T', '0', '0', '0', '1', '-'}
	remoteID := [20]byte{'-', 'H', 'Y', 'B', 'L', 'O', 'W', '-'}

	addr := netip.MustParseAddrPort("127.0.0.1:6881")
	entry := session.NewPeerEntry(addr)

	sess := New(clientConn, entry, infoHash, localID, 8, testConfig(), log.Nop())

	// Remote side: read the handshake, reply with its own handshake, then
	// remain passive.
	go func() {
		buf := make([]byte, peerwire.HandshakeLen)
		io_readFull(remoteConn, buf)

		out, _ := peerwire.Encode(peerwire.NewHandshake(infoHash, remoteID))
		remoteConn.Write(out)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	require.Eventually(t, func() bool {
		return entry.Phase() == session.PeerConnected
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, entry.LocalChoked())
	require.False(t, entry.LocalInterested())

	cancel()
	<-runErr
}

// TestScenarioG_InfoHashMismatchTerminates checks a handshake reporting a
// different info-hash terminates the session within one decode step
// (testable property #7).
func TestScenarioG_InfoHashMismatchTerminates(t *testing.T) {
	clientConn, remoteConn := net.Pipe()
	defer remoteConn.Close()

	infoHash := [20]byte{0x11}
	otherHash := [20]byte{0x22}
	localID := [20]byte{'-', 'G', 'T', '0', '0', '0', '1', '-'}

	addr := netip.MustParseAddrPort("127.0.0.1:6881")
	entry := session.NewPeerEntry(addr)
	sess := New(clientConn, entry, infoHash, localID, 8, testConfig(), log.Nop())

	go func() {
		buf := make([]byte, peerwire.HandshakeLen)
		io_readFull(remoteConn, buf)

		out, _ := peerwire.Encode(peerwire.NewHandshake(otherHash, [20]byte{'x'}))
		remoteConn.Write(out)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := sess.Run(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, session.ErrInfoHashMismatch))
	require.Equal(t, session.PeerConnectionErrorIdle, entry.Phase())
}

// TestScenarioI_BitfieldInSeparateReadStillAccepted sends the Bitfield in a
// write of its own, after the handshake reply has already been read and
// decoded by handshake()'s single non-retrying peek. This is the normal
// case for a conformant peer and must not be treated as a protocol
// violation (spec §4.4).
func TestScenarioI_BitfieldInSeparateReadStillAccepted(t *testing.T) {
	clientConn, remoteConn := net.Pipe()
	defer remoteConn.Close()

	infoHash := [20]byte{0x44}
	localID := [20]byte{'-', 'G', 'T', '0', '0', '0', '1', '-'}
	remoteID := [20]byte{'-', 'R', 'M', 'T', '-'}

	const numPieces = 10
	addr := netip.MustParseAddrPort("127.0.0.1:6883")
	entry := session.NewPeerEntry(addr)
	cfg := testConfig()
	// Keep the inactivity timer well clear of the deliberate post-handshake
	// delay below; the write-separation itself is what this test exercises.
	cfg.PeerInactivityTimeout = 2 * time.Second
	sess := New(clientConn, entry, infoHash, localID, numPieces, cfg, log.Nop())

	go func() {
		buf := make([]byte, peerwire.HandshakeLen)
		io_readFull(remoteConn, buf)

		out, _ := peerwire.Encode(peerwire.NewHandshake(infoHash, remoteID))
		remoteConn.Write(out)

		// Give handshake()'s single post-handshake peek time to time out
		// and return errNoFrameYet before the Bitfield arrives as its own
		// read, exercising readLoop's first-frame handling instead.
		time.Sleep(2 * cfg.HandshakeTimeout)

		bits := bitfield.New(numPieces)
		bits.Set(2)
		frame, _ := peerwire.Encode(peerwire.Frame{Kind: peerwire.KindBitfield, Bits: bits.Bytes()})
		remoteConn.Write(frame)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	require.Eventually(t, func() bool {
		return entry.HasPiece(2)
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, session.PeerConnected, entry.Phase())

	cancel()
	<-runErr
}

// TestBitfieldWithSpareBitsRejected checks a Bitfield whose length/spare
// bits don't match the torrent's piece count is rejected rather than
// silently accepted (spec §4.1), wired through the real PeerSession path
// rather than a standalone bitfield.Validate call.
func TestBitfieldWithSpareBitsRejected(t *testing.T) {
	clientConn, remoteConn := net.Pipe()
	defer remoteConn.Close()

	infoHash := [20]byte{0x55}
	localID := [20]byte{'-', 'G', 'T', '0', '0', '0', '1', '-'}
	remoteID := [20]byte{'-', 'R', 'M', 'T', '-'}

	const numPieces = 10 // expects a 2-byte bitfield
	addr := netip.MustParseAddrPort("127.0.0.1:6884")
	entry := session.NewPeerEntry(addr)
	sess := New(clientConn, entry, infoHash, localID, numPieces, testConfig(), log.Nop())

	go func() {
		buf := make([]byte, peerwire.HandshakeLen)
		io_readFull(remoteConn, buf)

		out, _ := peerwire.Encode(peerwire.NewHandshake(infoHash, remoteID))
		remoteConn.Write(out)

		// Three bytes for a 10-piece torrent: too long, and the spare
		// high bits of the trailing byte are set.
		badBits := []byte{0xFF, 0xFF, 0xFF}
		frame, _ := peerwire.Encode(peerwire.Frame{Kind: peerwire.KindBitfield, Bits: badBits})
		remoteConn.Write(frame)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := sess.Run(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, session.ErrMalformedFrame))
}

func io_readFull(conn net.Conn, buf []byte) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return
		}
	}
}
