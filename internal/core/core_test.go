package core

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lvbealr/bittorrent/internal/config"
	"github.com/lvbealr/bittorrent/internal/session"
	"github.com/lvbealr/bittorrent/internal/trackerudp"
)

type fakeMetadata struct {
	announce string
}

func (f fakeMetadata) Name() string            { return "test-torrent" }
func (f fakeMetadata) InfoHash() [20]byte      { return [20]byte{1, 2, 3, 4} }
func (f fakeMetadata) PieceLength() int64      { return 16384 }
func (f fakeMetadata) PieceHashes() [][20]byte { return [][20]byte{{0xAA}} }
func (f fakeMetadata) Files() []session.FileSpec {
	return []session.FileSpec{{Length: 16384}}
}
func (f fakeMetadata) Announce() string         { return f.announce }
func (f fakeMetadata) AnnounceList() [][]string { return nil }

// fakeTracker answers connect+announce with exactly one peer, which lives
// on a loopback port nothing listens on: the point of this test is the
// Start/Shutdown wiring, not a successful peer handshake.
type fakeTracker struct {
	conn *net.UDPConn
}

func newFakeTracker(t *testing.T) *fakeTracker {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	return &fakeTracker{conn: conn}
}

func (f *fakeTracker) addr() string { return f.conn.LocalAddr().String() }

func (f *fakeTracker) run(ctx context.Context) {
	buf := make([]byte, 2048)
	go func() {
		<-ctx.Done()
		f.conn.Close()
	}()
	for {
		n, raddr, err := f.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		f.handle(raddr, append([]byte(nil), buf[:n]...))
	}
}

func (f *fakeTracker) handle(raddr netip.AddrPort, b []byte) {
	if len(b) < 16 {
		return
	}
	action := binary.BigEndian.Uint32(b[8:12])
	txID := binary.BigEndian.Uint32(b[12:16])

	switch action {
	case trackerudp.ActionConnect:
		out := make([]byte, 16)
		binary.BigEndian.PutUint32(out[0:4], trackerudp.ActionConnect)
		binary.BigEndian.PutUint32(out[4:8], txID)
		binary.BigEndian.PutUint64(out[8:16], 0xfeedface)
		f.conn.WriteToUDPAddrPort(out, raddr)

	case trackerudp.ActionAnnounce:
		peer := trackerudp.AnnouncePeer{IP: [4]byte{127, 0, 0, 1}, Port: 1}
		out := make([]byte, 26)
		binary.BigEndian.PutUint32(out[0:4], trackerudp.ActionAnnounce)
		binary.BigEndian.PutUint32(out[4:8], txID)
		binary.BigEndian.PutUint32(out[8:12], 3600)
		binary.BigEndian.PutUint32(out[12:16], 0)
		binary.BigEndian.PutUint32(out[16:20], 1)
		copy(out[20:24], peer.IP[:])
		binary.BigEndian.PutUint16(out[24:26], peer.Port)
		f.conn.WriteToUDPAddrPort(out, raddr)
	}
}

// TestStartDiscoversPeerAndShutsDownCleanly exercises the full Start wiring:
// one TrackerEngine talks to a fake tracker, the discovered peer flows
// through the unbounded channel into a dial attempt and is recorded on
// State, and Shutdown tears every goroutine down without hanging.
func TestStartDiscoversPeerAndShutsDownCleanly(t *testing.T) {
	ft := newFakeTracker(t)
	ctx, cancelTracker := context.WithCancel(context.Background())
	defer cancelTracker()
	go ft.run(ctx)

	cfg := config.Default()
	cfg.BasePort = 17881
	cfg.TrackerTimeoutBase = 200 * time.Millisecond
	cfg.DialTimeout = 200 * time.Millisecond
	cfg.HandshakeTimeout = 100 * time.Millisecond
	cfg.SnapshotMinInterval = 20 * time.Millisecond
	cfg.AnnounceRateLimitPerSec = 1000
	cfg.AnnounceRateBurst = 1000

	md := fakeMetadata{announce: "udp://" + ft.addr()}

	handle, err := Start(context.Background(), md, cfg, nil)
	require.NoError(t, err)
	require.Greater(t, handle.UDPPort(), 0)

	require.Eventually(t, func() bool {
		return len(handle.Snapshot().Peers) == 1
	}, 3*time.Second, 20*time.Millisecond)

	snap := handle.Snapshot()
	require.Equal(t, session.PhaseDownloading, snap.Phase)
	require.Len(t, snap.Trackers, 1)

	require.NoError(t, handle.Shutdown())
}

func TestStartRejectsUnresolvableTrackers(t *testing.T) {
	cfg := config.Default()
	cfg.BasePort = 17981

	md := fakeMetadata{announce: "udp://example.invalid:999999/announce"}

	_, err := Start(context.Background(), md, cfg, nil)
	require.ErrorIs(t, err, session.ErrNoTrackerResolved)
}
