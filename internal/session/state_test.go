package session

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeMetadata struct {
	name         string
	infoHash     [20]byte
	pieceLength  int64
	pieceHashes  [][20]byte
	files        []FileSpec
	announce     string
	announceList [][]string
}

func (f fakeMetadata) Name() string            { return f.name }
func (f fakeMetadata) InfoHash() [20]byte      { return f.infoHash }
func (f fakeMetadata) PieceLength() int64      { return f.pieceLength }
func (f fakeMetadata) PieceHashes() [][20]byte { return f.pieceHashes }
func (f fakeMetadata) Files() []FileSpec       { return f.files }
func (f fakeMetadata) Announce() string        { return f.announce }
func (f fakeMetadata) AnnounceList() [][]string { return f.announceList }

func basicMetadata() fakeMetadata {
	return fakeMetadata{
		name:        "movie",
		infoHash:    [20]byte{1, 2, 3},
		pieceLength: 16384,
		pieceHashes: [][20]byte{{0xAA}, {0xBB}},
		files:       []FileSpec{{Path: nil, Length: 32768}},
		announce:    "udp://tracker-a.example:80/announce",
		announceList: [][]string{
			{"udp://tracker-a.example:80/announce", "udp://tracker-b.example:80/announce"},
			{"udp://tracker-c.example:80/announce"},
		},
	}
}

func TestNewStateBuildsTiersDeduped(t *testing.T) {
	md := basicMetadata()
	s := NewState(md, [20]byte{9})

	tiers := s.Tiers()
	require.Len(t, tiers, 2)
	require.Len(t, tiers[0], 2)
	require.Len(t, tiers[1], 1)

	// Announce duplicates an announce-list entry, so it must not add a
	// third tier.
	require.Equal(t, "udp://tracker-a.example:80/announce", tiers[0][0].URL)
}

func TestPhaseTransitions(t *testing.T) {
	s := NewState(basicMetadata(), [20]byte{})

	require.Equal(t, PhaseUnknown, s.Phase())
	require.False(t, s.SetPhase(PhaseStopped), "cannot go directly from Unknown to Stopped")

	require.True(t, s.SetPhase(PhaseDownloading))
	require.True(t, s.SetPhase(PhaseStopped))
	require.True(t, s.SetPhase(PhaseDownloading))
}

// TestAddPeerIfAbsentDedups is the peer-dedup testable property (#6):
// feeding overlapping addresses produces one PeerEntry per unique address.
func TestAddPeerIfAbsentDedups(t *testing.T) {
	s := NewState(basicMetadata(), [20]byte{})

	a := netip.MustParseAddrPort("10.0.0.1:6881")
	b := netip.MustParseAddrPort("10.0.0.2:6881")

	_, newA1 := s.AddPeerIfAbsent(a)
	_, newB := s.AddPeerIfAbsent(b)
	_, newA2 := s.AddPeerIfAbsent(a)

	require.True(t, newA1)
	require.True(t, newB)
	require.False(t, newA2)
	require.Len(t, s.Peers(), 2)
}

func TestPromoteInTierMovesEntryToFront(t *testing.T) {
	s := NewState(basicMetadata(), [20]byte{})
	tiers := s.Tiers()
	second := tiers[0][1]

	s.PromoteInTier(second)

	promoted := s.Tiers()
	require.Equal(t, second.URL, promoted[0][0].URL)
}

func TestLeftFloorsAtZero(t *testing.T) {
	s := NewState(basicMetadata(), [20]byte{})
	s.AddBytesDownloaded(uint64(s.TotalLength()) + 100)
	require.Equal(t, uint64(0), s.Left())
}
