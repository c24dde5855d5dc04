package session

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lvbealr/bittorrent/internal/bitfield"
)

// PeerConnPhase is PeerEntry's connection phase (spec §3, "PeerEntry").
type PeerConnPhase int32

const (
	PeerNotConnected PeerConnPhase = iota
	PeerTryingToConnect
	PeerConnected
	PeerConnectionTimeoutIdle
	PeerConnectionErrorIdle
)

func (p PeerConnPhase) String() string {
	switch p {
	case PeerTryingToConnect:
		return "trying_to_connect"
	case PeerConnected:
		return "connected"
	case PeerConnectionTimeoutIdle:
		return "connection_timeout_idle"
	case PeerConnectionErrorIdle:
		return "connection_error_idle"
	default:
		return "not_connected"
	}
}

// PeerRole is the inferred role of a remote peer (spec §3).
type PeerRole int32

const (
	RoleUnknown PeerRole = iota
	RoleLeecher
	RoleSeeder
	RolePartialSeeder
)

func (r PeerRole) String() string {
	switch r {
	case RoleLeecher:
		return "leecher"
	case RoleSeeder:
		return "seeder"
	case RolePartialSeeder:
		return "partial_seeder"
	default:
		return "unknown"
	}
}

// PeerStats are per-connection observational counters (SPEC_FULL §3
// added); they never gate protocol transitions and only feed PeerSnapshot.
// They are not added into State's aggregate byte counters.
type PeerStats struct {
	BytesDownloaded  atomic.Uint64
	BytesUploaded    atomic.Uint64
	MessagesSent     atomic.Uint64
	MessagesReceived atomic.Uint64
	RequestsOutstanding atomic.Int64
}

// PeerEntry is the exclusively-owned state for one remote peer (spec §3).
// It is driven by exactly one PeerSession task, which holds a shared
// read-only handle back to the owning State.
type PeerEntry struct {
	Addr netip.AddrPort

	phase int32 // PeerConnPhase
	role  int32 // PeerRole

	mu       sync.RWMutex
	bf       bitfield.Bitfield
	peerID   [20]byte
	haveID   bool
	lastSeen time.Time

	localChoked       atomic.Bool
	localInterested   atomic.Bool
	remoteChoked      atomic.Bool
	remoteInterested  atomic.Bool

	Stats PeerStats
}

// NewPeerEntry constructs a PeerEntry for addr in its initial state: not
// connected, and the four choke/interest flags at their spec §4.4 initial
// values (local_choked=true, local_interested=false; a freshly discovered
// peer is symmetric on the remote side until a handshake says otherwise).
func NewPeerEntry(addr netip.AddrPort) *PeerEntry {
	p := &PeerEntry{
		Addr:  addr,
		phase: int32(PeerNotConnected),
		role:  int32(RoleUnknown),
	}
	p.localChoked.Store(true)
	p.localInterested.Store(false)
	p.remoteChoked.Store(true)
	p.remoteInterested.Store(false)
	return p
}

func (p *PeerEntry) Phase() PeerConnPhase { return PeerConnPhase(atomic.LoadInt32(&p.phase)) }
func (p *PeerEntry) SetPhase(ph PeerConnPhase) {
	atomic.StoreInt32(&p.phase, int32(ph))
}

func (p *PeerEntry) Role() PeerRole     { return PeerRole(atomic.LoadInt32(&p.role)) }
func (p *PeerEntry) SetRole(r PeerRole) { atomic.StoreInt32(&p.role, int32(r)) }

func (p *PeerEntry) LocalChoked() bool      { return p.localChoked.Load() }
func (p *PeerEntry) SetLocalChoked(v bool)  { p.localChoked.Store(v) }
func (p *PeerEntry) LocalInterested() bool     { return p.localInterested.Load() }
func (p *PeerEntry) SetLocalInterested(v bool) { p.localInterested.Store(v) }
func (p *PeerEntry) RemoteChoked() bool     { return p.remoteChoked.Load() }
func (p *PeerEntry) SetRemoteChoked(v bool) { p.remoteChoked.Store(v) }
func (p *PeerEntry) RemoteInterested() bool     { return p.remoteInterested.Load() }
func (p *PeerEntry) SetRemoteInterested(v bool) { p.remoteInterested.Store(v) }

// SetPeerID records the 20-byte peer-id reported in the handshake.
func (p *PeerEntry) SetPeerID(id [20]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerID = id
	p.haveID = true
}

// ReplaceBitfield wholesale-replaces the peer's claimed piece set, per
// spec §4.4 ("Bitfield... replaces the peer's bitfield wholesale").
func (p *PeerEntry) ReplaceBitfield(bf bitfield.Bitfield) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bf = bf
}

// MarkHave inserts index into the peer's claimed piece set.
func (p *PeerEntry) MarkHave(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bf.Set(index)
}

// HasPiece reports whether the peer claims to have piece index.
func (p *PeerEntry) HasPiece(index int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bf.Has(index)
}

// Bitfield returns a copy of the peer's currently claimed piece set.
func (p *PeerEntry) Bitfield() bitfield.Bitfield {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append(bitfield.Bitfield(nil), p.bf...)
}

// Touch records that a frame was just seen from this peer, resetting the
// inactivity timer's reference point.
func (p *PeerEntry) Touch(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen = at
}

// Idle returns how long it has been since the last frame was seen.
func (p *PeerEntry) Idle(now time.Time) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.lastSeen.IsZero() {
		return 0
	}
	return now.Sub(p.lastSeen)
}

// PeerSnapshot is the read-only view of a PeerEntry exposed to
// StateObserver.
type PeerSnapshot struct {
	Addr             netip.AddrPort
	Phase            PeerConnPhase
	Role             PeerRole
	PeerID           [20]byte
	HavePeerID       bool
	NumPiecesClaimed int
	LocalChoked      bool
	LocalInterested  bool
	RemoteChoked     bool
	RemoteInterested bool
	BytesDownloaded  uint64
	BytesUploaded    uint64
}

// Snapshot returns a point-in-time copy of this entry's fields.
func (p *PeerEntry) Snapshot(numPieces int) PeerSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	claimed := 0
	for i := 0; i < numPieces; i++ {
		if p.bf.Has(i) {
			claimed++
		}
	}

	return PeerSnapshot{
		Addr:             p.Addr,
		Phase:            p.Phase(),
		Role:             p.Role(),
		PeerID:           p.peerID,
		HavePeerID:       p.haveID,
		NumPiecesClaimed: claimed,
		LocalChoked:      p.LocalChoked(),
		LocalInterested:  p.LocalInterested(),
		RemoteChoked:     p.RemoteChoked(),
		RemoteInterested: p.RemoteInterested(),
		BytesDownloaded:  p.Stats.BytesDownloaded.Load(),
		BytesUploaded:    p.Stats.BytesUploaded.Load(),
	}
}
