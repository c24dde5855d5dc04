package session

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Phase is SessionState's lifecycle phase (spec §3). Transitions are
// monotonic within a run except Downloading<->Stopped, enforced by
// SessionState.SetPhase.
type Phase int32

const (
	PhaseUnknown Phase = iota
	PhaseDownloading
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseDownloading:
		return "downloading"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// State owns all per-torrent data: the immutable metadata snapshot,
// info-hash, piece-hash table, file tree, and the mutable counters,
// tracker tiers, and peer set (spec §3, "SessionState"). Info-hash and
// piece-hash list are frozen after construction.
//
// Ownership: immutable fields are read freely with no locking. Mutable
// scalar counters are atomic cells. The tracker-tier list and peer set
// follow a single-writer/many-reader discipline: SessionCore is the sole
// writer; any task may take a read-locked snapshot.
type State struct {
	// ID correlates this session's logs and snapshots; it carries no
	// protocol meaning (SPEC_FULL §3 added).
	ID uuid.UUID

	Name        string
	InfoHash    [20]byte
	LocalPeerID [20]byte
	PieceLength int64
	PieceHashes [][20]byte
	FileRoot    *FileNode

	CreatedAt time.Time

	// Allocated ports (spec §3: "the set of allocated UDP and TCP port
	// numbers").
	UDPPort int
	TCPPort int

	phase int32 // Phase, accessed atomically

	bytesDownloaded  atomic.Uint64
	bytesUploaded    atomic.Uint64
	piecesDownloaded atomic.Int64

	mu       sync.RWMutex
	tiers    [][]*TrackerEntry
	peers    map[netip.AddrPort]*PeerEntry
}

// NewState constructs a frozen SessionState from a MetadataProvider's
// output (spec §4.5: "construct SessionState from MetadataProvider
// output").
func NewState(md MetadataProvider, localPeerID [20]byte) *State {
	files := md.Files()
	root := BuildFileTree(md.Name(), files)

	s := &State{
		ID:          uuid.New(),
		Name:        md.Name(),
		InfoHash:    md.InfoHash(),
		LocalPeerID: localPeerID,
		PieceLength: md.PieceLength(),
		PieceHashes: append([][20]byte(nil), md.PieceHashes()...),
		FileRoot:    root,
		CreatedAt:   time.Now(),
		phase:       int32(PhaseUnknown),
		peers:       make(map[netip.AddrPort]*PeerEntry),
	}

	s.tiers = buildTierEntries(md)

	return s
}

func buildTierEntries(md MetadataProvider) [][]*TrackerEntry {
	seen := make(map[string]bool)
	addTier := func(urls []string) []*TrackerEntry {
		var tier []*TrackerEntry
		for _, u := range urls {
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true
			tier = append(tier, NewTrackerEntry(u))
		}
		return tier
	}

	var tiers [][]*TrackerEntry
	if list := md.AnnounceList(); len(list) > 0 {
		for _, urls := range list {
			if tier := addTier(urls); len(tier) > 0 {
				tiers = append(tiers, tier)
			}
		}
	}
	if announce := md.Announce(); announce != "" && !seen[announce] {
		tiers = append(tiers, addTier([]string{announce}))
	}

	return tiers
}

// NumPieces is the number of pieces this torrent's content is split into.
func (s *State) NumPieces() int { return len(s.PieceHashes) }

// Phase returns the current lifecycle phase.
func (s *State) Phase() Phase { return Phase(atomic.LoadInt32(&s.phase)) }

// SetPhase transitions the lifecycle phase. The only allowed transitions
// out of Unknown is to Downloading; thereafter only Downloading<->Stopped
// is allowed, matching spec §3's monotonicity invariant.
func (s *State) SetPhase(p Phase) bool {
	for {
		cur := Phase(atomic.LoadInt32(&s.phase))
		if !validPhaseTransition(cur, p) {
			return false
		}
		if atomic.CompareAndSwapInt32(&s.phase, int32(cur), int32(p)) {
			return true
		}
	}
}

func validPhaseTransition(from, to Phase) bool {
	switch from {
	case PhaseUnknown:
		return to == PhaseDownloading
	case PhaseDownloading:
		return to == PhaseStopped
	case PhaseStopped:
		return to == PhaseDownloading
	default:
		return false
	}
}

// AddBytesDownloaded adds n to the session's downloaded-byte counter.
func (s *State) AddBytesDownloaded(n uint64) { s.bytesDownloaded.Add(n) }

// BytesDownloaded returns the current downloaded-byte counter.
func (s *State) BytesDownloaded() uint64 { return s.bytesDownloaded.Load() }

// AddBytesUploaded adds n to the session's uploaded-byte counter.
func (s *State) AddBytesUploaded(n uint64) { s.bytesUploaded.Add(n) }

// BytesUploaded returns the current uploaded-byte counter.
func (s *State) BytesUploaded() uint64 { return s.bytesUploaded.Load() }

// TotalLength is the sum of every regular file's length in the file tree,
// used to compute the "left" field of BEP-15 announce requests.
func (s *State) TotalLength() int64 { return s.FileRoot.TotalLength() }

// Left returns the number of bytes remaining to download, floored at zero.
func (s *State) Left() uint64 {
	total := s.TotalLength()
	down := int64(s.BytesDownloaded())
	if down >= total {
		return 0
	}
	return uint64(total - down)
}

// IncPiecesDownloaded increments the completed-piece counter.
func (s *State) IncPiecesDownloaded() { s.piecesDownloaded.Add(1) }

// PiecesDownloaded returns the current completed-piece counter.
func (s *State) PiecesDownloaded() int64 { return s.piecesDownloaded.Load() }

// Uptime returns the time elapsed since the session was constructed.
func (s *State) Uptime() time.Duration { return time.Since(s.CreatedAt) }

// Tiers returns a shallow copy of the tracker tier list for read-only use.
func (s *State) Tiers() [][]*TrackerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([][]*TrackerEntry, len(s.tiers))
	for i, tier := range s.tiers {
		out[i] = append([]*TrackerEntry(nil), tier...)
	}
	return out
}

// PromoteInTier moves entry to the front of its tier after a successful
// announce, per BEP-12 ("clients may shuffle within tier after success").
// This is the single O(trackers) mutation held under the write lock, per
// spec §5's concurrency model.
func (s *State) PromoteInTier(entry *TrackerEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tier := range s.tiers {
		for i, e := range tier {
			if e == entry {
				copy(tier[1:i+1], tier[0:i])
				tier[0] = entry
				return
			}
		}
	}
}

// Peer returns the PeerEntry for addr, if one exists.
func (s *State) Peer(addr netip.AddrPort) (*PeerEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[addr]
	return p, ok
}

// Peers returns a snapshot slice of every known PeerEntry.
func (s *State) Peers() []*PeerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*PeerEntry, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// AddPeerIfAbsent inserts a new PeerEntry for addr unless one already
// exists, returning the entry (new or pre-existing) and whether it was
// newly inserted. This is the single dedup point spec §4.5 requires:
// "deduplicate against existing PeerEntries by socket address."
func (s *State) AddPeerIfAbsent(addr netip.AddrPort) (*PeerEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.peers[addr]; ok {
		return existing, false
	}

	entry := NewPeerEntry(addr)
	s.peers[addr] = entry
	return entry, true
}

// RemovePeer deletes the PeerEntry for addr.
func (s *State) RemovePeer(addr netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, addr)
}
