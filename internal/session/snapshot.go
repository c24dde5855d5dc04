package session

import (
	"time"

	"github.com/google/uuid"
)

// Snapshot is a consistent, read-only view of a State's counters and
// collections at the moment it was taken (spec §4.5,
// "SessionHandle::snapshot()").
type Snapshot struct {
	ID               uuid.UUID
	Name             string
	InfoHash         [20]byte
	Phase            Phase
	Uptime           time.Duration
	BytesDownloaded  uint64
	PiecesDownloaded int64
	NumPieces        int
	UDPPort          int
	TCPPort          int
	Trackers         []TrackerSnapshot
	Peers            []PeerSnapshot
}

// Snapshot captures the current state of s.
func (s *State) Snapshot() Snapshot {
	now := time.Now()

	var trackers []TrackerSnapshot
	for _, tier := range s.Tiers() {
		for _, t := range tier {
			trackers = append(trackers, t.Snapshot(now))
		}
	}

	var peers []PeerSnapshot
	for _, p := range s.Peers() {
		peers = append(peers, p.Snapshot(s.NumPieces()))
	}

	return Snapshot{
		ID:               s.ID,
		Name:             s.Name,
		InfoHash:         s.InfoHash,
		Phase:            s.Phase(),
		Uptime:           s.Uptime(),
		BytesDownloaded:  s.BytesDownloaded(),
		PiecesDownloaded: s.PiecesDownloaded(),
		NumPieces:        s.NumPieces(),
		UDPPort:          s.UDPPort,
		TCPPort:          s.TCPPort,
		Trackers:         trackers,
		Peers:            peers,
	}
}
