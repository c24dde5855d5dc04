package session

// MetadataProvider is the external collaborator that supplies parsed
// torrent metadata and the 20-byte info-hash (spec §6, "Torrent metadata
// (consumed)"). Bencode decoding and magnet-URI parsing live entirely on
// the caller's side of this interface; SessionCore only ever reads through
// it.
type MetadataProvider interface {
	// Name is the torrent's display name (single-file name, or the
	// directory name in multi-file mode).
	Name() string

	// InfoHash returns the 20-byte SHA-1 digest of the bencoded info
	// dictionary.
	InfoHash() [20]byte

	// PieceLength is the fixed chunk size, in bytes, of every piece
	// except possibly the last.
	PieceLength() int64

	// PieceHashes returns the ordered list of 20-byte SHA-1 piece
	// hashes.
	PieceHashes() [][20]byte

	// Files returns the file list: one entry for single-file torrents,
	// or one per entry in a multi-file torrent's file list, in order.
	Files() []FileSpec

	// Announce is the primary tracker URL (may be empty if
	// AnnounceList is non-empty).
	Announce() string

	// AnnounceList returns tracker tiers per BEP-12; outer index is
	// tier, inner slice is the URLs within that tier.
	AnnounceList() [][]string
}

// FileSpec describes one file within a torrent's content, prior to being
// rooted under a download directory.
type FileSpec struct {
	// Path is the file's path components relative to the torrent's
	// name/root (empty for single-file torrents).
	Path []string

	// Length is the file's size in bytes.
	Length int64
}

// StateObserver consumes read-only snapshots of SessionState for UI or
// telemetry purposes (spec §6, "StateObserver (external)"). SessionCore
// calls OnSnapshot once per configured snapshot interval, whether or not
// anything changed; it is not called in response to individual mutations.
type StateObserver interface {
	OnSnapshot(Snapshot)
}
