package session

import "errors"

// Sentinel errors callers can match with errors.Is/errors.As (spec §7
// added: "a small set of sentinel errors").
var (
	// ErrNoTrackerResolved is returned at session start when the metadata
	// names no tracker or none of its tracker URLs can be parsed — the one
	// fail-closed condition spec §7 names besides missing metadata. Hosts
	// are resolved later by each TrackerEngine, so a DNS failure does not
	// produce it at start; a scrape on a tracker whose host has not been
	// resolved yet also returns it.
	ErrNoTrackerResolved = errors.New("session: no tracker resolved")

	// ErrNoMetadata is returned when a nil MetadataProvider is supplied
	// to Start.
	ErrNoMetadata = errors.New("session: no metadata provider supplied")

	// ErrInfoHashMismatch is returned when a peer's handshake reports an
	// info-hash other than this session's.
	ErrInfoHashMismatch = errors.New("session: peer info-hash mismatch")

	// ErrMalformedFrame wraps a peer wire or tracker wire framing error
	// surfaced up to session-level callers.
	ErrMalformedFrame = errors.New("session: malformed frame")

	// ErrConnectionIDExpired is returned when a TrackerEngine attempts
	// to announce with a connection-id older than the 60-second BEP-15
	// validity window.
	ErrConnectionIDExpired = errors.New("session: connection id expired")

	// ErrUnknownFileNode is returned by SetFileDownload when the given
	// path does not name a node in the file tree.
	ErrUnknownFileNode = errors.New("session: unknown file node")

	// ErrAlreadyStopped / ErrAlreadyStarted guard the idempotent
	// lifecycle transitions on SessionHandle.
	ErrAlreadyStopped = errors.New("session: already stopped")
	ErrAlreadyStarted = errors.New("session: already started")
)
