package session

import (
	"net/netip"
	"sync"
	"time"
)

// TrackerEntry is the exclusively-owned state for one tracker URL (spec
// §3, "TrackerEntry"). It is driven by exactly one TrackerEngine task,
// which holds a shared read-only handle back to the owning State; the
// entry itself is addressed by SessionCore only through its URL, never
// through a back-pointer into the engine (spec §9, "back-pointers
// tracker<->peer<->session").
type TrackerEntry struct {
	URL string

	mu                   sync.RWMutex
	addrs                []netip.AddrPort
	connectionID         uint64
	connectionIDAcquired time.Time
	lastInterval         time.Duration
	lastAnnounceSentAt   time.Time
	lastResponseAt       time.Time
	lastError            string
}

// NewTrackerEntry constructs an entry for a not-yet-resolved tracker URL.
func NewTrackerEntry(url string) *TrackerEntry {
	return &TrackerEntry{URL: url}
}

// SetAddrs records the resolved socket addresses for this tracker's host.
func (t *TrackerEntry) SetAddrs(addrs []netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addrs = append([]netip.AddrPort(nil), addrs...)
}

// Addrs returns the resolved socket addresses, possibly empty.
func (t *TrackerEntry) Addrs() []netip.AddrPort {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]netip.AddrPort(nil), t.addrs...)
}

// HasAddr reports whether addr is one of this tracker's resolved
// addresses, used by UdpMux to demultiplex inbound datagrams.
func (t *TrackerEntry) HasAddr(addr netip.AddrPort) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, a := range t.addrs {
		if a == addr {
			return true
		}
	}
	return false
}

// SetConnection records a freshly acquired connection-id and its
// acquisition time.
func (t *TrackerEntry) SetConnection(id uint64, acquiredAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectionID = id
	t.connectionIDAcquired = acquiredAt
}

// Connection returns the current connection-id and its acquisition time.
func (t *TrackerEntry) Connection() (id uint64, acquiredAt time.Time) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connectionID, t.connectionIDAcquired
}

// ConnectionFresh reports whether the connection-id is still within the
// ttl window of its acquisition (spec §3/§4.2: 60-second validity).
func (t *TrackerEntry) ConnectionFresh(ttl time.Duration, now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.connectionIDAcquired.IsZero() {
		return false
	}
	return now.Sub(t.connectionIDAcquired) < ttl
}

// SetInterval records the tracker's most recently announced reannounce
// interval.
func (t *TrackerEntry) SetInterval(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastInterval = d
}

// Interval returns the most recently announced reannounce interval.
func (t *TrackerEntry) Interval() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastInterval
}

// RecordAnnounceSent timestamps the most recent outbound announce, for
// snapshot/telemetry purposes.
func (t *TrackerEntry) RecordAnnounceSent(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastAnnounceSentAt = at
}

// RecordResponse timestamps the most recent inbound response and clears
// any previously recorded error.
func (t *TrackerEntry) RecordResponse(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastResponseAt = at
	t.lastError = ""
}

// RecordError stores the most recent tracker-reported or transport error
// message, surfaced read-only via Snapshot.
func (t *TrackerEntry) RecordError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastError = msg
}

// TrackerSnapshot is the read-only view of a TrackerEntry exposed to
// StateObserver.
type TrackerSnapshot struct {
	URL            string
	Addrs          []netip.AddrPort
	ConnectionID   uint64
	ConnectionAge  time.Duration
	LastInterval   time.Duration
	LastAnnounceAt time.Time
	LastResponseAt time.Time
	LastError      string
}

// Snapshot returns a point-in-time copy of this entry's fields.
func (t *TrackerEntry) Snapshot(now time.Time) TrackerSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var age time.Duration
	if !t.connectionIDAcquired.IsZero() {
		age = now.Sub(t.connectionIDAcquired)
	}

	return TrackerSnapshot{
		URL:            t.URL,
		Addrs:          append([]netip.AddrPort(nil), t.addrs...),
		ConnectionID:   t.connectionID,
		ConnectionAge:  age,
		LastInterval:   t.lastInterval,
		LastAnnounceAt: t.lastAnnounceSentAt,
		LastResponseAt: t.lastResponseAt,
		LastError:      t.lastError,
	}
}
