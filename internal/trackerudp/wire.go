// Package trackerudp implements the BEP-15 UDP tracker wire protocol:
// connect, announce, scrape, and error datagrams. It contains no socket or
// state-machine logic — see internal/tracker for the TrackerEngine and
// UdpMux that drive this wire format.
package trackerudp

import (
	"encoding/binary"
	"fmt"
)

// ProtocolMagic is the BEP-15 magic constant identifying a connect request.
const ProtocolMagic uint64 = 0x41727101980

// Action codes, per BEP-15.
const (
	ActionConnect  uint32 = 0
	ActionAnnounce uint32 = 1
	ActionScrape   uint32 = 2
	ActionError    uint32 = 3
)

// Event codes for AnnounceRequest.Event. The canonical BEP-15 set is
// authoritative per spec §9 ("the canonical BEP-15 event set {0,1,2,3} is
// authoritative") even though some implementations in the wild use other
// values.
const (
	EventNone      uint32 = 0
	EventCompleted uint32 = 1
	EventStarted   uint32 = 2
	EventStopped   uint32 = 3
)

// ConnectRequest is the 16-byte BEP-15 connect datagram.
type ConnectRequest struct {
	TransactionID uint32
}

// Encode serializes a ConnectRequest to its 16-byte wire form.
func (r ConnectRequest) Encode() []byte {
	out := make([]byte, 16)
	binary.BigEndian.PutUint64(out[0:8], ProtocolMagic)
	binary.BigEndian.PutUint32(out[8:12], ActionConnect)
	binary.BigEndian.PutUint32(out[12:16], r.TransactionID)
	return out
}

// ConnectResponse is the 16-byte BEP-15 connect response.
type ConnectResponse struct {
	TransactionID uint32
	ConnectionID  uint64
}

// DecodeConnectResponse parses a connect response, returning the response
// and the action field so callers can distinguish a well-formed non-connect
// action (e.g. ActionError) from a malformed datagram.
func DecodeConnectResponse(b []byte) (ConnectResponse, uint32, error) {
	if len(b) < 16 {
		return ConnectResponse{}, 0, fmt.Errorf("trackerudp: connect response too short (%d bytes)", len(b))
	}

	action := binary.BigEndian.Uint32(b[0:4])
	txID := binary.BigEndian.Uint32(b[4:8])

	if action != ActionConnect {
		return ConnectResponse{TransactionID: txID}, action, nil
	}

	return ConnectResponse{
		TransactionID: txID,
		ConnectionID:  binary.BigEndian.Uint64(b[8:16]),
	}, action, nil
}

// AnnounceRequest is the 98-byte BEP-15 announce datagram.
type AnnounceRequest struct {
	ConnectionID  uint64
	TransactionID uint32
	InfoHash      [20]byte
	PeerID        [20]byte
	Downloaded    uint64
	Left          uint64
	Uploaded      uint64
	Event         uint32
	IP            uint32
	Key           uint32
	NumWant       int32
	Port          uint16
}

// Encode serializes an AnnounceRequest to its 98-byte wire form, matching
// the layout tabulated in spec §4.2 exactly (scenario C).
func (r AnnounceRequest) Encode() []byte {
	out := make([]byte, 98)

	binary.BigEndian.PutUint64(out[0:8], r.ConnectionID)
	binary.BigEndian.PutUint32(out[8:12], ActionAnnounce)
	binary.BigEndian.PutUint32(out[12:16], r.TransactionID)
	copy(out[16:36], r.InfoHash[:])
	copy(out[36:56], r.PeerID[:])
	binary.BigEndian.PutUint64(out[56:64], r.Downloaded)
	binary.BigEndian.PutUint64(out[64:72], r.Left)
	binary.BigEndian.PutUint64(out[72:80], r.Uploaded)
	binary.BigEndian.PutUint32(out[80:84], r.Event)
	binary.BigEndian.PutUint32(out[84:88], r.IP)
	binary.BigEndian.PutUint32(out[88:92], r.Key)
	binary.BigEndian.PutUint32(out[92:96], uint32(r.NumWant))
	binary.BigEndian.PutUint16(out[96:98], r.Port)

	return out
}

// AnnouncePeer is one (IPv4, port) pair from a compact AnnounceResponse.
type AnnouncePeer struct {
	IP   [4]byte
	Port uint16
}

// AnnounceResponse is a parsed BEP-15 announce response.
type AnnounceResponse struct {
	TransactionID uint32
	Interval      int32
	Leechers      uint32
	Seeders       uint32
	Peers         []AnnouncePeer
}

// DecodeAnnounceResponse parses an announce response per the layout in
// spec §4.2 / scenario D: action, transaction_id, interval, leechers,
// seeders, then 6-byte (ip, port) tuples.
func DecodeAnnounceResponse(b []byte) (AnnounceResponse, uint32, error) {
	if len(b) < 20 {
		return AnnounceResponse{}, 0, fmt.Errorf("trackerudp: announce response too short (%d bytes)", len(b))
	}

	action := binary.BigEndian.Uint32(b[0:4])
	txID := binary.BigEndian.Uint32(b[4:8])

	if action != ActionAnnounce {
		return AnnounceResponse{TransactionID: txID}, action, nil
	}

	interval := int32(binary.BigEndian.Uint32(b[8:12]))
	leechers := binary.BigEndian.Uint32(b[12:16])
	seeders := binary.BigEndian.Uint32(b[16:20])

	rest := b[20:]
	if len(rest)%6 != 0 {
		return AnnounceResponse{}, action, fmt.Errorf("trackerudp: peer list length %d not a multiple of 6", len(rest))
	}

	peers := make([]AnnouncePeer, 0, len(rest)/6)
	for i := 0; i+6 <= len(rest); i += 6 {
		var p AnnouncePeer
		copy(p.IP[:], rest[i:i+4])
		p.Port = binary.BigEndian.Uint16(rest[i+4 : i+6])
		peers = append(peers, p)
	}

	return AnnounceResponse{
		TransactionID: txID,
		Interval:      interval,
		Leechers:      leechers,
		Seeders:       seeders,
		Peers:         peers,
	}, action, nil
}

// ScrapeRequest is a BEP-15 scrape datagram: 16-byte header followed by one
// 20-byte info-hash per requested torrent.
type ScrapeRequest struct {
	ConnectionID  uint64
	TransactionID uint32
	InfoHashes    [][20]byte
}

// Encode serializes a ScrapeRequest.
func (r ScrapeRequest) Encode() []byte {
	out := make([]byte, 16+20*len(r.InfoHashes))
	binary.BigEndian.PutUint64(out[0:8], r.ConnectionID)
	binary.BigEndian.PutUint32(out[8:12], ActionScrape)
	binary.BigEndian.PutUint32(out[12:16], r.TransactionID)
	for i, h := range r.InfoHashes {
		copy(out[16+i*20:16+(i+1)*20], h[:])
	}
	return out
}

// ScrapeStat is the (complete, downloaded, incomplete) triple for one
// info-hash in a ScrapeResponse.
type ScrapeStat struct {
	Complete   uint32
	Downloaded uint32
	Incomplete uint32
}

// ScrapeResponse is a parsed BEP-15 scrape response.
type ScrapeResponse struct {
	TransactionID uint32
	Stats         []ScrapeStat
}

// DecodeScrapeResponse parses a scrape response: 8-byte header followed by
// one 12-byte stat triple per requested info-hash, in request order.
func DecodeScrapeResponse(b []byte) (ScrapeResponse, uint32, error) {
	if len(b) < 8 {
		return ScrapeResponse{}, 0, fmt.Errorf("trackerudp: scrape response too short (%d bytes)", len(b))
	}

	action := binary.BigEndian.Uint32(b[0:4])
	txID := binary.BigEndian.Uint32(b[4:8])

	if action != ActionScrape {
		return ScrapeResponse{TransactionID: txID}, action, nil
	}

	rest := b[8:]
	if len(rest)%12 != 0 {
		return ScrapeResponse{}, action, fmt.Errorf("trackerudp: scrape stats length %d not a multiple of 12", len(rest))
	}

	stats := make([]ScrapeStat, 0, len(rest)/12)
	for i := 0; i+12 <= len(rest); i += 12 {
		stats = append(stats, ScrapeStat{
			Complete:   binary.BigEndian.Uint32(rest[i : i+4]),
			Downloaded: binary.BigEndian.Uint32(rest[i+4 : i+8]),
			Incomplete: binary.BigEndian.Uint32(rest[i+8 : i+12]),
		})
	}

	return ScrapeResponse{TransactionID: txID, Stats: stats}, action, nil
}

// ErrorResponse is the 8-byte-header + UTF-8 message BEP-15 error datagram.
type ErrorResponse struct {
	TransactionID uint32
	Message       string
}

// DecodeErrorResponse parses an ActionError datagram.
func DecodeErrorResponse(b []byte) (ErrorResponse, error) {
	if len(b) < 8 {
		return ErrorResponse{}, fmt.Errorf("trackerudp: error response too short (%d bytes)", len(b))
	}
	return ErrorResponse{
		TransactionID: binary.BigEndian.Uint32(b[4:8]),
		Message:       string(b[8:]),
	}, nil
}
