// Package peerwire implements the BEP-3 peer wire handshake and the
// length-prefixed message framing used once a peer connection is active.
//
// Framing: a 4-byte big-endian length prefix N followed by N bytes of
// payload. N=0 is a KeepAlive. Otherwise byte 0 of the payload is the
// message id and the remainder is the id-specific payload below.
package peerwire

import "fmt"

// ID identifies a peer wire message kind, extending the teacher's MessageID
// enumeration with Port (id 9), the one kind the teacher never implemented.
type ID uint8

const (
	Choke ID = iota
	Unchoke
	Interested
	NotInterested
	Have
	BitfieldID
	Request
	Piece
	Cancel
	Port
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case BitfieldID:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// HandshakeProtocol is the fixed protocol name sent in every handshake.
const HandshakeProtocol = "BitTorrent protocol"

// HandshakeLen is the wire size of a Handshake: 1 + 19 + 8 + 20 + 20.
const HandshakeLen = 68

// Frame is a decoded peer wire message. Kind identifies which variant is
// populated; fields irrelevant to Kind are zero.
type Frame struct {
	Kind FrameKind

	// Handshake fields (Kind == KindHandshake).
	InfoHash [20]byte
	PeerID   [20]byte
	Reserved [8]byte

	// Have (Kind == KindHave).
	Index uint32

	// Bitfield (Kind == KindBitfield).
	Bits []byte

	// Request/Cancel (Kind == KindRequest / KindCancel).
	Begin  uint32
	Length uint32

	// Piece (Kind == KindPiece); Index/Begin also populated.
	Block []byte

	// Port (Kind == KindPort).
	DHTPort uint16
}

// FrameKind distinguishes the twelve frame variants: Handshake, KeepAlive,
// and the ten id-tagged peer wire messages (spec §4.1).
type FrameKind uint8

const (
	KindKeepAlive FrameKind = iota
	KindHandshake
	KindChoke
	KindUnchoke
	KindInterested
	KindNotInterested
	KindHave
	KindBitfield
	KindRequest
	KindPiece
	KindCancel
	KindPort
)

func (k FrameKind) String() string {
	names := [...]string{
		"keep_alive", "handshake", "choke", "unchoke", "interested",
		"not_interested", "have", "bitfield", "request", "piece", "cancel", "port",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// NewHandshake builds a Handshake frame for the given info-hash and peer-id.
func NewHandshake(infoHash, peerID [20]byte) Frame {
	return Frame{Kind: KindHandshake, InfoHash: infoHash, PeerID: peerID}
}
