package peerwire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScenarioA_Framing(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{0x00, 0x00, 0x00, 0x00})
	f, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KindKeepAlive, f.Kind)
	require.Equal(t, 0, d.Buffered())

	d2 := NewDecoder()
	d2.Feed([]byte{0x00, 0x00, 0x00, 0x01, 0x02})
	f2, ok2, err2 := d2.Next()
	require.NoError(t, err2)
	require.True(t, ok2)
	require.Equal(t, KindInterested, f2.Kind)
	require.Equal(t, 0, d2.Buffered())
}

func TestScenarioF_Bitfield(t *testing.T) {
	const numPieces = 5
	bits := []byte{0xA8} // 10101000
	frame := Frame{Kind: KindBitfield, Bits: bits}

	encoded, err := Encode(frame)
	require.NoError(t, err)

	d := NewDecoder()
	d.Feed(encoded)
	got, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KindBitfield, got.Kind)

	bf := bfFromFrame(got)
	require.NoError(t, bf.validate(numPieces))

	present := map[int]bool{}
	for i := 0; i < numPieces; i++ {
		present[i] = bf.has(i)
	}
	require.Equal(t, map[int]bool{0: true, 1: false, 2: true, 3: false, 4: true}, present)
}

// bfFromFrame/has/validate mirror internal/bitfield's logic locally to avoid
// importing it into wire-level tests; the real consumer is internal/session.
type testBitfield []byte

func bfFromFrame(f Frame) testBitfield { return testBitfield(f.Bits) }

func (b testBitfield) has(i int) bool {
	byteIndex := i / 8
	bitIndex := uint(i % 8)
	if byteIndex >= len(b) {
		return false
	}
	return (b[byteIndex]>>(7-bitIndex))&1 == 1
}

func (b testBitfield) validate(numPieces int) error {
	expected := (numPieces + 7) / 8
	if len(b) != expected {
		return errLen
	}
	for i := numPieces; i < expected*8; i++ {
		if b.has(i) {
			return errSpare
		}
	}
	return nil
}

var (
	errLen   = errTest("bad length")
	errSpare = errTest("spare bit set")
)

type errTest string

func (e errTest) Error() string { return string(e) }

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash [20]byte
	for i := range infoHash {
		infoHash[i] = 0x11
	}
	var peerID [20]byte
	copy(peerID[:], "-HYBLOW-abcdefghijk")

	hs := NewHandshake(infoHash, peerID)
	encoded, err := Encode(hs)
	require.NoError(t, err)
	require.Len(t, encoded, HandshakeLen)

	d := NewDecoder()
	d.Feed(encoded)
	got, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KindHandshake, got.Kind)
	require.Equal(t, infoHash, got.InfoHash)
	require.Equal(t, peerID, got.PeerID)
	require.Equal(t, 0, d.Buffered())
}

func TestHandshakeEncodingStartsWithPstrlen(t *testing.T) {
	// Checks the encoded handshake leads with pstrlen 19, the byte Next
	// keys on to decode a handshake instead of a length-prefixed message.
	var infoHash, peerID [20]byte
	hs := NewHandshake(infoHash, peerID)
	encoded, err := Encode(hs)
	require.NoError(t, err)
	require.Equal(t, byte(19), encoded[0])
}

func TestRoundTripAllKinds(t *testing.T) {
	cases := []Frame{
		{Kind: KindKeepAlive},
		{Kind: KindChoke},
		{Kind: KindUnchoke},
		{Kind: KindInterested},
		{Kind: KindNotInterested},
		{Kind: KindHave, Index: 42},
		{Kind: KindBitfield, Bits: []byte{0xFF, 0x80}},
		{Kind: KindRequest, Index: 1, Begin: 16384, Length: 16384},
		{Kind: KindPiece, Index: 1, Begin: 0, Block: []byte("hello world")},
		{Kind: KindCancel, Index: 1, Begin: 16384, Length: 16384},
		{Kind: KindPort, DHTPort: 6881},
	}

	for _, c := range cases {
		t.Run(c.Kind.String(), func(t *testing.T) {
			encoded, err := Encode(c)
			require.NoError(t, err)

			d := NewDecoder()
			d.Feed(encoded)
			got, ok, err := d.Next()
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, c, got)
			require.Equal(t, 0, d.Buffered())
		})
	}
}

func TestDecodeMultiFrameStream(t *testing.T) {
	frames := []Frame{
		{Kind: KindUnchoke},
		{Kind: KindHave, Index: 3},
		{Kind: KindKeepAlive},
	}

	var stream []byte
	for _, f := range frames {
		b, err := Encode(f)
		require.NoError(t, err)
		stream = append(stream, b...)
	}

	d := NewDecoder()
	d.Feed(stream)

	var decoded []Frame
	for {
		f, ok, err := d.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		decoded = append(decoded, f)
	}

	require.Equal(t, frames, decoded)
}

func TestDecodeShortInputDoesNotConsume(t *testing.T) {
	full, err := Encode(Frame{Kind: KindRequest, Index: 1, Begin: 2, Length: 3})
	require.NoError(t, err)

	d := NewDecoder()
	d.Feed(full[:len(full)-1])

	f, ok, err := d.Next()
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, Frame{}, f)
	require.Equal(t, len(full)-1, d.Buffered())

	d.Feed(full[len(full)-1:])
	got, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Frame{Kind: KindRequest, Index: 1, Begin: 2, Length: 3}, got)
}

func TestDecodeLengthPrefixOnlyDoesNotConsume(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{0x00, 0x00, 0x00, 0x01})
	f, ok, err := d.Next()
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, Frame{}, f)
	require.Equal(t, 4, d.Buffered())
}

func TestDecodeUnknownIDIsMalformed(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{0x00, 0x00, 0x00, 0x02, 0xFE, 0x00})
	_, ok, err := d.Next()
	require.False(t, ok)
	require.ErrorIs(t, err, ErrMalformed)
}
