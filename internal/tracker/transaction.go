package tracker

import (
	crand "crypto/rand"
	"encoding/binary"
)

// randomUint32 returns a cryptographically random uint32, used for both
// transaction_id and the announce key field, grounded on the teacher's
// GenerateTransactionID in torrent/utils.go.
func randomUint32() uint32 {
	var b [4]byte
	if _, err := crand.Read(b[:]); err != nil {
		// crypto/rand.Read on an in-memory buffer does not fail in
		// practice on supported platforms; degrade to zero rather than
		// panicking a long-lived engine loop.
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}
