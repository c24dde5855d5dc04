package session

import (
	crand "crypto/rand"
	"fmt"
)

// GeneratePeerID builds a 20-byte Azureus-style peer-id: prefix (e.g.
// "-GT0001-") followed by random lowercase-alphanumeric characters,
// ported from the teacher's GeneratePeerID and made prefix-configurable
// (spec §6 added).
func GeneratePeerID(prefix string) ([20]byte, error) {
	var id [20]byte

	if len(prefix) > 20 {
		return id, fmt.Errorf("session: peer id prefix %q longer than 20 bytes", prefix)
	}

	copy(id[:], prefix)

	randomLen := 20 - len(prefix)
	randomBytes := make([]byte, randomLen)
	if _, err := crand.Read(randomBytes); err != nil {
		return id, fmt.Errorf("session: generating random peer id suffix: %w", err)
	}

	const chars = "0123456789abcdefghijklmnopqrstuvwxyz"
	for i, b := range randomBytes {
		id[len(prefix)+i] = chars[int(b)%len(chars)]
	}

	return id, nil
}
