package tracker

import (
	"github.com/cespare/xxhash/v2"

	"github.com/bft-labs/connbridge/pkg/protocol"
)

// Fingerprint identifies a checkpoint by hashing the canonical form of its
// payload, so that the source's and the destination's serializations of the
// same state match. Distinct states colliding on 64 bits are not detected.
func Fingerprint(state *protocol.StateMessage) (uint64, error) {
	payload, err := state.Payload()
	if err != nil {
		return 0, err
	}
	canonical, err := protocol.CanonicalJSON(payload)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(canonical), nil
}
