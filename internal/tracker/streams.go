package tracker

import (
	"fmt"
	"math"

	"github.com/bft-labs/connbridge/pkg/protocol"
)

// streamTable maps stream descriptors to dense indexes and back. Entries
// are created on first use and never removed.
type streamTable struct {
	byKey   map[protocol.StreamDescriptor]uint16
	byIndex map[uint16]protocol.StreamDescriptor
}

func newStreamTable() *streamTable {
	return &streamTable{
		byKey:   make(map[protocol.StreamDescriptor]uint16),
		byIndex: make(map[uint16]protocol.StreamDescriptor),
	}
}

// index returns the index of d, assigning the next free one if needed.
func (t *streamTable) index(d protocol.StreamDescriptor) (uint16, error) {
	if idx, ok := t.byKey[d]; ok {
		return idx, nil
	}
	if len(t.byKey) > math.MaxUint16 {
		return 0, fmt.Errorf("too many streams: cannot index %s", d)
	}
	idx := uint16(len(t.byKey))
	t.byKey[d] = idx
	t.byIndex[idx] = d
	return idx, nil
}

func (t *streamTable) descriptor(idx uint16) (protocol.StreamDescriptor, bool) {
	d, ok := t.byIndex[idx]
	return d, ok
}
