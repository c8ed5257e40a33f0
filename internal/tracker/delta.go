package tracker

import "fmt"

const (
	// DefaultDeltaMemoryLimitBytes bounds the pending checkpoint ledger.
	DefaultDeltaMemoryLimitBytes = 10 * 1024 * 1024

	fingerprintBytes = 8
	// Two bytes of stream index plus an eight byte count.
	streamEntryBytes = 10
)

// DeltaTrackerError reports that committed counts can no longer be computed.
type DeltaTrackerError struct {
	Msg string
}

func (e *DeltaTrackerError) Error() string {
	return "state delta tracker: " + e.Msg
}

type checkpoint struct {
	fingerprint uint64
	counts      map[uint16]int64
	size        int64
}

// DeltaTracker is a FIFO ledger of per-stream record counts between
// checkpoints. Counts move to the committed totals once the destination
// acknowledges a checkpoint. Once overflowed it stays overflowed.
type DeltaTracker struct {
	limit      int64
	used       int64
	pending    []checkpoint
	committed  map[uint16]int64
	overflowed bool
}

// NewDeltaTracker returns a ledger bounded by limitBytes.
func NewDeltaTracker(limitBytes int64) *DeltaTracker {
	return &DeltaTracker{limit: limitBytes, committed: make(map[uint16]int64)}
}

// AddCheckpoint records the counts emitted since the previous checkpoint.
func (d *DeltaTracker) AddCheckpoint(fingerprint uint64, counts map[uint16]int64) error {
	if d.overflowed {
		return &DeltaTrackerError{Msg: "memory limit previously exceeded"}
	}
	size := int64(fingerprintBytes + streamEntryBytes*len(counts))
	if d.used+size > d.limit {
		d.overflowed = true
		return &DeltaTrackerError{Msg: fmt.Sprintf("memory limit of %d bytes exceeded", d.limit)}
	}

	copied := make(map[uint16]int64, len(counts))
	for k, v := range counts {
		copied[k] = v
	}
	d.pending = append(d.pending, checkpoint{fingerprint: fingerprint, counts: copied, size: size})
	d.used += size
	return nil
}

// CommitThrough folds every pending checkpoint up to and including the one
// matching fingerprint into the committed totals.
func (d *DeltaTracker) CommitThrough(fingerprint uint64) error {
	if d.overflowed {
		return &DeltaTrackerError{Msg: "memory limit previously exceeded"}
	}

	match := -1
	for i, c := range d.pending {
		if c.fingerprint == fingerprint {
			match = i
			break
		}
	}
	if match < 0 {
		d.overflowed = true
		return &DeltaTrackerError{Msg: fmt.Sprintf("no pending checkpoint for fingerprint %x", fingerprint)}
	}

	for _, c := range d.pending[:match+1] {
		for idx, n := range c.counts {
			d.committed[idx] += n
		}
		d.used -= c.size
	}
	d.pending = append(d.pending[:0:0], d.pending[match+1:]...)
	return nil
}

// CommittedRecords returns a copy of the committed count per stream index.
func (d *DeltaTracker) CommittedRecords() map[uint16]int64 {
	out := make(map[uint16]int64, len(d.committed))
	for k, v := range d.committed {
		out[k] = v
	}
	return out
}

// Overflowed reports whether the ledger gave up on exact accounting.
func (d *DeltaTracker) Overflowed() bool {
	return d.overflowed
}

// PendingBytes is the memory currently accounted to pending checkpoints.
func (d *DeltaTracker) PendingBytes() int64 {
	return d.used
}
