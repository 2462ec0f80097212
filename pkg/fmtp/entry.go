package fmtp

import "time"

// entryState is the per-entry state machine.
type entryState int

const (
	stateAwaitingData entryState = iota
	stateComplete
	stateDelivered
	stateAbandoned
)

// trackerEntry is one live product.
type trackerEntry struct {
	prodIndex  ProdIndex
	prodSize   uint32
	payloadLen uint16
	buffer     []byte
	bitmap     *segmentBitmap

	eopSeen      bool // EOP arrived and, at the time, the bitmap was already full
	eopPending   bool // EOP has arrived (set on the first EOP, whether or not the bitmap was full)
	eopRequested bool // an EOP_REQ has already been sent for this product
	discard      bool // notifier rejected the BOP: account segments, don't store

	// present counts segments that are fully accounted for: their
	// payload copy has completed (or, for a discarded product, there
	// was never a copy to wait for). bitmap.set only reflects that a
	// segment's slot has been claimed against duplicates, which for the
	// multicast path happens before the payload copy runs outside the
	// Tracker lock; gating completion on present rather than the
	// bitmap keeps a concurrent claim-then-copy race from delivering a
	// buffer whose last segment hasn't finished landing yet.
	present int

	bopArrival time.Time
	retxCount  int
	state      entryState
}

// segmentCount returns the number of segments a product of the given size
// is split into at the given payload length (ceil division).
func segmentCount(prodSize uint32, payloadLen uint16) int {
	if payloadLen == 0 {
		return 0
	}
	return int((uint64(prodSize) + uint64(payloadLen) - 1) / uint64(payloadLen))
}

// segmentLength returns the byte length of segment i of a product, which
// is payloadLen for every segment except a final, possibly short one.
func segmentLength(i int, prodSize uint32, payloadLen uint16) int {
	start := uint64(i) * uint64(payloadLen)
	end := start + uint64(payloadLen)
	if end > uint64(prodSize) {
		end = uint64(prodSize)
	}
	if end < start {
		return 0
	}
	return int(end - start)
}

func newTrackerEntry(prodIndex ProdIndex, prodSize uint32, payloadLen uint16, buf []byte, now time.Time) *trackerEntry {
	n := segmentCount(prodSize, payloadLen)
	return &trackerEntry{
		prodIndex:  prodIndex,
		prodSize:   prodSize,
		payloadLen: payloadLen,
		buffer:     buf,
		bitmap:     newSegmentBitmap(n),
		bopArrival: now,
		state:      stateAwaitingData,
	}
}

// readyToComplete reports whether the entry has both seen its EOP and every
// segment is fully present, i.e. it may transition AWAITING_DATA -> COMPLETE.
func (e *trackerEntry) readyToComplete() bool {
	return e.state == stateAwaitingData && e.eopPending && e.present == e.bitmap.Len()
}
