package fmtp

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/unidata-ldm/fmtprecv/internal/logger"
	"github.com/unidata-ldm/fmtprecv/pkg/metrics"
	"github.com/unidata-ldm/fmtprecv/pkg/wire"
)

// recordingNotifier captures every callback invocation for assertions,
// and by default accepts every BOP into a fresh buffer.
type recordingNotifier struct {
	delivered map[ProdIndex][]byte
	missed    map[ProdIndex]int
	rejectBOP map[ProdIndex]bool
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		delivered: make(map[ProdIndex][]byte),
		missed:    make(map[ProdIndex]int),
		rejectBOP: make(map[ProdIndex]bool),
	}
}

func (n *recordingNotifier) BOPAccepted(prodIndex ProdIndex, prodSize uint32, _ []byte) ([]byte, bool) {
	if n.rejectBOP[prodIndex] {
		return nil, false
	}
	return make([]byte, prodSize), true
}

func (n *recordingNotifier) ProductDelivered(prodIndex ProdIndex, buf []byte) {
	n.delivered[prodIndex] = buf
}

func (n *recordingNotifier) ProductMissed(prodIndex ProdIndex) {
	n.missed[prodIndex]++
}

func newTestTracker(t *testing.T, notifier Notifier) (*Tracker, *retxQueue) {
	t.Helper()
	queue := newRetxQueue(64, nil, nil)
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	tr := NewTracker(TrackerConfig{
		RecentlyResolvedCapacity: 16,
		BaseTimeout:              time.Second,
	}, queue, nil, notifier, reg, logger.Nop())
	return tr, queue
}

func bopPacket(prodIndex uint32, prodSize uint32, payloadLen uint16) (wire.Header, []byte) {
	bop := wire.BOPPayload{ProdSize: prodSize}
	buf := make([]byte, bop.Len())
	_, _ = bop.MarshalTo(buf)
	return wire.Header{ProdIndex: prodIndex, PayloadLen: payloadLen, Flags: wire.FlagBOP}, buf
}

func dataPacket(prodIndex, seqNum uint32, payload []byte) (wire.Header, []byte) {
	return wire.Header{ProdIndex: prodIndex, SeqNum: seqNum, PayloadLen: uint16(len(payload)), Flags: wire.FlagData}, payload
}

func eopHeader(prodIndex uint32) wire.Header {
	return wire.Header{ProdIndex: prodIndex, Flags: wire.FlagEOP}
}

func TestTrackerDeliversCleanProduct(t *testing.T) {
	notifier := newRecordingNotifier()
	tr, _ := newTestTracker(t, notifier)

	h, payload := bopPacket(1, 20, 10)
	tr.OnMcastPacket(h, payload)

	dh, dp := dataPacket(1, 0, []byte("0123456789"))
	tr.OnMcastPacket(dh, dp)
	dh2, dp2 := dataPacket(1, 10, []byte("abcdefghij"))
	tr.OnMcastPacket(dh2, dp2)

	tr.OnMcastPacket(eopHeader(1), nil)

	require.Equal(t, []byte("0123456789abcdefghij"), notifier.delivered[ProdIndex(1)])
	require.Empty(t, notifier.missed)
}

func TestTrackerOutOfOrderEOPThenLastData(t *testing.T) {
	notifier := newRecordingNotifier()
	tr, _ := newTestTracker(t, notifier)

	h, payload := bopPacket(2, 20, 10)
	tr.OnMcastPacket(h, payload)

	dh, dp := dataPacket(2, 0, []byte("0123456789"))
	tr.OnMcastPacket(dh, dp)

	// EOP arrives before the second (final) data segment.
	tr.OnMcastPacket(eopHeader(2), nil)
	require.Empty(t, notifier.delivered)

	dh2, dp2 := dataPacket(2, 10, []byte("abcdefghij"))
	tr.OnMcastPacket(dh2, dp2)

	require.Equal(t, []byte("0123456789abcdefghij"), notifier.delivered[ProdIndex(2)])
}

func TestTrackerSingleDataLossTriggersRetx(t *testing.T) {
	notifier := newRecordingNotifier()
	tr, queue := newTestTracker(t, notifier)

	h, payload := bopPacket(3, 30, 10)
	tr.OnMcastPacket(h, payload)

	// Segment 0 arrives, segment 1 is lost, segment 2 arrives.
	dh0, dp0 := dataPacket(3, 0, []byte("0123456789"))
	tr.OnMcastPacket(dh0, dp0)
	dh2, dp2 := dataPacket(3, 20, []byte("ABCDEFGHIJ"))
	tr.OnMcastPacket(dh2, dp2)

	req, ok := queue.Pop()
	require.True(t, ok)
	require.Equal(t, ReqData, req.Kind)
	require.Equal(t, uint32(10), req.SeqNum)

	// The retransmitted segment arrives over the retx path and completes
	// the product without requesting anything further.
	rh, rp := dataPacket(3, 10, []byte("klmnopqrst"))
	tr.OnRetxPacket(rh, rp)
	tr.OnMcastPacket(eopHeader(3), nil)

	require.Equal(t, []byte("0123456789klmnopqrstABCDEFGHIJ"), notifier.delivered[ProdIndex(3)])
}

func TestTrackerBOPGapRequestsMissingBOPs(t *testing.T) {
	notifier := newRecordingNotifier()
	tr, queue := newTestTracker(t, notifier)

	h1, p1 := bopPacket(10, 10, 10)
	tr.OnMcastPacket(h1, p1)

	// Skip straight to prodindex 13: 11 and 12 should be requested.
	h2, p2 := bopPacket(13, 10, 10)
	tr.OnMcastPacket(h2, p2)

	seen := map[ProdIndex]bool{}
	for i := 0; i < 2; i++ {
		req, ok := queue.Pop()
		require.True(t, ok)
		require.Equal(t, ReqBOP, req.Kind)
		seen[req.ProdIndex] = true
	}
	require.True(t, seen[ProdIndex(11)])
	require.True(t, seen[ProdIndex(12)])
}

func TestTrackerDataBeforeBOPIsDroppedByDefault(t *testing.T) {
	notifier := newRecordingNotifier()
	tr, queue := newTestTracker(t, notifier)

	dh, dp := dataPacket(5, 0, []byte("0123456789"))
	tr.OnMcastPacket(dh, dp)

	req, ok := queue.Pop()
	require.True(t, ok)
	require.Equal(t, ReqBOP, req.Kind)
	require.Equal(t, ProdIndex(5), req.ProdIndex)

	// The BOP arrives afterwards; the earlier segment was dropped, so the
	// product is still incomplete.
	h, payload := bopPacket(5, 10, 10)
	tr.OnMcastPacket(h, payload)
	require.Empty(t, notifier.delivered)
}

func TestTrackerDiscardSubstateSkipsCopyButCounts(t *testing.T) {
	notifier := newRecordingNotifier()
	notifier.rejectBOP[ProdIndex(7)] = true
	tr, _ := newTestTracker(t, notifier)

	h, payload := bopPacket(7, 20, 10)
	tr.OnMcastPacket(h, payload)

	dh, dp := dataPacket(7, 0, []byte("0123456789"))
	tr.OnMcastPacket(dh, dp)
	dh2, dp2 := dataPacket(7, 10, []byte("abcdefghij"))
	tr.OnMcastPacket(dh2, dp2)
	tr.OnMcastPacket(eopHeader(7), nil)

	require.NotContains(t, notifier.delivered, ProdIndex(7))
}

func TestTrackerProdSizeNotMultipleOfPayloadLen(t *testing.T) {
	notifier := newRecordingNotifier()
	tr, _ := newTestTracker(t, notifier)

	h, payload := bopPacket(8, 25, 10)
	tr.OnMcastPacket(h, payload)

	dh0, dp0 := dataPacket(8, 0, []byte("0123456789"))
	tr.OnMcastPacket(dh0, dp0)
	dh1, dp1 := dataPacket(8, 10, []byte("abcdefghij"))
	tr.OnMcastPacket(dh1, dp1)
	dh2, dp2 := dataPacket(8, 20, []byte("QWXYZ")) // final, short segment
	tr.OnMcastPacket(dh2, dp2)
	tr.OnMcastPacket(eopHeader(8), nil)

	require.Equal(t, []byte("0123456789abcdefghijQWXYZ"), notifier.delivered[ProdIndex(8)])
}

func TestTrackerDuplicateDataIsIdempotent(t *testing.T) {
	notifier := newRecordingNotifier()
	tr, _ := newTestTracker(t, notifier)

	h, payload := bopPacket(9, 10, 10)
	tr.OnMcastPacket(h, payload)

	dh, dp := dataPacket(9, 0, []byte("0123456789"))
	tr.OnMcastPacket(dh, dp)
	// Duplicate delivery of the same segment, e.g. a racing retransmission.
	tr.OnMcastPacket(dh, []byte("ZZZZZZZZZZ"))
	tr.OnMcastPacket(eopHeader(9), nil)

	require.Equal(t, []byte("0123456789"), notifier.delivered[ProdIndex(9)])
}

func TestTrackerRetxEndAbandonsProduct(t *testing.T) {
	notifier := newRecordingNotifier()
	tr, _ := newTestTracker(t, notifier)

	h, payload := bopPacket(11, 10, 10)
	tr.OnMcastPacket(h, payload)

	tr.OnRetxEnd(ProdIndex(11))

	require.Equal(t, 1, notifier.missed[ProdIndex(11)])
	require.NotContains(t, notifier.delivered, ProdIndex(11))
}

func TestTrackerWraparoundOrdering(t *testing.T) {
	var hi ProdIndex = 0xFFFFFFFE
	var lo ProdIndex = 1

	require.True(t, lo.After(hi))
	require.True(t, hi.Before(lo))
	require.Equal(t, ProdIndex(0xFFFFFFFF), hi.Next())
}

// TestTrackerConcurrentMcastAndRetxSegmentsDeliverCompleteBuffer exercises
// the Tracker's real concurrency model: the Multicast Reader and the Retx
// Receiver are independent goroutines that can feed the same product's last
// two segments at the same instant. Claiming a segment's bitmap bit only
// reserves it against duplicates; the delivered buffer must never be handed
// to the notifier before every claimed segment's payload copy has actually
// landed.
func TestTrackerConcurrentMcastAndRetxSegmentsDeliverCompleteBuffer(t *testing.T) {
	notifier := newRecordingNotifier()
	tr, _ := newTestTracker(t, notifier)

	h, payload := bopPacket(50, 40, 10)
	tr.OnMcastPacket(h, payload)

	dh0, dp0 := dataPacket(50, 0, []byte("0123456789"))
	tr.OnMcastPacket(dh0, dp0)
	dh1, dp1 := dataPacket(50, 10, []byte("abcdefghij"))
	tr.OnMcastPacket(dh1, dp1)

	// EOP arrives while the last two segments are still missing, so
	// completion is gated on both of them landing.
	tr.OnMcastPacket(eopHeader(50), nil)
	require.Empty(t, notifier.delivered)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dh2, dp2 := dataPacket(50, 20, []byte("ABCDEFGHIJ"))
		tr.OnMcastPacket(dh2, dp2)
	}()
	go func() {
		defer wg.Done()
		dh3, dp3 := dataPacket(50, 30, []byte("KLMNOPQRST"))
		tr.OnRetxPacket(dh3, dp3)
	}()
	wg.Wait()

	require.Equal(t, []byte("0123456789abcdefghijABCDEFGHIJKLMNOPQRST"), notifier.delivered[ProdIndex(50)])
}

func TestTrackerShutdownReportsMissed(t *testing.T) {
	notifier := newRecordingNotifier()
	tr, _ := newTestTracker(t, notifier)

	h, payload := bopPacket(20, 10, 10)
	tr.OnMcastPacket(h, payload)

	tr.Shutdown()

	require.Equal(t, 1, notifier.missed[ProdIndex(20)])
}
