package fmtp

import (
	"sync"
	"time"

	"github.com/unidata-ldm/fmtprecv/internal/logger"
	"github.com/unidata-ldm/fmtprecv/pkg/metrics"
	"github.com/unidata-ldm/fmtprecv/pkg/wire"
)

// packetPath distinguishes the multicast path from the retransmission
// path. The distinction matters because retx packets must never
// themselves trigger new retransmission requests on gap detection, and
// because only the multicast path advances the Tracker's notion of the
// highest prodindex seen so far.
type packetPath int

const (
	pathMcast packetPath = iota
	pathRetx
)

type pendingSegment struct {
	seqNum  uint32
	payload []byte
}

// missingEntry is a prodindex in the Missing-BOP set: DATA or EOP arrived
// for it before its BOP did. It has no buffer yet; pending holds at most
// TrackerConfig.MissingBopPendingCap segments to replay once the BOP
// arrives. With the default cap of 0, such DATA is dropped outright,
// relying on the BOP_REQ/DATA_REQ cycle to recover it.
type missingEntry struct {
	pending []pendingSegment
}

// TimerArmer is the Product Timer's view from the Tracker: arm a deadline
// for a newly-live product, or disarm one that resolved before its timer
// fired.
type TimerArmer interface {
	Arm(prodIndex ProdIndex, deadline time.Time)
	Disarm(prodIndex ProdIndex)
}

// TrackerConfig holds the Tracker's tunables.
type TrackerConfig struct {
	MissingBopPendingCap     int
	RecentlyResolvedCapacity int
	BaseTimeout              time.Duration
	RetxSlack                time.Duration
	LinkSpeedBPS             uint64
}

// Tracker is the central reassembly state: the prodindex -> Entry map,
// the Missing-BOP set, the highest-seen prodindex, and the producer end
// of the retransmission-request queue. A single mutex serialises every
// structural mutation; segment payload copies happen outside the lock
// once the destination bitmap bit has been claimed under it.
type Tracker struct {
	mu sync.Mutex

	entries     map[ProdIndex]*trackerEntry
	missingBop  map[ProdIndex]*missingEntry
	resolved    *resolvedSet
	highestSeen ProdIndex
	haveHighest bool

	cfg      TrackerConfig
	queue    *retxQueue
	timer    TimerArmer
	notifier Notifier
	metrics  *metrics.Registry
	log      logger.Logger

	now func() time.Time
}

// NewTracker constructs a Tracker. queue, notifier, metrics, and log must
// be non-nil; timer may be nil in tests that don't exercise timeouts.
func NewTracker(cfg TrackerConfig, queue *retxQueue, timer TimerArmer, notifier Notifier, reg *metrics.Registry, log logger.Logger) *Tracker {
	return &Tracker{
		entries:    make(map[ProdIndex]*trackerEntry),
		missingBop: make(map[ProdIndex]*missingEntry),
		resolved:   newResolvedSet(cfg.RecentlyResolvedCapacity),
		cfg:        cfg,
		queue:      queue,
		timer:      timer,
		notifier:   notifier,
		metrics:    reg,
		log:        log,
		now:        time.Now,
	}
}

// SetTimer binds the Product Timer after construction, breaking the
// Tracker/Timer constructor cycle: the Timer only ever sees a prodindex
// and calls back through OnTimerExpired, so it can be wired up in either
// order.
func (t *Tracker) SetTimer(timer TimerArmer) {
	t.mu.Lock()
	t.timer = timer
	t.mu.Unlock()
}

// SetLinkSpeed updates the nominal sender throughput used to scale
// per-product timeouts.
func (t *Tracker) SetLinkSpeed(bps uint64) {
	t.mu.Lock()
	t.cfg.LinkSpeedBPS = bps
	t.mu.Unlock()
}

// OnMcastPacket is invoked by the Multicast Reader for every decoded
// frame.
func (t *Tracker) OnMcastPacket(h wire.Header, payload []byte) {
	t.recordPacket(metrics.DirectionMcastIn, h.Flags)
	switch h.Flags {
	case wire.FlagBOP:
		t.handleBOP(h, payload, pathMcast)
	case wire.FlagData:
		t.handleData(h, payload, pathMcast)
	case wire.FlagEOP:
		t.handleEOP(h, pathMcast)
	default:
		t.log.Warnw("unknown flag on multicast path", "prodindex", h.ProdIndex, "flags", h.Flags)
	}
}

// OnRetxPacket is invoked by the Retx Receiver for every decoded frame
// read from the TCP retransmission channel, including RETX_END, which it
// hands on to OnRetxEnd.
func (t *Tracker) OnRetxPacket(h wire.Header, payload []byte) {
	t.recordPacket(metrics.DirectionRetxIn, h.Flags)
	switch h.Flags {
	case wire.FlagBOP:
		t.handleBOP(h, payload, pathRetx)
	case wire.FlagData:
		t.handleData(h, payload, pathRetx)
	case wire.FlagEOP:
		t.handleEOP(h, pathRetx)
	case wire.FlagRetxEnd:
		t.OnRetxEnd(ProdIndex(h.ProdIndex))
	default:
		t.log.Warnw("unknown flag on retx path", "prodindex", h.ProdIndex, "flags", h.Flags)
	}
}

// OnRetxEnd abandons the product: the sender has told us no further
// retransmission is possible for it.
func (t *Tracker) OnRetxEnd(prodIndex ProdIndex) {
	t.mu.Lock()
	entry, ok := t.entries[prodIndex]
	if !ok {
		t.mu.Unlock()
		return
	}
	entry.state = stateAbandoned
	delete(t.entries, prodIndex)
	t.resolved.Add(prodIndex)
	t.metrics.LiveProducts.Set(float64(len(t.entries)))
	if t.timer != nil {
		t.timer.Disarm(prodIndex)
	}
	t.mu.Unlock()

	t.metrics.ProductsTotal.WithLabelValues(string(metrics.OutcomeMissed)).Inc()
	t.notifier.ProductMissed(prodIndex)
}

// OnTimerExpired is invoked by the Product Timer when a product's
// deadline fires.
func (t *Tracker) OnTimerExpired(prodIndex ProdIndex) {
	t.mu.Lock()
	entry, ok := t.entries[prodIndex]
	if !ok {
		t.mu.Unlock()
		return
	}
	if entry.readyToComplete() {
		// Defensive path: the Reader should already have delivered it.
		deliver, buf := t.completeLocked(entry)
		t.mu.Unlock()
		if deliver {
			t.notifier.ProductDelivered(prodIndex, buf)
		}
		return
	}

	entry.state = stateAbandoned
	delete(t.entries, prodIndex)
	t.resolved.Add(prodIndex)
	t.metrics.LiveProducts.Set(float64(len(t.entries)))
	t.mu.Unlock()

	t.metrics.ProductsTotal.WithLabelValues(string(metrics.OutcomeMissed)).Inc()
	t.notifier.ProductMissed(prodIndex)
	t.sendRetxRequest(RetxRequest{Kind: ReqEnd, ProdIndex: prodIndex})
}

// Shutdown drops every live entry, invoking the notifier's missed hook
// for each.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	live := make([]ProdIndex, 0, len(t.entries))
	for p := range t.entries {
		live = append(live, p)
	}
	t.entries = make(map[ProdIndex]*trackerEntry)
	t.metrics.LiveProducts.Set(0)
	t.mu.Unlock()

	for _, p := range live {
		t.notifier.ProductMissed(p)
	}
}

func (t *Tracker) handleBOP(h wire.Header, payload []byte, path packetPath) {
	bop, err := wire.UnmarshalBOPPayload(payload)
	if err != nil {
		t.log.Warnw("malformed BOP payload", "prodindex", h.ProdIndex, "error", err)
		return
	}
	prodIndex := ProdIndex(h.ProdIndex)
	metaCopy := append([]byte(nil), bop.Metadata...)

	t.mu.Lock()
	if _, tracked := t.entries[prodIndex]; tracked {
		t.mu.Unlock()
		t.log.Debugw("duplicate BOP for tracked product", "prodindex", prodIndex)
		return
	}
	missing, wasMissing := t.missingBop[prodIndex]
	if !wasMissing {
		if path == pathRetx && t.resolved.Contains(prodIndex) {
			t.mu.Unlock()
			return // stale retx BOP for an already-resolved product
		}
		if path == pathMcast {
			t.detectGapLocked(prodIndex)
		}
	}
	if path == pathMcast {
		t.advanceHighestSeenLocked(prodIndex)
	}
	var pending []pendingSegment
	if wasMissing {
		pending = missing.pending
		delete(t.missingBop, prodIndex)
	}
	t.mu.Unlock()

	buf, accept := t.notifier.BOPAccepted(prodIndex, bop.ProdSize, metaCopy)

	t.mu.Lock()
	if _, tracked := t.entries[prodIndex]; tracked {
		// Lost a race to another BOP handler for the same prodindex
		// (e.g. a multicast and a retransmitted BOP arriving together).
		t.mu.Unlock()
		return
	}
	if accept && buf == nil {
		delete(t.missingBop, prodIndex)
		t.resolved.Add(prodIndex)
		t.mu.Unlock()
		t.log.Errorw("buffer allocation failed for product", ErrBufferAllocation, "prodindex", prodIndex)
		t.metrics.ProductsTotal.WithLabelValues(string(metrics.OutcomeMissed)).Inc()
		t.notifier.ProductMissed(prodIndex)
		return
	}
	if !accept {
		buf = nil
	}
	entry := newTrackerEntry(prodIndex, bop.ProdSize, h.PayloadLen, buf, t.now())
	entry.discard = !accept
	t.entries[prodIndex] = entry
	t.metrics.LiveProducts.Set(float64(len(t.entries)))

	// A DATA or EOP for this prodindex may have re-added it to the
	// Missing-BOP set while BOPAccepted ran unlocked above; reconcile
	// unconditionally now that the entry is installed, or it would
	// linger in missingBop forever (wasMissing only cleared the set's
	// earlier, now-stale, entry).
	if late, ok := t.missingBop[prodIndex]; ok {
		pending = append(pending, late.pending...)
		delete(t.missingBop, prodIndex)
	}

	for _, seg := range pending {
		t.applyPendingSegmentLocked(entry, seg)
	}
	t.maybeRequestEOPLocked(entry, path)
	var deliver bool
	var deliverBuf []byte
	if entry.readyToComplete() {
		deliver, deliverBuf = t.completeLocked(entry)
	}
	deadline := t.now().Add(t.productTimeoutLocked(bop.ProdSize))
	t.mu.Unlock()

	if t.timer != nil && !deliver {
		t.timer.Arm(prodIndex, deadline)
	}
	if deliver {
		t.notifier.ProductDelivered(prodIndex, deliverBuf)
	}
}

// applyPendingSegmentLocked replays a segment buffered in the Missing-BOP
// set once its BOP has promoted the entry into the Tracker map.
func (t *Tracker) applyPendingSegmentLocked(entry *trackerEntry, seg pendingSegment) {
	if entry.payloadLen == 0 || seg.seqNum%uint32(entry.payloadLen) != 0 {
		return
	}
	i := int(seg.seqNum / uint32(entry.payloadLen))
	if i >= entry.bitmap.Len() || !entry.bitmap.TryClaim(i) {
		return
	}
	if entry.discard {
		entry.present++
		return
	}
	want := segmentLength(i, entry.prodSize, entry.payloadLen)
	start := i * int(entry.payloadLen)
	copy(entry.buffer[start:start+want], seg.payload)
	entry.present++
}

func (t *Tracker) handleData(h wire.Header, payload []byte, path packetPath) {
	prodIndex := ProdIndex(h.ProdIndex)

	t.mu.Lock()
	entry, ok := t.entries[prodIndex]
	if !ok {
		if !t.resolved.Contains(prodIndex) {
			t.addMissingAndRequestBOPLocked(prodIndex, h.SeqNum, payload, path)
		}
		t.mu.Unlock()
		return
	}
	if entry.payloadLen == 0 || h.SeqNum%uint32(entry.payloadLen) != 0 {
		t.mu.Unlock()
		t.log.Warnw("malformed data segment seqnum", "prodindex", prodIndex, "seqnum", h.SeqNum)
		return
	}
	i := int(h.SeqNum / uint32(entry.payloadLen))
	if i >= entry.bitmap.Len() {
		t.mu.Unlock()
		t.log.Warnw("data segment out of range", "prodindex", prodIndex, "seqnum", h.SeqNum)
		return
	}

	claimed := entry.bitmap.TryClaim(i)
	discard := entry.discard
	var dst []byte
	if claimed && !discard {
		want := segmentLength(i, entry.prodSize, entry.payloadLen)
		start := i * int(entry.payloadLen)
		dst = entry.buffer[start : start+want]
	}
	t.mu.Unlock()

	if !claimed {
		return // duplicate segment arrival: first writer wins, no-op
	}
	if dst != nil {
		// Copying outside the Tracker lock is safe: no other writer can
		// target these bytes once the bitmap bit above has been claimed.
		copy(dst, payload)
	}

	t.mu.Lock()
	if cur, ok := t.entries[prodIndex]; !ok || cur != entry {
		t.mu.Unlock()
		return // entry resolved/freed between the claim and this re-lock
	}
	// Only now is the segment fully accounted for: its payload copy just
	// completed above (or, for a discarded product, there was never one
	// to wait for). completeLocked below must never see this product as
	// done before every claimed segment reaches this point.
	entry.present++
	if path == pathMcast && !discard {
		edge := entry.bitmap.FirstGapFrom(0)
		if edge < i {
			for _, m := range entry.bitmap.MissingFrom(edge) {
				if m >= i {
					break
				}
				entry.retxCount++
				t.sendRetxRequestLocked(RetxRequest{
					Kind:       ReqData,
					ProdIndex:  prodIndex,
					SeqNum:     uint32(m) * uint32(entry.payloadLen),
					PayloadLen: entry.payloadLen,
				})
			}
		}
	}
	t.maybeRequestEOPLocked(entry, path)
	var deliver bool
	var deliverBuf []byte
	if entry.readyToComplete() {
		deliver, deliverBuf = t.completeLocked(entry)
	}
	t.mu.Unlock()

	if deliver {
		t.notifier.ProductDelivered(prodIndex, deliverBuf)
	}
}

func (t *Tracker) handleEOP(h wire.Header, path packetPath) {
	prodIndex := ProdIndex(h.ProdIndex)

	t.mu.Lock()
	entry, ok := t.entries[prodIndex]
	if !ok {
		if !t.resolved.Contains(prodIndex) {
			t.addMissingAndRequestBOPLocked(prodIndex, 0, nil, path)
		}
		t.mu.Unlock()
		return
	}
	if entry.eopPending || entry.eopSeen {
		t.mu.Unlock()
		return // duplicate EOP
	}
	entry.eopPending = true
	if entry.bitmap.Full() {
		entry.eopSeen = true
	} else if path == pathMcast && !entry.discard {
		for _, m := range entry.bitmap.MissingFrom(0) {
			entry.retxCount++
			t.sendRetxRequestLocked(RetxRequest{
				Kind:       ReqData,
				ProdIndex:  prodIndex,
				SeqNum:     uint32(m) * uint32(entry.payloadLen),
				PayloadLen: entry.payloadLen,
			})
		}
	}
	var deliver bool
	var deliverBuf []byte
	if entry.readyToComplete() {
		deliver, deliverBuf = t.completeLocked(entry)
	}
	t.mu.Unlock()

	if deliver {
		t.notifier.ProductDelivered(prodIndex, deliverBuf)
	}
}

// completeLocked transitions entry from AWAITING_DATA to DELIVERED in one
// critical section (a discarded entry takes the same state but is counted
// as discarded and its buffer is not returned for delivery),
// removing it from the live map and arming the recently-resolved set so
// stray late packets are dropped as stale.
func (t *Tracker) completeLocked(entry *trackerEntry) (deliver bool, buf []byte) {
	entry.state = stateDelivered
	delete(t.entries, entry.prodIndex)
	t.resolved.Add(entry.prodIndex)
	t.metrics.LiveProducts.Set(float64(len(t.entries)))
	if t.timer != nil {
		t.timer.Disarm(entry.prodIndex)
	}
	if entry.discard {
		t.metrics.ProductsTotal.WithLabelValues(string(metrics.OutcomeDiscarded)).Inc()
		return false, nil
	}
	t.metrics.ProductsTotal.WithLabelValues(string(metrics.OutcomeDelivered)).Inc()
	t.metrics.ProductLatency.Observe(t.now().Sub(entry.bopArrival).Seconds())
	return true, entry.buffer
}

// maybeRequestEOPLocked requests retransmission of a product's EOP once
// every data segment has arrived but the EOP itself has not — the mirror
// case of requesting missing DATA when the bitmap is incomplete and EOP
// has already arrived. Sent at most once per product and never on the
// retx path, to avoid a retransmission feedback loop.
func (t *Tracker) maybeRequestEOPLocked(entry *trackerEntry, path packetPath) {
	if path != pathMcast || entry.discard || entry.eopPending || entry.eopRequested {
		return
	}
	if !entry.bitmap.Full() {
		return
	}
	entry.eopRequested = true
	entry.retxCount++
	t.sendRetxRequestLocked(RetxRequest{Kind: ReqEOP, ProdIndex: entry.prodIndex})
}

// detectGapLocked handles BOP gap detection: if the new BOP's prodindex
// is more than one past the highest previously-seen prodindex, enqueue a
// BOP_REQ for every index in between.
func (t *Tracker) detectGapLocked(prodIndex ProdIndex) {
	if !t.haveHighest || !prodIndex.After(t.highestSeen) {
		return
	}
	for p := t.highestSeen.Next(); p != prodIndex; p = p.Next() {
		if _, tracked := t.missingBop[p]; tracked {
			continue
		}
		t.missingBop[p] = &missingEntry{}
		t.sendRetxRequestLocked(RetxRequest{Kind: ReqBOP, ProdIndex: p})
	}
}

func (t *Tracker) advanceHighestSeenLocked(prodIndex ProdIndex) {
	if !t.haveHighest || prodIndex.After(t.highestSeen) {
		t.highestSeen = prodIndex
		t.haveHighest = true
	}
}

// addMissingAndRequestBOPLocked records prodIndex in the Missing-BOP set
// (if not already there) and requests its BOP exactly once. By default
// DATA/EOP arriving before BOP is dropped rather than buffered, unless
// TrackerConfig.MissingBopPendingCap opts into bounded buffering.
func (t *Tracker) addMissingAndRequestBOPLocked(prodIndex ProdIndex, seqNum uint32, payload []byte, path packetPath) {
	m, exists := t.missingBop[prodIndex]
	if !exists {
		m = &missingEntry{}
		t.missingBop[prodIndex] = m
		if path == pathMcast {
			t.sendRetxRequestLocked(RetxRequest{Kind: ReqBOP, ProdIndex: prodIndex})
		}
	}
	if payload != nil && t.cfg.MissingBopPendingCap > 0 && len(m.pending) < t.cfg.MissingBopPendingCap {
		m.pending = append(m.pending, pendingSegment{seqNum: seqNum, payload: append([]byte(nil), payload...)})
	}
}

func (t *Tracker) productTimeoutLocked(prodSize uint32) time.Duration {
	if t.cfg.LinkSpeedBPS == 0 {
		return t.cfg.BaseTimeout + t.cfg.RetxSlack
	}
	transmit := time.Duration(float64(prodSize) * 8 * float64(time.Second) / float64(t.cfg.LinkSpeedBPS))
	return t.cfg.BaseTimeout + transmit + t.cfg.RetxSlack
}

func (t *Tracker) recordPacket(dir metrics.Direction, flag wire.Flag) {
	t.metrics.PacketsTotal.WithLabelValues(string(dir), flag.String()).Inc()
}

func (t *Tracker) sendRetxRequest(req RetxRequest) {
	t.queue.Push(req)
	t.metrics.RetxRequestsTotal.WithLabelValues(req.Kind.String()).Inc()
}

// sendRetxRequestLocked is safe to call with t.mu held: the retx queue
// guards itself with its own, separate mutex, always acquired after
// t.mu, never the reverse — so no lock-ordering cycle is possible.
func (t *Tracker) sendRetxRequestLocked(req RetxRequest) {
	t.sendRetxRequest(req)
}
