package fmtp

import (
	"container/heap"
	"sync"
	"time"

	"github.com/unidata-ldm/fmtprecv/internal/logger"
)

// timerItem is one entry of the Product Timer's min-heap, keyed by
// deadline.
type timerItem struct {
	prodIndex ProdIndex
	deadline  time.Time
	live      bool // false once Disarm has been called; skipped when popped
	index     int  // heap.Interface bookkeeping
}

type timerHeap []*timerItem

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x interface{}) {
	item := x.(*timerItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// expirer is the Tracker's view from the Timer: deliver the expiry
// notification for a prodindex.
type expirer interface {
	OnTimerExpired(prodIndex ProdIndex)
}

// ProductTimer maintains a min-heap of (deadline, prodindex) pairs and,
// on expiry of the earliest one, calls back into the Tracker. It never
// holds a pointer to a Tracker entry directly, only the prodindex: the
// Tracker's own lookup is the single source of truth for whether the
// product is still live.
type ProductTimer struct {
	mu      sync.Mutex
	heap    timerHeap
	items   map[ProdIndex]*timerItem
	tracker expirer
	log     logger.Logger

	wakeCh   chan struct{}
	shutdown bool
	wg       sync.WaitGroup
}

// NewProductTimer constructs a ProductTimer bound to tracker. Call Start
// to begin its background goroutine and Stop to join it.
func NewProductTimer(tracker expirer, log logger.Logger) *ProductTimer {
	return &ProductTimer{
		items:   make(map[ProdIndex]*timerItem),
		tracker: tracker,
		log:     log,
		wakeCh:  make(chan struct{}, 1),
	}
}

// wake nudges a blocked run() loop without requiring it to be listening
// at the exact moment of the call: the channel is buffered by one, so a
// wake that arrives while run() is busy is not lost, only coalesced with
// any wake already pending.
func (pt *ProductTimer) wake() {
	select {
	case pt.wakeCh <- struct{}{}:
	default:
	}
}

// Arm schedules (or reschedules) prodIndex's deadline.
func (pt *ProductTimer) Arm(prodIndex ProdIndex, deadline time.Time) {
	pt.mu.Lock()
	if pt.shutdown {
		pt.mu.Unlock()
		return
	}
	if existing, ok := pt.items[prodIndex]; ok {
		existing.live = false
	}
	item := &timerItem{prodIndex: prodIndex, deadline: deadline, live: true}
	pt.items[prodIndex] = item
	heap.Push(&pt.heap, item)
	pt.mu.Unlock()
	pt.wake()
}

// Disarm cancels any pending deadline for prodIndex.
func (pt *ProductTimer) Disarm(prodIndex ProdIndex) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if item, ok := pt.items[prodIndex]; ok {
		item.live = false
		delete(pt.items, prodIndex)
	}
}

// Start begins the Timer's background goroutine.
func (pt *ProductTimer) Start() {
	pt.wg.Add(1)
	go pt.run()
}

// Stop signals shutdown and blocks until the background goroutine exits.
func (pt *ProductTimer) Stop() {
	pt.mu.Lock()
	pt.shutdown = true
	pt.mu.Unlock()
	pt.wake()
	pt.wg.Wait()
}

func (pt *ProductTimer) run() {
	defer pt.wg.Done()
	for {
		item, wait, ok := pt.next()
		if !ok {
			return // shutdown
		}
		if item == nil {
			// No armed product: block until one is armed or we shut down.
			pt.sleep(wait)
			continue
		}
		if wait > 0 {
			pt.sleep(wait)
			continue
		}
		pt.expire(item)
	}
}

// next returns the earliest live item without popping anything it
// doesn't expire, the duration to wait before re-checking, and whether
// the timer is still running.
func (pt *ProductTimer) next() (item *timerItem, wait time.Duration, running bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for {
		if pt.shutdown {
			return nil, 0, false
		}
		for pt.heap.Len() > 0 && !pt.heap[0].live {
			heap.Pop(&pt.heap)
		}
		if pt.heap.Len() == 0 {
			return nil, time.Hour, true
		}
		next := pt.heap[0]
		d := time.Until(next.deadline)
		if d <= 0 {
			heap.Pop(&pt.heap)
			delete(pt.items, next.prodIndex)
			return next, 0, true
		}
		return nil, d, true
	}
}

// sleep blocks for d or until woken by Arm/Stop, whichever comes first.
func (pt *ProductTimer) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-pt.wakeCh:
	}
}

func (pt *ProductTimer) expire(item *timerItem) {
	pt.log.Debugw("product timer expired", "prodindex", item.prodIndex)
	pt.tracker.OnTimerExpired(item.prodIndex)
}
