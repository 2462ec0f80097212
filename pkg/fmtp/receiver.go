package fmtp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"go.uber.org/atomic"

	"github.com/unidata-ldm/fmtprecv/internal/logger"
	"github.com/unidata-ldm/fmtprecv/pkg/metrics"
)

// ReceiverConfig is everything required at construction.
type ReceiverConfig struct {
	SenderTCPAddr string
	MulticastAddr string
	InterfaceAddr string

	LinkSpeedBPS uint64
	BaseTimeout  time.Duration
	RetxSlack    time.Duration

	RetxQueueCapacity        int
	RecentlyResolvedCapacity int
	MissingBopPendingCap     int

	UDPReadTimeout time.Duration
	UDPRetryBudget int

	DialTimeout time.Duration
}

// Receiver is the FMTP v3 receiver: it owns the four long-lived
// goroutines (Multicast Reader, Retx Sender, Retx Receiver, Product
// Timer) plus the Tracker they all feed, and exposes the Start/Stop
// lifecycle used by the command-line front end.
type Receiver struct {
	cfg      ReceiverConfig
	notifier Notifier
	metrics  *metrics.Registry
	log      logger.Logger

	tracker *Tracker
	timer   *ProductTimer
	queue   *retxQueue

	mcastReader *MulticastReader
	retxSender  *RetxSender
	retxRecv    *RetxReceiver
	retxConn    net.Conn

	// closed is broken exactly once, by whichever of Stop or an internal
	// fatal error reaches it first; every goroutine selects on it to
	// unwind.
	closed core.Fuse

	// lastErr is the first-writer-wins fatal cause surfaced to Stop/Join.
	errOnce sync.Once
	lastErr atomic.Error

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// NewReceiver constructs a Receiver. It does not open any socket or start
// any goroutine until Start is called.
func NewReceiver(cfg ReceiverConfig, notifier Notifier, reg *metrics.Registry, log logger.Logger) *Receiver {
	ctx, cancel := context.WithCancel(context.Background())
	return &Receiver{
		cfg:      cfg,
		notifier: notifier,
		metrics:  reg,
		log:      log,
		closed:   core.NewFuse(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start dials the retransmission sender, joins the multicast group, and
// launches the four long-lived goroutines. On any error it returns
// immediately without leaking partially-started goroutines.
func (r *Receiver) Start() error {
	dialTimeout := r.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("tcp", r.cfg.SenderTCPAddr, dialTimeout)
	if err != nil {
		return err
	}
	r.retxConn = conn

	r.queue = newRetxQueue(r.cfg.RetxQueueCapacity, func(dropped RetxRequest) {
		r.metrics.RetxQueueDrops.Inc()
		r.log.Warnw("retx request queue overflow, dropping oldest", "prodindex", dropped.ProdIndex, "kind", dropped.Kind)
	}, r.metrics)

	trackerCfg := TrackerConfig{
		MissingBopPendingCap:     r.cfg.MissingBopPendingCap,
		RecentlyResolvedCapacity: r.cfg.RecentlyResolvedCapacity,
		BaseTimeout:              r.cfg.BaseTimeout,
		RetxSlack:                r.cfg.RetxSlack,
		LinkSpeedBPS:             r.cfg.LinkSpeedBPS,
	}
	r.tracker = NewTracker(trackerCfg, r.queue, nil, r.notifier, r.metrics, r.log)
	r.timer = NewProductTimer(r.tracker, r.log)
	r.tracker.SetTimer(r.timer)

	r.mcastReader, err = NewMulticastReader(MulticastReaderConfig{
		GroupAddr:     r.cfg.MulticastAddr,
		InterfaceAddr: r.cfg.InterfaceAddr,
		ReadTimeout:   r.cfg.UDPReadTimeout,
		RetryBudget:   r.cfg.UDPRetryBudget,
	}, r.tracker, r.log, r.fatal)
	if err != nil {
		_ = conn.Close()
		return err
	}

	r.retxSender = NewRetxSender(conn, r.queue, r.metrics, r.log, r.fatal)
	r.retxRecv = NewRetxReceiver(conn, r.tracker, r.log, r.fatal)

	r.timer.Start()

	r.wg.Add(3)
	go func() { defer r.wg.Done(); r.mcastReader.Run(r.ctx) }()
	go func() { defer r.wg.Done(); r.retxRecv.Run(r.ctx) }()
	go func() { defer r.wg.Done(); r.retxSender.Run(r.ctx) }()

	go r.watchShutdown()

	return nil
}

// watchShutdown waits for the shutdown fuse to break (via Stop or an
// internal fatal error) and then unblocks every suspended goroutine, in
// this order: Reader -> Retx Receiver -> Retx Sender -> Timer.
func (r *Receiver) watchShutdown() {
	<-r.closed.Watch()
	r.cancel()
	_ = r.mcastReader.Close()
	_ = r.retxRecv.Close() // shared conn; also unblocks the sender's writes
	r.queue.Close()
	r.timer.Stop()
}

// fatal records the first fatal error seen by any component and triggers
// shutdown: a write or read failure on the TCP retransmission channel is
// fatal at once, the multicast socket only after its transient-error
// retry budget is exhausted, and the receiver then shuts down the rest of
// its goroutines gracefully.
func (r *Receiver) fatal(err error) {
	r.errOnce.Do(func() {
		r.lastErr.Store(err)
	})
	r.closed.Break()
}

// Stop requests an orderly shutdown and blocks until every goroutine has
// exited.
func (r *Receiver) Stop() {
	r.closed.Break()
	r.wg.Wait()
	r.tracker.Shutdown()
	_ = r.retxConn.Close()
}

// Join blocks until the receiver has fully shut down and returns the
// first fatal error recorded, or nil on a clean shutdown. Callers derive
// process exit codes from this error's identity.
func (r *Receiver) Join() error {
	<-r.closed.Watch()
	r.wg.Wait()
	return r.lastErr.Load()
}

// SetLinkSpeed updates the link-speed used for per-product timeout
// scaling.
func (r *Receiver) SetLinkSpeed(bps uint64) {
	r.tracker.SetLinkSpeed(bps)
}
