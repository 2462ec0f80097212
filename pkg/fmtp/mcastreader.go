package fmtp

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/unidata-ldm/fmtprecv/internal/logger"
	"github.com/unidata-ldm/fmtprecv/pkg/wire"
)

// packetSink is the Tracker's view from the Multicast Reader.
type packetSink interface {
	OnMcastPacket(h wire.Header, payload []byte)
}

// MulticastReader reads framed packets from the multicast UDP socket,
// decodes headers, and dispatches BOP/DATA/EOP to the Product Tracker.
type MulticastReader struct {
	conn        *net.UDPConn
	readTimeout time.Duration
	retryBudget int

	tracker packetSink
	log     logger.Logger

	malformedCount int
	onFatal        func(error)
}

// MulticastReaderConfig bundles the socket parameters needed to join a
// multicast group.
type MulticastReaderConfig struct {
	GroupAddr     string // host:port
	InterfaceAddr string // local interface IP, "" for system default
	ReadTimeout   time.Duration
	RetryBudget   int
}

// NewMulticastReader resolves GroupAddr, joins the multicast group on
// InterfaceAddr, and returns a reader ready for Run.
func NewMulticastReader(cfg MulticastReaderConfig, tracker packetSink, log logger.Logger, onFatal func(error)) (*MulticastReader, error) {
	groupAddr, err := net.ResolveUDPAddr("udp4", cfg.GroupAddr)
	if err != nil {
		return nil, err
	}

	var iface *net.Interface
	if cfg.InterfaceAddr != "" {
		iface, err = interfaceForAddr(cfg.InterfaceAddr)
		if err != nil {
			return nil, err
		}
	}

	conn, err := net.ListenMulticastUDP("udp4", iface, groupAddr)
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadBuffer(4 * 1024 * 1024)

	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	budget := cfg.RetryBudget
	if budget <= 0 {
		budget = 3
	}

	return &MulticastReader{
		conn:        conn,
		readTimeout: timeout,
		retryBudget: budget,
		tracker:     tracker,
		log:         log,
		onFatal:     onFatal,
	}, nil
}

func interfaceForAddr(addr string) (*net.Interface, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, errors.New("fmtp: invalid interface address " + addr)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, errors.New("fmtp: no local interface with address " + addr)
}

// Run reads until ctx is cancelled. The socket is given a read timeout so
// shutdown polling does not require closing the socket out from under an
// in-flight recv.
func (r *MulticastReader) Run(ctx context.Context) {
	buf := make([]byte, wire.MaxFrame)
	transientErrors := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = r.conn.SetReadDeadline(time.Now().Add(r.readTimeout))
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // shutdown-poll tick, not an error
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			transientErrors++
			r.log.Warnw("multicast socket read error", "error", err, "attempt", transientErrors)
			if transientErrors > r.retryBudget {
				if r.onFatal != nil {
					r.onFatal(ErrMulticastSocketLost)
				}
				return
			}
			continue
		}
		transientErrors = 0
		r.handlePacket(buf[:n])
	}
}

func (r *MulticastReader) handlePacket(buf []byte) {
	var h wire.Header
	if err := h.Unmarshal(buf); err != nil {
		r.malformedCount++
		r.log.Warnw("malformed FMTP header", "error", err)
		return
	}
	if int(h.PayloadLen) > wire.MaxPayload || len(buf) < wire.HeaderLength+int(h.PayloadLen) {
		r.malformedCount++
		r.log.Warnw("oversize or truncated FMTP packet", "prodindex", h.ProdIndex, "payload_len", h.PayloadLen)
		return
	}
	switch h.Flags {
	case wire.FlagBOP, wire.FlagData, wire.FlagEOP:
	default:
		r.malformedCount++
		r.log.Warnw("unexpected flag on multicast channel", "prodindex", h.ProdIndex, "flags", h.Flags)
		return
	}

	payload := buf[wire.HeaderLength : wire.HeaderLength+int(h.PayloadLen)]
	r.tracker.OnMcastPacket(h, payload)
}

// Close releases the underlying socket.
func (r *MulticastReader) Close() error {
	return r.conn.Close()
}
