package fmtp

import (
	"context"
	"net"

	"github.com/unidata-ldm/fmtprecv/internal/logger"
	"github.com/unidata-ldm/fmtprecv/pkg/metrics"
	"github.com/unidata-ldm/fmtprecv/pkg/wire"
)

// RetxSender is a single-threaded drainer of the retransmission-request
// queue that serialises each request as a 16-byte FMTP header and writes
// it to the TCP retransmission channel.
type RetxSender struct {
	conn    net.Conn
	queue   *retxQueue
	metrics *metrics.Registry
	log     logger.Logger

	onFatal func(error)
}

// NewRetxSender builds a RetxSender that writes onto conn, draining
// queue.
func NewRetxSender(conn net.Conn, queue *retxQueue, reg *metrics.Registry, log logger.Logger, onFatal func(error)) *RetxSender {
	return &RetxSender{conn: conn, queue: queue, metrics: reg, log: log, onFatal: onFatal}
}

// Run drains the queue until it is closed or ctx is cancelled. Every
// request is written with a single Write call so the frame stays atomic
// on the wire even though multiple goroutines may feed the queue.
func (s *RetxSender) Run(ctx context.Context) {
	var buf [wire.HeaderLength]byte
	for {
		req, ok := s.queue.Pop()
		if !ok {
			return // queue closed: shutdown
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		h := requestToHeader(req)
		if err := h.MarshalTo(buf[:]); err != nil {
			// Cannot happen: buf is exactly HeaderLength. Defensive only.
			s.log.Errorw("failed to encode retx request", err, "prodindex", req.ProdIndex)
			continue
		}
		if _, err := s.conn.Write(buf[:]); err != nil {
			s.log.Errorw("retx channel write failed", err, "prodindex", req.ProdIndex, "kind", req.Kind)
			if s.onFatal != nil {
				s.onFatal(ErrRetxChannelLost)
			}
			return
		}
		if s.metrics != nil {
			s.metrics.PacketsTotal.WithLabelValues(string(metrics.DirectionRetxOut), h.Flags.String()).Inc()
		}
	}
}

func requestToHeader(req RetxRequest) wire.Header {
	h := wire.Header{ProdIndex: uint32(req.ProdIndex)}
	switch req.Kind {
	case ReqBOP:
		h.Flags = wire.FlagBOPReq
	case ReqData:
		h.Flags = wire.FlagDataReq
		h.SeqNum = req.SeqNum
		h.PayloadLen = req.PayloadLen
	case ReqEOP:
		h.Flags = wire.FlagEOPReq
	case ReqEnd:
		h.Flags = wire.FlagRetxEnd
	}
	return h
}
