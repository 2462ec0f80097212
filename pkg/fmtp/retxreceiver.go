package fmtp

import (
	"bufio"
	"context"
	"io"
	"net"

	"github.com/unidata-ldm/fmtprecv/internal/logger"
	"github.com/unidata-ldm/fmtprecv/pkg/wire"
)

// retxSink is the Tracker's view from the Retx Receiver.
type retxSink interface {
	OnRetxPacket(h wire.Header, payload []byte)
}

// RetxReceiver reads the same TCP socket the Retx Sender writes
// (full-duplex), decoding frames identical to multicast frames but
// without a length prefix — payload length lives in the header itself.
type RetxReceiver struct {
	conn   net.Conn
	reader *bufio.Reader

	tracker retxSink
	log     logger.Logger
	onFatal func(error)
}

// NewRetxReceiver builds a RetxReceiver reading from conn.
func NewRetxReceiver(conn net.Conn, tracker retxSink, log logger.Logger, onFatal func(error)) *RetxReceiver {
	return &RetxReceiver{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, wire.MaxFrame),
		tracker: tracker,
		log:     log,
		onFatal: onFatal,
	}
}

// Run reads frames until the connection is closed (e.g. by Close being
// called during shutdown) or an I/O error occurs, which is always
// treated as fatal.
func (r *RetxReceiver) Run(ctx context.Context) {
	var headerBuf [wire.HeaderLength]byte
	for {
		if _, err := io.ReadFull(r.reader, headerBuf[:]); err != nil {
			select {
			case <-ctx.Done():
				return // expected: control thread closed the socket
			default:
			}
			if err != io.EOF {
				r.log.Errorw("retx channel read failed", err)
			}
			if r.onFatal != nil {
				r.onFatal(ErrRetxChannelLost)
			}
			return
		}

		var h wire.Header
		if err := h.Unmarshal(headerBuf[:]); err != nil {
			r.log.Warnw("malformed FMTP header on retx channel", "error", err)
			continue
		}
		if int(h.PayloadLen) > wire.MaxPayload {
			r.log.Warnw("oversize retx payload length", "prodindex", h.ProdIndex, "payload_len", h.PayloadLen)
			continue
		}

		payload := make([]byte, h.PayloadLen)
		if h.PayloadLen > 0 {
			if _, err := io.ReadFull(r.reader, payload); err != nil {
				if r.onFatal != nil {
					r.onFatal(ErrRetxChannelLost)
				}
				return
			}
		}

		switch h.Flags {
		case wire.FlagBOP, wire.FlagData, wire.FlagEOP, wire.FlagRetxEnd:
			r.tracker.OnRetxPacket(h, payload)
		default:
			r.log.Warnw("unexpected flag on retx channel", "prodindex", h.ProdIndex, "flags", h.Flags)
		}
	}
}

// Close releases the underlying connection, unblocking any in-flight
// Read.
func (r *RetxReceiver) Close() error {
	return r.conn.Close()
}
