// Package wire implements the FMTP v3 frame codec: the 16-byte header
// shared by every multicast and retransmission packet, and the BOP payload
// layout carried inside BOP/BOP_REQ frames.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Flag is the FMTP header's 16-bit flags field.
type Flag uint16

const (
	FlagBOP     Flag = 0x01
	FlagData    Flag = 0x02
	FlagEOP     Flag = 0x04
	FlagBOPReq  Flag = 0x08
	FlagDataReq Flag = 0x10
	FlagEOPReq  Flag = 0x20
	FlagRetxEnd Flag = 0x40
)

func (f Flag) String() string {
	switch f {
	case FlagBOP:
		return "BOP"
	case FlagData:
		return "DATA"
	case FlagEOP:
		return "EOP"
	case FlagBOPReq:
		return "BOP_REQ"
	case FlagDataReq:
		return "DATA_REQ"
	case FlagEOPReq:
		return "EOP_REQ"
	case FlagRetxEnd:
		return "RETX_END"
	default:
		return fmt.Sprintf("FLAG(0x%02x)", uint16(f))
	}
}

// IsRequest reports whether the flag is a receiver-to-sender retransmission
// request (as opposed to a sender-to-receiver data flag or RETX_END, which
// is legal in either direction).
func (f Flag) IsRequest() bool {
	switch f {
	case FlagBOPReq, FlagDataReq, FlagEOPReq:
		return true
	default:
		return false
	}
}

const (
	// HeaderLength is the on-wire size of a FMTP header in bytes.
	HeaderLength = 16

	prodIndexOffset  = 0
	seqNumOffset     = 4
	payloadLenOffset = 8
	flagsOffset      = 10
	reservedOffset   = 12
)

// Header is the 16-byte FMTP frame header, common to multicast data
// packets and TCP retransmission-channel packets alike.
//
//	prodindex:u32 | seqnum:u32 | payload_len:u16 | flags:u16 | reserved:u32
type Header struct {
	ProdIndex  uint32
	SeqNum     uint32
	PayloadLen uint16
	Flags      Flag
	Reserved   uint32
}

// MarshalTo encodes h into buf in network byte order. buf must have at
// least HeaderLength bytes.
func (h Header) MarshalTo(buf []byte) error {
	if len(buf) < HeaderLength {
		return fmt.Errorf("wire: header buffer too small: %d < %d", len(buf), HeaderLength)
	}
	binary.BigEndian.PutUint32(buf[prodIndexOffset:], h.ProdIndex)
	binary.BigEndian.PutUint32(buf[seqNumOffset:], h.SeqNum)
	binary.BigEndian.PutUint16(buf[payloadLenOffset:], h.PayloadLen)
	binary.BigEndian.PutUint16(buf[flagsOffset:], uint16(h.Flags))
	binary.BigEndian.PutUint32(buf[reservedOffset:], h.Reserved)
	return nil
}

// Unmarshal decodes a Header from the first HeaderLength bytes of buf.
func (h *Header) Unmarshal(buf []byte) error {
	if len(buf) < HeaderLength {
		return fmt.Errorf("wire: short header: %d < %d", len(buf), HeaderLength)
	}
	h.ProdIndex = binary.BigEndian.Uint32(buf[prodIndexOffset:])
	h.SeqNum = binary.BigEndian.Uint32(buf[seqNumOffset:])
	h.PayloadLen = binary.BigEndian.Uint16(buf[payloadLenOffset:])
	h.Flags = Flag(binary.BigEndian.Uint16(buf[flagsOffset:]))
	h.Reserved = binary.BigEndian.Uint32(buf[reservedOffset:])
	return nil
}

// String helps with debugging by printing the header in a readable way.
func (h Header) String() string {
	return fmt.Sprintf("FMTP(prodindex=%d seqnum=%d len=%d flags=%s)",
		h.ProdIndex, h.SeqNum, h.PayloadLen, h.Flags)
}
