package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// MaxPayload is the largest data-segment payload a single FMTP frame
	// may carry; with the 16-byte header a full frame is 1476 bytes.
	MaxPayload = 1460

	// MaxFrame is HeaderLength + MaxPayload, the largest legal frame.
	MaxFrame = HeaderLength + MaxPayload

	bopProdSizeOffset    = 0
	bopMetadataLenOffset = 4
	bopMetadataOffset    = 6

	// BOPMinLength is the minimum legal size of a BOP payload (prodsize +
	// metadata_len, zero metadata bytes).
	BOPMinLength = 6
)

// BOPPayload is the payload carried by a BOP (or BOP_REQ response) frame:
//
//	prodsize:u32 | metadata_len:u16 | metadata[metadata_len]
type BOPPayload struct {
	ProdSize uint32
	Metadata []byte
}

// MarshalTo encodes p into buf. buf must be at least p.Len() bytes.
func (p BOPPayload) MarshalTo(buf []byte) (int, error) {
	n := p.Len()
	if len(buf) < n {
		return 0, fmt.Errorf("wire: bop buffer too small: %d < %d", len(buf), n)
	}
	binary.BigEndian.PutUint32(buf[bopProdSizeOffset:], p.ProdSize)
	binary.BigEndian.PutUint16(buf[bopMetadataLenOffset:], uint16(len(p.Metadata)))
	copy(buf[bopMetadataOffset:], p.Metadata)
	return n, nil
}

// Len returns the encoded size of p in bytes.
func (p BOPPayload) Len() int {
	return BOPMinLength + len(p.Metadata)
}

// UnmarshalBOPPayload decodes a BOPPayload from buf. The returned
// Metadata aliases buf; callers that retain it past the lifetime of buf
// must copy it first.
func UnmarshalBOPPayload(buf []byte) (BOPPayload, error) {
	if len(buf) < BOPMinLength {
		return BOPPayload{}, fmt.Errorf("wire: short bop payload: %d < %d", len(buf), BOPMinLength)
	}
	metaLen := int(binary.BigEndian.Uint16(buf[bopMetadataLenOffset:]))
	if len(buf) < bopMetadataOffset+metaLen {
		return BOPPayload{}, fmt.Errorf("wire: bop metadata truncated: have %d want %d", len(buf)-bopMetadataOffset, metaLen)
	}
	return BOPPayload{
		ProdSize: binary.BigEndian.Uint32(buf[bopProdSizeOffset:]),
		Metadata: buf[bopMetadataOffset : bopMetadataOffset+metaLen],
	}, nil
}
