package fmtp

import "fmt"

// ProdIndex is a sender-assigned product identifier, monotonically
// increasing modulo 2^32. All ordering comparisons interpret the
// difference as a signed 32-bit integer so that wraparound is handled
// correctly: an index of MAX_U32+k (k small) sorts after MAX_U32-k.
type ProdIndex uint32

// Before reports whether a comes strictly before b in sender order.
func (a ProdIndex) Before(b ProdIndex) bool {
	return int32(a-b) < 0
}

// After reports whether a comes strictly after b in sender order.
func (a ProdIndex) After(b ProdIndex) bool {
	return int32(a-b) > 0
}

// Next returns the prodindex immediately following a, wrapping at 2^32.
func (a ProdIndex) Next() ProdIndex {
	return a + 1
}

func (a ProdIndex) String() string {
	return fmt.Sprintf("%d", uint32(a))
}
