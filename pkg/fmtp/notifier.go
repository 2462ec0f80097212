package fmtp

// Notifier is the application-provided callback set: BOP-accepted,
// product-delivered, and product-missed. Every method is invoked outside
// the Tracker's lock.
type Notifier interface {
	// BOPAccepted is invoked once per new product, with the metadata
	// carried in its BOP payload. Returning accept=false puts the entry
	// into the DISCARD substate: incoming segments are still counted but
	// never copied, and no retransmission is requested for the product.
	// Returning accept=true with a nil buf models an allocation failure:
	// the product is treated as missed and no entry is kept.
	BOPAccepted(prodIndex ProdIndex, prodSize uint32, metadata []byte) (buf []byte, accept bool)

	// ProductDelivered is invoked exactly once per successfully
	// reassembled, non-discarded product.
	ProductDelivered(prodIndex ProdIndex, buf []byte)

	// ProductMissed is invoked when a product times out, is abandoned via
	// RETX_END, or fails allocation on BOP.
	ProductMissed(prodIndex ProdIndex)
}

// NopNotifier accepts every BOP into a freshly allocated buffer and
// otherwise does nothing; useful for tests that only care about the
// retransmission-request side effects.
type NopNotifier struct{}

func (NopNotifier) BOPAccepted(_ ProdIndex, prodSize uint32, _ []byte) ([]byte, bool) {
	return make([]byte, prodSize), true
}

func (NopNotifier) ProductDelivered(ProdIndex, []byte) {}
func (NopNotifier) ProductMissed(ProdIndex)             {}
