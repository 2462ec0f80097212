package fmtp

import "errors"

var (
	// ErrReceiverClosed names the condition of a receiver that has been
	// stopped. No function in this package returns it.
	ErrReceiverClosed = errors.New("fmtp: receiver closed")

	// ErrRetxChannelLost is the fatal cause recorded when the TCP
	// retransmission channel fails.
	ErrRetxChannelLost = errors.New("fmtp: retransmission channel lost")

	// ErrMulticastSocketLost is the fatal cause recorded when the UDP
	// multicast socket exhausts its transient-error retry budget.
	ErrMulticastSocketLost = errors.New("fmtp: multicast socket lost")

	// ErrBufferAllocation is the per-product cause recorded when the
	// notifier accepts a BOP but supplies no buffer.
	ErrBufferAllocation = errors.New("fmtp: buffer allocation failed for product")
)
