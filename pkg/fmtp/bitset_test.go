package fmtp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegmentBitmapClaimAndFull(t *testing.T) {
	b := newSegmentBitmap(3)
	require.False(t, b.Full())

	require.True(t, b.TryClaim(0))
	require.False(t, b.TryClaim(0)) // already claimed
	require.True(t, b.TryClaim(1))
	require.True(t, b.TryClaim(2))
	require.True(t, b.Full())
	require.Equal(t, 3, b.Count())
}

func TestSegmentBitmapOutOfRange(t *testing.T) {
	b := newSegmentBitmap(2)
	require.False(t, b.TryClaim(-1))
	require.False(t, b.TryClaim(2))
	require.False(t, b.Test(5))
}

func TestSegmentBitmapMissingFrom(t *testing.T) {
	b := newSegmentBitmap(5)
	require.True(t, b.TryClaim(0))
	require.True(t, b.TryClaim(2))
	require.True(t, b.TryClaim(4))

	require.Equal(t, []int{1, 3}, b.MissingFrom(0))
	require.Equal(t, 1, b.FirstGapFrom(0))
	require.Equal(t, 3, b.FirstGapFrom(2))
}
