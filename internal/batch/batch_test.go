package batch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferPushAndFull(t *testing.T) {
	b := NewBuffer[int](3)
	require.False(t, b.Full())
	b.PushBack(1)
	b.PushBack(2)
	b.PushBack(3)
	require.True(t, b.Full())
	require.Equal(t, []int{1, 2, 3}, b.Items())
}

func TestBufferPushBackPanicsWhenFull(t *testing.T) {
	b := NewBuffer[int](1)
	b.PushBack(1)
	require.Panics(t, func() { b.PushBack(2) })
}

func TestCipherBufferRoundTrip(t *testing.T) {
	c := NewCipherBuffer(2, 4)
	c.PushBack([]byte{1, 2, 3, 4})
	c.PushBack([]byte{5, 6, 7, 8})
	require.Equal(t, 2, c.Len())
	require.Equal(t, []byte{1, 2, 3, 4}, c.Get(0))
	require.Equal(t, []byte{5, 6, 7, 8}, c.Get(1))
}

func TestCipherBufferRejectsWrongSize(t *testing.T) {
	c := NewCipherBuffer(1, 4)
	require.Panics(t, func() { c.PushBack([]byte{1, 2, 3}) })
}

func TestHybridCipherBatchShortLongFlow(t *testing.T) {
	h := NewHybridCipherBatch(2, 2, 2, 4)

	h.PushShort([]byte{1, 1})
	require.False(t, h.HasLong())

	h.PushLong([]byte{2, 2, 2, 2})
	h.PushLong([]byte{3, 3, 3, 3})
	require.True(t, h.FullLong())

	require.True(t, h.HasLong())
	first := h.PopLong()
	require.Equal(t, []byte{2, 2, 2, 2}, first)

	// Simulate peeling one layer off the long cipher, landing the
	// shortened result into the next short slot.
	h.SetShort(1, []byte{9, 9})
	require.Equal(t, []byte{9, 9}, h.GetShort(1))

	require.True(t, h.HasLong())
	second := h.PopLong()
	require.Equal(t, []byte{3, 3, 3, 3}, second)
	require.False(t, h.HasLong())
}

func TestHybridCipherBatchShortOverrunPanics(t *testing.T) {
	h := NewHybridCipherBatch(1, 2, 0, 4)
	h.PushShort([]byte{1, 1})
	require.Panics(t, func() { h.PushShort([]byte{2, 2}) })
}
