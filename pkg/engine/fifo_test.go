package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// FIFO Tests
// ============================================================================

func TestFIFOCapacityMustBePowerOfTwo(t *testing.T) {
	for _, size := range []int{1, 2, 64, 1024} {
		_, err := NewFIFO(size)
		assert.NoError(t, err, "size %d", size)
	}
	for _, size := range []int{0, -4, 3, 12, 63} {
		_, err := NewFIFO(size)
		assert.Error(t, err, "size %d", size)
	}
}

func TestFIFOOrdering(t *testing.T) {
	f, err := NewFIFO(8)
	require.NoError(t, err)

	bufs := make([]*Buffer, 5)
	for i := range bufs {
		bufs[i] = newPayloadBuffer(i + 1)
		require.True(t, f.Put(bufs[i]))
	}

	assert.Equal(t, 5, f.Len())
	assert.Same(t, bufs[0], f.Peek())
	for i := range bufs {
		assert.Same(t, bufs[i], f.Get())
	}
	assert.Nil(t, f.Get())
	assert.Nil(t, f.Peek())
	assert.True(t, f.Empty())
}

func TestFIFOFull(t *testing.T) {
	f, err := NewFIFO(4)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.True(t, f.Put(newPayloadBuffer(1)))
	}
	assert.True(t, f.Full())
	assert.False(t, f.Put(newPayloadBuffer(1)))

	f.Get()
	assert.False(t, f.Full())
	assert.True(t, f.Put(newPayloadBuffer(1)))
}

func TestFIFOWrapAround(t *testing.T) {
	f, err := NewFIFO(4)
	require.NoError(t, err)

	// Push the counters well past one lap.
	for lap := 0; lap < 10; lap++ {
		a, b := newPayloadBuffer(1), newPayloadBuffer(2)
		require.True(t, f.Put(a))
		require.True(t, f.Put(b))
		assert.Same(t, a, f.Get())
		assert.Same(t, b, f.Get())
	}
	assert.True(t, f.Empty())
}

// ============================================================================
// Pool Tests
// ============================================================================

func TestPoolLIFO(t *testing.T) {
	p := NewPool(4)
	assert.Nil(t, p.Get())

	a, b := newProgressBuffer(), newProgressBuffer()
	require.True(t, p.Put(a))
	require.True(t, p.Put(b))

	// Most recently returned comes back first.
	assert.Same(t, b, p.Get())
	assert.Same(t, a, p.Get())
	assert.Nil(t, p.Get())
}

func TestPoolFull(t *testing.T) {
	p := NewPool(2)
	require.True(t, p.Put(newProgressBuffer()))
	require.True(t, p.Put(newProgressBuffer()))
	assert.False(t, p.Put(newProgressBuffer()))
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, 2, p.Cap())
}

// ============================================================================
// Buffer Tests
// ============================================================================

func TestFragmentSharesParentBytes(t *testing.T) {
	parent := newPayloadBuffer(32)
	for i := range parent.Payload {
		parent.Payload[i] = byte(i)
	}
	parent.Nused = 32

	f := newFragment()
	f.Parent = parent
	f.Raddr = 8
	f.Nused = 16

	assert.Equal(t, parent.Payload[8:24], f.bytes())
}

func TestBufferKindsCarryTheirTag(t *testing.T) {
	assert.Equal(t, XferRDMAWrite, newPayloadBuffer(16).XFC.Type)
	assert.Equal(t, XferProgress, newProgressBuffer().XFC.Type)
	assert.Equal(t, XferVector, newVectorBuffer().XFC.Type)
	assert.Equal(t, XferFragment, newFragment().XFC.Type)
}
