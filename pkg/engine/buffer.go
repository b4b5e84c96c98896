package engine

import (
	"fmt"

	"github.com/marmos91/fabstream/pkg/fabric"
	"github.com/marmos91/fabstream/pkg/wire"
)

// Buffer is the one buffer type of the engine, tagged by its transfer
// context. Payload buffers carry transfer bytes; progress and vector
// buffers carry an encoded control message in their payload; fragments
// carry no bytes of their own but name a sub-range of their parent.
type Buffer struct {
	// Raddr is the offset of this buffer within its parent region. For
	// fragments it is the sub-range offset into the parent's payload.
	Raddr uint64

	// Nused counts the valid bytes; Nallocated the capacity.
	Nused      int
	Nallocated int

	// MR and Desc are set while the payload is registered. Fragments
	// share their parent's registration.
	MR   *fabric.MemoryRegion
	Desc *fabric.Desc

	// XFC discriminates completions and tracks ownership.
	XFC XferContext

	// Payload is the backing byte range. Nil for fragments.
	Payload []byte

	// Vec holds the decoded advertisement set of a received vector
	// buffer while it waits in the rcvd FIFO.
	Vec wire.Vector

	// Parent is set on fragments only.
	Parent *Buffer
}

// newPayloadBuffer allocates a payload buffer of n bytes, tagged for RDMA
// writes.
func newPayloadBuffer(n int) *Buffer {
	return &Buffer{
		Nallocated: n,
		Payload:    make([]byte, n),
		XFC:        XferContext{Type: XferRDMAWrite},
	}
}

// newProgressBuffer allocates a control buffer sized for one progress
// message.
func newProgressBuffer() *Buffer {
	return &Buffer{
		Nallocated: wire.ProgressSize,
		Payload:    make([]byte, wire.ProgressSize),
		XFC:        XferContext{Type: XferProgress},
	}
}

// newVectorBuffer allocates a control buffer sized for a full vector
// message.
func newVectorBuffer() *Buffer {
	return &Buffer{
		Nallocated: wire.VectorMaxSize,
		Payload:    make([]byte, wire.VectorMaxSize),
		XFC:        XferContext{Type: XferVector},
	}
}

// newFragment allocates an empty fragment header for the fragment pool.
func newFragment() *Buffer {
	return &Buffer{XFC: XferContext{Type: XferFragment}}
}

// register registers the buffer's payload with the domain under the next
// key from keys.
func (b *Buffer) register(dom *fabric.Domain, access fabric.Flags, keys *KeySource) error {
	mr, err := dom.RegisterMemory(b.Payload, access, keys.Next())
	if err != nil {
		return fmt.Errorf("payload memory registration failed: %w", err)
	}
	b.MR = mr
	b.Desc = mr.Desc()
	return nil
}

// deregister releases the buffer's memory registration.
func (b *Buffer) deregister() error {
	if b.MR == nil {
		return nil
	}
	err := b.MR.Close()
	b.MR = nil
	b.Desc = nil
	return err
}

// bytes returns the valid byte range: the used prefix of the payload, or
// the named sub-range of the parent for fragments.
func (b *Buffer) bytes() []byte {
	if b.XFC.Type == XferFragment {
		return b.Parent.Payload[b.Raddr : b.Raddr+uint64(b.Nused)]
	}
	return b.Payload[:b.Nused]
}
