// Package wire defines the four control-message encodings exchanged between
// the transmitter and receiver personalities.
//
// All messages are fixed-layout little-endian. The vector message is the one
// variable-length encoding on the wire: a well-formed vector occupies exactly
// VectorHeaderSize + NIOVs*VectorRecordSize bytes. Any other length is
// malformed and aborts the connection.
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// NonceSize is the size of the opaque transfer identifier carried by
	// the initial message.
	NonceSize = 16

	// AddrMax is the largest fabric address the handshake messages carry.
	AddrMax = 512

	// MaxIOVs is the number of advertisement records a vector message can
	// hold. It matches the RMA scatter-gather limit of the fabric.
	MaxIOVs = 12

	// InitialSize is the encoded size of an Initial message.
	InitialSize = NonceSize + 4 + 4 + 4 + AddrMax

	// AckSize is the encoded size of an Ack message.
	AckSize = 4 + AddrMax

	// VectorHeaderSize is the encoded size of the vector message header:
	// the record count plus explicit padding that keeps the records
	// 8-byte aligned, matching the reference layout.
	VectorHeaderSize = 8

	// VectorRecordSize is the encoded size of one advertisement record.
	VectorRecordSize = 8 + 8 + 8

	// VectorMaxSize is the encoded size of a full vector message.
	VectorMaxSize = VectorHeaderSize + MaxIOVs*VectorRecordSize

	// ProgressSize is the encoded size of a Progress message.
	ProgressSize = 8 + 8
)

// Nonce is the opaque 128-bit transfer identifier reserved in the initial
// message. It is carried but not yet validated.
type Nonce [NonceSize]byte

// Initial is the first message a transmitter sends to a receiver's listen
// endpoint. NSources and ID are reserved for multi-source transfers; the
// receiver rejects anything but NSources == 1, ID == 0.
type Initial struct {
	Nonce    Nonce
	NSources uint32
	ID       uint32
	AddrLen  uint32
	Addr     [AddrMax]byte
}

// Ack is the receiver's reply to an Initial message. It carries the address
// of the connection-specific endpoint the transmitter must target from then
// on.
type Ack struct {
	AddrLen uint32
	Addr    [AddrMax]byte
}

// IOV is one RDMA-target advertisement: a writable window of Len bytes at
// offset Addr within the memory region named by Key.
type IOV struct {
	Addr uint64
	Len  uint64
	Key  uint64
}

// Vector advertises up to MaxIOVs RDMA target windows. NIOVs == 0 is the
// receiver's EOF.
type Vector struct {
	NIOVs uint32
	IOVs  [MaxIOVs]IOV
}

// Progress reports NFilled payload bytes observed delivery-complete since
// the previous progress message. NLeftover == 0 is the transmitter's EOF.
type Progress struct {
	NFilled   uint64
	NLeftover uint64
}

// PeerAddress returns the address bytes carried by the initial message.
func (m *Initial) PeerAddress() ([]byte, error) {
	if int(m.AddrLen) > len(m.Addr) {
		return nil, fmt.Errorf("initial message addrlen %d exceeds %d", m.AddrLen, len(m.Addr))
	}
	return m.Addr[:m.AddrLen], nil
}

// SetPeerAddress stores addr into the fixed-size address field.
func (m *Initial) SetPeerAddress(addr []byte) error {
	if len(addr) > len(m.Addr) {
		return fmt.Errorf("address length %d exceeds %d", len(addr), len(m.Addr))
	}
	copy(m.Addr[:], addr)
	m.AddrLen = uint32(len(addr))
	return nil
}

// Encode serializes the message into dst and returns the number of bytes
// written. dst must hold at least InitialSize bytes.
func (m *Initial) Encode(dst []byte) int {
	_ = dst[:InitialSize]
	copy(dst[0:NonceSize], m.Nonce[:])
	binary.LittleEndian.PutUint32(dst[16:], m.NSources)
	binary.LittleEndian.PutUint32(dst[20:], m.ID)
	binary.LittleEndian.PutUint32(dst[24:], m.AddrLen)
	copy(dst[28:28+AddrMax], m.Addr[:])
	return InitialSize
}

// Decode deserializes an Initial message from src.
func (m *Initial) Decode(src []byte) error {
	if len(src) != InitialSize {
		return fmt.Errorf("initial message: got %d bytes, want %d", len(src), InitialSize)
	}
	copy(m.Nonce[:], src[0:NonceSize])
	m.NSources = binary.LittleEndian.Uint32(src[16:])
	m.ID = binary.LittleEndian.Uint32(src[20:])
	m.AddrLen = binary.LittleEndian.Uint32(src[24:])
	copy(m.Addr[:], src[28:28+AddrMax])
	if int(m.AddrLen) > AddrMax {
		return fmt.Errorf("initial message: addrlen %d exceeds %d", m.AddrLen, AddrMax)
	}
	return nil
}

// PeerAddress returns the address bytes carried by the ack.
func (m *Ack) PeerAddress() ([]byte, error) {
	if int(m.AddrLen) > len(m.Addr) {
		return nil, fmt.Errorf("ack message addrlen %d exceeds %d", m.AddrLen, len(m.Addr))
	}
	return m.Addr[:m.AddrLen], nil
}

// SetPeerAddress stores addr into the fixed-size address field.
func (m *Ack) SetPeerAddress(addr []byte) error {
	if len(addr) > len(m.Addr) {
		return fmt.Errorf("address length %d exceeds %d", len(addr), len(m.Addr))
	}
	copy(m.Addr[:], addr)
	m.AddrLen = uint32(len(addr))
	return nil
}

// Encode serializes the message into dst and returns the number of bytes
// written. dst must hold at least AckSize bytes.
func (m *Ack) Encode(dst []byte) int {
	_ = dst[:AckSize]
	binary.LittleEndian.PutUint32(dst[0:], m.AddrLen)
	copy(dst[4:4+AddrMax], m.Addr[:])
	return AckSize
}

// Decode deserializes an Ack message from src.
func (m *Ack) Decode(src []byte) error {
	if len(src) != AckSize {
		return fmt.Errorf("ack message: got %d bytes, want %d", len(src), AckSize)
	}
	m.AddrLen = binary.LittleEndian.Uint32(src[0:])
	copy(m.Addr[:], src[4:4+AddrMax])
	if int(m.AddrLen) > AddrMax {
		return fmt.Errorf("ack message: addrlen %d exceeds %d", m.AddrLen, AddrMax)
	}
	return nil
}

// EncodedSize returns the exact wire length of the vector: only the NIOVs
// leading records are transmitted.
func (m *Vector) EncodedSize() int {
	return VectorHeaderSize + int(m.NIOVs)*VectorRecordSize
}

// Encode serializes the vector into dst and returns the number of bytes
// written. dst must hold at least EncodedSize bytes.
func (m *Vector) Encode(dst []byte) int {
	n := m.EncodedSize()
	_ = dst[:n]
	binary.LittleEndian.PutUint32(dst[0:], m.NIOVs)
	binary.LittleEndian.PutUint32(dst[4:], 0)
	off := VectorHeaderSize
	for i := 0; i < int(m.NIOVs); i++ {
		binary.LittleEndian.PutUint64(dst[off:], m.IOVs[i].Addr)
		binary.LittleEndian.PutUint64(dst[off+8:], m.IOVs[i].Len)
		binary.LittleEndian.PutUint64(dst[off+16:], m.IOVs[i].Key)
		off += VectorRecordSize
	}
	return n
}

// Decode deserializes a vector message from src. A vector is well-formed
// only when src holds the header plus exactly NIOVs records.
func (m *Vector) Decode(src []byte) error {
	if len(src) < VectorHeaderSize {
		return fmt.Errorf("vector message: got %d bytes, want at least %d", len(src), VectorHeaderSize)
	}
	if (len(src)-VectorHeaderSize)%VectorRecordSize != 0 {
		return fmt.Errorf("vector message: %d bytes do not end on a record boundary", len(src))
	}
	niovs := binary.LittleEndian.Uint32(src[0:])
	if niovs > MaxIOVs {
		return fmt.Errorf("vector message: %d records exceed limit %d", niovs, MaxIOVs)
	}
	if got := (len(src) - VectorHeaderSize) / VectorRecordSize; got != int(niovs) {
		return fmt.Errorf("vector message: header names %d records, body holds %d", niovs, got)
	}
	m.NIOVs = niovs
	off := VectorHeaderSize
	for i := 0; i < int(niovs); i++ {
		m.IOVs[i].Addr = binary.LittleEndian.Uint64(src[off:])
		m.IOVs[i].Len = binary.LittleEndian.Uint64(src[off+8:])
		m.IOVs[i].Key = binary.LittleEndian.Uint64(src[off+16:])
		off += VectorRecordSize
	}
	for i := int(niovs); i < MaxIOVs; i++ {
		m.IOVs[i] = IOV{}
	}
	return nil
}

// Encode serializes the message into dst and returns the number of bytes
// written. dst must hold at least ProgressSize bytes.
func (m *Progress) Encode(dst []byte) int {
	_ = dst[:ProgressSize]
	binary.LittleEndian.PutUint64(dst[0:], m.NFilled)
	binary.LittleEndian.PutUint64(dst[8:], m.NLeftover)
	return ProgressSize
}

// Decode deserializes a Progress message from src.
func (m *Progress) Decode(src []byte) error {
	if len(src) != ProgressSize {
		return fmt.Errorf("progress message: got %d bytes, want %d", len(src), ProgressSize)
	}
	m.NFilled = binary.LittleEndian.Uint64(src[0:])
	m.NLeftover = binary.LittleEndian.Uint64(src[8:])
	return nil
}
