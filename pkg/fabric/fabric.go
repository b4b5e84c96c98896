// Package fabric provides the reliable-datagram fabric the transfer engine
// runs on: endpoints, completion and event queues, address vectors, and
// registered memory regions with remotely writable keys.
//
// The provider emulates RDMA over TCP message framing. A send surfaces at
// the peer as a receive completion; an RDMA write lands directly in the
// registered target region and never surfaces to the peer application. The
// writing side observes a delivery-complete completion once the target
// provider acknowledges that the bytes are in place. Regions are addressed
// by offset, never by virtual address.
package fabric

import (
	"fmt"
	"net"
	"sync"
)

const providerName = "tcp-emulation"

// Info describes a fabric configuration: the capabilities an application
// requests from GetInfo, and the capabilities a provider grants back.
type Info struct {
	// Provider names the provider that produced this info.
	Provider string

	// Caps is the requested or granted capability set.
	Caps Flags

	// RMAIOVLimit is the largest scatter-gather list one RMA write
	// accepts, for the local and the remote side alike.
	RMAIOVLimit int

	// TxIOVLimit and RxIOVLimit bound message-operation vectors.
	TxIOVLimit int
	RxIOVLimit int

	// MRIOVLimit bounds the segments of one memory registration.
	MRIOVLimit int

	// ProviderKeys reports that the provider, not the application,
	// assigns memory-region keys.
	ProviderKeys bool

	// VirtAddr reports that RMA targets are addressed by virtual
	// address. This provider addresses by offset, so it is always
	// false; the engine refuses providers that set it.
	VirtAddr bool

	// SrcAddr is the local address an endpoint binds to, host:port.
	// Empty selects an ephemeral loopback binding.
	SrcAddr string

	// DestAddr is the peer address a connect-personality process
	// targets, host:port.
	DestAddr string
}

const rmaIOVLimit = 12

// GetInfo resolves hints against the provider. When source is true, node
// and service form the local bind address; otherwise they form the
// destination address. It fails with ErrNoCapability if the provider
// cannot satisfy the requested capability set.
func GetInfo(node, service string, source bool, hints *Info) (*Info, error) {
	granted := Flags(FlagMsg | FlagRMA | FlagRemoteWrite | FlagWrite | FlagSend | FlagRecv)
	if hints != nil && hints.Caps&^granted != 0 {
		return nil, fmt.Errorf("%w: requested %s, provider grants %s",
			ErrNoCapability, hints.Caps, granted)
	}

	info := &Info{
		Provider:     providerName,
		Caps:         granted,
		RMAIOVLimit:  rmaIOVLimit,
		TxIOVLimit:   rmaIOVLimit,
		RxIOVLimit:   rmaIOVLimit,
		MRIOVLimit:   1,
		ProviderKeys: false,
		VirtAddr:     false,
	}

	if node == "" {
		node = "0.0.0.0"
	}
	addr := net.JoinHostPort(node, service)
	if source {
		info.SrcAddr = addr
	} else {
		info.DestAddr = addr
	}
	return info, nil
}

// Fabric is the top-level provider handle. One per process.
type Fabric struct {
	info *Info
}

// New opens the fabric described by info.
func New(info *Info) (*Fabric, error) {
	if info == nil {
		return nil, fmt.Errorf("fabric: nil info")
	}
	return &Fabric{info: info}, nil
}

// Close releases the fabric.
func (f *Fabric) Close() error { return nil }

// Domain is the resource domain all endpoints, queues, and memory regions
// of a process share. It owns the key-to-region registry that inbound RDMA
// writes resolve against.
type Domain struct {
	fabric *Fabric

	mu      sync.Mutex
	regions map[uint64]*MemoryRegion
}

// OpenDomain creates the process resource domain.
func (f *Fabric) OpenDomain() (*Domain, error) {
	return &Domain{
		fabric:  f,
		regions: make(map[uint64]*MemoryRegion),
	}, nil
}

// Close releases the domain.
func (d *Domain) Close() error { return nil }

// MemoryRegion is a registered byte range. Its key names it to remote
// writers; its descriptor names it to local operations.
type MemoryRegion struct {
	domain *Domain
	buf    []byte
	access Flags
	key    uint64
}

// Desc is the opaque local handle a fabric operation uses to reference a
// registered region.
type Desc struct {
	mr *MemoryRegion
}

// RegisterMemory registers buf for the given access under key. Keys must
// be process-unique; the engine's key sources guarantee that.
func (d *Domain) RegisterMemory(buf []byte, access Flags, key uint64) (*MemoryRegion, error) {
	mr := &MemoryRegion{domain: d, buf: buf, access: access, key: key}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.regions[key]; ok {
		return nil, fmt.Errorf("fabric: memory key %d already registered", key)
	}
	d.regions[key] = mr
	return mr, nil
}

// Key returns the region's remote key.
func (mr *MemoryRegion) Key() uint64 { return mr.key }

// Desc returns the region's local descriptor.
func (mr *MemoryRegion) Desc() *Desc { return &Desc{mr: mr} }

// Close deregisters the region. Remote writes arriving after Close fail at
// the target.
func (mr *MemoryRegion) Close() error {
	d := mr.domain
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.regions[mr.key]; !ok {
		return fmt.Errorf("fabric: memory key %d not registered", mr.key)
	}
	delete(d.regions, mr.key)
	return nil
}

// writeRegion applies one inbound RDMA-write segment: len(data) bytes at
// offset within the region registered under key.
func (d *Domain) writeRegion(key, offset uint64, data []byte) error {
	d.mu.Lock()
	mr, ok := d.regions[key]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("fabric: remote write to unregistered key %d", key)
	}
	if mr.access&FlagRemoteWrite == 0 {
		return fmt.Errorf("fabric: remote write to key %d without remote-write access", key)
	}
	if offset+uint64(len(data)) > uint64(len(mr.buf)) {
		return fmt.Errorf("fabric: remote write beyond region: offset %d + %d > %d",
			offset, len(data), len(mr.buf))
	}
	copy(mr.buf[offset:], data)
	return nil
}
