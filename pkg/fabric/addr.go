package fabric

import (
	"fmt"
	"sync"
)

// PeerAddr is an opaque handle into an address vector.
type PeerAddr uint64

// AddrUnspec is the zero handle; sends and writes addressed to it fail.
// Receives ignore their address argument, so posting one with AddrUnspec
// succeeds.
const AddrUnspec PeerAddr = 0

// AddressVector maps raw fabric addresses (host:port bytes) to the compact
// handles endpoints address their operations with.
type AddressVector struct {
	mu    sync.Mutex
	next  PeerAddr
	addrs map[PeerAddr]string
}

// OpenAddressVector creates an empty address vector.
func (d *Domain) OpenAddressVector() (*AddressVector, error) {
	return &AddressVector{
		next:  AddrUnspec + 1,
		addrs: make(map[PeerAddr]string),
	}, nil
}

// Insert records addr and returns its handle.
func (av *AddressVector) Insert(addr []byte) (PeerAddr, error) {
	if len(addr) == 0 {
		return AddrUnspec, fmt.Errorf("fabric: empty address")
	}
	av.mu.Lock()
	defer av.mu.Unlock()
	a := av.next
	av.next++
	av.addrs[a] = string(addr)
	return a, nil
}

// Remove drops the handle. Operations addressed to it afterwards fail.
func (av *AddressVector) Remove(a PeerAddr) error {
	av.mu.Lock()
	defer av.mu.Unlock()
	if _, ok := av.addrs[a]; !ok {
		return fmt.Errorf("fabric: address handle %d not present", a)
	}
	delete(av.addrs, a)
	return nil
}

// Close releases the vector.
func (av *AddressVector) Close() error {
	av.mu.Lock()
	defer av.mu.Unlock()
	av.addrs = make(map[PeerAddr]string)
	return nil
}

func (av *AddressVector) lookup(a PeerAddr) (string, error) {
	av.mu.Lock()
	defer av.mu.Unlock()
	addr, ok := av.addrs[a]
	if !ok {
		return "", fmt.Errorf("fabric: address handle %d not present", a)
	}
	return addr, nil
}
