package engine

import "sync/atomic"

// keyBlock is the number of keys a key source grabs from the shared pool
// at a time. Coarse blocks keep atomic traffic off the per-registration
// path while guaranteeing process-wide uniqueness.
const keyBlock = 256

// KeyPool is the process-wide reservoir of memory-region keys. Keys below
// 512 are never handed out.
type KeyPool struct {
	next atomic.Uint64
}

// NewKeyPool creates a pool whose first block starts at 512.
func NewKeyPool() *KeyPool {
	p := &KeyPool{}
	p.next.Store(2 * keyBlock)
	return p
}

func (p *KeyPool) grab() uint64 {
	return p.next.Add(keyBlock) - keyBlock
}

// KeySource yields strictly increasing memory-region keys to one owner.
// It refills from the shared pool whenever it exhausts a block, so sources
// never collide. Not safe for concurrent use; every owner has its own.
type KeySource struct {
	pool    *KeyPool
	nextKey uint64
}

// NewKeySource creates a source drawing from pool.
func NewKeySource(pool *KeyPool) KeySource {
	return KeySource{pool: pool}
}

// Next returns the next unique key.
func (s *KeySource) Next() uint64 {
	if s.nextKey%keyBlock == 0 {
		s.nextKey = s.pool.grab()
	}
	k := s.nextKey
	s.nextKey++
	return k
}
