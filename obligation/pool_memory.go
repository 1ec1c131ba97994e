package obligation

import "sync"

// MemoryPool is a trivial in-memory VotePool, in the same spirit as
// mempool.Memory and transport.Memory: a dev/test-wiring stand-in for the
// real misbehaviour-vote subsystem this package only consumes through the
// VotePool boundary.
type MemoryPool struct {
	mu    sync.Mutex
	added map[voteKey]bool
}

func NewMemoryPool() *MemoryPool {
	return &MemoryPool{added: make(map[voteKey]bool)}
}

func (p *MemoryPool) AddVote(v VoteMsg) (VoteResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := keyOf(v)
	if p.added[k] {
		return AlreadyPresent, nil
	}
	p.added[k] = true
	return AddedToPool, nil
}
