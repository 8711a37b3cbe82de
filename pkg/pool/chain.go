// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package pool

import (
	"sync"
	"sync/atomic"

	"github.com/ridgetel/mm2/pkg/sector"
)

// chain is the per-owner linker state: head is the oldest unconsumed
// sector, tail the append target. Its mutex is the outer lock of the
// two-tier scheme and guards head, tail, length and every header
// reachable from head.
type chain struct {
	mu     sync.Mutex
	owner  uint32
	head   uint32 // sector.None when empty
	tail   uint32 // sector.None when empty
	length uint32

	// gen counts detaches. Sectors only ever leave a chain through a
	// detach, so a reader whose saved generation still matches knows its
	// remembered position is still in the chain and still guarded by
	// this mutex.
	gen uint64

	// failSafe is atomic so the validator can flag an owner from any
	// scope without dancing around the lock hierarchy.
	failSafe atomic.Bool
}

func (ch *chain) empty() bool {
	return ch.head == sector.None
}

// appendLocked links a freshly acquired sector to the tail of ch.
// Write order matters for power loss: the new sector's header (owned,
// next=None) is committed before the old tail's link to it. A crash in
// between leaves an owned orphan that recovery re-attaches; the reverse
// order would leave a link into a stale header.
// Chain lock must be held; id must already be marked in-use.
func (p *Pool) appendLocked(ch *chain, id uint32) error {
	h := &p.headers[id]
	h.Owner = ch.owner
	h.Next = sector.None
	h.WriteOffset = 0
	if err := p.writeHeader(id); err != nil {
		return err
	}

	if ch.empty() {
		ch.head = id
		ch.tail = id
	} else {
		p.headers[ch.tail].Next = id
		if err := p.writeHeader(ch.tail); err != nil {
			return err
		}
		ch.tail = id
	}
	ch.length++

	p.trace("linker: append sector %d to owner %d (len=%d)", id, ch.owner, ch.length)
	return nil
}

// detachHeadLocked removes and returns the current head. The read of
// head.Next and the write of the new head commit inside this one
// critical section; nothing on the same chain may interleave.
// Chain lock must be held.
func (p *Pool) detachHeadLocked(ch *chain) (uint32, error) {
	if ch.empty() {
		return 0, ErrChainEmpty
	}

	old := ch.head
	ch.head = p.headers[old].Next
	if ch.head == sector.None {
		ch.tail = sector.None
	}
	ch.length--
	ch.gen++

	p.trace("linker: detach head %d from owner %d (len=%d)", old, ch.owner, ch.length)
	return old, nil
}

// detachSpecificLocked unlinks an arbitrary sector from ch, relinking
// its predecessor to its successor. O(chain length); detach-by-id is
// rare next to head-order consumption, so the scan is acceptable.
// Chain lock must be held.
func (p *Pool) detachSpecificLocked(ch *chain, id uint32) error {
	if ch.empty() {
		return ErrChainEmpty
	}

	if ch.head == id {
		_, err := p.detachHeadLocked(ch)
		return err
	}

	// Walk from head looking for the predecessor. Bound the walk by the
	// chain length so a cyclic chain cannot hang the caller.
	pred := ch.head
	for steps := uint32(0); steps < ch.length; steps++ {
		next := p.headers[pred].Next
		if next == id {
			p.headers[pred].Next = p.headers[id].Next
			if err := p.writeHeader(pred); err != nil {
				return err
			}
			if ch.tail == id {
				ch.tail = pred
			}
			ch.length--
			ch.gen++
			p.trace("linker: detach sector %d from owner %d (len=%d)", id, ch.owner, ch.length)
			return nil
		}
		if next == sector.None {
			break
		}
		pred = next
	}

	return ErrNotFound
}

// containsLocked reports whether id is reachable from ch's head.
// Chain lock must be held.
func (p *Pool) containsLocked(ch *chain, id uint32) bool {
	cur := ch.head
	for steps := uint32(0); cur != sector.None && steps <= ch.length; steps++ {
		if cur == id {
			return true
		}
		cur = p.headers[cur].Next
	}
	return false
}

// ChainLength returns the number of sectors currently in owner's chain.
func (p *Pool) ChainLength(owner uint32) uint32 {
	ch := p.chainFor(owner)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.length
}

// ChainEndpoints returns the head and tail sector ids of owner's chain,
// or sector.None for both when the chain is empty.
func (p *Pool) ChainEndpoints(owner uint32) (head, tail uint32) {
	ch := p.chainFor(owner)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.head, ch.tail
}

// Owners returns the ids of all owners with a non-empty chain.
func (p *Pool) Owners() []uint32 {
	p.mu.Lock()
	ids := make([]uint32, 0, len(p.owners))
	chains := make([]*chain, 0, len(p.owners))
	for id, ch := range p.owners {
		ids = append(ids, id)
		chains = append(chains, ch)
	}
	p.mu.Unlock()

	out := make([]uint32, 0, len(ids))
	for i, ch := range chains {
		ch.mu.Lock()
		if !ch.empty() {
			out = append(out, ids[i])
		}
		ch.mu.Unlock()
	}
	return out
}
