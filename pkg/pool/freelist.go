// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package pool

import (
	"github.com/ridgetel/mm2/pkg/sector"
)

// acquireFreeSector pops one sector off the free list and marks it
// in-use. Owner and Next stay unset: the chain linker fills them and
// performs the single sealed header write, so the (in-use, owner, next)
// triple hits flash together. Pool lock must be held.
func (p *Pool) acquireFreeSector() (uint32, error) {
	if p.closed {
		return 0, ErrPoolClosed
	}
	if len(p.free) == 0 {
		return 0, ErrExhausted
	}

	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	p.headers[id].Flags = sector.FlagInUse
	return id, nil
}

// releaseSector marks a sector free and hands it to the erase worker.
// Precondition: the caller has already unlinked id from every chain, so
// no live Next, head or tail references it. Releasing before unlinking
// is exactly the ordering violation that manufactures dangling links.
// Pool lock must be held; the owner lock covering the detach must still
// be held around this call.
func (p *Pool) releaseSector(id uint32) error {
	h := &p.headers[id]
	h.Owner = 0
	h.Next = sector.None
	h.WriteOffset = 0

	switch p.cfg.Erase {
	case EraseBeforeReuse:
		// Parked until physically erased; not reusable yet.
		h.Flags = sector.FlagPendingErase
		p.pending++
	default:
		// Reusable immediately; payload wiped in the background.
		h.Flags = 0
		p.free = append(p.free, id)
	}

	return p.writeHeader(id)
}

// FreeCount returns the number of immediately allocatable sectors.
func (p *Pool) FreeCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint32(len(p.free))
}

// PendingEraseCount returns the number of sectors parked for erase.
func (p *Pool) PendingEraseCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}
