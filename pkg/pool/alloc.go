// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package pool

import (
	"github.com/ridgetel/mm2/pkg/sector"
)

// Handle identifies one allocated sector within an owner's chain.
type Handle struct {
	Owner  uint32 `json:"owner"`
	Sector uint32 `json:"sector"`
}

// Allocate pulls a free sector and appends it to owner's chain.
// Returns ErrExhausted when the free list is empty; producers must drop
// or throttle, the pool never blocks waiting for space.
func (p *Pool) Allocate(owner uint32) (Handle, error) {
	if owner == 0 {
		return Handle{}, ErrInvalidOwner
	}

	ch := p.chainFor(owner)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.failSafe.Load() {
		return Handle{}, ErrFailSafe
	}
	p.guardEntry("allocate", ch)
	defer p.guardExit("allocate", ch)

	p.mu.Lock()
	id, err := p.acquireFreeSector()
	p.mu.Unlock()
	if err != nil {
		return Handle{}, err
	}

	if err := p.appendLocked(ch, id); err != nil {
		return Handle{}, err
	}

	return Handle{Owner: owner, Sector: id}, nil
}

// AppendBytes writes payload into the sector, bounded by its remaining
// capacity, and returns the number of bytes written. When the return is
// short the sector is full: the caller allocates a new sector and
// continues there.
func (p *Pool) AppendBytes(h Handle, b []byte) (int, error) {
	if h.Sector >= p.meta.NumSectors {
		return 0, ErrSectorOutOfRange
	}

	ch := p.chainFor(h.Owner)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	p.guardEntry("append_bytes", ch)
	defer p.guardExit("append_bytes", ch)

	hdr := &p.headers[h.Sector]
	if !hdr.IsInUse() || hdr.Owner != h.Owner {
		return 0, ErrNotFound
	}

	usable := p.cfg.UsablePayloadPerSector()
	if hdr.WriteOffset >= usable {
		return 0, nil
	}

	n := int(usable - hdr.WriteOffset)
	if n > len(b) {
		n = len(b)
	}
	if n == 0 {
		return 0, nil
	}

	// Payload first, then the sealed header carrying the new offset: a
	// crash in between leaves the old offset and the partial bytes
	// invisible.
	if err := p.writePayload(h.Sector, hdr.WriteOffset, b[:n]); err != nil {
		return 0, err
	}
	hdr.WriteOffset += uint32(n)
	if err := p.writeHeader(h.Sector); err != nil {
		return 0, err
	}

	return n, nil
}

// FreeChainHead releases the oldest sector of owner's chain: detach,
// release, enqueue for erase, in that exact order, all inside the
// owner's critical section with the free-list lock innermost. Running
// the release before the detach is the defect class this ordering
// eliminates by construction.
func (p *Pool) FreeChainHead(owner uint32) error {
	ch := p.chainFor(owner)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	p.guardEntry("free_chain_head", ch)
	defer p.guardExit("free_chain_head", ch)

	id, err := p.detachHeadLocked(ch)
	if err != nil {
		return err
	}

	p.mu.Lock()
	err = p.releaseSector(id)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	p.eraser.enqueue(id)
	return nil
}

// FreeSpecific releases one sector regardless of its chain position.
// Used by cleanup sweeps that free out of head order.
func (p *Pool) FreeSpecific(owner uint32, id uint32) error {
	if id >= p.meta.NumSectors {
		return ErrSectorOutOfRange
	}

	ch := p.chainFor(owner)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	p.guardEntry("free_specific", ch)
	defer p.guardExit("free_specific", ch)

	if err := p.detachSpecificLocked(ch, id); err != nil {
		return err
	}

	p.mu.Lock()
	err := p.releaseSector(id)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	p.eraser.enqueue(id)
	return nil
}

// HeadPayload returns a copy of the payload of owner's oldest sector
// along with its id, without consuming it. Consumers stream this and
// then call FreeChainHead once delivery is acknowledged.
func (p *Pool) HeadPayload(owner uint32) ([]byte, uint32, error) {
	ch := p.chainFor(owner)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.empty() {
		return nil, sector.None, ErrChainEmpty
	}

	data, err := p.readPayload(ch.head)
	if err != nil {
		return nil, sector.None, err
	}
	return data, ch.head, nil
}

// guardEntry runs a scoped validation before a mutating operation when
// the pool is configured for it.
func (p *Pool) guardEntry(op string, ch *chain) {
	if p.cfg.ValidateOnMutate {
		p.validateChainLocked(ch, op)
	}
}

// guardExit always re-validates after a mutation once corruption has
// been observed, to avoid compounding damage.
func (p *Pool) guardExit(op string, ch *chain) {
	if p.corrupt.Load() {
		p.validateChainLocked(ch, op)
	}
}
