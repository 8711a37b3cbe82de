// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package pool

import (
	"io"

	"github.com/ridgetel/mm2/pkg/sector"
)

// Reader walks one owner's chain from head to tail, returning each
// sector's payload in order. The walk is lazy: each Next call reads one
// sector under the owner's lock, so producers keep appending while a
// consumer drains. Reset restarts from the current head.
type Reader struct {
	p      *Pool
	ch     *chain
	cursor uint32
	last   uint32 // last sector returned, for resuming past the tail
	gen    uint64 // chain generation the position was last anchored at
	steps  uint32
	fresh  bool
}

// ReadChain returns a reader positioned at owner's current head.
func (p *Pool) ReadChain(owner uint32) *Reader {
	return &Reader{
		p:     p,
		ch:    p.chainFor(owner),
		fresh: true,
	}
}

// Next returns the payload of the next sector in the chain, or io.EOF
// after the tail. A reader parked at the tail resumes on a later Next
// once the chain has grown, so a consumer can follow a live chain.
// The payload is a copy; callers own it.
func (r *Reader) Next() ([]byte, error) {
	r.ch.mu.Lock()
	defer r.ch.mu.Unlock()

	if r.fresh {
		r.cursor = r.ch.head
		r.last = sector.None
		r.gen = r.ch.gen
		r.steps = 0
		r.fresh = false
	}

	// Once the chain generation moves, the saved position may name a
	// sector this lock no longer guards: a detached sector can already be
	// recycled under another owner's lock. Re-anchor from the chain
	// itself before touching any header.
	if r.gen != r.ch.gen {
		switch {
		case r.cursor != sector.None && r.p.containsLocked(r.ch, r.cursor):
			// Still in the chain; keep walking from it.
		case r.last != sector.None && r.p.containsLocked(r.ch, r.last):
			r.cursor = r.p.headers[r.last].Next
		case r.last == sector.None:
			r.cursor = r.ch.head
		default:
			// Our position was consumed behind us; the caller must
			// Reset to re-sync with the new head.
			return nil, ErrNotFound
		}
		r.gen = r.ch.gen
		r.steps = 0
	}

	if r.cursor == sector.None {
		if r.last == sector.None {
			return nil, io.EOF
		}
		next := r.p.headers[r.last].Next
		if next == sector.None {
			return nil, io.EOF
		}
		r.cursor = next
		r.steps = 0
	}
	if r.cursor >= r.p.meta.NumSectors {
		return nil, ErrSectorOutOfRange
	}

	h := &r.p.headers[r.cursor]
	if !h.IsInUse() || h.Owner != r.ch.owner {
		// The link that led here came from a guarded header, so this
		// only fires on a structurally corrupt chain.
		return nil, ErrNotFound
	}

	// A healthy chain never exceeds the pool size; a cyclic one would
	// walk forever without this bound.
	r.steps++
	if r.steps > r.p.meta.NumSectors {
		return nil, ErrNotFound
	}

	data, err := r.p.readPayload(r.cursor)
	if err != nil {
		return nil, err
	}
	r.last = r.cursor
	r.cursor = h.Next
	return data, nil
}

// Sector returns the id of the sector the last Next call returned, or
// sector.None before the first successful Next.
func (r *Reader) Sector() uint32 {
	r.ch.mu.Lock()
	defer r.ch.mu.Unlock()
	if r.fresh {
		return sector.None
	}
	return r.last
}

// Reset restarts the walk from the chain's current head.
func (r *Reader) Reset() {
	r.ch.mu.Lock()
	r.fresh = true
	r.ch.mu.Unlock()
}
