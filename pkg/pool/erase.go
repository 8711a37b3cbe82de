// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package pool

import (
	"log"
	"sync"
	"time"

	"github.com/ridgetel/mm2/pkg/sector"
)

// drainInterval is how often the background worker batches erases.
// Flash erase is slow; batching keeps it off the producers' path.
const drainInterval = 500 * time.Millisecond

// eraser decouples "logically freed" from "physically erased". Sectors
// arrive here only after releaseSector has completed, so everything in
// the queue is already structurally detached.
type eraser struct {
	p *Pool

	// At most one queue entry per sector: enqueue coalesces a sector
	// that is freed, reallocated and freed again before its wipe runs,
	// so the pool-sized channel never overflows and a wipe is never
	// dropped.
	queue  chan uint32
	mu     sync.Mutex
	queued []bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newEraser(p *Pool) *eraser {
	return &eraser{
		p:      p,
		queue:  make(chan uint32, p.meta.NumSectors),
		queued: make([]bool, p.meta.NumSectors),
		stopCh: make(chan struct{}),
	}
}

func (e *eraser) start() {
	e.wg.Add(1)
	go e.run()
}

func (e *eraser) stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// enqueue schedules a released sector for physical erase. A sector
// already waiting is not queued twice; the single entry covers the
// latest free.
func (e *eraser) enqueue(id uint32) {
	e.mu.Lock()
	if e.queued[id] {
		e.mu.Unlock()
		return
	}
	e.queued[id] = true
	e.mu.Unlock()

	select {
	case e.queue <- id:
	default:
		// Unreachable while the dedup bit holds each sector to one
		// entry; unmark so a later free can reschedule rather than
		// block inside a caller's critical section.
		e.mu.Lock()
		e.queued[id] = false
		e.mu.Unlock()
		log.Printf("eraser: queue full, sector %d erase skipped", id)
	}
}

// dequeued clears a sector's queue mark. Called by the drain as soon as
// it pops the entry, so a free that lands mid-wipe schedules a new one.
func (e *eraser) dequeued(id uint32) {
	e.mu.Lock()
	e.queued[id] = false
	e.mu.Unlock()
}

func (e *eraser) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			e.p.DrainErase(int(e.p.meta.NumSectors))
			return
		case <-ticker.C:
			e.p.DrainErase(e.p.cfg.EraseBatch)
		}
	}
}

// DrainErase physically erases up to max queued sectors and returns how
// many were erased. Under the erase-before-reuse policy this is the
// only place sectors re-enter the free list.
func (p *Pool) DrainErase(max int) int {
	erased := 0
	defer func() { p.erased.Add(uint64(erased)) }()

	for erased < max {
		var id uint32
		select {
		case id = <-p.eraser.queue:
		default:
			return erased
		}
		p.eraser.dequeued(id)

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return erased
		}

		h := &p.headers[id]
		switch {
		case h.IsPendingErase():
			// erase-before-reuse: wipe, then hand back to the free list.
			if err := p.erasePayload(id); err != nil {
				log.Printf("eraser: wipe of sector %d failed: %v", id, err)
				p.mu.Unlock()
				continue
			}
			h.Flags = 0
			if err := p.writeHeader(id); err != nil {
				log.Printf("eraser: header clear of sector %d failed: %v", id, err)
				p.mu.Unlock()
				continue
			}
			p.pending--
			p.free = append(p.free, id)
			erased++
			p.trace("eraser: sector %d erased and returned to free list", id)

		case h.IsFree():
			// deferred policy: wipe only if the sector has not been
			// reallocated; a reused sector's payload belongs to its new
			// owner now.
			if err := p.erasePayload(id); err != nil {
				log.Printf("eraser: wipe of sector %d failed: %v", id, err)
				p.mu.Unlock()
				continue
			}
			erased++
			p.trace("eraser: sector %d wiped in place", id)

		default:
			// Reallocated before its turn came up. Nothing to do.
		}
		p.mu.Unlock()
	}

	return erased
}

// erasePayload zero-fills a sector's payload region, emulating the
// flash driver's block erase. Pool lock must be held.
func (p *Pool) erasePayload(id uint32) error {
	wipe := make([]byte, sector.UsablePayloadSize(p.meta.SectorSize))
	_, err := p.dataFile.WriteAt(wipe, p.sectorOffset(id)+sector.HeaderSize)
	return err
}
