// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package pool

import (
	"fmt"
	"sort"
	"time"

	"github.com/ridgetel/mm2/pkg/sector"
)

// recoverState rebuilds the free list and every owner chain from the
// sector headers on flash. Runs single-threaded at Open, before the
// erase worker starts.
//
// Recovery strategy:
//
// Append commits the new sector's header before the old tail's link, so
// the only state a power loss mid-append can leave is a fully owned
// sector that no chain reaches yet. Recovery completes that append: an
// owner with one established fragment plus one fresh orphan sector gets
// the orphan re-attached at the tail.
//
// Everything else - torn headers, links into freed sectors, links out
// of range, cycles, multiple competing fragments - is structural
// corruption. Those sectors are quarantined and reported as findings,
// never relinked: guessing could merge unrelated streams or discard
// unconsumed data, and the repo's history with ad hoc repairs is what
// motivated this design.
func (p *Pool) recoverState() error {
	report := func(f Finding) {
		f.Op = "recovery"
		f.Detected = time.Now()
		p.recordLocked(f)
	}

	// Pass 1: read and verify every header.
	for id := uint32(0); id < p.meta.NumSectors; id++ {
		h, err := p.readHeaderFromFlash(id)
		if err != nil {
			return fmt.Errorf("read header %d: %w", id, err)
		}
		if !h.Sealed() {
			// Torn write. Quarantine: the record can't be trusted in
			// either direction.
			p.quarantined[id] = struct{}{}
			p.headers[id] = h
			report(Finding{Kind: FindingBadChecksum, Owner: h.Owner, Sector: id, Ref: sector.None})
			continue
		}
		if h.IsInUse() && h.Owner == 0 {
			p.quarantined[id] = struct{}{}
			p.headers[id] = h
			report(Finding{Kind: FindingOwnerMismatch, Sector: id, Ref: sector.None})
			continue
		}
		if h.IsInUse() && h.WriteOffset > p.cfg.UsablePayloadPerSector() {
			p.quarantined[id] = struct{}{}
			p.headers[id] = h
			report(Finding{Kind: FindingBadOffset, Owner: h.Owner, Sector: id, Ref: sector.None})
			continue
		}
		p.headers[id] = h
	}

	// Pass 2: classify free and pending sectors, count chain links.
	var pendingIDs []uint32
	refs := make(map[uint32]uint32) // sector -> referrer
	for id := uint32(0); id < p.meta.NumSectors; id++ {
		if _, q := p.quarantined[id]; q {
			continue
		}
		h := &p.headers[id]
		switch {
		case h.IsFree():
			// Collected below, descending, so allocation pops ascend.
		case h.IsPendingErase():
			pendingIDs = append(pendingIDs, id)
			p.pending++
		default:
			if h.Next != sector.None {
				refs[h.Next] = id
			}
		}
	}

	// Pass 3: walk fragments from each head (in-use, unreferenced).
	fragments := make(map[uint32][]fragment) // owner -> fragments
	visited := make(map[uint32]struct{})

	var heads []uint32
	for id := uint32(0); id < p.meta.NumSectors; id++ {
		if _, q := p.quarantined[id]; q {
			continue
		}
		h := &p.headers[id]
		if h.IsInUse() {
			if _, referenced := refs[id]; !referenced {
				heads = append(heads, id)
			}
		}
	}

	for _, head := range heads {
		owner := p.headers[head].Owner
		frag := fragment{head: head, tail: head}
		ok := true

		cur := head
		for cur != sector.None {
			if _, seen := visited[cur]; seen {
				report(Finding{Kind: FindingCycle, Owner: owner, Sector: cur, Ref: head})
				ok = false
				break
			}
			visited[cur] = struct{}{}
			frag.sectors = append(frag.sectors, cur)
			frag.tail = cur
			frag.length++

			h := &p.headers[cur]
			if h.Owner != owner {
				report(Finding{Kind: FindingOwnerMismatch, Owner: owner, Sector: cur, Ref: sector.None})
				ok = false
				break
			}

			next := h.Next
			if next == sector.None {
				break
			}
			if next >= p.meta.NumSectors {
				report(Finding{Kind: FindingDanglingNext, Owner: owner, Sector: cur, Ref: next})
				ok = false
				break
			}
			if _, q := p.quarantined[next]; q {
				report(Finding{Kind: FindingDanglingNext, Owner: owner, Sector: cur, Ref: next})
				ok = false
				break
			}
			if !p.headers[next].IsInUse() {
				report(Finding{Kind: FindingFreedReference, Owner: owner, Sector: cur, Ref: next})
				ok = false
				break
			}
			cur = next
		}

		if !ok {
			for _, id := range frag.sectors {
				p.quarantined[id] = struct{}{}
			}
			continue
		}
		fragments[owner] = append(fragments[owner], frag)
	}

	// Pass 4: resolve fragments per owner.
	for owner, frags := range fragments {
		ch := &chain{owner: owner, head: sector.None, tail: sector.None}
		p.owners[owner] = ch

		adopt := func(f fragment) {
			ch.head = f.head
			ch.tail = f.tail
			ch.length = f.length
		}

		switch {
		case len(frags) == 1:
			adopt(frags[0])

		case len(frags) == 2 && p.completesAppend(frags[0], frags[1]):
			main, orphan := orderAppend(frags[0], frags[1], p)
			adopt(main)
			if err := p.reattachLocked(ch, orphan.head); err != nil {
				return err
			}

		default:
			// Competing fragments with no single interrupted append to
			// finish. Keep none: quarantine everything and let the
			// operator decide.
			for _, f := range frags {
				report(Finding{Kind: FindingOrphan, Owner: owner, Sector: f.head, Ref: sector.None})
				for _, id := range f.sectors {
					p.quarantined[id] = struct{}{}
				}
			}
		}
	}

	// Anything in-use that no walk reached is unreachable from every
	// chain: orphaned by corruption, not by an interrupted append.
	for id := uint32(0); id < p.meta.NumSectors; id++ {
		if _, q := p.quarantined[id]; q {
			continue
		}
		h := &p.headers[id]
		if h.IsInUse() {
			if _, seen := visited[id]; !seen {
				report(Finding{Kind: FindingOrphan, Owner: h.Owner, Sector: id, Ref: sector.None})
				p.quarantined[id] = struct{}{}
			}
		}
	}

	// Rebuild the free list last, descending so pops hand out low ids.
	for i := p.meta.NumSectors; i > 0; i-- {
		id := i - 1
		if _, q := p.quarantined[id]; q {
			continue
		}
		if p.headers[id].IsFree() {
			p.free = append(p.free, id)
		}
	}

	// Re-queue pending sectors for the erase worker once it starts.
	sort.Slice(pendingIDs, func(i, j int) bool { return pendingIDs[i] < pendingIDs[j] })
	p.recoveredPending = pendingIDs

	return nil
}

// fragment is one maximal run of linked sectors found during recovery.
type fragment struct {
	head, tail uint32
	length     uint32
	sectors    []uint32
}

// completesAppend reports whether the two fragments look like exactly
// one interrupted append: at least one of them is a fresh, empty,
// single-sector fragment.
func (p *Pool) completesAppend(a, b fragment) bool {
	return p.isFreshSingleton(a) || p.isFreshSingleton(b)
}

func (p *Pool) isFreshSingleton(f fragment) bool {
	return f.length == 1 && p.headers[f.head].WriteOffset == 0
}

// orderAppend decides which fragment is the established chain and which
// is the orphan tail. When both qualify as fresh singletons the lower
// id becomes the head; the payloads are empty either way.
func orderAppend(a, b fragment, p *Pool) (main, orphan fragment) {
	aFresh := p.isFreshSingleton(a)
	bFresh := p.isFreshSingleton(b)
	switch {
	case aFresh && bFresh:
		if a.head < b.head {
			return a, b
		}
		return b, a
	case bFresh:
		return a, b
	default:
		return b, a
	}
}

// reattachLocked finishes an interrupted append by linking the orphan
// sector at the chain tail. Single-threaded recovery context.
func (p *Pool) reattachLocked(ch *chain, id uint32) error {
	p.headers[ch.tail].Next = id
	if err := p.writeHeader(ch.tail); err != nil {
		return err
	}
	ch.tail = id
	ch.length++
	p.trace("recovery: re-attached sector %d to owner %d after interrupted append", id, ch.owner)
	return nil
}
