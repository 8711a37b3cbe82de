// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package pool

import (
	"time"

	"github.com/ridgetel/mm2/pkg/sector"
)

// FindingKind classifies one structural violation.
type FindingKind string

const (
	FindingDanglingNext   FindingKind = "dangling-next"   // link points outside the pool
	FindingFreedReference FindingKind = "freed-reference" // link or endpoint refers to a freed sector
	FindingDoubleOwned    FindingKind = "double-owned"    // sector reachable from two chains
	FindingCycle          FindingKind = "cycle"           // chain walk revisits a sector
	FindingOwnerMismatch  FindingKind = "owner-mismatch"  // reachable sector carries the wrong owner
	FindingBadChecksum    FindingKind = "bad-checksum"    // header failed its CRC
	FindingBadEndpoint    FindingKind = "bad-endpoint"    // head/tail/length bookkeeping inconsistent
	FindingOrphan         FindingKind = "orphan"          // in-use sector unreachable from any chain
	FindingBadOffset      FindingKind = "bad-offset"      // write offset beyond sector capacity
)

// Finding is one detected violation. The validator reports and counts;
// it never repairs. Guessing intent here could discard unconsumed data
// or merge unrelated streams, so repair stays an operator decision.
type Finding struct {
	Kind     FindingKind `json:"kind"`
	Owner    uint32      `json:"owner"`
	Sector   uint32      `json:"sector"`
	Ref      uint32      `json:"ref"` // offending partner sector, sector.None if n/a
	Op       string      `json:"op,omitempty"`
	Detected time.Time   `json:"detected"`
}

const maxRecordedFindings = 1024

type scopeKind uint8

const (
	scopeChain scopeKind = iota
	scopeSector
	scopeFull
)

// Scope selects how much of the pool a validation pass covers.
type Scope struct {
	kind   scopeKind
	owner  uint32
	sector uint32
}

// ScopeChain validates one owner's chain.
func ScopeChain(owner uint32) Scope { return Scope{kind: scopeChain, owner: owner} }

// ScopeSector validates one sector's neighborhood: its header on flash
// and the sector its link points at.
func ScopeSector(id uint32) Scope { return Scope{kind: scopeSector, sector: id} }

// ScopeFull validates every chain plus the free list. The pool is
// quiesced for the duration: cross-chain uniqueness is meaningless
// under a single owner lock.
func ScopeFull() Scope { return Scope{kind: scopeFull} }

// Validate runs a validation pass and returns the findings from this
// run. Findings are also recorded, counted, and reported to the
// configured reporter.
func (p *Pool) Validate(scope Scope) []Finding {
	switch scope.kind {
	case scopeChain:
		ch := p.chainFor(scope.owner)
		ch.mu.Lock()
		defer ch.mu.Unlock()
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.walkChain(ch, "validate")

	case scopeSector:
		chains := p.lockAll()
		defer p.unlockAll(chains)
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.checkNeighborhood(scope.sector, "validate")

	default:
		chains := p.lockAll()
		defer p.unlockAll(chains)
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.checkFullPool(chains, "validate")
	}
}

// validateChainLocked is the cheap scoped pass run by the mutate guard.
// Chain lock must be held; takes the pool lock internally.
func (p *Pool) validateChainLocked(ch *chain, op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.walkChain(ch, op)
}

// walkChain checks Invariants 1-5 for a single chain. Chain and pool
// locks must be held.
func (p *Pool) walkChain(ch *chain, op string) []Finding {
	var found []Finding
	report := func(f Finding) {
		f.Op = op
		f.Detected = time.Now()
		found = append(found, f)
		p.recordLocked(f)
	}

	if ch.empty() {
		if ch.tail != sector.None || ch.length != 0 {
			report(Finding{Kind: FindingBadEndpoint, Owner: ch.owner, Sector: ch.tail, Ref: sector.None})
		}
		return found
	}

	usable := p.cfg.UsablePayloadPerSector()
	prev := sector.None
	cur := ch.head
	steps := uint32(0)

	for cur != sector.None {
		if cur >= p.meta.NumSectors {
			report(Finding{Kind: FindingDanglingNext, Owner: ch.owner, Sector: prev, Ref: cur})
			return found
		}

		h := &p.headers[cur]
		if !h.IsInUse() {
			// The production corruption class: a live link into a
			// sector that has already been freed.
			report(Finding{Kind: FindingFreedReference, Owner: ch.owner, Sector: prev, Ref: cur})
			return found
		}
		if h.Owner != ch.owner || h.Owner == 0 {
			report(Finding{Kind: FindingOwnerMismatch, Owner: ch.owner, Sector: cur, Ref: sector.None})
		}
		if h.WriteOffset > usable {
			report(Finding{Kind: FindingBadOffset, Owner: ch.owner, Sector: cur, Ref: sector.None})
		}

		steps++
		if steps > ch.length || steps > p.meta.NumSectors {
			report(Finding{Kind: FindingCycle, Owner: ch.owner, Sector: cur, Ref: ch.head})
			return found
		}

		prev = cur
		cur = h.Next
	}

	if prev != ch.tail || steps != ch.length {
		report(Finding{Kind: FindingBadEndpoint, Owner: ch.owner, Sector: prev, Ref: ch.tail})
	}

	return found
}

// checkNeighborhood verifies one sector's flash header and its link
// target. All locks must be held (lockAll + pool lock).
func (p *Pool) checkNeighborhood(id uint32, op string) []Finding {
	var found []Finding
	report := func(f Finding) {
		f.Op = op
		f.Detected = time.Now()
		found = append(found, f)
		p.recordLocked(f)
	}

	if id >= p.meta.NumSectors {
		report(Finding{Kind: FindingDanglingNext, Sector: id, Ref: sector.None})
		return found
	}

	h := &p.headers[id]

	// Compare the flash copy against the in-memory mirror: a torn
	// header write shows up here before anything walks through it.
	onFlash, err := p.readHeaderFromFlash(id)
	if err != nil || !onFlash.Sealed() {
		report(Finding{Kind: FindingBadChecksum, Owner: h.Owner, Sector: id, Ref: sector.None})
	}

	if !h.IsInUse() {
		return found
	}
	if h.Owner == 0 {
		report(Finding{Kind: FindingOwnerMismatch, Sector: id, Ref: sector.None})
	}
	if h.Next == sector.None {
		return found
	}
	if h.Next >= p.meta.NumSectors {
		report(Finding{Kind: FindingDanglingNext, Owner: h.Owner, Sector: id, Ref: h.Next})
		return found
	}

	next := &p.headers[h.Next]
	if !next.IsInUse() {
		report(Finding{Kind: FindingFreedReference, Owner: h.Owner, Sector: id, Ref: h.Next})
	} else if next.Owner != h.Owner {
		report(Finding{Kind: FindingOwnerMismatch, Owner: h.Owner, Sector: id, Ref: h.Next})
	}

	return found
}

// checkFullPool builds a reachability map over every chain: a sector
// visited twice is a cycle or double ownership; an in-use sector never
// visited is an orphan. All locks must be held.
func (p *Pool) checkFullPool(chains []*chain, op string) []Finding {
	var found []Finding
	report := func(f Finding) {
		f.Op = op
		f.Detected = time.Now()
		found = append(found, f)
		p.recordLocked(f)
	}

	// visitedBy[id] = owner that first reached the sector, 0 = unvisited
	visitedBy := make([]uint32, p.meta.NumSectors)

	for _, ch := range chains {
		cur := ch.head
		steps := uint32(0)
		for cur != sector.None && cur < p.meta.NumSectors {
			if by := visitedBy[cur]; by != 0 {
				kind := FindingDoubleOwned
				if by == ch.owner {
					kind = FindingCycle
				}
				report(Finding{Kind: kind, Owner: ch.owner, Sector: cur, Ref: by})
				break
			}
			visitedBy[cur] = ch.owner

			if !p.headers[cur].IsInUse() {
				break // walkChain below reports the specifics
			}
			steps++
			if steps > p.meta.NumSectors {
				break
			}
			cur = p.headers[cur].Next
		}

		// Per-chain structural checks on top of the global map.
		found = append(found, p.walkChain(ch, op)...)
	}

	for id := uint32(0); id < p.meta.NumSectors; id++ {
		if _, q := p.quarantined[id]; q {
			continue
		}
		h := &p.headers[id]
		if h.IsInUse() && visitedBy[id] == 0 {
			report(Finding{Kind: FindingOrphan, Owner: h.Owner, Sector: id, Ref: sector.None})
		}
	}

	// The free list must only carry genuinely free sectors.
	for _, id := range p.free {
		if !p.headers[id].IsFree() {
			report(Finding{Kind: FindingFreedReference, Sector: id, Ref: sector.None})
		}
	}

	return found
}

// recordLocked stores a finding, bumps the corruption counter, flips
// the process-wide corruption flag and flags the owner for fail-safe
// mode when configured. Pool lock must be held.
func (p *Pool) recordLocked(f Finding) {
	p.corruptions.Add(1)
	p.corrupt.Store(true)

	if len(p.findings) >= maxRecordedFindings {
		p.findings = p.findings[1:]
	}
	p.findings = append(p.findings, f)

	if p.cfg.FailSafe && f.Owner != 0 {
		if ch, ok := p.owners[f.Owner]; ok {
			ch.failSafe.Store(true)
		}
	}

	p.trace("validator: %s owner=%d sector=%d ref=%d op=%s", f.Kind, f.Owner, f.Sector, f.Ref, f.Op)

	if fn := p.onFinding; fn != nil {
		fn(f)
	}
}

// Findings returns a snapshot of recorded findings, oldest first.
func (p *Pool) Findings() []Finding {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Finding, len(p.findings))
	copy(out, p.findings)
	return out
}

// CorruptionCount returns the monotonic corruption counter.
func (p *Pool) CorruptionCount() uint64 {
	return p.corruptions.Load()
}

// Corrupt reports whether any finding has ever been recorded.
func (p *Pool) Corrupt() bool {
	return p.corrupt.Load()
}

// FailSafeOwners returns the owners currently refusing allocations.
func (p *Pool) FailSafeOwners() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []uint32
	for id, ch := range p.owners {
		if ch.failSafe.Load() {
			out = append(out, id)
		}
	}
	return out
}

// ClearFailSafe re-enables allocations for an owner. Operator action:
// only call after the underlying damage has been inspected.
func (p *Pool) ClearFailSafe(owner uint32) {
	p.mu.Lock()
	ch, ok := p.owners[owner]
	p.mu.Unlock()
	if ok {
		ch.failSafe.Store(false)
	}
}
