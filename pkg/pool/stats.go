// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package pool

import "sort"

// ChainStats describes one owner's chain.
type ChainStats struct {
	Owner    uint32 `json:"owner"`
	Length   uint32 `json:"length"`
	Head     uint32 `json:"head"`
	Tail     uint32 `json:"tail"`
	FailSafe bool   `json:"fail_safe,omitempty"`
}

// PoolStats contains runtime statistics about the pool.
type PoolStats struct {
	// Geometry
	NumSectors uint32 `json:"num_sectors"`
	SectorSize uint32 `json:"sector_size"`
	Erase      string `json:"erase_policy"`

	// Current state
	FreeSectors  uint32 `json:"free_sectors"`
	PendingErase uint32 `json:"pending_erase"`
	Quarantined  uint32 `json:"quarantined"`
	ChainSectors uint32 `json:"chain_sectors"`
	ActiveChains uint32 `json:"active_chains"`

	// Corruption state
	Corruptions    uint64   `json:"corruptions"`
	FailSafeOwners []uint32 `json:"fail_safe_owners,omitempty"`

	// Erase worker
	ErasedTotal uint64 `json:"erased_total"`

	Chains []ChainStats `json:"chains,omitempty"`
}

// Stats returns current pool statistics. The pool is quiesced briefly
// so the sector accounting identity (free + pending + quarantined +
// chained == total) holds in the snapshot.
func (p *Pool) Stats() PoolStats {
	chains := p.lockAll()
	defer p.unlockAll(chains)

	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		NumSectors:   p.meta.NumSectors,
		SectorSize:   p.meta.SectorSize,
		Erase:        p.meta.Erase.String(),
		FreeSectors:  uint32(len(p.free)),
		PendingErase: p.pending,
		Quarantined:  uint32(len(p.quarantined)),
		Corruptions:  p.corruptions.Load(),
		ErasedTotal:  p.erased.Load(),
	}

	for _, ch := range chains {
		if ch.empty() && !ch.failSafe.Load() {
			continue
		}
		stats.ActiveChains++
		stats.ChainSectors += ch.length
		stats.Chains = append(stats.Chains, ChainStats{
			Owner:    ch.owner,
			Length:   ch.length,
			Head:     ch.head,
			Tail:     ch.tail,
			FailSafe: ch.failSafe.Load(),
		})
		if ch.failSafe.Load() {
			stats.FailSafeOwners = append(stats.FailSafeOwners, ch.owner)
		}
	}
	sort.Slice(stats.FailSafeOwners, func(i, j int) bool {
		return stats.FailSafeOwners[i] < stats.FailSafeOwners[j]
	})

	return stats
}
