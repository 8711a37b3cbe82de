// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package pool

import (
	"bytes"
	"testing"
	"time"

	"github.com/ridgetel/mm2/pkg/sector"
)

// rawPayload reads a sector's full payload region straight from the
// data file, bypassing the header's write offset.
func rawPayload(t *testing.T, p *Pool, id uint32) []byte {
	t.Helper()
	buf := make([]byte, sector.UsablePayloadSize(p.meta.SectorSize))
	if _, err := p.dataFile.ReadAt(buf, p.sectorOffset(id)+sector.HeaderSize); err != nil {
		t.Fatalf("raw read of sector %d failed: %v", id, err)
	}
	return buf
}

func TestDeferredEraseImmediateReuse(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(tmpDir)
	cfg.NumSectors = 8
	p, err := Create(cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	for i := 0; i < 8; i++ {
		if _, err := p.Allocate(1); err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
	}
	if _, err := p.Allocate(1); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	if err := p.FreeChainHead(1); err != nil {
		t.Fatalf("FreeChainHead failed: %v", err)
	}

	// Deferred policy: the sector is allocatable before any wipe runs.
	if _, err := p.Allocate(2); err != nil {
		t.Errorf("freed sector not immediately reusable: %v", err)
	}
	checkAccounting(t, p)
}

func TestDeferredEraseWipesFreedPayload(t *testing.T) {
	tmpDir := t.TempDir()
	p, err := Create(testConfig(tmpDir))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	h, err := p.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if _, err := p.AppendBytes(h, []byte("vehicle position record")); err != nil {
		t.Fatalf("AppendBytes failed: %v", err)
	}
	if err := p.FreeChainHead(1); err != nil {
		t.Fatalf("FreeChainHead failed: %v", err)
	}

	// The background worker may get there first; DrainErase picks up
	// whatever is left either way.
	p.DrainErase(8)
	if !bytes.Equal(rawPayload(t, p, h.Sector), make([]byte, sector.UsablePayloadSize(p.meta.SectorSize))) {
		t.Error("payload not zeroed after drain")
	}
}

func TestDeferredEraseSkipsReallocated(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(tmpDir)
	cfg.NumSectors = 8
	p, err := Create(cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	// Drain the free list so the freed sector is the only candidate and
	// the re-allocation below must reuse it.
	for i := 0; i < 8; i++ {
		p.Allocate(1)
	}
	p.FreeChainHead(1)

	h2, err := p.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if _, err := p.AppendBytes(h2, []byte("new owner data")); err != nil {
		t.Fatalf("AppendBytes failed: %v", err)
	}

	// The queued erase must not touch the new owner's payload.
	p.DrainErase(8)

	got, err := p.readPayload(h2.Sector)
	if err != nil {
		t.Fatalf("readPayload failed: %v", err)
	}
	if !bytes.Equal(got, []byte("new owner data")) {
		t.Errorf("reallocated payload clobbered by eraser: %q", got)
	}
}

func TestEraseBeforeReuse(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(tmpDir)
	cfg.NumSectors = 8
	cfg.Erase = EraseBeforeReuse
	p, err := Create(cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	var last Handle
	for i := 0; i < 8; i++ {
		last, err = p.Allocate(1)
		if err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
	}
	if _, err := p.AppendBytes(last, []byte("stale")); err != nil {
		t.Fatalf("AppendBytes failed: %v", err)
	}

	if err := p.FreeChainHead(1); err != nil {
		t.Fatalf("FreeChainHead failed: %v", err)
	}

	if got := p.PendingEraseCount(); got != 1 {
		t.Fatalf("PendingEraseCount: got %d, want 1", got)
	}
	if got := p.FreeCount(); got != 0 {
		t.Fatalf("FreeCount: got %d, want 0", got)
	}

	// Parked, not free: allocation still fails until the wipe runs.
	if _, err := p.Allocate(2); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted while erase pending, got %v", err)
	}

	p.DrainErase(8)
	if got := p.PendingEraseCount(); got != 0 {
		t.Errorf("PendingEraseCount after drain: got %d, want 0", got)
	}
	if got := p.FreeCount(); got != 1 {
		t.Errorf("FreeCount after drain: got %d, want 1", got)
	}

	h2, err := p.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate after drain failed: %v", err)
	}
	if !bytes.Equal(rawPayload(t, p, h2.Sector), make([]byte, sector.UsablePayloadSize(p.meta.SectorSize))) {
		t.Error("sector handed out before its payload was wiped")
	}
	checkAccounting(t, p)
}

func TestEraseQueueCoalescesRepeatedFrees(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(tmpDir)
	cfg.NumSectors = 3
	p, err := Create(cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	// Churn one sector through as many free/reallocate cycles as the
	// queue has slots. Without coalescing every cycle costs a slot and
	// the queue fills up on repeats of the same sector.
	for i := 0; i < 3; i++ {
		if _, err := p.Allocate(1); err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
		if err := p.FreeChainHead(1); err != nil {
			t.Fatalf("FreeChainHead %d failed: %v", i, err)
		}
	}

	// A different sector freed afterwards must still get its wipe.
	if _, err := p.Allocate(2); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	h2, err := p.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if _, err := p.AppendBytes(h2, []byte("driver identity record")); err != nil {
		t.Fatalf("AppendBytes failed: %v", err)
	}
	if err := p.FreeSpecific(2, h2.Sector); err != nil {
		t.Fatalf("FreeSpecific failed: %v", err)
	}

	p.DrainErase(16)
	if !bytes.Equal(rawPayload(t, p, h2.Sector), make([]byte, sector.UsablePayloadSize(p.meta.SectorSize))) {
		t.Error("repeat frees of one sector starved another sector's wipe")
	}
}

func TestBackgroundEraser(t *testing.T) {
	tmpDir := t.TempDir()
	p, err := Create(testConfig(tmpDir))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	p.Allocate(1)
	if err := p.FreeChainHead(1); err != nil {
		t.Fatalf("FreeChainHead failed: %v", err)
	}

	// The worker ticks every 500ms; give it a few cycles.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().ErasedTotal >= 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Error("background eraser never drained the queue")
}
