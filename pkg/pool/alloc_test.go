// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package pool

import (
	"bytes"
	"io"
	"testing"
)

func TestAllocateAppendRead(t *testing.T) {
	tmpDir := t.TempDir()
	p, err := Create(testConfig(tmpDir))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	h, err := p.Allocate(7)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	payload := []byte("can frame 0x18FEF100")
	n, err := p.AppendBytes(h, payload)
	if err != nil {
		t.Fatalf("AppendBytes failed: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("short write: got %d, want %d", n, len(payload))
	}

	r := p.ReadChain(7)
	data, err := r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("payload mismatch: got %q, want %q", data, payload)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected io.EOF at chain end, got %v", err)
	}
}

func TestAllocateZeroOwner(t *testing.T) {
	tmpDir := t.TempDir()
	p, err := Create(testConfig(tmpDir))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	if _, err := p.Allocate(0); err != ErrInvalidOwner {
		t.Errorf("expected ErrInvalidOwner, got %v", err)
	}
}

func TestAppendOverflow(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(tmpDir)
	p, err := Create(cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	usable := int(cfg.UsablePayloadPerSector())
	big := make([]byte, usable+50)
	for i := range big {
		big[i] = byte(i)
	}

	h, err := p.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	// First sector takes exactly its capacity.
	n, err := p.AppendBytes(h, big)
	if err != nil {
		t.Fatalf("AppendBytes failed: %v", err)
	}
	if n != usable {
		t.Fatalf("expected %d bytes in first sector, got %d", usable, n)
	}

	// Full sector accepts nothing more; caller re-chains.
	if n, _ := p.AppendBytes(h, big[n:]); n != 0 {
		t.Fatalf("full sector accepted %d bytes", n)
	}

	h2, err := p.Allocate(2)
	if err != nil {
		t.Fatalf("second Allocate failed: %v", err)
	}
	n2, err := p.AppendBytes(h2, big[usable:])
	if err != nil {
		t.Fatalf("AppendBytes to second sector failed: %v", err)
	}
	if n2 != 50 {
		t.Fatalf("expected 50 bytes in second sector, got %d", n2)
	}

	// Round-trip: bytes come back identical and in order across the span.
	var got []byte
	r := p.ReadChain(2)
	for {
		data, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		got = append(got, data...)
	}
	if !bytes.Equal(got, big) {
		t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(big))
	}
}

func TestExhaustionBoundary(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(tmpDir)
	cfg.NumSectors = 8
	p, err := Create(cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	// Drain the free list down to exactly one entry.
	for i := uint32(0); i < cfg.NumSectors-1; i++ {
		if _, err := p.Allocate(1); err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
		checkAccounting(t, p)
	}

	// One left: succeeds once, then EXHAUSTED.
	if _, err := p.Allocate(2); err != nil {
		t.Fatalf("last Allocate failed: %v", err)
	}
	if _, err := p.Allocate(2); err != ErrExhausted {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
	checkAccounting(t, p)

	// Backpressure, not corruption.
	if p.Corrupt() {
		t.Error("exhaustion must not raise corruption")
	}
}

func TestUnlinkBeforeFreeOrdering(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(tmpDir)
	cfg.NumSectors = 1024
	p, err := Create(cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	// Fill so owner 5's chain lands on sectors 381 and 756:
	// allocation hands out ascending ids from a fresh pool.
	for i := 0; i < 381; i++ {
		if _, err := p.Allocate(1); err != nil {
			t.Fatalf("filler Allocate failed: %v", err)
		}
	}
	h1, err := p.Allocate(5)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if h1.Sector != 381 {
		t.Fatalf("expected sector 381, got %d", h1.Sector)
	}
	for i := 0; i < 374; i++ {
		if _, err := p.Allocate(1); err != nil {
			t.Fatalf("filler Allocate failed: %v", err)
		}
	}
	h2, err := p.Allocate(5)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if h2.Sector != 756 {
		t.Fatalf("expected sector 756, got %d", h2.Sector)
	}

	// owner=5: head=381 -> 756 -> none
	if head, tail := p.ChainEndpoints(5); head != 381 || tail != 756 {
		t.Fatalf("chain endpoints: head=%d tail=%d", head, tail)
	}

	// Correct order: detach, then release. 381 freed, 756 the new head.
	if err := p.FreeChainHead(5); err != nil {
		t.Fatalf("FreeChainHead failed: %v", err)
	}
	if p.headers[381].IsInUse() {
		t.Error("sector 381 still in use after free")
	}
	if head, _ := p.ChainEndpoints(5); head != 756 {
		t.Errorf("new head: got %d, want 756", head)
	}
	if p.headers[756].Owner != 5 {
		t.Errorf("sector 756 owner: got %d, want 5", p.headers[756].Owner)
	}
	if findings := p.Validate(ScopeFull()); len(findings) != 0 {
		t.Errorf("expected zero findings, got %v", findings)
	}
	checkAccounting(t, p)
}

func TestReleaseBeforeUnlinkIsFlagged(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(tmpDir)
	cfg.NumSectors = 1024
	p, err := Create(cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	// Rebuild the owner=5: 381 -> 756 chain.
	for i := 0; i < 381; i++ {
		p.Allocate(1)
	}
	p.Allocate(5)
	for i := 0; i < 374; i++ {
		p.Allocate(1)
	}
	p.Allocate(5)

	// Reproduce the historic defect: release 756 while 381 still links
	// to it, skipping the detach.
	p.mu.Lock()
	if err := p.releaseSector(756); err != nil {
		p.mu.Unlock()
		t.Fatalf("releaseSector failed: %v", err)
	}
	p.mu.Unlock()

	findings := p.Validate(ScopeChain(5))
	if len(findings) == 0 {
		t.Fatal("validator missed the dangling link")
	}
	f := findings[0]
	if f.Kind != FindingFreedReference {
		t.Errorf("finding kind: got %s, want %s", f.Kind, FindingFreedReference)
	}
	if f.Sector != 381 || f.Ref != 756 {
		t.Errorf("finding ids: sector=%d ref=%d, want 381 -> 756", f.Sector, f.Ref)
	}
	if p.CorruptionCount() == 0 {
		t.Error("corruption counter not incremented")
	}
}

func TestDoubleFreeRejected(t *testing.T) {
	tmpDir := t.TempDir()
	p, err := Create(testConfig(tmpDir))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	h, err := p.Allocate(6)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	if err := p.FreeChainHead(6); err != nil {
		t.Fatalf("first free failed: %v", err)
	}

	// Rapid repeated free: a calling bug, not corruption.
	if err := p.FreeChainHead(6); err != ErrChainEmpty {
		t.Errorf("expected ErrChainEmpty, got %v", err)
	}
	if err := p.FreeSpecific(6, h.Sector); err != ErrChainEmpty {
		t.Errorf("expected ErrChainEmpty from FreeSpecific on empty chain, got %v", err)
	}
	if p.Corrupt() {
		t.Error("double free must not raise corruption")
	}
	checkAccounting(t, p)
}

func TestFreeSpecific(t *testing.T) {
	tmpDir := t.TempDir()
	p, err := Create(testConfig(tmpDir))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	var handles []Handle
	for i := 0; i < 5; i++ {
		h, err := p.Allocate(8)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		handles = append(handles, h)
	}

	// Free from the middle, the tail, then the head.
	for _, idx := range []int{2, 4, 0} {
		if err := p.FreeSpecific(8, handles[idx].Sector); err != nil {
			t.Fatalf("FreeSpecific(%d) failed: %v", handles[idx].Sector, err)
		}
		if findings := p.Validate(ScopeChain(8)); len(findings) != 0 {
			t.Fatalf("findings after detach of %d: %v", handles[idx].Sector, findings)
		}
		checkAccounting(t, p)
	}

	if got := p.ChainLength(8); got != 2 {
		t.Errorf("chain length: got %d, want 2", got)
	}

	// An id no longer in the chain.
	if err := p.FreeSpecific(8, handles[2].Sector); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFailSafeMode(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(tmpDir)
	cfg.FailSafe = true
	p, err := Create(cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	h, err := p.Allocate(11)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if _, err := p.Allocate(11); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	// Manufacture a freed-reference on owner 11 and detect it.
	p.mu.Lock()
	tail := p.headers[h.Sector].Next
	p.releaseSector(tail)
	p.mu.Unlock()
	if findings := p.Validate(ScopeChain(11)); len(findings) == 0 {
		t.Fatal("expected findings")
	}

	// The affected owner refuses further allocations...
	if _, err := p.Allocate(11); err != ErrFailSafe {
		t.Errorf("expected ErrFailSafe, got %v", err)
	}
	// ...but other owners keep working.
	if _, err := p.Allocate(12); err != nil {
		t.Errorf("unaffected owner blocked: %v", err)
	}

	p.ClearFailSafe(11)
	if _, err := p.Allocate(11); err != nil {
		t.Errorf("Allocate after ClearFailSafe failed: %v", err)
	}
}

func TestHeadPayload(t *testing.T) {
	tmpDir := t.TempDir()
	p, err := Create(testConfig(tmpDir))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	if _, _, err := p.HeadPayload(14); err != ErrChainEmpty {
		t.Errorf("expected ErrChainEmpty, got %v", err)
	}

	h, _ := p.Allocate(14)
	p.AppendBytes(h, []byte("oldest"))
	h2, _ := p.Allocate(14)
	p.AppendBytes(h2, []byte("newest"))

	data, id, err := p.HeadPayload(14)
	if err != nil {
		t.Fatalf("HeadPayload failed: %v", err)
	}
	if id != h.Sector || !bytes.Equal(data, []byte("oldest")) {
		t.Errorf("head payload: id=%d data=%q", id, data)
	}

	// Peeking does not consume.
	if got := p.ChainLength(14); got != 2 {
		t.Errorf("chain length after peek: got %d, want 2", got)
	}
}
