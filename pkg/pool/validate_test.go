// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package pool

import (
	"testing"

	"github.com/ridgetel/mm2/pkg/sector"
)

func TestValidateCleanPool(t *testing.T) {
	tmpDir := t.TempDir()
	p, err := Create(testConfig(tmpDir))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	for owner := uint32(1); owner <= 4; owner++ {
		for i := 0; i < 3; i++ {
			h, err := p.Allocate(owner)
			if err != nil {
				t.Fatalf("Allocate failed: %v", err)
			}
			p.AppendBytes(h, []byte("x"))
		}
	}
	p.FreeChainHead(2)
	p.FreeChainHead(2)

	if findings := p.Validate(ScopeFull()); len(findings) != 0 {
		t.Errorf("clean pool produced findings: %v", findings)
	}
	if p.Corrupt() {
		t.Error("corruption flag set on clean pool")
	}
}

func TestValidateDanglingNext(t *testing.T) {
	tmpDir := t.TempDir()
	p, err := Create(testConfig(tmpDir))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	h, _ := p.Allocate(3)

	// Point the chain off the end of the pool.
	ch := p.chainFor(3)
	ch.mu.Lock()
	p.headers[h.Sector].Next = p.meta.NumSectors + 10
	ch.mu.Unlock()

	findings := p.Validate(ScopeChain(3))
	if len(findings) != 1 || findings[0].Kind != FindingDanglingNext {
		t.Fatalf("expected one dangling-next finding, got %v", findings)
	}
	if findings[0].Sector != h.Sector {
		t.Errorf("finding names sector %d, want %d", findings[0].Sector, h.Sector)
	}
}

func TestValidateCycle(t *testing.T) {
	tmpDir := t.TempDir()
	p, err := Create(testConfig(tmpDir))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	h1, _ := p.Allocate(3)
	h2, _ := p.Allocate(3)
	h3, _ := p.Allocate(3)

	// Loop the tail back to the head.
	ch := p.chainFor(3)
	ch.mu.Lock()
	p.headers[h3.Sector].Next = h1.Sector
	ch.mu.Unlock()

	findings := p.Validate(ScopeChain(3))
	if len(findings) == 0 {
		t.Fatal("validator missed the cycle")
	}
	if findings[0].Kind != FindingCycle {
		t.Errorf("finding kind: got %s, want %s", findings[0].Kind, FindingCycle)
	}
	_ = h2
}

func TestValidateDoubleOwned(t *testing.T) {
	tmpDir := t.TempDir()
	p, err := Create(testConfig(tmpDir))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	hA, _ := p.Allocate(3)
	p.Allocate(3)
	hB, _ := p.Allocate(4)

	// Owner 4's chain reaches into owner 3's sector.
	ch := p.chainFor(4)
	ch.mu.Lock()
	p.headers[hB.Sector].Next = hA.Sector
	ch.mu.Unlock()

	findings := p.Validate(ScopeFull())
	var sawDouble bool
	for _, f := range findings {
		if f.Kind == FindingDoubleOwned || f.Kind == FindingOwnerMismatch {
			sawDouble = true
		}
	}
	if !sawDouble {
		t.Errorf("cross-chain reference not flagged: %v", findings)
	}
}

func TestValidateSectorNeighborhood(t *testing.T) {
	tmpDir := t.TempDir()
	p, err := Create(testConfig(tmpDir))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	h1, _ := p.Allocate(9)
	h2, _ := p.Allocate(9)

	if findings := p.Validate(ScopeSector(h1.Sector)); len(findings) != 0 {
		t.Errorf("healthy neighborhood flagged: %v", findings)
	}

	// Free the link target behind the linker's back.
	p.mu.Lock()
	p.releaseSector(h2.Sector)
	p.mu.Unlock()

	findings := p.Validate(ScopeSector(h1.Sector))
	if len(findings) != 1 || findings[0].Kind != FindingFreedReference {
		t.Fatalf("expected freed-reference, got %v", findings)
	}
	if findings[0].Sector != h1.Sector || findings[0].Ref != h2.Sector {
		t.Errorf("finding ids: %d -> %d", findings[0].Sector, findings[0].Ref)
	}
}

func TestFindingReporter(t *testing.T) {
	tmpDir := t.TempDir()
	p, err := Create(testConfig(tmpDir))
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	var reported []Finding
	p.SetFindingReporter(func(f Finding) {
		reported = append(reported, f)
	})

	h, _ := p.Allocate(5)
	ch := p.chainFor(5)
	ch.mu.Lock()
	p.headers[h.Sector].Owner = 99 // ownership mismatch, the older signature
	ch.mu.Unlock()

	p.Validate(ScopeChain(5))

	if len(reported) == 0 {
		t.Fatal("reporter not invoked")
	}
	if reported[0].Kind != FindingOwnerMismatch {
		t.Errorf("reported kind: got %s, want %s", reported[0].Kind, FindingOwnerMismatch)
	}
	if got := p.Findings(); len(got) != len(reported) {
		t.Errorf("recorded %d findings, reported %d", len(got), len(reported))
	}
	if reported[0].Ref != sector.None {
		t.Errorf("owner-mismatch ref should be none, got %d", reported[0].Ref)
	}
}

func TestValidateOnMutate(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(tmpDir)
	cfg.ValidateOnMutate = true
	p, err := Create(cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	h1, _ := p.Allocate(6)
	p.Allocate(6)

	// Corrupt, then let the next mutation's entry guard catch it.
	p.mu.Lock()
	p.releaseSector(p.headers[h1.Sector].Next)
	p.mu.Unlock()

	p.FreeChainHead(6)

	if p.CorruptionCount() == 0 {
		t.Error("entry guard did not record the corruption")
	}
}

func TestAppendGuardCatchesCorruption(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(tmpDir)
	cfg.ValidateOnMutate = true
	p, err := Create(cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	h1, _ := p.Allocate(6)
	h2, _ := p.Allocate(6)

	// Corrupt, then let the append's entry guard catch it.
	p.mu.Lock()
	p.releaseSector(p.headers[h1.Sector].Next)
	p.mu.Unlock()

	p.AppendBytes(h2, []byte("x"))

	if p.CorruptionCount() == 0 {
		t.Error("append entry guard did not record the corruption")
	}
}
