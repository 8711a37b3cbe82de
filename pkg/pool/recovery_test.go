// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package pool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ridgetel/mm2/pkg/sector"
)

// writeRawHeader plants a sealed header directly in the data file,
// simulating state left behind by a power loss.
func writeRawHeader(t *testing.T, cfg Config, id uint32, h sector.Header) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(cfg.Path, cfg.Name, "data.mm2"), os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("failed to open data file: %v", err)
	}
	defer f.Close()

	h.Seal()
	buf := make([]byte, sector.HeaderSize)
	h.Encode(buf)
	if _, err := f.WriteAt(buf, int64(id)*int64(cfg.SectorSize)); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}
}

// corruptRawHeader flips one byte inside a sector's on-disk header.
func corruptRawHeader(t *testing.T, cfg Config, id uint32) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(cfg.Path, cfg.Name, "data.mm2"), os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("failed to open data file: %v", err)
	}
	defer f.Close()

	off := int64(id) * int64(cfg.SectorSize)
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, off+4); err != nil {
		t.Fatalf("failed to read header byte: %v", err)
	}
	b[0] ^= 0xFF
	if _, err := f.WriteAt(b, off+4); err != nil {
		t.Fatalf("failed to write header byte: %v", err)
	}
}

func TestRecoveryInterruptedAppend(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(tmpDir)
	p, err := Create(cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}

	for i := 0; i < 2; i++ {
		h, err := p.Allocate(5)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		if _, err := p.AppendBytes(h, []byte("telemetry")); err != nil {
			t.Fatalf("AppendBytes failed: %v", err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A power loss mid-append leaves the new sector fully owned but not
	// yet linked from the old tail. Fabricate exactly that: sector 2 was
	// still free at close.
	writeRawHeader(t, cfg, 2, sector.Header{
		Flags: sector.FlagInUse,
		Owner: 5,
		Next:  sector.None,
	})

	p, err = Open(cfg.Path, cfg.Name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()

	if got := p.ChainLength(5); got != 3 {
		t.Errorf("chain length after recovery: got %d, want 3", got)
	}
	head, tail := p.ChainEndpoints(5)
	if head != 0 || tail != 2 {
		t.Errorf("endpoints after recovery: got (%d,%d), want (0,2)", head, tail)
	}
	if findings := p.Findings(); len(findings) != 0 {
		t.Errorf("completing an interrupted append is not corruption, got %v", findings)
	}
	if p.Corrupt() {
		t.Error("corruption flag set by interrupted append recovery")
	}
	checkAccounting(t, p)
}

func TestRecoveryTornHeader(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(tmpDir)
	p, err := Create(cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}

	for i := 0; i < 3; i++ {
		h, err := p.Allocate(5)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		if _, err := p.AppendBytes(h, []byte("telemetry")); err != nil {
			t.Fatalf("AppendBytes failed: %v", err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Tear the middle sector's header.
	corruptRawHeader(t, cfg, 1)

	p, err = Open(cfg.Path, cfg.Name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()

	if !p.Corrupt() {
		t.Error("torn header not flagged as corruption")
	}
	var sawChecksum bool
	for _, f := range p.Findings() {
		if f.Kind == FindingBadChecksum && f.Sector == 1 {
			sawChecksum = true
		}
	}
	if !sawChecksum {
		t.Errorf("no bad-checksum finding for sector 1: %v", p.Findings())
	}

	// Sector 1 and the fragment pointing into it are out of service;
	// the tail fragment beyond the tear survives.
	stats := p.Stats()
	if stats.Quarantined != 2 {
		t.Errorf("quarantined: got %d, want 2", stats.Quarantined)
	}
	if got := p.ChainLength(5); got != 1 {
		t.Errorf("surviving chain length: got %d, want 1", got)
	}
	checkAccounting(t, p)
}

func TestRecoveryCompetingFragments(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(tmpDir)
	p, err := Create(cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}

	for i := 0; i < 2; i++ {
		h, err := p.Allocate(5)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		if _, err := p.AppendBytes(h, []byte("telemetry")); err != nil {
			t.Fatalf("AppendBytes failed: %v", err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A second established fragment for the same owner: two linked
	// sectors carrying data. Not a fresh append in progress, so there is
	// no safe way to pick which stream is real.
	writeRawHeader(t, cfg, 2, sector.Header{
		Flags:       sector.FlagInUse,
		Owner:       5,
		Next:        3,
		WriteOffset: 4,
	})
	writeRawHeader(t, cfg, 3, sector.Header{
		Flags:       sector.FlagInUse,
		Owner:       5,
		Next:        sector.None,
		WriteOffset: 4,
	})

	p, err = Open(cfg.Path, cfg.Name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()

	if got := p.ChainLength(5); got != 0 {
		t.Errorf("competing fragments must not be adopted, chain length %d", got)
	}
	var orphans int
	for _, f := range p.Findings() {
		if f.Kind == FindingOrphan {
			orphans++
		}
	}
	if orphans < 2 {
		t.Errorf("orphan findings: got %d, want at least 2", orphans)
	}
	if got := p.Stats().Quarantined; got != 4 {
		t.Errorf("quarantined: got %d, want 4", got)
	}
	checkAccounting(t, p)
}

func TestRecoveryRequeuesPendingErase(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(tmpDir)
	cfg.Erase = EraseBeforeReuse
	p, err := Create(cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A sector parked for erase when the power went out.
	writeRawHeader(t, cfg, 7, sector.Header{
		Flags: sector.FlagPendingErase,
		Next:  sector.None,
	})

	p, err = Open(cfg.Path, cfg.Name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()

	if got := p.PendingEraseCount(); got != 1 {
		t.Fatalf("PendingEraseCount after open: got %d, want 1", got)
	}

	// The re-queued sector must eventually flow back to the free list.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p.PendingEraseCount() == 0 && p.FreeCount() == cfg.NumSectors {
			checkAccounting(t, p)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Error("pending sector never returned to the free list")
}
