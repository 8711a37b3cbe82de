// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package pool

import (
	"errors"
	"sync"
	"testing"
)

func TestDisjointOwnersConcurrent(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(tmpDir)
	cfg.NumSectors = 256
	p, err := Create(cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	const iterations = 300

	var wg sync.WaitGroup
	for _, owner := range []uint32{1, 2, 3, 4} {
		wg.Add(1)
		go func(owner uint32) {
			defer wg.Done()
			payload := []byte{byte(owner)}
			for i := 0; i < iterations; i++ {
				h, err := p.Allocate(owner)
				if errors.Is(err, ErrExhausted) {
					// Backpressure: drop oldest and retry next round.
					p.FreeChainHead(owner)
					continue
				}
				if err != nil {
					t.Errorf("owner %d: Allocate failed: %v", owner, err)
					return
				}
				if _, err := p.AppendBytes(h, payload); err != nil {
					t.Errorf("owner %d: AppendBytes failed: %v", owner, err)
					return
				}
				if i%3 == 0 {
					p.FreeChainHead(owner)
				}
			}
		}(owner)
	}
	wg.Wait()

	if findings := p.Validate(ScopeFull()); len(findings) != 0 {
		t.Errorf("concurrent mutation corrupted structure: %v", findings)
	}
	if n := p.CorruptionCount(); n != 0 {
		t.Errorf("corruption counter: got %d, want 0", n)
	}
	checkAccounting(t, p)

	// Every sector still carries data for the owner that wrote it.
	for _, owner := range []uint32{1, 2, 3, 4} {
		r := p.ReadChain(owner)
		for {
			payload, err := r.Next()
			if err != nil {
				break
			}
			for _, b := range payload {
				if b != byte(owner) {
					t.Fatalf("owner %d read byte %d from another stream", owner, b)
				}
			}
		}
	}
}

func TestProducerConsumerSameOwner(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(tmpDir)
	cfg.NumSectors = 128
	p, err := Create(cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	const records = 200
	const owner = 9

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < records; i++ {
			h, err := p.Allocate(owner)
			if errors.Is(err, ErrExhausted) {
				i--
				continue
			}
			if err != nil {
				t.Errorf("producer: Allocate failed: %v", err)
				return
			}
			if _, err := p.AppendBytes(h, []byte("rec")); err != nil {
				t.Errorf("producer: AppendBytes failed: %v", err)
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		consumed := 0
		for consumed < records {
			err := p.FreeChainHead(owner)
			if errors.Is(err, ErrChainEmpty) {
				continue // producer not there yet
			}
			if err != nil {
				t.Errorf("consumer: FreeChainHead failed: %v", err)
				return
			}
			consumed++
		}
	}()

	wg.Wait()

	if got := p.ChainLength(owner); got != 0 {
		t.Errorf("chain length after full drain: got %d, want 0", got)
	}
	if findings := p.Validate(ScopeFull()); len(findings) != 0 {
		t.Errorf("producer/consumer run corrupted structure: %v", findings)
	}
	checkAccounting(t, p)
}

func TestConcurrentValidation(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(tmpDir)
	cfg.NumSectors = 128
	p, err := Create(cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer p.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h, err := p.Allocate(3)
			if err != nil {
				continue
			}
			p.AppendBytes(h, []byte("x"))
			if i%2 == 0 {
				p.FreeChainHead(3)
			}
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			if findings := p.Validate(ScopeFull()); len(findings) != 0 {
				t.Errorf("validation during mutation found: %v", findings)
				return
			}
		}
	}()

	wg.Wait()
	checkAccounting(t, p)
}
