// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package diag

import (
	"sync"
	"testing"
)

func TestEnableIsAdditive(t *testing.T) {
	var f Flags

	f.Enable(FlagCANFrameRX)
	word := f.Enable(FlagProtoLinker)

	if word != FlagCANFrameRX|FlagProtoLinker {
		t.Errorf("word: got %#x, want %#x", word, FlagCANFrameRX|FlagProtoLinker)
	}
	if !f.Enabled(FlagCANFrameRX) || !f.Enabled(FlagProtoLinker) {
		t.Error("previously enabled flag lost by a later enable")
	}
}

func TestClearGroupPreservesOthers(t *testing.T) {
	var f Flags

	f.Enable(FlagCANFrameRX | FlagCANErrors | FlagNetTraffic | FlagProtoValidator)
	word := f.ClearGroup(GroupCAN)

	if word&GroupCAN != 0 {
		t.Errorf("CAN group not cleared: %#x", word)
	}
	if !f.Enabled(FlagNetTraffic) || !f.Enabled(FlagProtoValidator) {
		t.Error("clearing one group disturbed another")
	}
}

func TestParse(t *testing.T) {
	bit, err := ParseFlag("proto-validator")
	if err != nil {
		t.Fatalf("ParseFlag failed: %v", err)
	}
	if bit != FlagProtoValidator {
		t.Errorf("bit: got %#x, want %#x", bit, FlagProtoValidator)
	}

	if _, err := ParseFlag("warp-drive"); err == nil {
		t.Error("unknown flag name accepted")
	}

	mask, err := ParseGroup("NET")
	if err != nil {
		t.Fatalf("ParseGroup failed: %v", err)
	}
	if mask != GroupNetwork {
		t.Errorf("mask: got %#x, want %#x", mask, GroupNetwork)
	}
}

func TestNames(t *testing.T) {
	var f Flags
	f.Enable(FlagNetConnect | FlagCANFilter)

	names := f.Names()
	if len(names) != 2 || names[0] != "can-filter" || names[1] != "net-connect" {
		t.Errorf("Names: got %v", names)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	var f Flags
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				f.Enable(FlagProtoErase)
				f.ClearGroup(GroupCAN)
			}
		}()
	}
	wg.Wait()

	if !f.Enabled(FlagProtoErase) {
		t.Error("flag lost under concurrent updates")
	}
}
