// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

// Package diag holds the runtime diagnostic flag word. Flags gate
// verbose trace output from the allocator and the transports and can be
// flipped over the API without restarting the gateway.
package diag

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// The flag word is three 8-bit groups. Enabling is additive across
// groups; clearing operates on one whole group and leaves the other two
// untouched.
const (
	// CAN group, bits 0-7
	FlagCANFrameRX uint32 = 1 << 0
	FlagCANFrameTX uint32 = 1 << 1
	FlagCANFilter  uint32 = 1 << 2
	FlagCANErrors  uint32 = 1 << 3

	// network group, bits 8-15
	FlagNetConnect   uint32 = 1 << 8
	FlagNetTraffic   uint32 = 1 << 9
	FlagNetReconnect uint32 = 1 << 10
	FlagNetErrors    uint32 = 1 << 11

	// protocol group, bits 16-23
	FlagProtoLinker    uint32 = 1 << 16
	FlagProtoValidator uint32 = 1 << 17
	FlagProtoErase     uint32 = 1 << 18
	FlagProtoRecovery  uint32 = 1 << 19
)

const (
	GroupCAN      uint32 = 0x000000FF
	GroupNetwork  uint32 = 0x0000FF00
	GroupProtocol uint32 = 0x00FF0000
)

var flagNames = map[string]uint32{
	"can-frame-rx":    FlagCANFrameRX,
	"can-frame-tx":    FlagCANFrameTX,
	"can-filter":      FlagCANFilter,
	"can-errors":      FlagCANErrors,
	"net-connect":     FlagNetConnect,
	"net-traffic":     FlagNetTraffic,
	"net-reconnect":   FlagNetReconnect,
	"net-errors":      FlagNetErrors,
	"proto-linker":    FlagProtoLinker,
	"proto-validator": FlagProtoValidator,
	"proto-erase":     FlagProtoErase,
	"proto-recovery":  FlagProtoRecovery,
}

var groupNames = map[string]uint32{
	"can":      GroupCAN,
	"net":      GroupNetwork,
	"network":  GroupNetwork,
	"proto":    GroupProtocol,
	"protocol": GroupProtocol,
}

// Flags is an atomically updated diagnostic flag word. The zero value
// has everything disabled.
type Flags struct {
	word atomic.Uint32
}

// Enable sets the given bits on top of whatever is already enabled and
// returns the resulting word.
func (f *Flags) Enable(bits uint32) uint32 {
	for {
		old := f.word.Load()
		next := old | bits
		if f.word.CompareAndSwap(old, next) {
			return next
		}
	}
}

// ClearGroup disables every flag in one group. Bits outside the group
// are preserved. Returns the resulting word.
func (f *Flags) ClearGroup(group uint32) uint32 {
	for {
		old := f.word.Load()
		next := old &^ group
		if f.word.CompareAndSwap(old, next) {
			return next
		}
	}
}

// Enabled reports whether any of the given bits is set.
func (f *Flags) Enabled(bits uint32) bool {
	return f.word.Load()&bits != 0
}

// Word returns the current flag word.
func (f *Flags) Word() uint32 {
	return f.word.Load()
}

// Names returns the names of all currently enabled flags, sorted.
func (f *Flags) Names() []string {
	word := f.word.Load()
	var out []string
	for name, bit := range flagNames {
		if word&bit != 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ParseFlag resolves a flag name like "proto-linker" to its bit.
func ParseFlag(name string) (uint32, error) {
	bit, ok := flagNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown diagnostic flag: %q", name)
	}
	return bit, nil
}

// ParseGroup resolves a group name like "can" to its group mask.
func ParseGroup(name string) (uint32, error) {
	mask, ok := groupNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown diagnostic group: %q", name)
	}
	return mask, nil
}

// FlagNames returns every known flag name, sorted. Used by the API to
// advertise what can be enabled.
func FlagNames() []string {
	out := make([]string, 0, len(flagNames))
	for name := range flagNames {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
