// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

// Package pool implements the sector-chain memory manager: a fixed pool of
// flash sectors shared by per-stream chains, with a free list, deferred
// erase and structural corruption detection.
package pool

import (
	"errors"

	"github.com/ridgetel/mm2/pkg/sector"
)

var (
	ErrInvalidNumSectors = errors.New("number of sectors must be greater than 0")
	ErrNameRequired      = errors.New("pool name is required")
	ErrPathRequired      = errors.New("pool path is required")
	ErrInvalidPolicy     = errors.New("unknown erase policy")
)

// ErasePolicy fixes, per pool, when a logically freed sector becomes
// reusable. The choice is made at Create and persisted; it never changes
// for the life of the pool.
type ErasePolicy uint8

const (
	// EraseDeferred returns freed sectors to the free list immediately;
	// the erase worker wipes payload bytes in the background. A freed
	// sector may be reallocated before its payload is wiped.
	EraseDeferred ErasePolicy = iota

	// EraseBeforeReuse holds freed sectors in the pending-erase state;
	// only the erase worker returns them to the free list, after wiping.
	EraseBeforeReuse
)

// String returns the policy name used in configs and stats.
func (p ErasePolicy) String() string {
	switch p {
	case EraseDeferred:
		return "deferred"
	case EraseBeforeReuse:
		return "erase-before-reuse"
	default:
		return "unknown"
	}
}

// ParseErasePolicy parses a policy name.
func ParseErasePolicy(s string) (ErasePolicy, error) {
	switch s {
	case "", "deferred":
		return EraseDeferred, nil
	case "erase-before-reuse":
		return EraseBeforeReuse, nil
	default:
		return EraseDeferred, ErrInvalidPolicy
	}
}

// Config defines the configuration for creating a new pool.
type Config struct {
	Name       string      // Unique name for this pool
	Path       string      // Directory where pool files are created
	NumSectors uint32      // Fixed sector count, set once at creation
	SectorSize uint32      // Size of each sector (power of 2, >= 128)
	Erase      ErasePolicy // When freed sectors become reusable

	// FailSafe refuses further allocations for an owner once a
	// corruption finding names that owner.
	FailSafe bool

	// ValidateOnMutate runs a scoped chain validation on entry to every
	// mutating operation. Diagnostic builds only; costs one chain walk
	// per call.
	ValidateOnMutate bool

	// EraseBatch bounds how many sectors one drain pass erases.
	// Defaults to 32.
	EraseBatch int
}

// DefaultConfig returns a Config with sensible defaults.
// Name and Path must still be set.
func DefaultConfig() Config {
	return Config{
		NumSectors: 4096, // 4K sectors
		SectorSize: 4096, // 4KB each: 16MB pool
		Erase:      EraseDeferred,
		EraseBatch: 32,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Name == "" {
		return ErrNameRequired
	}
	if c.Path == "" {
		return ErrPathRequired
	}
	if c.NumSectors == 0 || c.NumSectors >= sector.None {
		return ErrInvalidNumSectors
	}
	if err := sector.ValidateSectorSize(c.SectorSize); err != nil {
		return err
	}
	if c.Erase > EraseBeforeReuse {
		return ErrInvalidPolicy
	}
	return nil
}

// DataFileSize returns the total size of the flash image in bytes.
func (c *Config) DataFileSize() int64 {
	return int64(c.NumSectors) * int64(c.SectorSize)
}

// UsablePayloadPerSector returns bytes available for payload per sector.
func (c *Config) UsablePayloadPerSector() uint32 {
	return sector.UsablePayloadSize(c.SectorSize)
}
