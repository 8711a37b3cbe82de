// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package pool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ridgetel/mm2/pkg/sector"
)

var (
	ErrPoolExists       = errors.New("pool already exists")
	ErrPoolNotFound     = errors.New("pool not found")
	ErrPoolClosed       = errors.New("pool is closed")
	ErrInvalidMagic     = errors.New("invalid pool image (bad magic number)")
	ErrVersionMismatch  = errors.New("pool format version mismatch")
	ErrSectorOutOfRange = errors.New("sector id out of range")
	ErrInvalidOwner     = errors.New("owner id must be non-zero")

	// ErrExhausted means the free list is empty. Callers must treat this
	// as backpressure (drop or throttle), not as a fatal condition.
	ErrExhausted = errors.New("sector pool exhausted")

	// ErrChainEmpty is returned when detaching from an empty chain.
	ErrChainEmpty = errors.New("chain is empty")

	// ErrNotFound is returned when a sector is not present in the
	// owner's chain.
	ErrNotFound = errors.New("sector not found in chain")

	// ErrFailSafe is returned for owners placed in fail-safe mode after
	// a corruption finding. Only operator intervention clears it.
	ErrFailSafe = errors.New("owner is in fail-safe mode")
)

const (
	magicNumber uint64 = 0x4D4D32504F4F4C31 // "MM2POOL1"
	version     uint32 = 1

	dataFileName = "data.mm2"
	metaFileName = "meta.mm2"
)

// Metadata is persisted to disk and contains the pool geometry.
// Total size: 64 bytes
type Metadata struct {
	Magic      uint64
	Version    uint32
	NumSectors uint32
	SectorSize uint32
	Erase      ErasePolicy
	Reserved   [43]byte
}

const metadataSize = 64

// Pool is an open sector pool: the explicit allocator context shared by
// producers and consumers. It is created once with a fixed sector count
// and never grows.
//
// Locking: each owner's chain has its own mutex guarding the chain
// endpoints and every header reachable from it. The pool mutex guards
// the free list, pending-erase bookkeeping and the owner registry, and
// is only ever acquired inside an owner critical section, never the
// other way around.
type Pool struct {
	cfg      Config
	meta     Metadata
	dataFile *os.File
	metaFile *os.File
	path     string

	mu          sync.Mutex
	headers     []sector.Header
	free        []uint32 // LIFO: most recently freed on top
	pending     uint32   // sectors awaiting physical erase
	owners      map[uint32]*chain
	quarantined map[uint32]struct{}
	findings    []Finding
	closed      bool

	corruptions atomic.Uint64
	corrupt     atomic.Bool
	erased      atomic.Uint64

	onFinding func(Finding)
	traceFn   func(format string, args ...any)

	eraser           *eraser
	recoveredPending []uint32
}

// Create creates a new pool with the given configuration. Every sector
// starts free; the flash image is pre-allocated to its full size.
func Create(cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.EraseBatch <= 0 {
		cfg.EraseBatch = DefaultConfig().EraseBatch
	}

	poolPath := filepath.Join(cfg.Path, cfg.Name)

	if _, err := os.Stat(poolPath); err == nil {
		return nil, ErrPoolExists
	}

	if err := os.MkdirAll(poolPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pool directory: %w", err)
	}

	dataFile, err := os.Create(filepath.Join(poolPath, dataFileName))
	if err != nil {
		os.RemoveAll(poolPath)
		return nil, fmt.Errorf("failed to create data file: %w", err)
	}

	if err := dataFile.Truncate(cfg.DataFileSize()); err != nil {
		dataFile.Close()
		os.RemoveAll(poolPath)
		return nil, fmt.Errorf("failed to allocate data file: %w", err)
	}

	metaFile, err := os.Create(filepath.Join(poolPath, metaFileName))
	if err != nil {
		dataFile.Close()
		os.RemoveAll(poolPath)
		return nil, fmt.Errorf("failed to create meta file: %w", err)
	}

	p := &Pool{
		cfg: cfg,
		meta: Metadata{
			Magic:      magicNumber,
			Version:    version,
			NumSectors: cfg.NumSectors,
			SectorSize: cfg.SectorSize,
			Erase:      cfg.Erase,
		},
		dataFile:    dataFile,
		metaFile:    metaFile,
		path:        poolPath,
		headers:     make([]sector.Header, cfg.NumSectors),
		owners:      make(map[uint32]*chain),
		quarantined: make(map[uint32]struct{}),
	}

	// Seed every sector as free and sealed. Push in descending order so
	// allocation hands out ascending ids from a fresh pool.
	p.free = make([]uint32, 0, cfg.NumSectors)
	for i := cfg.NumSectors; i > 0; i-- {
		id := i - 1
		p.headers[id] = sector.Header{Next: sector.None}
		if err := p.writeHeader(id); err != nil {
			p.closeFiles()
			os.RemoveAll(poolPath)
			return nil, fmt.Errorf("failed to init sector %d: %w", id, err)
		}
		p.free = append(p.free, id)
	}

	if err := p.writeMeta(); err != nil {
		p.closeFiles()
		os.RemoveAll(poolPath)
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}

	p.eraser = newEraser(p)
	p.eraser.start()

	return p, nil
}

// Open opens an existing pool, verifying every sector header and
// rebuilding chains and the free list. Structural damage found during
// the rebuild is reported as findings, never repaired silently.
func Open(path string, name string) (*Pool, error) {
	poolPath := filepath.Join(path, name)

	if _, err := os.Stat(poolPath); os.IsNotExist(err) {
		return nil, ErrPoolNotFound
	}

	metaFile, err := os.OpenFile(filepath.Join(poolPath, metaFileName), os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open meta file: %w", err)
	}

	var meta Metadata
	if err := readMetadata(metaFile, &meta); err != nil {
		metaFile.Close()
		return nil, err
	}

	if meta.Magic != magicNumber {
		metaFile.Close()
		return nil, ErrInvalidMagic
	}
	if meta.Version != version {
		metaFile.Close()
		return nil, ErrVersionMismatch
	}

	dataFile, err := os.OpenFile(filepath.Join(poolPath, dataFileName), os.O_RDWR, 0644)
	if err != nil {
		metaFile.Close()
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}

	cfg := Config{
		Name:       name,
		Path:       path,
		NumSectors: meta.NumSectors,
		SectorSize: meta.SectorSize,
		Erase:      meta.Erase,
		EraseBatch: DefaultConfig().EraseBatch,
	}

	p := &Pool{
		cfg:         cfg,
		meta:        meta,
		dataFile:    dataFile,
		metaFile:    metaFile,
		path:        poolPath,
		headers:     make([]sector.Header, meta.NumSectors),
		owners:      make(map[uint32]*chain),
		quarantined: make(map[uint32]struct{}),
	}

	if err := p.recoverState(); err != nil {
		p.closeFiles()
		return nil, fmt.Errorf("recovery failed: %w", err)
	}

	p.eraser = newEraser(p)
	p.eraser.start()

	// Sectors that were parked for erase when the pool last shut down.
	for _, id := range p.recoveredPending {
		p.eraser.enqueue(id)
	}
	p.recoveredPending = nil

	return p, nil
}

// Close stops the erase worker and flushes the image to disk.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	p.mu.Unlock()

	if p.eraser != nil {
		p.eraser.stop()
	}

	var errs []error
	if err := p.writeMeta(); err != nil {
		errs = append(errs, err)
	}
	if err := p.dataFile.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := p.dataFile.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.metaFile.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing pool: %v", errs)
	}
	return nil
}

// Delete closes and removes the pool and all its files.
func (p *Pool) Delete() error {
	path := p.path
	p.Close()
	return os.RemoveAll(path)
}

// DeletePool removes a pool by path and name without opening it.
func DeletePool(path string, name string) error {
	return os.RemoveAll(filepath.Join(path, name))
}

// Reset clears every chain and returns all sectors to the free list.
// All buffered data is lost; corruption state is cleared too, so this is
// the operator's recovery of last resort.
func (p *Pool) Reset() error {
	chains := p.lockAll()
	defer p.unlockAll(chains)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.free = p.free[:0]
	for i := p.meta.NumSectors; i > 0; i-- {
		id := i - 1
		p.headers[id] = sector.Header{Next: sector.None}
		if err := p.writeHeader(id); err != nil {
			return fmt.Errorf("failed to clear sector %d: %w", id, err)
		}
		p.free = append(p.free, id)
	}

	p.owners = make(map[uint32]*chain)
	p.quarantined = make(map[uint32]struct{})
	p.findings = nil
	p.pending = 0
	p.corrupt.Store(false)

	return p.dataFile.Sync()
}

// Config returns the pool configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Path returns the pool's directory on disk.
func (p *Pool) Path() string {
	return p.path
}

// SetFindingReporter installs a callback invoked for every corruption
// finding, in addition to the internal record. Must be set before the
// pool sees traffic.
func (p *Pool) SetFindingReporter(fn func(Finding)) {
	p.onFinding = fn
}

// SetTraceFunc installs a verbose trace hook, usually gated on the
// diagnostic flag mask. Must be set before the pool sees traffic.
func (p *Pool) SetTraceFunc(fn func(format string, args ...any)) {
	p.traceFn = fn
}

func (p *Pool) trace(format string, args ...any) {
	if fn := p.traceFn; fn != nil {
		fn(format, args...)
	}
}

// chainFor returns the chain state for an owner, creating it on first
// use. The caller must not hold any chain lock.
func (p *Pool) chainFor(owner uint32) *chain {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.owners[owner]
	if !ok {
		ch = &chain{owner: owner, head: sector.None, tail: sector.None}
		p.owners[owner] = ch
	}
	return ch
}

// lockAll quiesces the pool: every owner lock is taken in ascending
// owner order. Required before any cross-chain reasoning.
func (p *Pool) lockAll() []*chain {
	p.mu.Lock()
	chains := make([]*chain, 0, len(p.owners))
	for _, ch := range p.owners {
		chains = append(chains, ch)
	}
	p.mu.Unlock()

	sort.Slice(chains, func(i, j int) bool { return chains[i].owner < chains[j].owner })
	for _, ch := range chains {
		ch.mu.Lock()
	}
	return chains
}

func (p *Pool) unlockAll(chains []*chain) {
	for i := len(chains) - 1; i >= 0; i-- {
		chains[i].mu.Unlock()
	}
}

func (p *Pool) closeFiles() {
	if p.dataFile != nil {
		p.dataFile.Close()
	}
	if p.metaFile != nil {
		p.metaFile.Close()
	}
}

// sectorOffset calculates the file offset for a given sector id.
func (p *Pool) sectorOffset(id uint32) int64 {
	return int64(id) * int64(p.meta.SectorSize)
}

// writeHeader seals and writes one sector header. The caller must hold
// the lock that currently governs the sector (owner lock for chained
// sectors, pool lock for free or pending ones).
func (p *Pool) writeHeader(id uint32) error {
	p.headers[id].Seal()
	buf := make([]byte, sector.HeaderSize)
	p.headers[id].Encode(buf)
	_, err := p.dataFile.WriteAt(buf, p.sectorOffset(id))
	return err
}

// readHeaderFromFlash reads a sector header from the image, bypassing
// the in-memory mirror. Used by recovery and neighborhood validation.
func (p *Pool) readHeaderFromFlash(id uint32) (sector.Header, error) {
	buf := make([]byte, sector.HeaderSize)
	if _, err := p.dataFile.ReadAt(buf, p.sectorOffset(id)); err != nil {
		return sector.Header{}, err
	}
	var h sector.Header
	h.Decode(buf)
	return h, nil
}

// writePayload writes payload bytes at the given in-sector offset.
func (p *Pool) writePayload(id uint32, off uint32, b []byte) error {
	_, err := p.dataFile.WriteAt(b, p.sectorOffset(id)+sector.HeaderSize+int64(off))
	return err
}

// readPayload reads the written payload of a sector.
func (p *Pool) readPayload(id uint32) ([]byte, error) {
	n := p.headers[id].WriteOffset
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := p.dataFile.ReadAt(buf, p.sectorOffset(id)+sector.HeaderSize); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeMeta writes pool metadata to disk.
func (p *Pool) writeMeta() error {
	buf := make([]byte, metadataSize)
	binary.LittleEndian.PutUint64(buf[0:8], p.meta.Magic)
	binary.LittleEndian.PutUint32(buf[8:12], p.meta.Version)
	binary.LittleEndian.PutUint32(buf[12:16], p.meta.NumSectors)
	binary.LittleEndian.PutUint32(buf[16:20], p.meta.SectorSize)
	buf[20] = byte(p.meta.Erase)
	// bytes 21-63 reserved

	if _, err := p.metaFile.WriteAt(buf, 0); err != nil {
		return err
	}
	return p.metaFile.Sync()
}

// readMetadata reads pool metadata from a file.
func readMetadata(f *os.File, meta *Metadata) error {
	buf := make([]byte, metadataSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return err
	}

	meta.Magic = binary.LittleEndian.Uint64(buf[0:8])
	meta.Version = binary.LittleEndian.Uint32(buf[8:12])
	meta.NumSectors = binary.LittleEndian.Uint32(buf[12:16])
	meta.SectorSize = binary.LittleEndian.Uint32(buf[16:20])
	meta.Erase = ErasePolicy(buf[20])

	return nil
}
