// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

// Package service contains business logic for the API server.
package service

import (
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ridgetel/mm2/internal/config"
	"github.com/ridgetel/mm2/internal/diag"
	"github.com/ridgetel/mm2/internal/ingest"
	"github.com/ridgetel/mm2/internal/notify"
	"github.com/ridgetel/mm2/internal/uplink"
	"github.com/ridgetel/mm2/pkg/pool"
)

var (
	ErrPoolAlreadyOpen = errors.New("pool is already open")
	ErrPoolNotOpen     = errors.New("pool is not open")
)

// PoolService manages pool lifecycle and operations. Each open pool
// carries its own ingest and uplink managers; the diagnostic flag word
// and the finding webhook are shared across pools.
type PoolService struct {
	mu             sync.RWMutex
	cfg            *config.Config
	flags          *diag.Flags
	webhook        *notify.Webhook // nil when not configured
	pools          map[string]*pool.Pool
	ingestManagers map[string]*ingest.Manager
	uplinkManagers map[string]*uplink.Manager
}

// NewPoolService creates a new pool service.
func NewPoolService(cfg *config.Config, flags *diag.Flags, webhook *notify.Webhook) *PoolService {
	return &PoolService{
		cfg:            cfg,
		flags:          flags,
		webhook:        webhook,
		pools:          make(map[string]*pool.Pool),
		ingestManagers: make(map[string]*ingest.Manager),
		uplinkManagers: make(map[string]*uplink.Manager),
	}
}

// CreatePoolRequest contains parameters for creating a new pool.
type CreatePoolRequest struct {
	Name             string `json:"name" binding:"required"`
	NumSectors       uint32 `json:"num_sectors,omitempty"`
	SectorSize       uint32 `json:"sector_size,omitempty"`
	ErasePolicy      string `json:"erase_policy,omitempty"` // deferred, erase-before-reuse
	FailSafe         bool   `json:"fail_safe,omitempty"`
	ValidateOnMutate bool   `json:"validate_on_mutate,omitempty"`
}

// CreatePoolResponse contains the result of pool creation.
type CreatePoolResponse struct {
	Name       string `json:"name"`
	NumSectors uint32 `json:"num_sectors"`
	SectorSize uint32 `json:"sector_size"`
	FlashBytes int64  `json:"flash_bytes"`
}

// poolConfig builds a pool config from service defaults plus request overrides.
func (s *PoolService) poolConfig(req *CreatePoolRequest) (pool.Config, error) {
	cfg := pool.DefaultConfig()
	cfg.Name = req.Name
	cfg.Path = s.cfg.Pool.BasePath
	cfg.NumSectors = s.cfg.Pool.NumSectors
	cfg.SectorSize = s.cfg.Pool.SectorSize
	cfg.EraseBatch = s.cfg.Pool.EraseBatch
	cfg.FailSafe = s.cfg.Pool.FailSafe
	cfg.ValidateOnMutate = s.cfg.Pool.ValidateOnMutate

	if s.cfg.Pool.ErasePolicy != "" {
		policy, err := pool.ParseErasePolicy(s.cfg.Pool.ErasePolicy)
		if err != nil {
			return pool.Config{}, err
		}
		cfg.Erase = policy
	}

	if req.NumSectors > 0 {
		cfg.NumSectors = req.NumSectors
	}
	if req.SectorSize > 0 {
		cfg.SectorSize = req.SectorSize
	}
	if req.ErasePolicy != "" {
		policy, err := pool.ParseErasePolicy(req.ErasePolicy)
		if err != nil {
			return pool.Config{}, err
		}
		cfg.Erase = policy
	}
	if req.FailSafe {
		cfg.FailSafe = true
	}
	if req.ValidateOnMutate {
		cfg.ValidateOnMutate = true
	}

	return cfg, nil
}

// Create creates a new pool and keeps it open.
func (s *PoolService) Create(req *CreatePoolRequest) (*CreatePoolResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.poolConfig(req)
	if err != nil {
		return nil, err
	}

	p, err := pool.Create(cfg)
	if err != nil {
		return nil, err
	}

	s.adoptLocked(req.Name, p)

	return &CreatePoolResponse{
		Name:       req.Name,
		NumSectors: cfg.NumSectors,
		SectorSize: cfg.SectorSize,
		FlashBytes: cfg.DataFileSize(),
	}, nil
}

// adoptLocked wires a freshly opened pool into the service: finding
// propagation, trace gating and the transport managers.
func (s *PoolService) adoptLocked(name string, p *pool.Pool) {
	report := func(f pool.Finding) {
		log.Printf("pool %s: corruption: %s owner=%d sector=%d ref=%d op=%s",
			name, f.Kind, f.Owner, f.Sector, f.Ref, f.Op)
		if s.webhook != nil {
			s.webhook.Send(notify.Report{
				PoolName: name,
				Finding:  f,
				Count:    p.CorruptionCount(),
				SentAt:   time.Now().UTC(),
			})
		}
	}
	p.SetFindingReporter(report)

	// Findings recorded while the pool was opening predate the reporter;
	// replay them so recovery-time damage reaches the same log and
	// webhook path as everything found later.
	for _, f := range p.Findings() {
		report(f)
	}

	p.SetTraceFunc(func(format string, args ...any) {
		if s.flags.Enabled(diag.GroupProtocol) {
			log.Printf("pool %s: "+format, append([]any{name}, args...)...)
		}
	})

	s.pools[name] = p

	ingestManager := ingest.NewManager(p, name, s.flags)
	s.ingestManagers[name] = ingestManager
	go ingestManager.LoadAndStart()

	uplinkManager := uplink.NewManager(p, name, s.flags)
	s.uplinkManagers[name] = uplinkManager
	go uplinkManager.LoadAndStart()
}

// Open opens an existing pool.
func (s *PoolService) Open(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[name]; ok {
		return ErrPoolAlreadyOpen
	}

	p, err := pool.Open(s.cfg.Pool.BasePath, name)
	if err != nil {
		return err
	}

	s.adoptLocked(name, p)
	return nil
}

// Close closes a pool.
func (s *PoolService) Close(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[name]
	if !ok {
		return ErrPoolNotOpen
	}

	s.stopManagersLocked(name)

	if err := p.Close(); err != nil {
		return err
	}

	delete(s.pools, name)
	return nil
}

// Delete deletes a pool's flash image.
func (s *PoolService) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopManagersLocked(name)

	if p, ok := s.pools[name]; ok {
		p.Delete()
		delete(s.pools, name)
		return nil
	}

	return pool.DeletePool(s.cfg.Pool.BasePath, name)
}

// stopManagersLocked stops and removes the transport managers for name.
func (s *PoolService) stopManagersLocked(name string) {
	if m, ok := s.ingestManagers[name]; ok {
		m.Stop()
		delete(s.ingestManagers, name)
	}
	if m, ok := s.uplinkManagers[name]; ok {
		m.Stop()
		delete(s.uplinkManagers, name)
	}
}

// Get returns an open pool by name.
func (s *PoolService) Get(name string) (*pool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[name]
	if !ok {
		return nil, ErrPoolNotOpen
	}

	return p, nil
}

// GetOrOpen returns an open pool, opening it if necessary.
func (s *PoolService) GetOrOpen(name string) (*pool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pools[name]; ok {
		return p, nil
	}

	p, err := pool.Open(s.cfg.Pool.BasePath, name)
	if err != nil {
		return nil, err
	}

	s.adoptLocked(name, p)
	return p, nil
}

// ListAll returns the names of every pool on disk, open or not.
func (s *PoolService) ListAll() []string {
	entries, err := os.ReadDir(s.cfg.Pool.BasePath)
	if err != nil {
		return []string{}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

// Reset wipes all records in a pool but keeps its geometry.
func (s *PoolService) Reset(name string) error {
	p, err := s.GetOrOpen(name)
	if err != nil {
		return err
	}
	return p.Reset()
}

// ListOpen returns names of all open pools.
func (s *PoolService) ListOpen() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.pools))
	for name := range s.pools {
		names = append(names, name)
	}
	return names
}

// Stats returns statistics for a pool.
func (s *PoolService) Stats(name string) (*pool.PoolStats, error) {
	p, err := s.GetOrOpen(name)
	if err != nil {
		return nil, err
	}

	stats := p.Stats()
	return &stats, nil
}

// Flags returns the shared diagnostic flag word.
func (s *PoolService) Flags() *diag.Flags {
	return s.flags
}

// CloseAll closes all open pools.
func (s *PoolService) CloseAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name := range s.pools {
		s.stopManagersLocked(name)
	}

	var lastErr error
	for name, p := range s.pools {
		if err := p.Close(); err != nil {
			lastErr = err
		}
		delete(s.pools, name)
	}

	return lastErr
}

// GetIngestManager returns the ingest manager for a pool.
func (s *PoolService) GetIngestManager(name string) *ingest.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ingestManagers[name]
}

// GetUplinkManager returns the uplink manager for a pool.
func (s *PoolService) GetUplinkManager(name string) *uplink.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uplinkManagers[name]
}
