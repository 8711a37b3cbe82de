// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package uplink

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ridgetel/mm2/internal/diag"
	"github.com/ridgetel/mm2/pkg/pool"
)

const uplinkConnectionsFileName = "uplink_connections.json"

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrManagerClosed      = errors.New("manager is closed")
	ErrOwnerRequired      = errors.New("owner id is required and must be non-zero")
)

// UplinkConnection represents one outbound consumer configuration: a
// remote endpoint draining one owner's chain in head order.
type UplinkConnection struct {
	ID        string            `json:"id"`
	URL       string            `json:"url"`
	Owner     uint32            `json:"owner"`
	Headers   map[string]string `json:"headers,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// UplinkConnectionsConfig holds all uplink configurations for a pool.
type UplinkConnectionsConfig struct {
	Connections []UplinkConnection `json:"connections"`
}

// ConnectionStatus represents the state of an uplink connection.
type ConnectionStatus struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Owner       uint32    `json:"owner"`
	Status      string    `json:"status"` // connecting, connected, disconnected, error
	CreatedAt   time.Time `json:"created_at"`
	SectorsSent int64     `json:"sectors_sent,omitempty"`
	Errors      int64     `json:"errors,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Connection is the interface for uplink connections.
type Connection interface {
	ID() string
	Status() ConnectionStatus
	Start() error
	Stop() error
}

// Manager manages outbound WebSocket consumers for a pool.
type Manager struct {
	mu          sync.RWMutex
	pool        *pool.Pool
	poolName    string
	flags       *diag.Flags
	connections map[string]Connection // id -> connection
	closed      bool
}

// NewManager creates a new uplink connection manager for a pool.
func NewManager(p *pool.Pool, poolName string, flags *diag.Flags) *Manager {
	return &Manager{
		pool:        p,
		poolName:    poolName,
		flags:       flags,
		connections: make(map[string]Connection),
	}
}

// LoadAndStart loads persisted uplink connections from config and starts them.
func (m *Manager) LoadAndStart() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	config, err := m.loadConfig()
	if err != nil {
		return err
	}

	for _, connConfig := range config.Connections {
		conn := NewPusher(m.pool, m.poolName, m.flags, connConfig)
		m.connections[conn.ID()] = conn
		go conn.Start()
	}

	return nil
}

// loadConfig loads the uplink connections config from disk.
func (m *Manager) loadConfig() (*UplinkConnectionsConfig, error) {
	configPath := filepath.Join(m.pool.Path(), uplinkConnectionsFileName)

	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return &UplinkConnectionsConfig{Connections: []UplinkConnection{}}, nil
	}
	if err != nil {
		return nil, err
	}

	var config UplinkConnectionsConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// saveConfig saves the uplink connections config to disk.
func (m *Manager) saveConfig(config *UplinkConnectionsConfig) error {
	configPath := filepath.Join(m.pool.Path(), uplinkConnectionsFileName)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}

// CreateConnectionRequest holds parameters for creating a new uplink connection.
type CreateConnectionRequest struct {
	URL     string            `json:"url"`
	Owner   uint32            `json:"owner"`
	Headers map[string]string `json:"headers"` // Custom headers
}

// CreateConnection creates and starts a new uplink connection.
func (m *Manager) CreateConnection(req CreateConnectionRequest) (*ConnectionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if req.Owner == 0 {
		return nil, ErrOwnerRequired
	}

	id := uuid.New().String()[:8]

	uplinkConn := UplinkConnection{
		ID:        id,
		URL:       req.URL,
		Owner:     req.Owner,
		Headers:   req.Headers,
		CreatedAt: time.Now().UTC(),
	}

	config, err := m.loadConfig()
	if err != nil {
		return nil, err
	}
	config.Connections = append(config.Connections, uplinkConn)
	if err := m.saveConfig(config); err != nil {
		return nil, err
	}

	conn := NewPusher(m.pool, m.poolName, m.flags, uplinkConn)
	m.connections[id] = conn
	go conn.Start()

	status := conn.Status()
	return &status, nil
}

// GetConnection returns the status of a specific connection.
func (m *Manager) GetConnection(id string) (*ConnectionStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.connections[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}

	status := conn.Status()
	return &status, nil
}

// ListConnections returns the status of all connections.
func (m *Manager) ListConnections() []ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ConnectionStatus, 0, len(m.connections))
	for _, conn := range m.connections {
		statuses = append(statuses, conn.Status())
	}

	return statuses
}

// DeleteConnection stops and removes a connection.
func (m *Manager) DeleteConnection(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[id]
	if !ok {
		return ErrConnectionNotFound
	}

	conn.Stop()
	delete(m.connections, id)

	config, err := m.loadConfig()
	if err != nil {
		return err
	}

	for i, c := range config.Connections {
		if c.ID == id {
			config.Connections = append(config.Connections[:i], config.Connections[i+1:]...)
			break
		}
	}

	return m.saveConfig(config)
}

// Stop stops all connections and closes the manager.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true

	for _, conn := range m.connections {
		conn.Stop()
	}

	m.connections = make(map[string]Connection)

	return nil
}
