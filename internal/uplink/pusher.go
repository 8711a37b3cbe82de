// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

// Package uplink streams stored chains to remote collectors over
// WebSocket. The pusher walks one owner's chain in head order and frees
// each sector only after its payload has been written out, so an
// uplink outage never loses data: it just leaves the chain intact.
package uplink

import (
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ridgetel/mm2/internal/diag"
	"github.com/ridgetel/mm2/pkg/pool"
)

// maxSectorsPerPoll bounds how many sectors one poll cycle drains so a
// deep chain cannot starve the stop channel.
const maxSectorsPerPoll = 100

// Pusher handles one outbound push connection (gateway -> collector).
type Pusher struct {
	mu       sync.RWMutex
	pool     *pool.Pool
	poolName string
	flags    *diag.Flags
	config   UplinkConnection

	conn      *websocket.Conn
	status    string
	lastError string

	sectorsSent int64
	errors      int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPusher creates a new outbound push connection.
func NewPusher(p *pool.Pool, poolName string, flags *diag.Flags, config UplinkConnection) *Pusher {
	return &Pusher{
		pool:     p,
		poolName: poolName,
		flags:    flags,
		config:   config,
		status:   "disconnected",
		stopCh:   make(chan struct{}),
	}
}

// ID returns the connection ID.
func (p *Pusher) ID() string {
	return p.config.ID
}

// Status returns the current connection status.
func (p *Pusher) Status() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return ConnectionStatus{
		ID:          p.config.ID,
		URL:         p.config.URL,
		Owner:       p.config.Owner,
		Status:      p.status,
		CreatedAt:   p.config.CreatedAt,
		SectorsSent: atomic.LoadInt64(&p.sectorsSent),
		Errors:      atomic.LoadInt64(&p.errors),
		LastError:   p.lastError,
	}
}

// Start begins the push connection with auto-reconnect.
func (p *Pusher) Start() error {
	p.wg.Add(1)
	go p.runLoop()
	return nil
}

// Stop stops the push connection.
func (p *Pusher) Stop() error {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.status = "disconnected"
	p.mu.Unlock()

	return nil
}

// runLoop is the main connection loop with auto-reconnect.
func (p *Pusher) runLoop() {
	defer p.wg.Done()

	retryDelay := time.Second
	maxRetryDelay := 60 * time.Second

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		err := p.connect()
		if err != nil {
			p.setError(err.Error())
			retryDelay = min(retryDelay*2, maxRetryDelay)

			select {
			case <-p.stopCh:
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		retryDelay = time.Second

		err = p.pushLoop()
		if err != nil {
			p.setError(err.Error())
		}

		p.mu.Lock()
		if p.conn != nil {
			p.conn.Close()
			p.conn = nil
		}
		p.status = "disconnected"
		p.mu.Unlock()

		select {
		case <-p.stopCh:
			return
		case <-time.After(retryDelay):
		}
	}
}

// connect establishes a WebSocket connection to the remote collector.
func (p *Pusher) connect() error {
	p.mu.Lock()
	p.status = "connecting"
	p.mu.Unlock()

	header := http.Header{}
	for k, v := range p.config.Headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.Dial(p.config.URL, header)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.status = "connected"
	p.lastError = ""
	p.mu.Unlock()

	if p.flags.Enabled(diag.FlagNetConnect) {
		log.Printf("uplink %s: connected to %s (owner %d)", p.config.ID, p.config.URL, p.config.Owner)
	}

	return nil
}

// pushLoop polls the owner's chain and streams sectors out in head order.
func (p *Pusher) pushLoop() error {
	pollInterval := 100 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			if err := p.drainChain(); err != nil {
				return err
			}
		}
	}
}

// uplinkMessage is the wire envelope for one sector's payload. Data is
// base64-encoded by the JSON marshaller.
type uplinkMessage struct {
	Type   string `json:"type"`
	Pool   string `json:"pool"`
	Owner  uint32 `json:"owner"`
	Sector uint32 `json:"sector"`
	Data   []byte `json:"data"`
}

// drainChain streams and frees sectors from the head until the chain is
// empty or the per-poll bound is hit. The head is freed only after the
// write has been confirmed, so a dropped connection re-sends at most
// one sector.
func (p *Pusher) drainChain() error {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()

	if conn == nil {
		return nil
	}

	for i := 0; i < maxSectorsPerPoll; i++ {
		select {
		case <-p.stopCh:
			return nil
		default:
		}

		data, id, err := p.pool.HeadPayload(p.config.Owner)
		if err == pool.ErrChainEmpty {
			return nil
		}
		if err != nil {
			return err
		}

		msg := uplinkMessage{
			Type:   "frame",
			Pool:   p.poolName,
			Owner:  p.config.Owner,
			Sector: id,
			Data:   data,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}

		// Delivery confirmed by the write: unlink then release.
		if err := p.pool.FreeChainHead(p.config.Owner); err != nil {
			return err
		}
		atomic.AddInt64(&p.sectorsSent, 1)

		if p.flags.Enabled(diag.FlagNetTraffic) {
			log.Printf("uplink %s: sent sector %d (%d bytes)", p.config.ID, id, len(data))
		}
	}

	return nil
}

// setError sets the last error and increments error count.
func (p *Pusher) setError(msg string) {
	p.mu.Lock()
	p.lastError = msg
	p.status = "error"
	p.mu.Unlock()
	atomic.AddInt64(&p.errors, 1)
}
