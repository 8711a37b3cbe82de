// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

// Package ingest subscribes to MQTT frame sources and appends every
// received frame to the configured owner's chain. Frames are opaque
// bytes end to end; decoding stays on the vehicle side.
package ingest

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ridgetel/mm2/internal/diag"
	"github.com/ridgetel/mm2/pkg/pool"
)

// Subscriber handles one MQTT source subscription feeding one owner.
type Subscriber struct {
	mu       sync.RWMutex
	pool     *pool.Pool
	poolName string
	flags    *diag.Flags
	config   IngestConnection

	client    mqtt.Client
	status    string
	lastError string

	framesStored  int64
	framesDropped int64
	errors        int64

	// frameMu serializes frame appends so the open tail sector handle
	// stays consistent; paho may dispatch handlers concurrently.
	frameMu sync.Mutex
	cur     pool.Handle
	haveCur bool

	stopCh chan struct{}
	lostCh chan struct{}
	wg     sync.WaitGroup
}

// NewSubscriber creates a new MQTT source subscriber.
func NewSubscriber(p *pool.Pool, poolName string, flags *diag.Flags, config IngestConnection) *Subscriber {
	return &Subscriber{
		pool:     p,
		poolName: poolName,
		flags:    flags,
		config:   config,
		status:   "disconnected",
		stopCh:   make(chan struct{}),
	}
}

// ID returns the connection ID.
func (s *Subscriber) ID() string {
	return s.config.ID
}

// Status returns the current connection status.
func (s *Subscriber) Status() ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ConnectionStatus{
		ID:            s.config.ID,
		BrokerURL:     s.config.BrokerURL,
		Topic:         s.config.Topic,
		Owner:         s.config.Owner,
		Status:        s.status,
		CreatedAt:     s.config.CreatedAt,
		FramesStored:  atomic.LoadInt64(&s.framesStored),
		FramesDropped: atomic.LoadInt64(&s.framesDropped),
		Errors:        atomic.LoadInt64(&s.errors),
		LastError:     s.lastError,
	}
}

// Start begins the MQTT subscription with auto-reconnect.
func (s *Subscriber) Start() error {
	s.wg.Add(1)
	go s.runLoop()
	return nil
}

// Stop stops the MQTT subscription.
func (s *Subscriber) Stop() error {
	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(1000)
		s.client = nil
	}
	s.status = "disconnected"
	s.mu.Unlock()

	return nil
}

// runLoop is the main connection loop with auto-reconnect.
func (s *Subscriber) runLoop() {
	defer s.wg.Done()

	retryDelay := time.Second
	maxRetryDelay := 60 * time.Second

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		err := s.connect()
		if err != nil {
			s.setError(err.Error())

			retryDelay = min(retryDelay*2, maxRetryDelay)

			select {
			case <-s.stopCh:
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		retryDelay = time.Second

		// Frames arrive via the message handler; block here until the
		// broker connection drops or we are asked to stop.
		select {
		case <-s.stopCh:
			return
		case <-s.lostCh:
		}

		s.mu.Lock()
		if s.client != nil && s.client.IsConnected() {
			s.client.Disconnect(1000)
		}
		s.client = nil
		s.status = "disconnected"
		s.mu.Unlock()

		select {
		case <-s.stopCh:
			return
		case <-time.After(retryDelay):
		}
	}
}

// connect establishes the MQTT connection and subscribes to the topic.
func (s *Subscriber) connect() error {
	s.mu.Lock()
	s.status = "connecting"
	s.mu.Unlock()

	clientID := s.config.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("mm2-%s-%s", s.poolName, s.config.ID)
	}

	lostCh := make(chan struct{}, 1)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.config.BrokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(false) // We handle reconnect ourselves
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetWriteTimeout(10 * time.Second)

	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
	}
	if s.config.Password != "" {
		opts.SetPassword(s.config.Password)
	}

	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		if s.flags.Enabled(diag.FlagNetReconnect) {
			log.Printf("ingest %s: connection lost: %v", s.config.ID, err)
		}
		s.setError(err.Error())
		select {
		case lostCh <- struct{}{}:
		default:
		}
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}

	subToken := client.Subscribe(s.config.Topic, s.config.QoS, s.onFrame)
	subToken.Wait()
	if subToken.Error() != nil {
		client.Disconnect(1000)
		return subToken.Error()
	}

	s.mu.Lock()
	s.client = client
	s.lostCh = lostCh
	s.status = "connected"
	s.lastError = ""
	s.mu.Unlock()

	if s.flags.Enabled(diag.FlagNetConnect) {
		log.Printf("ingest %s: subscribed to %s at %s (owner %d)",
			s.config.ID, s.config.Topic, s.config.BrokerURL, s.config.Owner)
	}

	return nil
}

// onFrame appends one received frame to the owner's chain.
func (s *Subscriber) onFrame(_ mqtt.Client, msg mqtt.Message) {
	frame := msg.Payload()
	if len(frame) == 0 {
		return
	}

	if s.flags.Enabled(diag.FlagCANFrameRX) {
		log.Printf("ingest %s: frame %d bytes on %s", s.config.ID, len(frame), msg.Topic())
	}

	if err := s.storeFrame(frame); err != nil {
		switch err {
		case pool.ErrExhausted, pool.ErrFailSafe:
			// Backpressure or an owner in fail-safe: the frame is dropped
			// and counted, never blocks the broker connection.
			atomic.AddInt64(&s.framesDropped, 1)
			if s.flags.Enabled(diag.FlagCANErrors) {
				log.Printf("ingest %s: frame dropped: %v", s.config.ID, err)
			}
		default:
			s.setError(err.Error())
		}
	} else {
		atomic.AddInt64(&s.framesStored, 1)
	}
}

// storeFrame writes frame bytes through the allocator, chaining a new
// sector whenever the current tail sector fills up.
func (s *Subscriber) storeFrame(frame []byte) error {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()

	rest := frame
	for len(rest) > 0 {
		if !s.haveCur {
			h, err := s.pool.Allocate(s.config.Owner)
			if err != nil {
				return err
			}
			s.cur = h
			s.haveCur = true
		}

		n, err := s.pool.AppendBytes(s.cur, rest)
		if err != nil {
			s.haveCur = false
			return err
		}
		rest = rest[n:]
		if len(rest) > 0 || n == 0 {
			// Sector full: next write re-chains onto a fresh sector.
			s.haveCur = false
		}
	}

	return nil
}

// setError sets the last error and increments the error count.
func (s *Subscriber) setError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.status = "error"
	s.mu.Unlock()
	atomic.AddInt64(&s.errors, 1)
}
