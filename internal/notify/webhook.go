// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

// Package notify delivers corruption reports to an external monitoring
// endpoint. The allocator itself only records findings; getting them off
// the gateway is this package's job.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ridgetel/mm2/pkg/pool"
)

// Report is one corruption finding bound for the monitoring endpoint.
type Report struct {
	PoolName string       `json:"pool_name"`
	Finding  pool.Finding `json:"finding"`
	Count    uint64       `json:"corruption_count"` // pool counter at report time
	SentAt   time.Time    `json:"sent_at"`
}

// WebhookConfig holds configuration for a webhook endpoint.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// Webhook handles sending reports to a webhook endpoint.
type Webhook struct {
	config WebhookConfig
	client *http.Client

	// Queue for async sends
	queue chan Report
	wg    sync.WaitGroup

	stopCh chan struct{}
}

// NewWebhook creates a new webhook notifier.
func NewWebhook(config WebhookConfig) *Webhook {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	w := &Webhook{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		queue:  make(chan Report, 100), // Buffer up to 100 reports
		stopCh: make(chan struct{}),
	}

	return w
}

// Start starts the async webhook sender goroutine.
func (w *Webhook) Start() {
	w.wg.Add(1)
	go w.runLoop()
}

// Stop stops the webhook sender and waits for pending sends.
func (w *Webhook) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// Send queues a report for async delivery. Non-blocking: drops if the
// queue is full. Findings are never lost outright, the pool keeps its
// own record; this path is best-effort propagation.
func (w *Webhook) Send(report Report) bool {
	select {
	case w.queue <- report:
		return true
	default:
		log.Printf("webhook queue full, dropping report: %s pool=%s", report.Finding.Kind, report.PoolName)
		return false
	}
}

// SendSync sends a report synchronously.
func (w *Webhook) SendSync(ctx context.Context, report Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// runLoop processes the report queue.
func (w *Webhook) runLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			// Drain remaining reports with timeout
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.drainQueue(ctx)
			cancel()
			return
		case report := <-w.queue:
			ctx, cancel := context.WithTimeout(context.Background(), w.config.Timeout)
			if err := w.SendSync(ctx, report); err != nil {
				log.Printf("webhook send failed for %s: %v", report.PoolName, err)
			}
			cancel()
		}
	}
}

// drainQueue sends remaining queued reports.
func (w *Webhook) drainQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case report, ok := <-w.queue:
			if !ok {
				return
			}
			if err := w.SendSync(ctx, report); err != nil {
				log.Printf("webhook drain failed for %s: %v", report.PoolName, err)
			}
		default:
			return
		}
	}
}
