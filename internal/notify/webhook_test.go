// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ridgetel/mm2/pkg/pool"
)

func TestWebhookDelivery(t *testing.T) {
	var received atomic.Int64
	var got Report

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad report body: %v", err)
		}
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL})
	wh.Start()

	ok := wh.Send(Report{
		PoolName: "vehicle",
		Finding: pool.Finding{
			Kind:     pool.FindingFreedReference,
			Owner:    5,
			Sector:   381,
			Ref:      756,
			Op:       "validate",
			Detected: time.Now(),
		},
		Count:  1,
		SentAt: time.Now(),
	})
	if !ok {
		t.Fatal("Send rejected with an empty queue")
	}

	wh.Stop() // drains before returning

	if received.Load() != 1 {
		t.Fatalf("webhook received %d reports, want 1", received.Load())
	}
	if got.PoolName != "vehicle" || got.Finding.Kind != pool.FindingFreedReference {
		t.Errorf("report content mangled: %+v", got)
	}
}

func TestWebhookQueueFullDrops(t *testing.T) {
	// Point at nothing; sends will fail but queueing is what matters.
	wh := NewWebhook(WebhookConfig{URL: "http://127.0.0.1:0/none"})

	// Worker not started: fill the buffer.
	for i := 0; i < 100; i++ {
		if !wh.Send(Report{PoolName: "vehicle"}) {
			t.Fatalf("queue rejected report %d below capacity", i)
		}
	}
	if wh.Send(Report{PoolName: "vehicle"}) {
		t.Error("queue accepted a report beyond capacity")
	}
}
