// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ridgetel/mm2/pkg/pool"
)

// WSReadMessage represents a message sent to the client.
type WSReadMessage struct {
	Type    string `json:"type"` // "data", "caught_up", "error"
	Owner   uint32 `json:"owner,omitempty"`
	Sector  uint32 `json:"sector,omitempty"`
	Size    int    `json:"size,omitempty"`
	Data    []byte `json:"data,omitempty"` // base64-encoded by JSON
	Message string `json:"message,omitempty"`
}

// parseOwnerQuery extracts and validates the owner query parameter.
func parseOwnerQuery(c *gin.Context) (uint32, bool) {
	v, err := strconv.ParseUint(c.Query("owner"), 10, 32)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner must be a non-zero integer"})
		return 0, false
	}
	return uint32(v), true
}

// wsReader streams one owner's chain to a WebSocket client: the stored
// sectors first, then new sectors as producers append them.
type wsReader struct {
	conn    *websocket.Conn
	reader  *pool.Reader
	owner   uint32
	from    string // "head" or "tail"
	closeCh chan struct{}
}

// newWSReader creates a new WebSocket reader.
func newWSReader(conn *websocket.Conn, p *pool.Pool, owner uint32, from string) *wsReader {
	return &wsReader{
		conn:    conn,
		reader:  p.ReadChain(owner),
		owner:   owner,
		from:    from,
		closeCh: make(chan struct{}),
	}
}

// run starts the read loop.
func (r *wsReader) run() {
	defer r.conn.Close()

	// Start a goroutine to handle incoming messages (pings, close, etc.)
	go r.handleIncoming()

	if r.from == "tail" {
		// Park the reader past the stored sectors without sending them.
		for {
			_, err := r.reader.Next()
			if err != nil {
				break
			}
		}
		r.sendCaughtUp()
	} else {
		// Send the stored chain first
		if err := r.sendStored(); err != nil {
			r.sendError(err.Error())
			return
		}
	}

	// Enter the live streaming loop
	r.streamLive()
}

// handleIncoming handles incoming WebSocket messages (pings, close frames, etc.).
func (r *wsReader) handleIncoming() {
	defer close(r.closeCh)

	for {
		_, _, err := r.conn.ReadMessage()
		if err != nil {
			return
		}
		// Ignore incoming messages - this is a read-only stream
	}
}

// sendStored sends every sector currently in the chain, head to tail.
func (r *wsReader) sendStored() error {
	for {
		select {
		case <-r.closeCh:
			return nil
		default:
		}

		data, err := r.reader.Next()
		if err == io.EOF {
			return r.sendCaughtUp()
		}
		if err != nil {
			return err
		}

		if err := r.sendData(data); err != nil {
			return err
		}
	}
}

// streamLive streams new sectors as producers append them.
func (r *wsReader) streamLive() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.closeCh:
			return
		case <-ticker.C:
			if !r.sendNew() {
				return
			}
		}
	}
}

// sendNew drains anything appended since the last poll. Returns false
// when the connection is gone.
func (r *wsReader) sendNew() bool {
	for {
		select {
		case <-r.closeCh:
			return false
		default:
		}

		data, err := r.reader.Next()
		if err == io.EOF {
			return true
		}
		if errors.Is(err, pool.ErrNotFound) {
			// Our position was consumed by a drain; re-sync with the
			// new head on the next pass.
			r.reader.Reset()
			return true
		}
		if err != nil {
			r.sendError(err.Error())
			return false
		}

		if err := r.sendData(data); err != nil {
			return false
		}
	}
}

// sendData sends a single data message.
func (r *wsReader) sendData(data []byte) error {
	msg := WSReadMessage{
		Type:   "data",
		Owner:  r.owner,
		Sector: r.reader.Sector(),
		Size:   len(data),
		Data:   data,
	}
	return r.conn.WriteJSON(msg)
}

// sendCaughtUp sends the caught_up message.
func (r *wsReader) sendCaughtUp() error {
	msg := WSReadMessage{
		Type: "caught_up",
	}
	return r.conn.WriteJSON(msg)
}

// sendError sends an error message.
func (r *wsReader) sendError(message string) error {
	msg := WSReadMessage{
		Type:    "error",
		Message: message,
	}
	return r.conn.WriteJSON(msg)
}
