// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ridgetel/mm2/internal/service"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for WebSocket
	},
}

// WSHandler handles inbound WebSocket connections.
type WSHandler struct {
	poolService *service.PoolService
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(poolService *service.PoolService) *WSHandler {
	return &WSHandler{
		poolService: poolService,
	}
}

// Read handles GET /api/pools/:pool/ws/read
// Query params:
//   - owner: Required, the chain to stream
//   - from: "head" (default) streams the whole chain first,
//     "tail" skips straight to live data
func (h *WSHandler) Read(c *gin.Context) {
	p, err := h.poolService.GetOrOpen(c.Param("pool"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	owner, ok := parseOwnerQuery(c)
	if !ok {
		return
	}

	from := c.DefaultQuery("from", "head")
	if from != "head" && from != "tail" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be head or tail"})
		return
	}

	// Upgrade to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already sends an error response
		return
	}

	reader := newWSReader(conn, p, owner, from)

	// Run in the current goroutine (blocking)
	reader.run()
}
