// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ridgetel/mm2/internal/ingest"
	"github.com/ridgetel/mm2/internal/service"
)

// IngestHandler manages MQTT ingest connections for a pool.
type IngestHandler struct {
	poolService *service.PoolService
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(poolService *service.PoolService) *IngestHandler {
	return &IngestHandler{
		poolService: poolService,
	}
}

func (h *IngestHandler) getManager(c *gin.Context) (*ingest.Manager, bool) {
	name := c.Param("pool")
	if _, err := h.poolService.GetOrOpen(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	m := h.poolService.GetIngestManager(name)
	if m == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no ingest manager for pool"})
		return nil, false
	}
	return m, true
}

// Create handles POST /api/pools/:pool/ingest
func (h *IngestHandler) Create(c *gin.Context) {
	m, ok := h.getManager(c)
	if !ok {
		return
	}

	var req ingest.CreateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status, err := m.CreateConnection(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, status)
}

// List handles GET /api/pools/:pool/ingest
func (h *IngestHandler) List(c *gin.Context) {
	m, ok := h.getManager(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{"connections": m.ListConnections()})
}

// Get handles GET /api/pools/:pool/ingest/:id
func (h *IngestHandler) Get(c *gin.Context) {
	m, ok := h.getManager(c)
	if !ok {
		return
	}

	status, err := m.GetConnection(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, status)
}

// Delete handles DELETE /api/pools/:pool/ingest/:id
func (h *IngestHandler) Delete(c *gin.Context) {
	m, ok := h.getManager(c)
	if !ok {
		return
	}

	if err := m.DeleteConnection(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
