// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ridgetel/mm2/internal/service"
	"github.com/ridgetel/mm2/internal/uplink"
)

// UplinkHandler manages WebSocket uplink connections for a pool.
type UplinkHandler struct {
	poolService *service.PoolService
}

// NewUplinkHandler creates a new uplink handler.
func NewUplinkHandler(poolService *service.PoolService) *UplinkHandler {
	return &UplinkHandler{
		poolService: poolService,
	}
}

func (h *UplinkHandler) getManager(c *gin.Context) (*uplink.Manager, bool) {
	name := c.Param("pool")
	if _, err := h.poolService.GetOrOpen(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	m := h.poolService.GetUplinkManager(name)
	if m == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no uplink manager for pool"})
		return nil, false
	}
	return m, true
}

// Create handles POST /api/pools/:pool/uplink
func (h *UplinkHandler) Create(c *gin.Context) {
	m, ok := h.getManager(c)
	if !ok {
		return
	}

	var req uplink.CreateConnectionRequest
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

// List handles GET /api/pools/:pool/uplink
func (h *UplinkHandler) List(c *gin.Context) {
	m, ok := h.getManager(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{"connections": m.ListConnections()})
}

// Get handles GET /api/pools/:pool/uplink/:id
func (h *UplinkHandler) Get(c *gin.Context) {
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

// Delete handles DELETE /api/pools/:pool/uplink/:id
func (h *UplinkHandler) Delete(c *gin.Context) {
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
