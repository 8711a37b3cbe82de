// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

// Package handlers contains HTTP request handlers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ridgetel/mm2/internal/service"
)

// PoolHandler handles pool management endpoints.
type PoolHandler struct {
	poolService *service.PoolService
}

// NewPoolHandler creates a new pool handler.
func NewPoolHandler(poolService *service.PoolService) *PoolHandler {
	return &PoolHandler{
		poolService: poolService,
	}
}

// Create handles POST /api/pools
// Creates a new pool image and keeps it open.
func (h *PoolHandler) Create(c *gin.Context) {
	var req service.CreatePoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.poolService.Create(&req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// Delete handles DELETE /api/pools/:pool
func (h *PoolHandler) Delete(c *gin.Context) {
	poolName := c.Param("pool")

	if err := h.poolService.Delete(poolName); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "pool deleted"})
}

// Stats handles GET /api/pools/:pool/stats
func (h *PoolHandler) Stats(c *gin.Context) {
	poolName := c.Param("pool")

	stats, err := h.poolService.Stats(poolName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// List handles GET /api/pools
// Returns every pool on disk.
func (h *PoolHandler) List(c *gin.Context) {
	pools := h.poolService.ListAll()
	c.JSON(http.StatusOK, gin.H{"pools": pools})
}

// Reset handles POST /api/pools/:pool/reset
// Frees every chain and rebuilds empty state; geometry is kept.
func (h *PoolHandler) Reset(c *gin.Context) {
	poolName := c.Param("pool")

	if err := h.poolService.Reset(poolName); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "pool reset"})
}
