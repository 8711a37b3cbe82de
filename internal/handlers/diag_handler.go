// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ridgetel/mm2/internal/diag"
)

// DiagHandler controls the runtime diagnostic trace flags.
type DiagHandler struct {
	flags *diag.Flags
}

// NewDiagHandler creates a new diag handler.
func NewDiagHandler(flags *diag.Flags) *DiagHandler {
	return &DiagHandler{
		flags: flags,
	}
}

// Get handles GET /api/diag
func (h *DiagHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"word":  h.flags.Word(),
		"flags": h.flags.Names(),
	})
}

// Available handles GET /api/diag/available
func (h *DiagHandler) Available(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"flags": diag.FlagNames()})
}

// Enable handles POST /api/diag/enable
// Body: {"flags": ["can-frame-rx", "net-traffic"]}
// Enabling is additive; flags in other groups are untouched.
func (h *DiagHandler) Enable(c *gin.Context) {
	var req struct {
		Flags []string `json:"flags" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var mask uint32
	for _, name := range req.Flags {
		f, err := diag.ParseFlag(name)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		mask |= f
	}

	h.flags.Enable(mask)
	c.JSON(http.StatusOK, gin.H{
		"word":  h.flags.Word(),
		"flags": h.flags.Names(),
	})
}

// ClearGroup handles POST /api/diag/clear
// Body: {"group": "can"}
// Clears every flag in the named group, leaving other groups intact.
func (h *DiagHandler) ClearGroup(c *gin.Context) {
	var req struct {
		Group string `json:"group" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mask, err := diag.ParseGroup(req.Group)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.flags.ClearGroup(mask)
	c.JSON(http.StatusOK, gin.H{
		"word":  h.flags.Word(),
		"flags": h.flags.Names(),
	})
}
