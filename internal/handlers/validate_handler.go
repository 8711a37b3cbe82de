// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ridgetel/mm2/internal/service"
	"github.com/ridgetel/mm2/pkg/pool"
)

// ValidateHandler exposes on-demand validation passes and the pool's
// recorded corruption findings.
type ValidateHandler struct {
	poolService *service.PoolService
}

// NewValidateHandler creates a new validate handler.
func NewValidateHandler(poolService *service.PoolService) *ValidateHandler {
	return &ValidateHandler{
		poolService: poolService,
	}
}

// Validate handles POST /api/pools/:pool/validate?scope=full|chain|sector
// chain scope requires owner=N, sector scope requires sector=N.
// Findings are reported, never repaired.
func (h *ValidateHandler) Validate(c *gin.Context) {
	p, err := h.poolService.GetOrOpen(c.Param("pool"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var scope pool.Scope
	switch c.DefaultQuery("scope", "full") {
	case "full":
		scope = pool.ScopeFull()
	case "chain":
		owner, err := strconv.ParseUint(c.Query("owner"), 10, 32)
		if err != nil || owner == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "chain scope requires a non-zero owner parameter"})
			return
		}
		scope = pool.ScopeChain(uint32(owner))
	case "sector":
		id, err := strconv.ParseUint(c.Query("sector"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sector scope requires a sector parameter"})
			return
		}
		scope = pool.ScopeSector(uint32(id))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "scope must be full, chain or sector"})
		return
	}

	findings := p.Validate(scope)
	c.JSON(http.StatusOK, gin.H{
		"findings": findings,
		"count":    len(findings),
		"corrupt":  p.Corrupt(),
	})
}

// Findings handles GET /api/pools/:pool/findings
// Returns every finding recorded since the pool was opened.
func (h *ValidateHandler) Findings(c *gin.Context) {
	p, err := h.poolService.GetOrOpen(c.Param("pool"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"findings":    p.Findings(),
		"corruptions": p.CorruptionCount(),
		"corrupt":     p.Corrupt(),
	})
}

// FailSafe handles GET /api/pools/:pool/failsafe
func (h *ValidateHandler) FailSafe(c *gin.Context) {
	p, err := h.poolService.GetOrOpen(c.Param("pool"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"owners": p.FailSafeOwners()})
}

// ClearFailSafe handles DELETE /api/pools/:pool/failsafe/:owner
// Operator acknowledgement that an owner's chain has been dealt with.
func (h *ValidateHandler) ClearFailSafe(c *gin.Context) {
	p, err := h.poolService.GetOrOpen(c.Param("pool"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	owner, ok := parseOwner(c)
	if !ok {
		return
	}

	p.ClearFailSafe(owner)
	c.JSON(http.StatusOK, gin.H{"cleared": true, "owner": owner})
}
