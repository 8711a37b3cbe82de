// Copyright (c) 2026 Ridgetel Systems Ltd.
// Licensed under the MIT License
// See LICENSE file for details.

package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ridgetel/mm2/internal/service"
	"github.com/ridgetel/mm2/pkg/pool"
	"github.com/ridgetel/mm2/pkg/sector"
)

// ChainHandler handles per-owner chain endpoints: inspection, appends
// and the two free operations.
type ChainHandler struct {
	poolService *service.PoolService
}

// NewChainHandler creates a new chain handler.
func NewChainHandler(poolService *service.PoolService) *ChainHandler {
	return &ChainHandler{
		poolService: poolService,
	}
}

// parseOwner extracts and validates the owner id path parameter.
func parseOwner(c *gin.Context) (uint32, bool) {
	v, err := strconv.ParseUint(c.Param("owner"), 10, 32)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner must be a non-zero integer"})
		return 0, false
	}
	return uint32(v), true
}

// chainError maps allocator errors to HTTP responses.
func chainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pool.ErrChainEmpty), errors.Is(err, pool.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, pool.ErrExhausted):
		c.JSON(http.StatusInsufficientStorage, gin.H{"error": err.Error()})
	case errors.Is(err, pool.ErrFailSafe):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, pool.ErrSectorOutOfRange), errors.Is(err, pool.ErrInvalidOwner):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// List handles GET /api/pools/:pool/chains
// Returns every owner with a non-empty chain.
func (h *ChainHandler) List(c *gin.Context) {
	p, err := h.poolService.GetOrOpen(c.Param("pool"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"owners": p.Owners()})
}

// Get handles GET /api/pools/:pool/chains/:owner
func (h *ChainHandler) Get(c *gin.Context) {
	p, err := h.poolService.GetOrOpen(c.Param("pool"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	owner, ok := parseOwner(c)
	if !ok {
		return
	}

	head, tail := p.ChainEndpoints(owner)
	resp := gin.H{
		"owner":  owner,
		"length": p.ChainLength(owner),
	}
	if head != sector.None {
		resp["head"] = head
		resp["tail"] = tail
	}
	c.JSON(http.StatusOK, resp)
}

// Read handles GET /api/pools/:pool/chains/:owner/data
// Streams the chain's payload bytes head to tail.
func (h *ChainHandler) Read(c *gin.Context) {
	p, err := h.poolService.GetOrOpen(c.Param("pool"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	owner, ok := parseOwner(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "application/octet-stream")
	c.Status(http.StatusOK)

	r := p.ReadChain(owner)
	for {
		payload, err := r.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			// Headers are out; all we can do is stop the stream.
			return
		}
		if _, err := c.Writer.Write(payload); err != nil {
			return
		}
	}
}

// Head handles GET /api/pools/:pool/chains/:owner/head
// Peeks the oldest sector's payload without consuming it.
func (h *ChainHandler) Head(c *gin.Context) {
	p, err := h.poolService.GetOrOpen(c.Param("pool"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	owner, ok := parseOwner(c)
	if !ok {
		return
	}

	data, id, err := p.HeadPayload(owner)
	if err != nil {
		chainError(c, err)
		return
	}

	c.Header("X-MM2-Sector", strconv.FormatUint(uint64(id), 10))
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// Append handles POST /api/pools/:pool/chains/:owner/data
// Appends the raw request body to the owner's chain, allocating sectors
// as needed.
func (h *ChainHandler) Append(c *gin.Context) {
	p, err := h.poolService.GetOrOpen(c.Param("pool"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	owner, ok := parseOwner(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
		return
	}

	var sectors []uint32
	rest := body
	for len(rest) > 0 {
		hdl, err := p.Allocate(owner)
		if err != nil {
			chainError(c, err)
			return
		}
		sectors = append(sectors, hdl.Sector)

		for len(rest) > 0 {
			n, err := p.AppendBytes(hdl, rest)
			if err != nil {
				chainError(c, err)
				return
			}
			rest = rest[n:]
			if n == 0 || len(rest) > 0 {
				break // sector full, chain another
			}
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"owner":   owner,
		"bytes":   len(body),
		"sectors": sectors,
	})
}

// FreeHead handles DELETE /api/pools/:pool/chains/:owner/head
func (h *ChainHandler) FreeHead(c *gin.Context) {
	p, err := h.poolService.GetOrOpen(c.Param("pool"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	owner, ok := parseOwner(c)
	if !ok {
		return
	}

	if err := p.FreeChainHead(owner); err != nil {
		chainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"freed": true})
}

// FreeSector handles DELETE /api/pools/:pool/chains/:owner/sectors/:sector
func (h *ChainHandler) FreeSector(c *gin.Context) {
	p, err := h.poolService.GetOrOpen(c.Param("pool"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	owner, ok := parseOwner(c)
	if !ok {
		return
	}

	id, err := strconv.ParseUint(c.Param("sector"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sector must be an integer"})
		return
	}

	if err := p.FreeSpecific(owner, uint32(id)); err != nil {
		chainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"freed": true})
}
