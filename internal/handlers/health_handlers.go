package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthHandler serves liveness checks.
type HealthHandler struct {
	chainID uint64
	stage   string
}

// NewHealthHandler creates a health handler reporting the relay's chain.
func NewHealthHandler(chainID uint64, stage string) *HealthHandler {
	return &HealthHandler{chainID: chainID, stage: stage}
}

// CheckHealth handles GET /healthz.
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	sendSuccess(c, http.StatusOK, gin.H{
		"status":   "ok",
		"chain_id": h.chainID,
		"stage":    h.stage,
	})
}
