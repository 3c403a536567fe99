package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/internal/summary"
	appErrors "github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/errors"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/logging"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/types"
)

// DefaultProfile is used when the profile query parameter is absent
const DefaultProfile = "json"

// SummaryRequest is the body of the enhanced summary endpoint
type SummaryRequest struct {
	Events []types.Event `json:"events"`
}

// UsageRequest reports a generative call made outside the summary path
type UsageRequest struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// SREHandler serves the quota-controlled summary endpoints
type SREHandler struct {
	service summary.SummaryService
	logger  *logging.Logger
}

// NewSREHandler creates a new SRE handler
func NewSREHandler(service summary.SummaryService, logger *logging.Logger) *SREHandler {
	return &SREHandler{
		service: service,
		logger:  logging.OrGlobal(logger),
	}
}

// GetEnhancedSummary handles POST /api/v1/sre/enhanced-summary
func (h *SREHandler) GetEnhancedSummary(c *gin.Context) {
	var req SummaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		BadRequestResponse(c, "Invalid request body: expected {\"events\": [...]}")
		return
	}

	profile := c.DefaultQuery("profile", DefaultProfile)

	analysis, err := h.service.GetEnhancedSummary(c.Request.Context(), req.Events, profile)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			ErrorResponseFromError(c, appErrors.NewTimeoutError("enhanced summary").WithCause(err))
			return
		}
		h.logger.LogError(c.Request.Context(), err, "Enhanced summary failed", nil)
		ErrorResponseFromError(c, err)
		return
	}

	c.JSON(http.StatusOK, analysis)
}

// GetUsage handles GET /api/v1/sre/usage
func (h *SREHandler) GetUsage(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.GetUsageStatus(c.Request.Context()))
}

// RecordUsage handles POST /api/v1/sre/usage
func (h *SREHandler) RecordUsage(c *gin.Context) {
	var req UsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "Invalid usage body")
		return
	}

	if err := h.service.RecordLLMUsage(c.Request.Context(), req.PromptTokens, req.CompletionTokens, req.CostUSD); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, h.service.GetUsageStatus(c.Request.Context()).Usage)
}

// ResetCircuit handles POST /api/v1/sre/circuit/reset
func (h *SREHandler) ResetCircuit(c *gin.Context) {
	invalidated := h.service.ResetCircuit(c.Request.Context())
	h.logger.Info("Circuit reset by operator",
		"client_ip", c.ClientIP(),
		"correlation_id", logging.GetCorrelationID(c.Request.Context()),
		"invalidated", invalidated,
	)
	SuccessResponse(c, gin.H{
		"circuit_breaker": h.service.GetUsageStatus(c.Request.Context()).CircuitBreaker,
		"invalidated":     invalidated,
	})
}

// ClearCache handles POST /api/v1/sre/cache/clear
func (h *SREHandler) ClearCache(c *gin.Context) {
	cleared, err := h.service.ClearCache(c.Request.Context())
	if err != nil {
		h.logger.LogError(c.Request.Context(), err, "Cache clear failed", nil)
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, gin.H{"cleared": cleared})
}
