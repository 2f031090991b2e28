package cashout

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peacepay/peacelink/internal/validation"
	"github.com/peacepay/peacelink/internal/wallet"
)

// Handler provides HTTP endpoints for the cashout workflow.
type Handler struct {
	engine *Engine
}

// NewHandler creates a cashout handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up read-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/cashouts/:id", h.GetRequest)
	r.GET("/users/:userId/cashouts", h.ListUserRequests)
}

// RegisterProtectedRoutes sets up mutating routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/cashouts", h.CreateRequest)
}

// RegisterAdminRoutes sets up admin decision routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/cashouts/pending", h.ListPending)
	r.POST("/cashouts/:id/approve", h.ApproveRequest)
	r.POST("/cashouts/:id/reject", h.RejectRequest)
	r.POST("/cashouts/:id/processing", h.MarkProcessing)
	r.POST("/cashouts/:id/complete", h.MarkCompleted)
	r.POST("/cashouts/:id/fail", h.MarkFailed)
}

type createRequestBody struct {
	UserID string `json:"userId" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// CreateRequest handles POST /v1/cashouts
func (h *Handler) CreateRequest(c *gin.Context) {
	var body createRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("userId", body.UserID),
		validation.ValidAmount("amount", body.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	req, err := h.engine.CreateRequest(c.Request.Context(), body.UserID, body.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

type decisionBody struct {
	AdminID string `json:"adminId" binding:"required"`
	Reason  string `json:"reason"`
}

// ApproveRequest handles POST /v1/admin/cashouts/:id/approve
func (h *Handler) ApproveRequest(c *gin.Context) {
	var body decisionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "adminId is required"})
		return
	}
	req, err := h.engine.Approve(c.Request.Context(), c.Param("id"), body.AdminID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// RejectRequest handles POST /v1/admin/cashouts/:id/reject
func (h *Handler) RejectRequest(c *gin.Context) {
	var body decisionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "adminId is required"})
		return
	}
	req, err := h.engine.Reject(c.Request.Context(), c.Param("id"), body.AdminID, body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// MarkProcessing handles POST /v1/admin/cashouts/:id/processing
func (h *Handler) MarkProcessing(c *gin.Context) {
	req, err := h.engine.MarkProcessing(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// MarkCompleted handles POST /v1/admin/cashouts/:id/complete
func (h *Handler) MarkCompleted(c *gin.Context) {
	req, err := h.engine.MarkCompleted(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

type failBody struct {
	Reason string `json:"reason" binding:"required"`
}

// MarkFailed handles POST /v1/admin/cashouts/:id/fail
func (h *Handler) MarkFailed(c *gin.Context) {
	var body failBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		return
	}
	req, err := h.engine.MarkFailed(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// GetRequest handles GET /v1/cashouts/:id
func (h *Handler) GetRequest(c *gin.Context) {
	req, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// ListUserRequests handles GET /v1/users/:userId/cashouts
func (h *Handler) ListUserRequests(c *gin.Context) {
	reqs, err := h.engine.ListByUser(c.Request.Context(), c.Param("userId"), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cashouts": reqs, "count": len(reqs)})
}

// ListPending handles GET /v1/admin/cashouts/pending
func (h *Handler) ListPending(c *gin.Context) {
	reqs, err := h.engine.ListPending(c.Request.Context(), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cashouts": reqs, "count": len(reqs)})
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}
	return limit
}

// respondError maps domain errors onto HTTP responses.
func respondError(c *gin.Context, err error) {
	var statusErr *StatusError
	switch {
	case errors.Is(err, ErrRequestNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Cashout request not found"})
	case errors.As(err, &statusErr):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": statusErr.Error()})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": "Wallet balance too low"})
	case errors.Is(err, wallet.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet not found"})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Something went wrong"})
	}
}
