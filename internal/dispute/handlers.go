package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/peacepay/peacelink/internal/peacelink"
	"github.com/peacepay/peacelink/internal/settlement"
	"github.com/peacepay/peacelink/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/peacelinks/:id/disputes", h.ListLinkDisputes)
}

// RegisterProtectedRoutes sets up mutating routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
}

// RegisterAdminRoutes sets up resolution routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/open", h.ListOpen)
	r.POST("/disputes/:id/review", h.MarkUnderReview)
	r.POST("/disputes/:id/resolve", h.Resolve)
}

type openBody struct {
	EscrowID string `json:"escrowId" binding:"required"`
	OpenedBy string `json:"openedBy" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

// OpenDispute handles POST /v1/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var body openBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrowId, openedBy and reason are required",
		})
		return
	}

	body.Reason = validation.SanitizeString(body.Reason, 500)
	d, err := h.service.Open(c.Request.Context(), body.EscrowID, body.OpenedBy, body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// MarkUnderReview handles POST /v1/admin/disputes/:id/review
func (h *Handler) MarkUnderReview(c *gin.Context) {
	var body struct {
		AdminID string `json:"adminId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "adminId is required"})
		return
	}
	d, err := h.service.MarkUnderReview(c.Request.Context(), c.Param("id"), body.AdminID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type resolveBody struct {
	AdminID         string `json:"adminId" binding:"required"`
	Resolution      string `json:"resolution" binding:"required"`
	BuyerPercentage string `json:"buyerPercentage"`
}

// Resolve handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "adminId and resolution are required"})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")

	var d *Dispute
	var err error
	switch settlement.Resolution(body.Resolution) {
	case settlement.ResolveBuyer:
		d, err = h.service.ReleaseToBuyer(ctx, id, body.AdminID)
	case settlement.ResolveMerchant:
		d, err = h.service.ReleaseToMerchant(ctx, id, body.AdminID)
	case settlement.ResolveSplit:
		pct, perr := decimal.NewFromString(body.BuyerPercentage)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "buyerPercentage must be a number between 0 and 100"})
			return
		}
		d, err = h.service.ResolveWithSplit(ctx, id, body.AdminID, pct)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "resolution must be buyer, merchant or split"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// ListLinkDisputes handles GET /v1/peacelinks/:id/disputes
func (h *Handler) ListLinkDisputes(c *gin.Context) {
	disputes, err := h.service.ListByEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// ListOpen handles GET /v1/admin/disputes/open
func (h *Handler) ListOpen(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	disputes, err := h.service.ListOpen(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// respondError maps domain errors onto HTTP responses.
func respondError(c *gin.Context, err error) {
	var ste *peacelink.StateTransitionError
	switch {
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Dispute not found"})
	case errors.Is(err, peacelink.ErrLinkNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "PeaceLink not found"})
	case errors.Is(err, ErrAlreadyOpen):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute_open", "message": "The link already has an open dispute"})
	case errors.Is(err, ErrNotOpen):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": "Dispute is already resolved"})
	case errors.As(err, &ste):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": ste.Error()})
	case errors.Is(err, settlement.ErrInvalidSplit):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_split", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Something went wrong"})
	}
}
