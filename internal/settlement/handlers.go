package settlement

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peacepay/peacelink/internal/peacelink"
	"github.com/peacepay/peacelink/internal/validation"
	"github.com/peacepay/peacelink/internal/wallet"
)

// Handler provides HTTP endpoints for PeaceLink settlement operations.
type Handler struct {
	engine *Engine
}

// NewHandler creates a settlement handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/peacelinks/:id", h.GetLink)
	r.GET("/peacelinks/:id/payouts", h.ListPayouts)
	r.GET("/references/:reference", h.GetByReference)
	r.GET("/merchants/:userId/peacelinks", h.ListMerchantLinks)
	r.GET("/buyers/:userId/peacelinks", h.ListBuyerLinks)
	r.GET("/dsps/:userId/peacelinks", h.ListDspLinks)
}

// RegisterProtectedRoutes sets up mutating routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/peacelinks", h.CreateLink)
	r.POST("/peacelinks/:id/share", h.ShareLink)
	r.POST("/peacelinks/:id/approve", h.ApproveLink)
	r.POST("/peacelinks/:id/dsp", h.AssignDsp)
	r.POST("/peacelinks/:id/otp", h.RegenerateOtp)
	r.POST("/peacelinks/:id/transit", h.MarkInTransit)
	r.POST("/peacelinks/:id/confirm", h.ConfirmDelivery)
	r.POST("/peacelinks/:id/cancel", h.CancelLink)
}

// RegisterAdminRoutes sets up reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation/flags", h.ListFlags)
	r.POST("/reconciliation/flags/:flagId/resolve", h.ResolveFlag)
}

// CreateLink handles POST /v1/peacelinks
func (h *Handler) CreateLink(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("merchantId", req.MerchantID),
		validation.Required("buyerPhone", req.BuyerPhone),
		validation.ValidPhone("buyerPhone", req.BuyerPhone),
		validation.ValidAmount("itemAmount", req.ItemAmount),
		validation.ValidAmount("deliveryFee", req.DeliveryFee),
		validation.ValidPercentage("advancePercentage", req.AdvancePercentage),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	link, err := h.engine.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"peacelink": link})
}

// ShareLink handles POST /v1/peacelinks/:id/share
func (h *Handler) ShareLink(c *gin.Context) {
	link, err := h.engine.Share(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peacelink": link})
}

type approveRequest struct {
	BuyerID string `json:"buyerId" binding:"required"`
}

// ApproveLink handles POST /v1/peacelinks/:id/approve
func (h *Handler) ApproveLink(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	link, err := h.engine.Approve(c.Request.Context(), c.Param("id"), req.BuyerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peacelink": link})
}

type assignDspRequest struct {
	DspID    string `json:"dspId" binding:"required"`
	DriverID string `json:"driverId"`
}

// AssignDsp handles POST /v1/peacelinks/:id/dsp
func (h *Handler) AssignDsp(c *gin.Context) {
	var req assignDspRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	res, err := h.engine.AssignDsp(c.Request.Context(), c.Param("id"), req.DspID, req.DriverID)
	if err != nil {
		respondError(c, err)
		return
	}
	// The plaintext OTP appears here once and nowhere else.
	c.JSON(http.StatusOK, gin.H{"peacelink": res.Link, "otp": res.Otp})
}

// RegenerateOtp handles POST /v1/peacelinks/:id/otp
func (h *Handler) RegenerateOtp(c *gin.Context) {
	res, err := h.engine.RegenerateOtp(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peacelink": res.Link, "otp": res.Otp})
}

type transitRequest struct {
	DspID string `json:"dspId" binding:"required"`
}

// MarkInTransit handles POST /v1/peacelinks/:id/transit
func (h *Handler) MarkInTransit(c *gin.Context) {
	var req transitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	link, err := h.engine.MarkInTransit(c.Request.Context(), c.Param("id"), req.DspID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peacelink": link})
}

type confirmRequest struct {
	VerifierID string `json:"verifierId" binding:"required"`
	Otp        string `json:"otp" binding:"required"`
}

// ConfirmDelivery handles POST /v1/peacelinks/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidOtp(req.Otp) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "otp: must be a numeric code",
		})
		return
	}

	link, err := h.engine.ConfirmDelivery(c.Request.Context(), c.Param("id"), req.VerifierID, req.Otp)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peacelink": link})
}

type cancelRequest struct {
	CanceledBy string `json:"canceledBy" binding:"required"`
	Reason     string `json:"reason"`
}

// CancelLink handles POST /v1/peacelinks/:id/cancel
func (h *Handler) CancelLink(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	switch peacelink.CanceledBy(req.CanceledBy) {
	case peacelink.CanceledByBuyer, peacelink.CanceledByMerchant, peacelink.CanceledByDsp,
		peacelink.CanceledByAdmin, peacelink.CanceledBySystem:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "canceledBy: must be one of buyer, merchant, dsp, admin, system",
		})
		return
	}

	link, err := h.engine.Cancel(c.Request.Context(), c.Param("id"),
		peacelink.CanceledBy(req.CanceledBy), validation.SanitizeString(req.Reason, 500))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peacelink": link})
}

// GetLink handles GET /v1/peacelinks/:id
func (h *Handler) GetLink(c *gin.Context) {
	link, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peacelink": link})
}

// GetByReference handles GET /v1/references/:reference
func (h *Handler) GetByReference(c *gin.Context) {
	link, err := h.engine.GetByReference(c.Request.Context(), c.Param("reference"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peacelink": link})
}

// ListPayouts handles GET /v1/peacelinks/:id/payouts
func (h *Handler) ListPayouts(c *gin.Context) {
	payouts, err := h.engine.Payouts(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts})
}

// ListMerchantLinks handles GET /v1/merchants/:userId/peacelinks
func (h *Handler) ListMerchantLinks(c *gin.Context) {
	links, err := h.engine.ListByMerchant(c.Request.Context(), c.Param("userId"), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peacelinks": links})
}

// ListBuyerLinks handles GET /v1/buyers/:userId/peacelinks
func (h *Handler) ListBuyerLinks(c *gin.Context) {
	links, err := h.engine.ListByBuyer(c.Request.Context(), c.Param("userId"), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peacelinks": links})
}

// ListDspLinks handles GET /v1/dsps/:userId/peacelinks
func (h *Handler) ListDspLinks(c *gin.Context) {
	links, err := h.engine.ListByDsp(c.Request.Context(), c.Param("userId"), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peacelinks": links})
}

// ListFlags handles GET /v1/admin/reconciliation/flags
func (h *Handler) ListFlags(c *gin.Context) {
	flags, err := h.engine.OpenFlags(c.Request.Context(), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flags": flags})
}

type resolveFlagRequest struct {
	ResolvedBy string `json:"resolvedBy" binding:"required"`
}

// ResolveFlag handles POST /v1/admin/reconciliation/flags/:flagId/resolve
func (h *Handler) ResolveFlag(c *gin.Context) {
	var req resolveFlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.engine.ResolveFlag(c.Request.Context(), c.Param("flagId"), req.ResolvedBy); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}

// respondError maps domain errors onto HTTP responses.
func respondError(c *gin.Context, err error) {
	var ste *peacelink.StateTransitionError
	switch {
	case errors.Is(err, peacelink.ErrLinkNotFound), errors.Is(err, ErrFlagNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.As(err, &ste):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": ste.Error()})
	case errors.Is(err, peacelink.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "The link was modified concurrently, retry"})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": err.Error()})
	case errors.Is(err, wallet.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet_not_found", "message": err.Error()})
	case errors.Is(err, peacelink.ErrReassignLimit):
		c.JSON(http.StatusConflict, gin.H{"error": "reassignment_limit", "message": err.Error()})
	case errors.Is(err, peacelink.ErrOtpMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "otp_mismatch", "message": "Incorrect code"})
	case errors.Is(err, peacelink.ErrOtpExpired):
		c.JSON(http.StatusGone, gin.H{"error": "otp_expired", "message": "The code expired, request a new one"})
	case errors.Is(err, peacelink.ErrOtpAttemptsUsed):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "otp_attempts_exhausted", "message": "Too many incorrect codes"})
	case errors.Is(err, peacelink.ErrOtpNotGenerated), errors.Is(err, peacelink.ErrOtpAlreadyUsed):
		c.JSON(http.StatusConflict, gin.H{"error": "otp_unavailable", "message": err.Error()})
	case errors.Is(err, peacelink.ErrInvalidAmount), errors.Is(err, peacelink.ErrReferenceTaken):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
