package billing

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"loyaltycore/pkg/errutil"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/v1")

	v1.POST("/payments", h.RegisterPayment)
	v1.POST("/payments/:id/validate", h.ValidatePayment)
	v1.POST("/payments/:id/applications", h.ApplyPayment)
	v1.DELETE("/payments/:id", h.DeletePayment)

	v1.GET("/partners/:id/balance", h.GetPartnerBalance)
}

type registerPaymentRequest struct {
	PartnerID      int64           `json:"partner_id" binding:"required"`
	SubscriptionID *int64          `json:"subscription_id"`
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	Currency       string          `json:"currency"`
	PaymentDate    *time.Time      `json:"payment_date"`
	Metadata       map[string]any  `json:"metadata"`
}

func (h *Handler) RegisterPayment(c *gin.Context) {
	var req registerPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	params := RegisterPaymentParams{
		PartnerID:      req.PartnerID,
		SubscriptionID: req.SubscriptionID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Metadata:       datatypes.JSONMap(req.Metadata),
	}
	if req.PaymentDate != nil {
		params.PaymentDate = *req.PaymentDate
	}

	payment, err := h.svc.RegisterPayment(c.Request.Context(), params)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, payment)
}

func (h *Handler) ValidatePayment(c *gin.Context) {
	paymentID, err := pathID(c)
	if err != nil {
		c.Error(err)
		return
	}

	payment, err := h.svc.ValidatePayment(c.Request.Context(), paymentID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, payment)
}

type applyPaymentRequest struct {
	PartnerID      int64           `json:"partner_id" binding:"required"`
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	InvoiceID      *int64          `json:"invoice_id"`
	BillingCycleID *int64          `json:"billing_cycle_id"`
}

func (h *Handler) ApplyPayment(c *gin.Context) {
	paymentID, err := pathID(c)
	if err != nil {
		c.Error(err)
		return
	}

	var req applyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	derived, err := h.svc.ApplyPayment(c.Request.Context(), paymentID, ApplyPaymentParams{
		PartnerID:      req.PartnerID,
		Amount:         req.Amount,
		InvoiceID:      req.InvoiceID,
		BillingCycleID: req.BillingCycleID,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, derived)
}

func (h *Handler) DeletePayment(c *gin.Context) {
	paymentID, err := pathID(c)
	if err != nil {
		c.Error(err)
		return
	}

	payment, err := h.svc.DeletePayment(c.Request.Context(), paymentID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, payment)
}

func (h *Handler) GetPartnerBalance(c *gin.Context) {
	partnerID, err := pathID(c)
	if err != nil {
		c.Error(err)
		return
	}

	balance, err := h.svc.GetPartnerBalance(c.Request.Context(), partnerID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

func pathID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errutil.BadRequest("invalid id", err)
	}
	return id, nil
}
