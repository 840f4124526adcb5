package points

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"loyaltycore/pkg/db/pagination"
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

	v1.POST("/points/transactions", h.AppendTransaction)
	v1.POST("/points/transactions/:id/reverse", h.ReverseTransaction)

	v1.GET("/memberships/:id/transactions", h.ListTransactions)
	v1.GET("/memberships/:id/balance", h.GetBalance)
	v1.GET("/memberships/:id/programs/:program_id/balance", h.GetProgramBalance)
	v1.GET("/memberships/:id/expiry-schedule", h.GetExpirySchedule)
	v1.GET("/memberships/:id/integrity", h.ValidateIntegrity)
}

type appendTransactionRequest struct {
	Type           string `json:"type" binding:"required"`
	TenantID       int64  `json:"tenant_id" binding:"required"`
	CustomerID     int64  `json:"customer_id" binding:"required"`
	MembershipID   int64  `json:"membership_id" binding:"required"`
	PointsDelta    int64  `json:"points_delta"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`

	SourceEventID *string        `json:"source_event_id"`
	CorrelationID *string        `json:"correlation_id"`
	CreatedBy     *string        `json:"created_by"`
	ReasonCode    *string        `json:"reason_code"`
	ProgramID     *int64         `json:"program_id"`
	RewardRuleID  *int64         `json:"reward_rule_id"`
	RewardID      *int64         `json:"reward_id"`
	BranchID      *int64         `json:"branch_id"`
	ExpiresAt     *time.Time     `json:"expires_at"`
	Metadata      map[string]any `json:"metadata"`
}

func (h *Handler) AppendTransaction(c *gin.Context) {
	var req appendTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	tx, err := h.svc.AppendTransaction(c.Request.Context(), TransactionType(req.Type), TransactionParams{
		TenantID:       req.TenantID,
		CustomerID:     req.CustomerID,
		MembershipID:   req.MembershipID,
		PointsDelta:    req.PointsDelta,
		IdempotencyKey: req.IdempotencyKey,
		SourceEventID:  req.SourceEventID,
		CorrelationID:  req.CorrelationID,
		CreatedBy:      req.CreatedBy,
		ReasonCode:     req.ReasonCode,
		ProgramID:      req.ProgramID,
		RewardRuleID:   req.RewardRuleID,
		RewardID:       req.RewardID,
		BranchID:       req.BranchID,
		ExpiresAt:      req.ExpiresAt,
		Metadata:       datatypes.JSONMap(req.Metadata),
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, tx)
}

type reverseTransactionRequest struct {
	TenantID       int64   `json:"tenant_id" binding:"required"`
	IdempotencyKey string  `json:"idempotency_key" binding:"required"`
	ReasonCode     *string `json:"reason_code"`
	CreatedBy      *string `json:"created_by"`
}

func (h *Handler) ReverseTransaction(c *gin.Context) {
	transactionID, err := pathID(c)
	if err != nil {
		c.Error(err)
		return
	}

	var req reverseTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	result, err := h.svc.ReverseTransaction(c.Request.Context(), transactionID, ReverseParams{
		TenantID:       req.TenantID,
		IdempotencyKey: req.IdempotencyKey,
		ReasonCode:     req.ReasonCode,
		CreatedBy:      req.CreatedBy,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

func (h *Handler) ListTransactions(c *gin.Context) {
	membershipID, err := pathID(c)
	if err != nil {
		c.Error(err)
		return
	}
	tenantID, err := tenantQuery(c)
	if err != nil {
		c.Error(err)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	result, err := h.svc.ListTransactions(c.Request.Context(), ListQuery{
		TenantID:     tenantID,
		MembershipID: membershipID,
		Type:         TransactionType(c.Query("type")),
		Pagination:   page,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetBalance(c *gin.Context) {
	membershipID, err := pathID(c)
	if err != nil {
		c.Error(err)
		return
	}
	tenantID, err := tenantQuery(c)
	if err != nil {
		c.Error(err)
		return
	}

	balance, err := h.svc.GetBalance(c.Request.Context(), tenantID, membershipID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

func (h *Handler) GetProgramBalance(c *gin.Context) {
	membershipID, err := pathID(c)
	if err != nil {
		c.Error(err)
		return
	}
	tenantID, err := tenantQuery(c)
	if err != nil {
		c.Error(err)
		return
	}
	programID, err := strconv.ParseInt(c.Param("program_id"), 10, 64)
	if err != nil || programID <= 0 {
		c.Error(errutil.BadRequest("invalid program id", err))
		return
	}

	balance, err := h.svc.GetProgramBalance(c.Request.Context(), tenantID, membershipID, programID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

func (h *Handler) GetExpirySchedule(c *gin.Context) {
	membershipID, err := pathID(c)
	if err != nil {
		c.Error(err)
		return
	}
	tenantID, err := tenantQuery(c)
	if err != nil {
		c.Error(err)
		return
	}

	schedule, err := h.svc.GetExpirySchedule(c.Request.Context(), tenantID, membershipID, time.Now())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": schedule})
}

func (h *Handler) ValidateIntegrity(c *gin.Context) {
	membershipID, err := pathID(c)
	if err != nil {
		c.Error(err)
		return
	}
	tenantID, err := tenantQuery(c)
	if err != nil {
		c.Error(err)
		return
	}

	report, err := h.svc.ValidateBalanceIntegrity(c.Request.Context(), tenantID, membershipID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func pathID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errutil.BadRequest("invalid id", err)
	}
	return id, nil
}

func tenantQuery(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Query("tenant_id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errutil.BadRequest("tenant_id query parameter is required", err)
	}
	return id, nil
}
