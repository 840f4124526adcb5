package points

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"loyaltycore/pkg/db/option"
	"loyaltycore/pkg/db/pagination"
	"loyaltycore/pkg/errutil"
	"loyaltycore/pkg/repository"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	transactions repository.Repository[PointsTransaction]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		transactions: repository.ProvideStore[PointsTransaction](p.DB),
	}
}

func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}

// AppendTransaction validates and inserts one transaction. Replays with the
// same idempotency key return the stored row; the unique index is the real
// guard, the pre-check only keeps the common path cheap.
func (s *Service) AppendTransaction(ctx context.Context, t TransactionType, p TransactionParams) (*PointsTransaction, error) {
	opts := traceFields(ctx)

	tx, err := NewTransaction(t, p)
	if err != nil {
		return nil, err
	}

	// The key is unique across the whole ledger, so the lookup must not be
	// tenant-scoped: a cross-tenant collision has to surface as a conflict.
	if exist, _ := s.transactions.FindOne(ctx, &PointsTransaction{
		IdempotencyKey: p.IdempotencyKey,
	}); exist != nil {
		return s.replay(exist, tx, opts)
	}

	if err := s.transactions.Create(ctx, tx); err != nil {
		if isUniqueViolation(err) {
			exist, ferr := s.transactions.FindOne(ctx, &PointsTransaction{
				IdempotencyKey: p.IdempotencyKey,
			})
			if ferr != nil || exist == nil {
				zap.L().With(opts...).Error("duplicate key but stored row not found", zap.Error(ferr))
				return nil, errutil.Internal("failed to load idempotent transaction", ferr)
			}
			return s.replay(exist, tx, opts)
		}
		zap.L().With(opts...).Error("failed to append transaction", zap.Error(err))
		return nil, err
	}

	return tx, nil
}

// replay accepts an idempotent retry only when the stored row matches what the
// caller is submitting now. A key reused with a different payload is a bug on
// the caller's side and surfaces as a conflict.
func (s *Service) replay(exist, incoming *PointsTransaction, opts []zap.Field) (*PointsTransaction, error) {
	if exist.TenantID != incoming.TenantID || exist.Type != incoming.Type || exist.PointsDelta != incoming.PointsDelta || exist.MembershipID != incoming.MembershipID {
		zap.L().With(opts...).Warn("idempotency key reused with different payload",
			zap.String("idempotency_key", exist.IdempotencyKey),
			zap.Int64("stored_id", exist.ID))
		return nil, errutil.Conflict("idempotency key already used by a different transaction", nil)
	}
	return exist, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	// sqlite driver used by the test database has no typed error
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type ReverseParams struct {
	TenantID       int64
	IdempotencyKey string
	ReasonCode     *string
	CreatedBy      *string
}

// ReversalResult pairs the zero-delta marker with the compensating adjustment
// that actually moves the points back.
type ReversalResult struct {
	Reversal     *PointsTransaction `json:"reversal"`
	Compensation *PointsTransaction `json:"compensation"`
}

// ReverseTransaction reverses a prior transaction without mutating it. Inside
// one locked transaction it writes a REVERSAL marker plus an ADJUSTMENT with
// the opposite delta, both sharing a generated correlation id.
func (s *Service) ReverseTransaction(ctx context.Context, transactionID int64, p ReverseParams) (*ReversalResult, error) {
	opts := traceFields(ctx)

	if p.IdempotencyKey == "" {
		return nil, errutil.ValidationFailed("idempotency key is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "idempotency_key", Message: "is required"}))
	}

	if exist, _ := s.transactions.FindOne(ctx, &PointsTransaction{
		IdempotencyKey: p.IdempotencyKey,
	}); exist != nil {
		if exist.TenantID != p.TenantID || exist.Type != Reversal || exist.ReversalOfTransactionID == nil || *exist.ReversalOfTransactionID != transactionID {
			return nil, errutil.Conflict("idempotency key already used by a different transaction", nil)
		}
		return s.reversalResult(ctx, exist)
	}

	var result ReversalResult
	if err := s.db.Transaction(func(tx *gorm.DB) error {
		original, err := s.transactions.WithTrx(tx).FindOne(ctx, &PointsTransaction{
			ID: transactionID, TenantID: p.TenantID,
		}, option.WithLockingUpdate())
		if err != nil {
			zap.L().With(opts...).Error("failed to load original transaction", zap.Error(err))
			return err
		}
		if original == nil {
			return errutil.NotFound("transaction not found", nil)
		}
		if original.Type == Reversal {
			return errutil.UnprocessableEntity("a REVERSAL transaction cannot be reversed", nil)
		}

		marker, err := s.transactions.WithTrx(tx).FindOne(ctx, &PointsTransaction{
			TenantID: p.TenantID, ReversalOfTransactionID: &transactionID,
		})
		if err != nil {
			return err
		}
		if marker != nil {
			return errutil.Conflict(fmt.Sprintf("transaction %d is already reversed", transactionID), nil)
		}

		correlationID := s.node.Generate().String()

		reversal, err := NewReversal(TransactionParams{
			TenantID:                original.TenantID,
			CustomerID:              original.CustomerID,
			MembershipID:            original.MembershipID,
			IdempotencyKey:          p.IdempotencyKey,
			CorrelationID:           &correlationID,
			ReasonCode:              p.ReasonCode,
			CreatedBy:               p.CreatedBy,
			ReversalOfTransactionID: &transactionID,
			BranchID:                original.BranchID,
		})
		if err != nil {
			return err
		}

		compensation, err := NewAdjustment(TransactionParams{
			TenantID:       original.TenantID,
			CustomerID:     original.CustomerID,
			MembershipID:   original.MembershipID,
			PointsDelta:    -original.PointsDelta,
			IdempotencyKey: p.IdempotencyKey + ":comp",
			CorrelationID:  &correlationID,
			ReasonCode:     p.ReasonCode,
			CreatedBy:      p.CreatedBy,
			BranchID:       original.BranchID,
		})
		if err != nil {
			return err
		}

		if err := s.transactions.WithTrx(tx).Create(ctx, reversal); err != nil {
			return err
		}
		if err := s.transactions.WithTrx(tx).Create(ctx, compensation); err != nil {
			return err
		}

		result.Reversal = reversal
		result.Compensation = compensation
		return nil
	}); err != nil {
		if isUniqueViolation(err) {
			return nil, errutil.Conflict(fmt.Sprintf("transaction %d is already reversed", transactionID), err)
		}
		return nil, err
	}

	return &result, nil
}

func (s *Service) reversalResult(ctx context.Context, marker *PointsTransaction) (*ReversalResult, error) {
	compensation, err := s.transactions.FindOne(ctx, &PointsTransaction{
		TenantID: marker.TenantID, IdempotencyKey: marker.IdempotencyKey + ":comp",
	})
	if err != nil {
		return nil, err
	}
	return &ReversalResult{Reversal: marker, Compensation: compensation}, nil
}

// GetBalance folds the full history of one membership. Balance is never read
// from a stored column.
func (s *Service) GetBalance(ctx context.Context, tenantID, membershipID int64) (*Balance, error) {
	opts := traceFields(ctx)

	txs, err := s.history(ctx, tenantID, membershipID)
	if err != nil {
		zap.L().With(opts...).Error("failed to load transaction history", zap.Error(err))
		return nil, err
	}

	balance := ComputeBalance(txs)
	balance.MembershipID = membershipID
	return &balance, nil
}

// GetProgramBalance folds only the transactions attributed to one program.
// Rows without a program (generic adjustments, reversals) are outside the
// program's total by definition.
func (s *Service) GetProgramBalance(ctx context.Context, tenantID, membershipID, programID int64) (*Balance, error) {
	opts := traceFields(ctx)

	rows, err := s.transactions.Find(ctx, &PointsTransaction{
		TenantID: tenantID, MembershipID: membershipID, ProgramID: &programID,
	})
	if err != nil {
		zap.L().With(opts...).Error("failed to load program history", zap.Error(err))
		return nil, err
	}

	txs := make([]PointsTransaction, 0, len(rows))
	for _, row := range rows {
		txs = append(txs, *row)
	}

	balance := ComputeBalance(txs)
	balance.MembershipID = membershipID
	return &balance, nil
}

type ListQuery struct {
	TenantID     int64
	MembershipID int64
	Type         TransactionType
	Pagination   pagination.Pagination
}

type TransactionPage struct {
	Data     []*PointsTransaction `json:"data"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}

// ListTransactions pages through a membership's history newest first, keyed by
// an opaque (created_at, id) cursor. The id tiebreak keeps rows that share a
// timestamp from being skipped across page boundaries.
func (s *Service) ListTransactions(ctx context.Context, q ListQuery) (*TransactionPage, error) {
	opts := traceFields(ctx)

	limit := q.Pagination.Limit
	if limit <= 0 {
		limit = 10
	}

	queryOpts := []option.QueryOption{
		func(tx *gorm.DB) *gorm.DB {
			return tx.Order("created_at DESC, id DESC")
		},
		option.WithLimit(limit + 1),
	}

	if q.Pagination.Cursor != "" {
		cursor, err := pagination.DecodeCursor(q.Pagination.Cursor)
		if err != nil {
			return nil, errutil.BadRequest("invalid cursor", err)
		}
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, errutil.BadRequest("invalid cursor", err)
		}
		cursorID, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return nil, errutil.BadRequest("invalid cursor", err)
		}
		queryOpts = append(queryOpts, func(tx *gorm.DB) *gorm.DB {
			return tx.Where("created_at < ? OR (created_at = ? AND id < ?)", createdAt, createdAt, cursorID)
		})
	}

	rows, err := s.transactions.Find(ctx, &PointsTransaction{
		TenantID:     q.TenantID,
		MembershipID: q.MembershipID,
		Type:         q.Type,
	}, queryOpts...)
	if err != nil {
		zap.L().With(opts...).Error("failed to list transactions", zap.Error(err))
		return nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(rows, int32(limit), func(tx *PointsTransaction) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: tx.CreatedAt.Format(time.RFC3339Nano),
			ID:        strconv.FormatInt(tx.ID, 10),
		})
		return cursor
	})

	if len(rows) > limit {
		rows = rows[:limit]
	}

	return &TransactionPage{Data: rows, PageInfo: pageInfo}, nil
}

// GetExpirySchedule projects the membership's remaining expiring lots.
func (s *Service) GetExpirySchedule(ctx context.Context, tenantID, membershipID int64, now time.Time) ([]ExpiryLot, error) {
	txs, err := s.history(ctx, tenantID, membershipID)
	if err != nil {
		return nil, err
	}
	return ComputeExpirySchedule(txs, now), nil
}

// ExpirePoints writes EXPIRATION rows for every lot past its expiry that
// still holds points. The derived idempotency key makes a re-run of the same
// sweep a no-op.
func (s *Service) ExpirePoints(ctx context.Context, tenantID, membershipID int64, now time.Time) (int, error) {
	opts := traceFields(ctx)

	var expired int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		rows, err := s.transactions.WithTrx(tx).Find(ctx, &PointsTransaction{
			TenantID: tenantID, MembershipID: membershipID,
		}, option.WithLockingUpdate())
		if err != nil {
			return err
		}

		txs := make([]PointsTransaction, 0, len(rows))
		for _, row := range rows {
			txs = append(txs, *row)
		}

		for _, lot := range ExpirableLots(txs, now) {
			var earning *PointsTransaction
			for i := range txs {
				if txs[i].ID == lot.EarningID {
					earning = &txs[i]
					break
				}
			}
			if earning == nil {
				continue
			}

			correlationID := EarningCorrelationID(lot.EarningID)
			expiration, err := NewExpiration(TransactionParams{
				TenantID:       earning.TenantID,
				CustomerID:     earning.CustomerID,
				MembershipID:   earning.MembershipID,
				PointsDelta:    -lot.RemainingPoints,
				IdempotencyKey: fmt.Sprintf("expire:%d:%s", lot.EarningID, now.Format("2006-01-02")),
				CorrelationID:  &correlationID,
			})
			if err != nil {
				return err
			}

			if err := s.transactions.WithTrx(tx).Create(ctx, expiration); err != nil {
				if isUniqueViolation(err) {
					continue
				}
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		zap.L().With(opts...).Error("failed to expire points",
			zap.Int64("membership_id", membershipID), zap.Error(err))
		return 0, err
	}

	if expired > 0 {
		zap.L().With(opts...).Info("expired point lots",
			zap.Int64("membership_id", membershipID), zap.Int("lots", expired))
	}
	return expired, nil
}

// ExpiryCandidate is one membership the sweep should visit.
type ExpiryCandidate struct {
	TenantID     int64 `json:"tenant_id"`
	MembershipID int64 `json:"membership_id"`
}

// MembershipsWithExpirable lists memberships that have at least one earning
// past its expiry, so the sweep only visits candidates.
func (s *Service) MembershipsWithExpirable(ctx context.Context, now time.Time) ([]ExpiryCandidate, error) {
	var candidates []ExpiryCandidate
	tx := s.db.WithContext(ctx).
		Model(&PointsTransaction{}).
		Distinct("tenant_id", "membership_id").
		Where("type = ? AND expires_at IS NOT NULL", Earning)
	tx = option.Apply(tx, option.ApplyOperator(option.Condition{
		Field: "expires_at", Operator: option.LTE, Value: now,
	}))
	if err := tx.Find(&candidates).Error; err != nil {
		return nil, err
	}
	return candidates, nil
}

// IntegrityReport is the outcome of replaying one membership's history
// against the database aggregate.
type IntegrityReport struct {
	MembershipID int64    `json:"membership_id"`
	Valid        bool     `json:"valid"`
	FoldBalance  int64    `json:"fold_balance"`
	SumBalance   int64    `json:"sum_balance"`
	Issues       []string `json:"issues,omitempty"`
}

// ValidateBalanceIntegrity recomputes the balance two independent ways and
// checks every row against its type's sign rule.
func (s *Service) ValidateBalanceIntegrity(ctx context.Context, tenantID, membershipID int64) (*IntegrityReport, error) {
	opts := traceFields(ctx)

	txs, err := s.history(ctx, tenantID, membershipID)
	if err != nil {
		return nil, err
	}

	var sum int64
	if err := s.db.WithContext(ctx).
		Model(&PointsTransaction{}).
		Where("tenant_id = ? AND membership_id = ?", tenantID, membershipID).
		Select("COALESCE(SUM(points_delta), 0)").
		Scan(&sum).Error; err != nil {
		return nil, err
	}

	report := &IntegrityReport{
		MembershipID: membershipID,
		FoldBalance:  ComputeBalance(txs).Balance,
		SumBalance:   sum,
	}

	if report.FoldBalance != report.SumBalance {
		report.Issues = append(report.Issues,
			fmt.Sprintf("fold balance %d disagrees with aggregate %d", report.FoldBalance, report.SumBalance))
	}

	known := make(map[int64]bool, len(txs))
	for _, tx := range txs {
		known[tx.ID] = true
	}
	for _, tx := range txs {
		if issue := rowIntegrityIssue(tx); issue != "" {
			report.Issues = append(report.Issues, issue)
		}
		if tx.Type == Reversal && tx.ReversalOfTransactionID != nil && !known[*tx.ReversalOfTransactionID] {
			report.Issues = append(report.Issues,
				fmt.Sprintf("transaction %d: REVERSAL references missing transaction %d", tx.ID, *tx.ReversalOfTransactionID))
		}
	}

	report.Valid = len(report.Issues) == 0
	if !report.Valid {
		zap.L().With(opts...).Warn("membership history failed integrity check",
			zap.Int64("membership_id", membershipID), zap.Strings("issues", report.Issues))
	}
	return report, nil
}

func rowIntegrityIssue(tx PointsTransaction) string {
	switch tx.Type {
	case Earning, Release:
		if tx.PointsDelta <= 0 {
			return fmt.Sprintf("transaction %d: %s must have positive pointsDelta", tx.ID, tx.Type)
		}
	case Redeem, Expiration, Hold:
		if tx.PointsDelta >= 0 {
			return fmt.Sprintf("transaction %d: %s must have negative pointsDelta", tx.ID, tx.Type)
		}
	case Adjustment:
		if tx.PointsDelta == 0 {
			return fmt.Sprintf("transaction %d: ADJUSTMENT must have non-zero pointsDelta", tx.ID)
		}
	case Reversal:
		if tx.PointsDelta != 0 {
			return fmt.Sprintf("transaction %d: REVERSAL must have zero pointsDelta", tx.ID)
		}
		if tx.ReversalOfTransactionID == nil {
			return fmt.Sprintf("transaction %d: REVERSAL must reference the reversed transaction", tx.ID)
		}
	}
	if tx.ExpiresAt != nil && tx.Type != Earning {
		return fmt.Sprintf("transaction %d: only EARNING may carry expiresAt", tx.ID)
	}
	return ""
}

func (s *Service) history(ctx context.Context, tenantID, membershipID int64) ([]PointsTransaction, error) {
	rows, err := s.transactions.Find(ctx, &PointsTransaction{
		TenantID: tenantID, MembershipID: membershipID,
	}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "created_at",
		OrderBy: "asc",
		Allow:   map[string]bool{"created_at": true},
	}))
	if err != nil {
		return nil, err
	}

	txs := make([]PointsTransaction, 0, len(rows))
	for _, row := range rows {
		txs = append(txs, *row)
	}
	return txs, nil
}
