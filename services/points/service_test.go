package points

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"loyaltycore/pkg/db/option"
	"loyaltycore/pkg/db/pagination"
	"loyaltycore/pkg/errutil"
	"loyaltycore/pkg/repository"
	"loyaltycore/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type repoMock[T any] struct {
	withTrxFn     func(tx *gorm.DB) repository.Repository[T]
	findFn        func(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	findOneFn     func(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	createFn      func(ctx context.Context, resource *T) error
	updateFn      func(ctx context.Context, resourceID string, resource any) error
	batchCreateFn func(ctx context.Context, resources []*T) error
	batchUpdateFn func(ctx context.Context, resources []*T) error
	countFn       func(ctx context.Context, query *T) (int64, error)
}

func (m *repoMock[T]) WithTrx(tx *gorm.DB) repository.Repository[T] {
	if m.withTrxFn != nil {
		return m.withTrxFn(tx)
	}
	return m
}

func (m *repoMock[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	if m.findFn != nil {
		return m.findFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	if m.findOneFn != nil {
		return m.findOneFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) Create(ctx context.Context, resource *T) error {
	if m.createFn != nil {
		return m.createFn(ctx, resource)
	}
	return nil
}

func (m *repoMock[T]) Update(ctx context.Context, resourceID string, resource any) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, resourceID, resource)
	}
	return nil
}

func (m *repoMock[T]) BatchCreate(ctx context.Context, resources []*T) error {
	if m.batchCreateFn != nil {
		return m.batchCreateFn(ctx, resources)
	}
	return nil
}

func (m *repoMock[T]) BatchUpdate(ctx context.Context, resources []*T) error {
	if m.batchUpdateFn != nil {
		return m.batchUpdateFn(ctx, resources)
	}
	return nil
}

func (m *repoMock[T]) Count(ctx context.Context, query *T) (int64, error) {
	if m.countFn != nil {
		return m.countFn(ctx, query)
	}
	return 0, nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &PointsTransaction{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node})
}

func requireStatus(t *testing.T, err error, status errutil.CoreStatus) {
	t.Helper()
	require.Error(t, err)
	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, status, be.Status())
}

func TestNewService(t *testing.T) {
	svc := newTestService(t)
	require.NotNil(t, svc.transactions)
}

func TestAppendTransaction(t *testing.T) {
	svc := newTestService(t)

	p := validParams()
	p.PointsDelta = 100

	tx, err := svc.AppendTransaction(context.Background(), Earning, p)
	require.NoError(t, err)
	require.NotZero(t, tx.ID)
	require.Equal(t, Earning, tx.Type)
}

func TestAppendTransactionIdempotentReplay(t *testing.T) {
	svc := newTestService(t)

	p := validParams()
	p.PointsDelta = 100

	first, err := svc.AppendTransaction(context.Background(), Earning, p)
	require.NoError(t, err)

	second, err := svc.AppendTransaction(context.Background(), Earning, p)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	count, err := svc.transactions.Count(context.Background(), &PointsTransaction{TenantID: p.TenantID})
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestAppendTransactionKeyReuseDifferentPayload(t *testing.T) {
	svc := newTestService(t)

	p := validParams()
	p.PointsDelta = 100
	_, err := svc.AppendTransaction(context.Background(), Earning, p)
	require.NoError(t, err)

	other := validParams()
	other.PointsDelta = -50
	_, err = svc.AppendTransaction(context.Background(), Adjustment, other)
	requireStatus(t, err, errutil.StatusConflict)
}

func TestAppendTransactionKeyReuseAcrossTenants(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p := validParams()
	p.PointsDelta = 100
	_, err := svc.AppendTransaction(ctx, Earning, p)
	require.NoError(t, err)

	// the key index is global; another tenant colliding on it is a conflict,
	// never an internal error
	other := validParams()
	other.TenantID = 99
	other.PointsDelta = 100
	_, err = svc.AppendTransaction(ctx, Earning, other)
	requireStatus(t, err, errutil.StatusConflict)
}

func TestAppendTransactionRacingDuplicate(t *testing.T) {
	stored := &PointsTransaction{ID: 9, TenantID: 1, CustomerID: 2, MembershipID: 3, Type: Earning, PointsDelta: 100, IdempotencyKey: "key-1"}

	calls := 0
	svc := &Service{
		transactions: &repoMock[PointsTransaction]{
			findOneFn: func(ctx context.Context, _ *PointsTransaction, opts ...option.QueryOption) (*PointsTransaction, error) {
				calls++
				if calls == 1 {
					// pre-check misses; the insert then loses the race
					return nil, nil
				}
				return stored, nil
			},
			createFn: func(ctx context.Context, _ *PointsTransaction) error {
				return gorm.ErrDuplicatedKey
			},
		},
	}

	p := validParams()
	p.PointsDelta = 100

	tx, err := svc.AppendTransaction(context.Background(), Earning, p)
	require.NoError(t, err)
	require.Equal(t, stored.ID, tx.ID)
}

func TestReverseTransaction(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p := validParams()
	p.PointsDelta = 100
	earning, err := svc.AppendTransaction(ctx, Earning, p)
	require.NoError(t, err)

	result, err := svc.ReverseTransaction(ctx, earning.ID, ReverseParams{
		TenantID:       p.TenantID,
		IdempotencyKey: "rev-1",
	})
	require.NoError(t, err)
	require.Equal(t, Reversal, result.Reversal.Type)
	require.Equal(t, int64(0), result.Reversal.PointsDelta)
	require.Equal(t, earning.ID, *result.Reversal.ReversalOfTransactionID)
	require.Equal(t, Adjustment, result.Compensation.Type)
	require.Equal(t, int64(-100), result.Compensation.PointsDelta)
	require.NotNil(t, result.Reversal.CorrelationID)
	require.Equal(t, *result.Reversal.CorrelationID, *result.Compensation.CorrelationID)

	balance, err := svc.GetBalance(ctx, p.TenantID, p.MembershipID)
	require.NoError(t, err)
	require.Equal(t, int64(0), balance.Balance)
}

func TestReverseTransactionReplay(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p := validParams()
	p.PointsDelta = 100
	earning, err := svc.AppendTransaction(ctx, Earning, p)
	require.NoError(t, err)

	first, err := svc.ReverseTransaction(ctx, earning.ID, ReverseParams{TenantID: p.TenantID, IdempotencyKey: "rev-1"})
	require.NoError(t, err)

	second, err := svc.ReverseTransaction(ctx, earning.ID, ReverseParams{TenantID: p.TenantID, IdempotencyKey: "rev-1"})
	require.NoError(t, err)
	require.Equal(t, first.Reversal.ID, second.Reversal.ID)
	require.Equal(t, first.Compensation.ID, second.Compensation.ID)
}

func TestReverseTransactionAlreadyReversed(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p := validParams()
	p.PointsDelta = 100
	earning, err := svc.AppendTransaction(ctx, Earning, p)
	require.NoError(t, err)

	_, err = svc.ReverseTransaction(ctx, earning.ID, ReverseParams{TenantID: p.TenantID, IdempotencyKey: "rev-1"})
	require.NoError(t, err)

	_, err = svc.ReverseTransaction(ctx, earning.ID, ReverseParams{TenantID: p.TenantID, IdempotencyKey: "rev-2"})
	requireStatus(t, err, errutil.StatusConflict)
}

func TestReverseTransactionOfReversal(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p := validParams()
	p.PointsDelta = 100
	earning, err := svc.AppendTransaction(ctx, Earning, p)
	require.NoError(t, err)

	result, err := svc.ReverseTransaction(ctx, earning.ID, ReverseParams{TenantID: p.TenantID, IdempotencyKey: "rev-1"})
	require.NoError(t, err)

	_, err = svc.ReverseTransaction(ctx, result.Reversal.ID, ReverseParams{TenantID: p.TenantID, IdempotencyKey: "rev-2"})
	requireStatus(t, err, errutil.StatusUnprocessableEntity)
}

func TestReverseTransactionNotFound(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.ReverseTransaction(context.Background(), 12345, ReverseParams{TenantID: 1, IdempotencyKey: "rev-1"})
	requireStatus(t, err, errutil.StatusNotFound)
}

func TestGetBalanceEmptyHistory(t *testing.T) {
	svc := newTestService(t)

	balance, err := svc.GetBalance(context.Background(), 1, 3)
	require.NoError(t, err)
	require.Equal(t, int64(0), balance.Balance)
	require.Equal(t, 0, balance.Count)
}

func TestGetProgramBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	programA := int64(1)
	programB := int64(2)
	rewardID := int64(7)

	earn := validParams()
	earn.PointsDelta = 100
	earn.ProgramID = &programA
	_, err := svc.AppendTransaction(ctx, Earning, earn)
	require.NoError(t, err)

	other := validParams()
	other.PointsDelta = 50
	other.ProgramID = &programB
	other.IdempotencyKey = "key-2"
	_, err = svc.AppendTransaction(ctx, Earning, other)
	require.NoError(t, err)

	redeem := validParams()
	redeem.PointsDelta = -30
	redeem.ProgramID = &programA
	redeem.RewardID = &rewardID
	redeem.IdempotencyKey = "key-3"
	_, err = svc.AppendTransaction(ctx, Redeem, redeem)
	require.NoError(t, err)

	balanceA, err := svc.GetProgramBalance(ctx, 1, 3, programA)
	require.NoError(t, err)
	require.Equal(t, int64(70), balanceA.Balance)

	balanceB, err := svc.GetProgramBalance(ctx, 1, 3, programB)
	require.NoError(t, err)
	require.Equal(t, int64(50), balanceB.Balance)
}

func TestExpirePoints(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	past := time.Now().AddDate(0, 0, -1)
	rewardID := int64(7)

	p := validParams()
	p.PointsDelta = 100
	p.ExpiresAt = &past
	_, err := svc.AppendTransaction(ctx, Earning, p)
	require.NoError(t, err)

	redeem := validParams()
	redeem.PointsDelta = -30
	redeem.RewardID = &rewardID
	redeem.IdempotencyKey = "key-redeem"
	_, err = svc.AppendTransaction(ctx, Redeem, redeem)
	require.NoError(t, err)

	expired, err := svc.ExpirePoints(ctx, p.TenantID, p.MembershipID, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	balance, err := svc.GetBalance(ctx, p.TenantID, p.MembershipID)
	require.NoError(t, err)
	require.Equal(t, int64(0), balance.Balance)
	require.Equal(t, int64(70), balance.TotalExpired)
}

func TestExpirePointsRerunIsNoop(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	past := time.Now().AddDate(0, 0, -1)

	p := validParams()
	p.PointsDelta = 100
	p.ExpiresAt = &past
	_, err := svc.AppendTransaction(ctx, Earning, p)
	require.NoError(t, err)

	expired, err := svc.ExpirePoints(ctx, p.TenantID, p.MembershipID, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	expired, err = svc.ExpirePoints(ctx, p.TenantID, p.MembershipID, time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, expired)
}

func TestMembershipsWithExpirable(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	past := time.Now().AddDate(0, 0, -1)
	future := time.Now().AddDate(1, 0, 0)

	p := validParams()
	p.PointsDelta = 100
	p.ExpiresAt = &past
	_, err := svc.AppendTransaction(ctx, Earning, p)
	require.NoError(t, err)

	other := validParams()
	other.MembershipID = 4
	other.PointsDelta = 100
	other.ExpiresAt = &future
	other.IdempotencyKey = "key-2"
	_, err = svc.AppendTransaction(ctx, Earning, other)
	require.NoError(t, err)

	candidates, err := svc.MembershipsWithExpirable(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, int64(3), candidates[0].MembershipID)
}

func TestListTransactionsCursor(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		tx := &PointsTransaction{
			TenantID:       1,
			CustomerID:     2,
			MembershipID:   3,
			Type:           Earning,
			PointsDelta:    int64(10 * (i + 1)),
			IdempotencyKey: "key-" + string(rune('a'+i)),
			CreatedAt:      base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, svc.transactions.Create(ctx, tx))
	}

	page, err := svc.ListTransactions(ctx, ListQuery{
		TenantID:     1,
		MembershipID: 3,
		Pagination:   paginationWithLimit(2),
	})
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	require.True(t, page.PageInfo.HasMore)
	require.Equal(t, int64(50), page.Data[0].PointsDelta)

	next, err := svc.ListTransactions(ctx, ListQuery{
		TenantID:     1,
		MembershipID: 3,
		Pagination:   paginationWithCursor(page.PageInfo.NextCursor, 2),
	})
	require.NoError(t, err)
	require.Len(t, next.Data, 2)
	require.Equal(t, int64(30), next.Data[0].PointsDelta)
}

func TestListTransactionsCursorTimestampTie(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// three rows sharing one created_at; the id tiebreak must carry the page
	// boundary through them without skipping any
	createdAt := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		tx := &PointsTransaction{
			TenantID:       1,
			CustomerID:     2,
			MembershipID:   3,
			Type:           Earning,
			PointsDelta:    int64(10 * (i + 1)),
			IdempotencyKey: "tie-" + string(rune('a'+i)),
			CreatedAt:      createdAt,
		}
		require.NoError(t, svc.transactions.Create(ctx, tx))
	}

	page, err := svc.ListTransactions(ctx, ListQuery{
		TenantID:     1,
		MembershipID: 3,
		Pagination:   paginationWithLimit(2),
	})
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	require.True(t, page.PageInfo.HasMore)

	next, err := svc.ListTransactions(ctx, ListQuery{
		TenantID:     1,
		MembershipID: 3,
		Pagination:   paginationWithCursor(page.PageInfo.NextCursor, 2),
	})
	require.NoError(t, err)
	require.Len(t, next.Data, 1)

	seen := map[int64]bool{}
	for _, tx := range append(page.Data, next.Data...) {
		require.False(t, seen[tx.ID])
		seen[tx.ID] = true
	}
	require.Len(t, seen, 3)
}

func paginationWithLimit(limit int) pagination.Pagination {
	return pagination.Pagination{Limit: limit}
}

func paginationWithCursor(cursor string, limit int) pagination.Pagination {
	return pagination.Pagination{Cursor: cursor, Limit: limit}
}

func TestValidateBalanceIntegrity(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p := validParams()
	p.PointsDelta = 100
	_, err := svc.AppendTransaction(ctx, Earning, p)
	require.NoError(t, err)

	report, err := svc.ValidateBalanceIntegrity(ctx, p.TenantID, p.MembershipID)
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, report.FoldBalance, report.SumBalance)
}

func TestValidateBalanceIntegrityDetectsBadRow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// bypass the factories to plant a row that violates the sign rule
	bad := &PointsTransaction{
		TenantID:       1,
		CustomerID:     2,
		MembershipID:   3,
		Type:           Earning,
		PointsDelta:    -100,
		IdempotencyKey: "bad-key",
	}
	require.NoError(t, svc.transactions.Create(ctx, bad))

	report, err := svc.ValidateBalanceIntegrity(ctx, 1, 3)
	require.NoError(t, err)
	require.False(t, report.Valid)
	require.NotEmpty(t, report.Issues)
}

func TestValidateBalanceIntegrityDetectsDanglingReversal(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	missing := int64(777)
	marker := &PointsTransaction{
		TenantID:                1,
		CustomerID:              2,
		MembershipID:            3,
		Type:                    Reversal,
		PointsDelta:             0,
		IdempotencyKey:          "dangling-rev",
		ReversalOfTransactionID: &missing,
	}
	require.NoError(t, svc.transactions.Create(ctx, marker))

	report, err := svc.ValidateBalanceIntegrity(ctx, 1, 3)
	require.NoError(t, err)
	require.False(t, report.Valid)
	require.Contains(t, report.Issues[0], "missing transaction")
}
