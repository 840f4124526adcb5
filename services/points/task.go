package points

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"loyaltycore/pkg/task"
)

var TaskModule = fx.Module("task.points",
	fx.Provide(NewTask, NewScheduler),
	fx.Invoke(registerTaskHandlers, StartScheduler),
)

type Task struct {
	svc      *Service
	enqueuer task.Enqueuer
}

type TaskParams struct {
	fx.In

	Service  *Service
	Enqueuer task.Enqueuer
}

func NewTask(p TaskParams) *Task {
	return &Task{
		svc:      p.Service,
		enqueuer: p.Enqueuer,
	}
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(PointsExpireSweep, t.HandleExpireSweepTask)
	mux.HandleFunc(PointsExpireMembership, t.HandleExpireMembershipTask)
}

// HandleExpireSweepTask fans out one expire task per membership holding
// expirable points. The per-membership tasks are the ones that write rows, so
// a sweep crash mid-fanout is harmless.
func (t *Task) HandleExpireSweepTask(ctx context.Context, at *asynq.Task) error {
	now := time.Now()

	candidates, err := t.svc.MembershipsWithExpirable(ctx, now)
	if err != nil {
		zap.L().Error("failed to list memberships with expirable points", zap.Error(err))
		return err
	}

	zapLog := zap.L().With(zap.String("task_type", at.Type()))
	zapLog.Info("start expire sweep", zap.Int("memberships", len(candidates)))

	for _, candidate := range candidates {
		payload, err := json.Marshal(ExpireMembershipPayload{
			TenantID:     candidate.TenantID,
			MembershipID: candidate.MembershipID,
			AsOf:         now.Format(time.RFC3339),
		})
		if err != nil {
			return err
		}

		if _, err := t.enqueuer.Enqueue(
			asynq.NewTask(PointsExpireMembership, payload),
			asynq.Queue("low"),
			asynq.MaxRetry(5),
		); err != nil {
			zapLog.Error("failed to enqueue membership expire task",
				zap.Int64("membership_id", candidate.MembershipID), zap.Error(err))
			return err
		}
	}

	return nil
}

func (t *Task) HandleExpireMembershipTask(ctx context.Context, at *asynq.Task) error {
	var payload ExpireMembershipPayload
	if err := json.Unmarshal(at.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	now := time.Now()
	if payload.AsOf != "" {
		if parsed, err := time.Parse(time.RFC3339, payload.AsOf); err == nil {
			now = parsed
		}
	}

	expired, err := t.svc.ExpirePoints(ctx, payload.TenantID, payload.MembershipID, now)
	if err != nil {
		zap.L().Error("failed to expire membership points",
			zap.String("task_type", at.Type()),
			zap.Int64("membership_id", payload.MembershipID),
			zap.Error(err))
		return err
	}

	zap.L().Info("membership expire task done",
		zap.String("task_type", at.Type()),
		zap.Int64("membership_id", payload.MembershipID),
		zap.Int("expired_lots", expired))
	return nil
}
