package points

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"loyaltycore/pkg/task"
)

// Scheduler enqueues the daily expiration sweep. The sweep task itself is
// idempotent, so an extra run after a restart is harmless.
type Scheduler struct {
	enqueuer task.Enqueuer
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewScheduler(enqueuer task.Enqueuer) *Scheduler {
	return &Scheduler{
		enqueuer: enqueuer,
		done:     make(chan struct{}),
	}
}

// StartScheduler runs the sweep loop on its own context. The fx start context
// carries the app's StartTimeout deadline, so the loop must not inherit it; it
// is cancelled on shutdown instead.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(s.done)
				s.run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			s.cancel()
			select {
			case <-s.done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started points expiry scheduler")

	for {
		now := time.Now()
		next := nextRunTime(now, 1, 0)

		sleepDuration := next.Sub(now)
		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)
		select {
		case <-time.After(sleepDuration):
			s.enqueueSweep()
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) enqueueSweep() {
	start := time.Now()

	if _, err := s.enqueuer.Enqueue(
		asynq.NewTask(PointsExpireSweep, nil),
		asynq.Queue("low"),
		asynq.MaxRetry(3),
	); err != nil {
		zap.L().Error("[Scheduler] failed to enqueue expire sweep", zap.Error(err))
		return
	}

	zap.L().Info("[Scheduler] expire sweep enqueued",
		zap.Duration("duration", time.Since(start)),
	)
}

func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
