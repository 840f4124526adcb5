package points

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"

	"loyaltycore/pkg/task"
)

type enqueuerStub struct{}

func (enqueuerStub) Enqueue(t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return nil, nil
}

var _ task.Enqueuer = enqueuerStub{}

type lifecycleStub struct {
	hooks []fx.Hook
}

func (l *lifecycleStub) Append(h fx.Hook) {
	l.hooks = append(l.hooks, h)
}

func TestSchedulerOutlivesStartContext(t *testing.T) {
	s := NewScheduler(enqueuerStub{})
	lc := &lifecycleStub{}
	StartScheduler(lc, s)
	require.Len(t, lc.hooks, 1)

	// the start context expires right after boot, like fx's StartTimeout
	startCtx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, lc.hooks[0].OnStart(startCtx))

	select {
	case <-s.done:
		t.Fatal("scheduler stopped with the start context")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lc.hooks[0].OnStop(context.Background()))
	select {
	case <-s.done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on shutdown")
	}
}

func TestNextRunTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC)
	next := nextRunTime(now, 1, 0)
	require.Equal(t, time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC), next)

	afterward := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	next = nextRunTime(afterward, 1, 0)
	require.Equal(t, time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC), next)
}
