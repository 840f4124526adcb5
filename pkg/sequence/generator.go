package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

// Generator issues human-readable business codes. Codes are unique per tenant
// and never reused; the redis counter is the serialization point.
type Generator interface {
	NextPaymentReference(ctx context.Context, tenantID string) (string, error)
	NextInvoiceNumber(ctx context.Context, tenantID string) (string, error)
}

type RedisGenerator struct {
	rdb *redis.Client
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb: p.Redis,
	}
}

func (g *RedisGenerator) NextPaymentReference(ctx context.Context, tenantID string) (string, error) {
	key := fmt.Sprintf("seq:payment:%s", tenantID)
	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("PAY-%s-%06d", time.Now().Format("20060102"), seq), nil
}

func (g *RedisGenerator) NextInvoiceNumber(ctx context.Context, tenantID string) (string, error) {
	key := fmt.Sprintf("seq:invoice:%s", tenantID)
	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("INV-%s-%05d", time.Now().Format("2006"), seq), nil
}
