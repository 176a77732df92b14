package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Gate is a fast path in front of the Ledger for ids known to be terminal.
// A miss is never authoritative; the Ledger decides.
type Gate interface {
	Seen(ctx context.Context, id string) bool
	Mark(ctx context.Context, id string)
}

type GateOptions struct {
	Redis  redis.UniversalClient
	Logger *zap.Logger
	Prefix string
	TTL    time.Duration
}

// RedisGate remembers terminal ids in Redis with a TTL
type RedisGate struct {
	GateOptions
}

var _ Gate = &RedisGate{}

func NewRedisGate(option GateOptions) (*RedisGate, error) {
	if option.Redis == nil {
		return nil, fmt.Errorf("nil Redis is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Prefix == "" {
		option.Prefix = "billing:event:"
	}
	if option.TTL <= 0 {
		option.TTL = time.Hour * 72
	}
	return &RedisGate{
		GateOptions: option,
	}, nil
}

// Seen reports whether id was marked. Redis errors count as a miss.
func (g *RedisGate) Seen(ctx context.Context, id string) bool {
	n, err := g.Redis.Exists(ctx, g.Prefix+id).Result()
	if err != nil {
		g.Logger.Warn("Redis unavailable, falling back to ledger",
			zap.String("EventID", id),
			zap.Error(err),
		)
		return false
	}
	return n > 0
}

// Mark remembers id as terminal
func (g *RedisGate) Mark(ctx context.Context, id string) {
	if err := g.Redis.Set(ctx, g.Prefix+id, 1, g.TTL).Err(); err != nil {
		g.Logger.Warn("Cannot mark event in Redis",
			zap.String("EventID", id),
			zap.Error(err),
		)
	}
}

// NoopGate is used when Redis is not configured
type NoopGate struct{}

var _ Gate = NoopGate{}

func (NoopGate) Seen(context.Context, string) bool { return false }
func (NoopGate) Mark(context.Context, string)      {}
