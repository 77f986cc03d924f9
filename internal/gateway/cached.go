package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/punchamoorthee/ledgercore/internal/logger"
)

const statusKeyPrefix = "ledger:gateway:status:"

// CachedGateway keeps non-terminal status lookups in Redis for a short TTL so
// aggressive pollers do not hit the gateway on every attempt. Terminal states
// are never cached. Redis errors degrade to a direct gateway call.
type CachedGateway struct {
	next  Gateway
	redis redis.Cmdable
	ttl   time.Duration
}

var (
	_ Gateway     = (*CachedGateway)(nil)
	_ FreshReader = (*CachedGateway)(nil)
)

func NewCachedGateway(next Gateway, client redis.Cmdable, ttl time.Duration) *CachedGateway {
	return &CachedGateway{next: next, redis: client, ttl: ttl}
}

func (c *CachedGateway) InitiateCheckout(ctx context.Context, amount int64, orderID string) (*Checkout, error) {
	return c.next.InitiateCheckout(ctx, amount, orderID)
}

func (c *CachedGateway) GetStatus(ctx context.Context, token string) (*PaymentStatus, error) {
	key := statusKeyPrefix + token

	data, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var st PaymentStatus
		if jsonErr := json.Unmarshal(data, &st); jsonErr == nil {
			return &st, nil
		}
		logger.CtxWarn(ctx, "discarding undecodable cached gateway status", zap.String("token", token))
	case !errors.Is(err, redis.Nil):
		logger.CtxWarn(ctx, "gateway status cache read failed", zap.String("token", token), zap.Error(err))
	}

	st, err := c.next.GetStatus(ctx, token)
	if err != nil {
		return nil, err
	}
	if st.State.Terminal() || c.ttl <= 0 {
		return st, nil
	}

	encoded, err := json.Marshal(st)
	if err != nil {
		return st, nil
	}
	if err := c.redis.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		logger.CtxWarn(ctx, "gateway status cache write failed", zap.String("token", token), zap.Error(err))
	}
	return st, nil
}

// Invalidate drops the cached status, used when a webhook reports a change.
func (c *CachedGateway) Invalidate(ctx context.Context, token string) error {
	return c.redis.Del(ctx, statusKeyPrefix+token).Err()
}

// GetFreshStatus skips the cache and drops the cached entry, so pollers see
// the same answer afterwards.
func (c *CachedGateway) GetFreshStatus(ctx context.Context, token string) (*PaymentStatus, error) {
	if err := c.Invalidate(ctx, token); err != nil {
		logger.CtxWarn(ctx, "gateway status cache invalidation failed", zap.String("token", token), zap.Error(err))
	}
	return c.next.GetStatus(ctx, token)
}
