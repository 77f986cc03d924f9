package sweeper

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease elects a single sweeping instance. Losing or skipping the lease only
// delays a sweep; every sweep step is safe to run concurrently.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

const leaseKeyPrefix = "ledger:sweeper:lease:"

// releaseScript deletes the key only while we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease holds a lease with SET NX PX. The value identifies this process
// so Release never drops a lease another instance took over after expiry.
type RedisLease struct {
	client *redis.Client
	owner  string
}

func NewRedisLease(client *redis.Client) *RedisLease {
	host, _ := os.Hostname()
	return &RedisLease{client: client, owner: fmt.Sprintf("%s-%s", host, uuid.NewString())}
}

func (l *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, leaseKeyPrefix+name, l.owner, ttl).Result()
}

func (l *RedisLease) Release(ctx context.Context, name string) error {
	return releaseScript.Run(ctx, l.client, []string{leaseKeyPrefix + name}, l.owner).Err()
}

// LocalLease always grants the lease. Used when Redis is not configured.
type LocalLease struct{}

func (LocalLease) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (LocalLease) Release(context.Context, string) error                        { return nil }
