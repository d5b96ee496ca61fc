package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard implements Guard with SET NX so duplicate triggers are caught
// across replicas. Redis errors fail open: the guard is advisory and the
// store CAS still decides.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisGuard(addr, password string, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = time.Minute
	}
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGuard{client: c, ttl: ttl}
}

func (g *RedisGuard) Acquire(ctx context.Context, tripID string) bool {
	ok, err := g.client.SetNX(ctx, guardKey(tripID), 1, g.ttl).Result()
	if err != nil {
		return true
	}
	return ok
}

func (g *RedisGuard) Release(ctx context.Context, tripID string) {
	_ = g.client.Del(ctx, guardKey(tripID)).Err()
}

func guardKey(tripID string) string { return "trip:matchguard:" + tripID }
