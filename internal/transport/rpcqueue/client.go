// Package rpcqueue implements transport.RpcTransport and
// transport.ResultTransport over Redis lists: CallRpc pushes onto a
// per-API queue consumers BLPOP from, and results travel back over a
// freshly minted per-call list key the caller BLPOPs on. This is the RPC
// half of the bus, grounded on the same go-redis client the streams
// package uses for the event half (internal/eventbus/redis_streams.go),
// generalized from one fixed stream to a queue-per-API addressing scheme.
package rpcqueue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueueClient is the subset of go-redis/v9's Client this package
// depends on.
type RedisQueueClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) (int64, error)
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
}

// RedisQueueClientAdapter adapts a *redis.Client to RedisQueueClient.
type RedisQueueClientAdapter struct {
	Client *redis.Client
}

func (a *RedisQueueClientAdapter) RPush(ctx context.Context, key string, values ...interface{}) (int64, error) {
	return a.Client.RPush(ctx, key, values...).Result()
}

func (a *RedisQueueClientAdapter) BLPop(ctx context.Context, timeout time.Duration, keys ...string) ([]string, error) {
	return a.Client.BLPop(ctx, timeout, keys...).Result()
}

func (a *RedisQueueClientAdapter) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return a.Client.Expire(ctx, key, ttl).Result()
}

func (a *RedisQueueClientAdapter) Del(ctx context.Context, keys ...string) (int64, error) {
	return a.Client.Del(ctx, keys...).Result()
}
