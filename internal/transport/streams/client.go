// Package streams implements transport.EventTransport over Redis Streams,
// generalizing internal/eventbus/redis_streams.go from one fixed stream
// and consumer group to many, named per (api, event) or per api depending
// on stream-use mode, and serialized via a pluggable
// serializer.Serializer/Deserializer pair instead of a single JSON "data"
// field.
package streams

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisStreamsClient is the subset of go-redis/v9's Client this package
// depends on, kept as an interface so tests can substitute a fake without
// a running Redis server.
type RedisStreamsClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) (string, error)
	XReadGroup(ctx context.Context, args *redis.XReadGroupArgs) ([]redis.XStream, error)
	XAck(ctx context.Context, stream, group string, ids ...string) (int64, error)
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) error
	XPendingExt(ctx context.Context, args *redis.XPendingExtArgs) ([]redis.XPendingExt, error)
	XClaim(ctx context.Context, args *redis.XClaimArgs) ([]redis.XMessage, error)
	XLen(ctx context.Context, stream string) (int64, error)
	XRange(ctx context.Context, stream, start, stop string) ([]redis.XMessage, error)
}

// RedisStreamsClientAdapter adapts a *redis.Client to RedisStreamsClient.
type RedisStreamsClientAdapter struct {
	Client *redis.Client
}

func (a *RedisStreamsClientAdapter) XAdd(ctx context.Context, args *redis.XAddArgs) (string, error) {
	return a.Client.XAdd(ctx, args).Result()
}

func (a *RedisStreamsClientAdapter) XReadGroup(ctx context.Context, args *redis.XReadGroupArgs) ([]redis.XStream, error) {
	return a.Client.XReadGroup(ctx, args).Result()
}

func (a *RedisStreamsClientAdapter) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	return a.Client.XAck(ctx, stream, group, ids...).Result()
}

func (a *RedisStreamsClientAdapter) XGroupCreateMkStream(ctx context.Context, stream, group, start string) error {
	return a.Client.XGroupCreateMkStream(ctx, stream, group, start).Err()
}

func (a *RedisStreamsClientAdapter) XPendingExt(ctx context.Context, args *redis.XPendingExtArgs) ([]redis.XPendingExt, error) {
	return a.Client.XPendingExt(ctx, args).Result()
}

func (a *RedisStreamsClientAdapter) XClaim(ctx context.Context, args *redis.XClaimArgs) ([]redis.XMessage, error) {
	return a.Client.XClaim(ctx, args).Result()
}

func (a *RedisStreamsClientAdapter) XLen(ctx context.Context, stream string) (int64, error) {
	return a.Client.XLen(ctx, stream).Result()
}

func (a *RedisStreamsClientAdapter) XRange(ctx context.Context, stream, start, stop string) ([]redis.XMessage, error) {
	return a.Client.XRange(ctx, stream, start, stop).Result()
}

func isGroupExistsError(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "BUSYGROUP Consumer Group name already exists"
}
