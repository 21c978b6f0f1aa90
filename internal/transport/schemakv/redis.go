// Package schemakv implements transport.SchemaTransport over plain Redis
// strings keyed "schema:<api_name>", each carrying a TTL set at Store/Ping
// time, so a schema scrubs itself once the process serving that API goes
// away. Grounded on the same go-redis client as the rest of the transport
// layer; the key-value shape is simple enough not to need Streams or
// Lists.
package schemakv

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/busrelay/busrelay/internal/transport"
)

const defaultKeyPrefix = "schema:"

// RedisSchemaClient is the subset of go-redis/v9's Client this package
// depends on.
type RedisSchemaClient interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// RedisSchemaClientAdapter adapts a *redis.Client to RedisSchemaClient.
type RedisSchemaClientAdapter struct {
	Client *redis.Client
}

func (a *RedisSchemaClientAdapter) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return a.Client.Set(ctx, key, value, ttl).Err()
}

func (a *RedisSchemaClientAdapter) Get(ctx context.Context, key string) (string, error) {
	return a.Client.Get(ctx, key).Result()
}

func (a *RedisSchemaClientAdapter) Keys(ctx context.Context, pattern string) ([]string, error) {
	return a.Client.Keys(ctx, pattern).Result()
}

// SchemaTransport implements transport.SchemaTransport.
type SchemaTransport struct {
	client    RedisSchemaClient
	keyPrefix string
}

// NewSchemaTransport builds a schema transport over client.
func NewSchemaTransport(client RedisSchemaClient) *SchemaTransport {
	return &SchemaTransport{client: client, keyPrefix: defaultKeyPrefix}
}

var _ transport.SchemaTransport = (*SchemaTransport)(nil)

func (t *SchemaTransport) Open(ctx context.Context) error  { return nil }
func (t *SchemaTransport) Close(ctx context.Context) error { return nil }

func (t *SchemaTransport) key(apiName string) string {
	return t.keyPrefix + apiName
}

// Store writes apiName's schema with a fresh TTL, overwriting any
// previous value.
func (t *SchemaTransport) Store(ctx context.Context, apiName string, schema map[string]interface{}, ttlSeconds int) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode schema for %s: %w", apiName, err)
	}
	if err := t.client.Set(ctx, t.key(apiName), data, time.Duration(ttlSeconds)*time.Second); err != nil {
		return fmt.Errorf("store schema for %s: %w", apiName, err)
	}
	return nil
}

// Ping refreshes apiName's TTL. Like lightbus, this simply calls Store
// again — a plain Redis SET with a new TTL is already idempotent and
// atomic, so there is no separate "touch" operation to prefer.
func (t *SchemaTransport) Ping(ctx context.Context, apiName string, schema map[string]interface{}, ttlSeconds int) error {
	return t.Store(ctx, apiName, schema, ttlSeconds)
}

// Load reads every schema currently stored, keyed by API name.
func (t *SchemaTransport) Load(ctx context.Context) (map[string]map[string]interface{}, error) {
	keys, err := t.client.Keys(ctx, t.keyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("list schema keys: %w", err)
	}

	result := make(map[string]map[string]interface{}, len(keys))
	for _, key := range keys {
		data, err := t.client.Get(ctx, key)
		if err == redis.Nil {
			// Expired between KEYS and GET; the API's schema is simply gone.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get schema %s: %w", key, err)
		}
		var schema map[string]interface{}
		if err := json.Unmarshal([]byte(data), &schema); err != nil {
			return nil, fmt.Errorf("decode schema %s: %w", key, err)
		}
		result[strings.TrimPrefix(key, t.keyPrefix)] = schema
	}
	return result, nil
}
