package registry

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/busrelay/busrelay/internal/config"
	"github.com/busrelay/busrelay/internal/transport/rpcqueue"
	"github.com/busrelay/busrelay/internal/transport/schemakv"
	"github.com/busrelay/busrelay/internal/transport/streams"
)

// redisPool dedups *redis.Client instances by URL, so every API bound to
// the same backend shares one connection pool — the concurrency policy's
// "each transport owns a connection pool" applied one level up, at the
// dial-options layer shared by all four capabilities of one Redis backend.
type redisPool struct {
	clients map[string]*redis.Client
}

func newRedisPool() *redisPool {
	return &redisPool{clients: map[string]*redis.Client{}}
}

func (p *redisPool) get(url string) (*redis.Client, error) {
	if c, ok := p.clients[url]; ok {
		return c, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url %q: %w", url, err)
	}
	c := redis.NewClient(opts)
	p.clients[url] = c
	return c, nil
}

// LoadConfig walks cfg.APIs (plus the implicit "default" section) and
// instantiates a Redis-backed transport for every configured capability,
// following lightbus's TransportRegistry.load_config: an API-specific
// transport entry overrides the "default" entry per capability, and a
// capability left unconfigured everywhere simply never resolves (surfaced
// later as TransportNotFound at first use).
func LoadConfig(cfg *config.Config, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := New()
	pool := newRedisPool()

	apis := map[string]config.APIConfig{}
	for name, apiCfg := range cfg.APIs {
		apis[name] = apiCfg
	}
	if _, ok := apis[defaultAPIName]; !ok {
		apis[defaultAPIName] = config.APIConfig{}
	}

	for apiName, apiCfg := range apis {
		if apiCfg.RPCTransport != nil && apiCfg.RPCTransport.Redis != nil {
			t, err := buildRPCTransport(pool, apiCfg.RPCTransport.Redis, logger)
			if err != nil {
				return nil, fmt.Errorf("api %s: rpc transport: %w", apiName, err)
			}
			r.SetRPCTransport(apiName, t)
		}
		if apiCfg.ResultTransport != nil && apiCfg.ResultTransport.Redis != nil {
			t, err := buildResultTransport(pool, apiCfg.ResultTransport.Redis, logger)
			if err != nil {
				return nil, fmt.Errorf("api %s: result transport: %w", apiName, err)
			}
			r.SetResultTransport(apiName, t)
		}
		if apiCfg.EventTransport != nil && apiCfg.EventTransport.Redis != nil {
			t, err := buildEventTransport(pool, apiCfg.EventTransport.Redis, logger)
			if err != nil {
				return nil, fmt.Errorf("api %s: event transport: %w", apiName, err)
			}
			r.SetEventTransport(apiName, t)
		}
	}

	if sel := cfg.Bus.Schema.Transport; sel != nil && sel.Redis != nil {
		client, err := pool.get(sel.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("schema transport: %w", err)
		}
		r.SetSchemaTransport(schemakv.NewSchemaTransport(&schemakv.RedisSchemaClientAdapter{Client: client}))
	}

	return r, nil
}

func buildRPCTransport(pool *redisPool, rc *config.RedisTransportConfig, logger *zap.Logger) (*rpcqueue.RpcTransport, error) {
	client, err := pool.get(rc.URL)
	if err != nil {
		return nil, err
	}
	return rpcqueue.NewRpcTransport(&rpcqueue.RedisQueueClientAdapter{Client: client}, rpcqueue.Config{
		ConsumptionRestartDelay: rc.ConsumptionRestartDelay,
	}, logger), nil
}

func buildResultTransport(pool *redisPool, rc *config.RedisTransportConfig, logger *zap.Logger) (*rpcqueue.ResultTransport, error) {
	client, err := pool.get(rc.URL)
	if err != nil {
		return nil, err
	}
	return rpcqueue.NewResultTransport(&rpcqueue.RedisQueueClientAdapter{Client: client}, rpcqueue.Config{}, logger), nil
}

func buildEventTransport(pool *redisPool, rc *config.RedisTransportConfig, logger *zap.Logger) (*streams.EventTransport, error) {
	client, err := pool.get(rc.URL)
	if err != nil {
		return nil, err
	}
	streamUse := streams.PerEvent
	if rc.StreamUse == string(streams.PerAPI) {
		streamUse = streams.PerAPI
	}
	return streams.NewEventTransport(&streams.RedisStreamsClientAdapter{Client: client}, streams.Config{
		ServiceName:             rc.ServiceName,
		ConsumerName:            rc.ConsumerName,
		StreamUse:               streamUse,
		BatchSize:               rc.BatchSize,
		AcknowledgementTimeout:  rc.AcknowledgementTimeout,
		MaxStreamLength:         rc.MaxStreamLength,
		ConsumptionRestartDelay: rc.ConsumptionRestartDelay,
		SerializerName:          rc.Serializer,
		DeserializerName:        rc.Deserializer,
	}, logger), nil
}
