package rpcqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/busrelay/busrelay/internal/buserrors"
	"github.com/busrelay/busrelay/internal/message"
	"github.com/busrelay/busrelay/internal/transport"
)

// Config is shared parameter set for both the RPC and result halves of
// this backend.
type Config struct {
	QueueBlockTimeout       time.Duration
	ResultTimeoutDefault    time.Duration
	ResultTTL               time.Duration
	ConsumptionRestartDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueBlockTimeout <= 0 {
		c.QueueBlockTimeout = 5 * time.Second
	}
	if c.ResultTimeoutDefault <= 0 {
		c.ResultTimeoutDefault = 5 * time.Second
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = time.Minute
	}
	if c.ConsumptionRestartDelay <= 0 {
		c.ConsumptionRestartDelay = time.Second
	}
	return c
}

func queueKey(apiName string) string {
	return apiName + ":rpc_queue"
}

// RpcTransport implements transport.RpcTransport over a Redis list per API:
// CallRpc pushes, ConsumeRpcs BLPOPs across every queue a server handles.
type RpcTransport struct {
	client RedisQueueClient
	cfg    Config
	logger *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRpcTransport builds an RPC transport over client.
func NewRpcTransport(client RedisQueueClient, cfg Config, logger *zap.Logger) *RpcTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RpcTransport{client: client, cfg: cfg.withDefaults(), logger: logger, stopCh: make(chan struct{})}
}

var _ transport.RpcTransport = (*RpcTransport)(nil)

func (t *RpcTransport) Open(ctx context.Context) error { return nil }

func (t *RpcTransport) Close(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
	return nil
}

// CallRpc publishes msg (which must already carry its ReturnPath) onto the
// queue for msg.APIName.
func (t *RpcTransport) CallRpc(ctx context.Context, msg message.RpcMessage, options transport.CallOptions) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode rpc message: %w", err)
	}
	if _, err := t.client.RPush(ctx, queueKey(msg.APIName), data); err != nil {
		return fmt.Errorf("rpush to %s: %w", queueKey(msg.APIName), err)
	}
	return nil
}

// ConsumeRpcs BLPOPs across the queues for every named API, emitting each
// call as it arrives. A dropped connection backs off and retries rather
// than surfacing, matching the streams transport's reconnect policy.
func (t *RpcTransport) ConsumeRpcs(ctx context.Context, apiNames []string) (<-chan message.RpcMessage, error) {
	if len(apiNames) == 0 {
		return nil, fmt.Errorf("consume rpcs: no APIs given")
	}

	keys := make([]string, len(apiNames))
	for i, name := range apiNames {
		keys[i] = queueKey(name)
	}

	out := make(chan message.RpcMessage, 16)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(out)
		for {
			select {
			case <-t.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}

			result, err := t.client.BLPop(ctx, t.cfg.QueueBlockTimeout, keys...)
			if err != nil {
				if err == redis.Nil {
					continue
				}
				select {
				case <-t.stopCh:
					return
				default:
					t.logger.Warn("blpop failed, backing off", zap.Error(err))
					time.Sleep(t.cfg.ConsumptionRestartDelay)
					continue
				}
			}

			if len(result) != 2 {
				continue
			}
			var msg message.RpcMessage
			if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
				t.logger.Warn("failed to decode rpc message, dropping", zap.Error(err))
				continue
			}

			select {
			case out <- msg:
			case <-t.stopCh:
				return
			}
		}
	}()

	return out, nil
}

// ResultTransport implements transport.ResultTransport: SendResult pushes
// onto a freshly minted per-call list key, ReceiveResult blocks on it.
type ResultTransport struct {
	client RedisQueueClient
	cfg    Config
	logger *zap.Logger
}

// NewResultTransport builds a result transport over client.
func NewResultTransport(client RedisQueueClient, cfg Config, logger *zap.Logger) *ResultTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultTransport{client: client, cfg: cfg.withDefaults(), logger: logger}
}

var _ transport.ResultTransport = (*ResultTransport)(nil)

func (t *ResultTransport) Open(ctx context.Context) error  { return nil }
func (t *ResultTransport) Close(ctx context.Context) error { return nil }

// GetReturnPath mints a token addressing a list key unique to this call.
func (t *ResultTransport) GetReturnPath(msg message.RpcMessage) (string, error) {
	if msg.ID == "" {
		return "", fmt.Errorf("cannot mint a return path for a message with no id")
	}
	return "rpcresult:" + msg.ID, nil
}

// SendResult pushes resultMessage onto returnPath and sets a TTL so an
// abandoned result (caller already timed out) doesn't linger forever.
func (t *ResultTransport) SendResult(ctx context.Context, rpcMessage message.RpcMessage, resultMessage message.ResultMessage, returnPath string) error {
	data, err := json.Marshal(resultMessage)
	if err != nil {
		return fmt.Errorf("encode result message: %w", err)
	}
	if _, err := t.client.RPush(ctx, returnPath, data); err != nil {
		return fmt.Errorf("rpush result to %s: %w", returnPath, err)
	}
	if _, err := t.client.Expire(ctx, returnPath, t.cfg.ResultTTL); err != nil {
		t.logger.Warn("failed to set result ttl", zap.String("return_path", returnPath), zap.Error(err))
	}
	return nil
}

// ReceiveResult blocks on returnPath until the result arrives or the
// configured rpc_timeout (options["rpc_timeout"], a time.Duration) elapses,
// defaulting to ResultTimeoutDefault.
func (t *ResultTransport) ReceiveResult(ctx context.Context, rpcMessage message.RpcMessage, returnPath string, options transport.CallOptions) (message.ResultMessage, error) {
	timeout := t.cfg.ResultTimeoutDefault
	if v, ok := options["rpc_timeout"]; ok {
		if d, ok := v.(time.Duration); ok && d > 0 {
			timeout = d
		}
	}

	result, err := t.client.BLPop(ctx, timeout, returnPath)
	if err == redis.Nil || (err == nil && len(result) == 0) {
		return message.ResultMessage{}, buserrors.Wrap(buserrors.KindTimeout,
			fmt.Sprintf("timed out waiting %s for result of rpc call %s", timeout, rpcMessage.ID), err)
	}
	if err != nil {
		return message.ResultMessage{}, fmt.Errorf("blpop %s: %w", returnPath, err)
	}

	var resultMessage message.ResultMessage
	if err := json.Unmarshal([]byte(result[1]), &resultMessage); err != nil {
		return message.ResultMessage{}, fmt.Errorf("decode result message: %w", err)
	}

	if _, err := t.client.Del(ctx, returnPath); err != nil {
		t.logger.Warn("failed to clean up result key", zap.String("return_path", returnPath), zap.Error(err))
	}

	return resultMessage, nil
}
