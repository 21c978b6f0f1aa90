// Package transport declares the four capability interfaces a backend may
// implement — RpcTransport, ResultTransport, EventTransport, and
// SchemaTransport — following lightbus's transports/base.py split. A
// concrete backend (e.g. Redis) typically implements several of these at
// once, but callers only ever depend on the one capability they need.
package transport

import (
	"context"

	"github.com/busrelay/busrelay/internal/message"
)

// Transport is the lifecycle every backend shares: open before use, close
// when done. Embedded by every capability interface below.
type Transport interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
}

// CallOptions carries backend-specific knobs for a single RPC call (e.g.
// the configured rpc_timeout). Kept as a map rather than a struct so
// backends can read only the keys they understand, mirroring lightbus's
// plain `options: dict` parameter.
type CallOptions map[string]interface{}

// RpcTransport publishes calls to, and a server consumes calls from, a
// remote procedure queue.
type RpcTransport interface {
	Transport
	CallRpc(ctx context.Context, msg message.RpcMessage, options CallOptions) error
	ConsumeRpcs(ctx context.Context, apiNames []string) (<-chan message.RpcMessage, error)
}

// ResultTransport sends an RPC result back along the return path the
// caller established, and lets the caller block for it.
type ResultTransport interface {
	Transport
	GetReturnPath(msg message.RpcMessage) (string, error)
	SendResult(ctx context.Context, rpcMessage message.RpcMessage, resultMessage message.ResultMessage, returnPath string) error
	ReceiveResult(ctx context.Context, rpcMessage message.RpcMessage, returnPath string, options CallOptions) (message.ResultMessage, error)
}

// ListenFor names one (api, event) pair a consumer wants delivered. In
// PER_API stream-use mode several ListenFor entries can share one stream;
// in PER_EVENT mode each gets its own.
type ListenFor struct {
	APIName   string
	EventName string
}

// EventTransport publishes events to, and consumers pull batches of
// events from, durable streams.
type EventTransport interface {
	Transport
	SendEvent(ctx context.Context, msg message.EventMessage, options CallOptions) error
	Consume(ctx context.Context, listenFor []ListenFor, listenerName string, since string) (<-chan []message.EventMessage, error)
	Acknowledge(ctx context.Context, msgs ...message.EventMessage) error
	History(ctx context.Context, listenFor []ListenFor, since string) ([]message.EventMessage, error)
}

// HistorySupporter is implemented by event transports whose backend can
// genuinely replay past entries. Capability-tested rather than assumed:
// callers should check this instead of relying on History always working.
type HistorySupporter interface {
	SupportsHistory() bool
}

// SchemaTransport shares API schemas across processes, each entry keyed by
// API name with its own TTL.
type SchemaTransport interface {
	Transport
	Store(ctx context.Context, apiName string, schema map[string]interface{}, ttlSeconds int) error
	Ping(ctx context.Context, apiName string, schema map[string]interface{}, ttlSeconds int) error
	Load(ctx context.Context) (map[string]map[string]interface{}, error)
}
