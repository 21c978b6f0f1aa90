package plugin

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/busrelay/busrelay/internal/message"
	"github.com/busrelay/busrelay/internal/transport"
)

// MetricsAPIName is the reserved API every MetricsPlugin broadcasts on.
// Ported from lightbus/plugins/metrics.py, which reserves "internal.metrics"
// for exactly this purpose: self-observability events a monitoring
// consumer can subscribe to like any other API.
const MetricsAPIName = "internal.metrics"

// MetricsPlugin is not registered in the named Factory registry: unlike a
// plugin whose only dependency is its own config options (e.g.
// FileAuditPlugin), it needs a live EventTransport to publish on, so it is
// built with NewMetricsPlugin and handed to New rather than constructed
// from config. Neither client.Client nor cmd/busrelay builds one.
//
// MetricsPlugin hooks every RPC and event lifecycle point and broadcasts
// each as an event on MetricsAPIName, firing directly through its own
// EventTransport reference rather than through the client: calling back
// through the client's Fire would retrigger this plugin's own
// before_event_sent hook.
type MetricsPlugin struct {
	transport transport.EventTransport
	priority  int
	logger    *zap.Logger
}

// NewMetricsPlugin builds a MetricsPlugin publishing through t at the
// given pipeline priority.
func NewMetricsPlugin(t transport.EventTransport, priority int, logger *zap.Logger) *MetricsPlugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetricsPlugin{transport: t, priority: priority, logger: logger}
}

var (
	_ Plugin                   = (*MetricsPlugin)(nil)
	_ BeforeRPCCallHook        = (*MetricsPlugin)(nil)
	_ AfterRPCCallHook         = (*MetricsPlugin)(nil)
	_ BeforeRPCExecutionHook   = (*MetricsPlugin)(nil)
	_ AfterRPCExecutionHook    = (*MetricsPlugin)(nil)
	_ BeforeEventSentHook      = (*MetricsPlugin)(nil)
	_ AfterEventSentHook       = (*MetricsPlugin)(nil)
	_ BeforeEventExecutionHook = (*MetricsPlugin)(nil)
	_ AfterEventExecutionHook  = (*MetricsPlugin)(nil)
)

// Name implements Plugin.
func (p *MetricsPlugin) Name() string { return "metrics" }

// Priority implements Plugin.
func (p *MetricsPlugin) Priority() int { return p.priority }

func (p *MetricsPlugin) emit(ctx context.Context, eventName string, kwargs message.KwArgs) {
	evt := message.NewEventMessage(MetricsAPIName, eventName, kwargs)
	if err := p.transport.SendEvent(ctx, evt, nil); err != nil {
		p.logger.Warn("failed to publish metrics event", zap.String("event", eventName), zap.Error(err))
	}
}

// BeforeRPCCall implements BeforeRPCCallHook.
func (p *MetricsPlugin) BeforeRPCCall(ctx context.Context, client ClientHandle, msg message.RpcMessage) error {
	p.emit(ctx, "rpc_call_sent", message.KwArgs{
		"api_name": msg.APIName, "procedure_name": msg.ProcedureName, "id": msg.ID, "timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	return nil
}

// AfterRPCCall implements AfterRPCCallHook.
func (p *MetricsPlugin) AfterRPCCall(ctx context.Context, client ClientHandle, msg message.RpcMessage, result message.ResultMessage) error {
	p.emit(ctx, "rpc_call_result_received", message.KwArgs{
		"api_name": msg.APIName, "procedure_name": msg.ProcedureName, "id": msg.ID, "is_error": result.IsError(),
	})
	return nil
}

// BeforeRPCExecution implements BeforeRPCExecutionHook.
func (p *MetricsPlugin) BeforeRPCExecution(ctx context.Context, client ClientHandle, msg message.RpcMessage) error {
	p.emit(ctx, "rpc_execution_started", message.KwArgs{
		"api_name": msg.APIName, "procedure_name": msg.ProcedureName, "id": msg.ID,
	})
	return nil
}

// AfterRPCExecution implements AfterRPCExecutionHook.
func (p *MetricsPlugin) AfterRPCExecution(ctx context.Context, client ClientHandle, msg message.RpcMessage, result message.ResultMessage) error {
	p.emit(ctx, "rpc_execution_finished", message.KwArgs{
		"api_name": msg.APIName, "procedure_name": msg.ProcedureName, "id": msg.ID, "is_error": result.IsError(),
	})
	return nil
}

// BeforeEventSent implements BeforeEventSentHook.
func (p *MetricsPlugin) BeforeEventSent(ctx context.Context, client ClientHandle, msg message.EventMessage) error {
	if msg.APIName == MetricsAPIName {
		return nil // never report on ourselves
	}
	p.emit(ctx, "event_send_started", message.KwArgs{
		"api_name": msg.APIName, "event_name": msg.EventName, "id": msg.ID,
	})
	return nil
}

// AfterEventSent implements AfterEventSentHook.
func (p *MetricsPlugin) AfterEventSent(ctx context.Context, client ClientHandle, msg message.EventMessage) error {
	if msg.APIName == MetricsAPIName {
		return nil
	}
	p.emit(ctx, "event_sent", message.KwArgs{
		"api_name": msg.APIName, "event_name": msg.EventName, "id": msg.ID,
	})
	return nil
}

// BeforeEventExecution implements BeforeEventExecutionHook.
func (p *MetricsPlugin) BeforeEventExecution(ctx context.Context, client ClientHandle, msg message.EventMessage) error {
	if msg.APIName == MetricsAPIName {
		return nil
	}
	p.emit(ctx, "event_execution_started", message.KwArgs{
		"api_name": msg.APIName, "event_name": msg.EventName, "id": msg.ID,
	})
	return nil
}

// AfterEventExecution implements AfterEventExecutionHook.
func (p *MetricsPlugin) AfterEventExecution(ctx context.Context, client ClientHandle, msg message.EventMessage, handlerErr error) error {
	if msg.APIName == MetricsAPIName {
		return nil
	}
	failed := handlerErr != nil
	p.emit(ctx, "event_execution_finished", message.KwArgs{
		"api_name": msg.APIName, "event_name": msg.EventName, "id": msg.ID, "failed": failed,
	})
	return nil
}
