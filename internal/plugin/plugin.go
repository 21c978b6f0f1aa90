// Package plugin implements the bus' hook pipeline: plugins interpose on
// client and server RPC/event lifecycle points in ascending priority
// order. Generalized from the capability-interface pattern in
// internal/dispatcher/plugin.go's BackendPlugin and internal/dispatcher/
// plugins/registry.go's named factory registry, from "one backend plugin
// per dispatcher" to "any number of plugins, each implementing whichever
// hooks it cares about", matching lightbus's plugins/base.py hook
// contract.
package plugin

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/busrelay/busrelay/internal/message"
)

// ClientHandle is the non-owning view of the client a plugin hook
// receives. The client owns its plugins and transports outright; plugins
// only ever see this narrow, read-only handle, never a reference to the
// client they could use to recursively invoke the bus and retrigger their
// own hook.
type ClientHandle interface {
	ServiceName() string
	ProcessName() string
}

// Plugin is the minimal shape every plugin has: a name (for logs and the
// registry) and a priority (lower runs first). A plugin implements zero or
// more of the hook interfaces below; Pipeline capability-tests for each one
// rather than requiring a fat interface.
type Plugin interface {
	Name() string
	Priority() int
}

// BeforeRPCCallHook fires before an RpcMessage is published by the caller.
type BeforeRPCCallHook interface {
	BeforeRPCCall(ctx context.Context, client ClientHandle, msg message.RpcMessage) error
}

// AfterRPCCallHook fires after the caller has received (or failed to
// receive) a ResultMessage for its call.
type AfterRPCCallHook interface {
	AfterRPCCall(ctx context.Context, client ClientHandle, msg message.RpcMessage, result message.ResultMessage) error
}

// BeforeRPCExecutionHook fires on the server, just before a local handler
// runs for an incoming call.
type BeforeRPCExecutionHook interface {
	BeforeRPCExecution(ctx context.Context, client ClientHandle, msg message.RpcMessage) error
}

// AfterRPCExecutionHook fires on the server, just after the handler
// produced a ResultMessage (success or HandlerError).
type AfterRPCExecutionHook interface {
	AfterRPCExecution(ctx context.Context, client ClientHandle, msg message.RpcMessage, result message.ResultMessage) error
}

// BeforeEventSentHook fires before an EventMessage is published by fire().
type BeforeEventSentHook interface {
	BeforeEventSent(ctx context.Context, client ClientHandle, msg message.EventMessage) error
}

// AfterEventSentHook fires after an EventMessage has been published.
type AfterEventSentHook interface {
	AfterEventSent(ctx context.Context, client ClientHandle, msg message.EventMessage) error
}

// BeforeEventExecutionHook fires on a consumer, just before the user's
// event handler runs for a delivered message.
type BeforeEventExecutionHook interface {
	BeforeEventExecution(ctx context.Context, client ClientHandle, msg message.EventMessage) error
}

// AfterEventExecutionHook fires on a consumer, just after the user's event
// handler returned (successfully or not).
type AfterEventExecutionHook interface {
	AfterEventExecution(ctx context.Context, client ClientHandle, msg message.EventMessage, handlerErr error) error
}

// BeforeServerStartHook fires once, during Client.Open, before any
// transport is opened.
type BeforeServerStartHook interface {
	BeforeServerStart(ctx context.Context, client ClientHandle) error
}

// AfterServerStoppedHook fires once, after every transport has closed
// during shutdown.
type AfterServerStoppedHook interface {
	AfterServerStopped(ctx context.Context, client ClientHandle) error
}

// ReceiveArgsHook lets a plugin observe (and, if it wishes, reject) the raw
// kwargs of an inbound call or event before validation/dispatch.
type ReceiveArgsHook interface {
	ReceiveArgs(ctx context.Context, client ClientHandle, apiName, memberName string, kwargs message.KwArgs) error
}

// ExceptionHook fires when a consume loop fails to start or another hook
// returns an error. Errors returned by RPC and event handlers are not
// passed to it. Hooks run here are expected to
// observe and report, not to recover: the client runtime decides shutdown
// policy independently of what this hook returns.
type ExceptionHook interface {
	OnException(ctx context.Context, client ClientHandle, err error)
}

// Pipeline holds an ordered set of plugins and runs each named hook against
// every plugin that implements it, in ascending Priority order, awaiting
// each sequentially — hooks never run concurrently with each other.
type Pipeline struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *zap.Logger
}

// New builds a Pipeline from plugins, sorted by ascending priority. Ties
// keep the order plugins were given in, matching a stable sort.
func New(logger *zap.Logger, plugins ...Plugin) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	sorted := make([]Plugin, len(plugins))
	copy(sorted, plugins)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })
	return &Pipeline{plugins: sorted, logger: logger}
}

// Plugins returns the ordered plugin list (for introspection/tests).
func (p *Pipeline) Plugins() []Plugin {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Plugin, len(p.plugins))
	copy(out, p.plugins)
	return out
}

// logHookError logs a hook failure and, unless the hook itself was the
// exception hook (which must never recurse into itself), reports it
// through ExecuteException. A failing hook never aborts the pipeline: the
// remaining plugins still run.
func (p *Pipeline) logHookError(ctx context.Context, client ClientHandle, hookName, pluginName string, err error) {
	p.logger.Warn("plugin hook failed",
		zap.String("hook", hookName), zap.String("plugin", pluginName), zap.Error(err))
	if hookName != "exception" {
		p.ExecuteException(ctx, client, err)
	}
}

// BeforeRPCCall runs every plugin's BeforeRPCCall hook in priority order.
func (p *Pipeline) BeforeRPCCall(ctx context.Context, client ClientHandle, msg message.RpcMessage) {
	for _, pl := range p.Plugins() {
		if h, ok := pl.(BeforeRPCCallHook); ok {
			if err := h.BeforeRPCCall(ctx, client, msg); err != nil {
				p.logHookError(ctx, client, "before_rpc_call", pl.Name(), err)
			}
		}
	}
}

// AfterRPCCall runs every plugin's AfterRPCCall hook in priority order.
func (p *Pipeline) AfterRPCCall(ctx context.Context, client ClientHandle, msg message.RpcMessage, result message.ResultMessage) {
	for _, pl := range p.Plugins() {
		if h, ok := pl.(AfterRPCCallHook); ok {
			if err := h.AfterRPCCall(ctx, client, msg, result); err != nil {
				p.logHookError(ctx, client, "after_rpc_call", pl.Name(), err)
			}
		}
	}
}

// BeforeRPCExecution runs every plugin's BeforeRPCExecution hook in priority order.
func (p *Pipeline) BeforeRPCExecution(ctx context.Context, client ClientHandle, msg message.RpcMessage) {
	for _, pl := range p.Plugins() {
		if h, ok := pl.(BeforeRPCExecutionHook); ok {
			if err := h.BeforeRPCExecution(ctx, client, msg); err != nil {
				p.logHookError(ctx, client, "before_rpc_execution", pl.Name(), err)
			}
		}
	}
}

// AfterRPCExecution runs every plugin's AfterRPCExecution hook in priority order.
func (p *Pipeline) AfterRPCExecution(ctx context.Context, client ClientHandle, msg message.RpcMessage, result message.ResultMessage) {
	for _, pl := range p.Plugins() {
		if h, ok := pl.(AfterRPCExecutionHook); ok {
			if err := h.AfterRPCExecution(ctx, client, msg, result); err != nil {
				p.logHookError(ctx, client, "after_rpc_execution", pl.Name(), err)
			}
		}
	}
}

// BeforeEventSent runs every plugin's BeforeEventSent hook in priority order.
func (p *Pipeline) BeforeEventSent(ctx context.Context, client ClientHandle, msg message.EventMessage) {
	for _, pl := range p.Plugins() {
		if h, ok := pl.(BeforeEventSentHook); ok {
			if err := h.BeforeEventSent(ctx, client, msg); err != nil {
				p.logHookError(ctx, client, "before_event_sent", pl.Name(), err)
			}
		}
	}
}

// AfterEventSent runs every plugin's AfterEventSent hook in priority order.
func (p *Pipeline) AfterEventSent(ctx context.Context, client ClientHandle, msg message.EventMessage) {
	for _, pl := range p.Plugins() {
		if h, ok := pl.(AfterEventSentHook); ok {
			if err := h.AfterEventSent(ctx, client, msg); err != nil {
				p.logHookError(ctx, client, "after_event_sent", pl.Name(), err)
			}
		}
	}
}

// BeforeEventExecution runs every plugin's BeforeEventExecution hook in priority order.
func (p *Pipeline) BeforeEventExecution(ctx context.Context, client ClientHandle, msg message.EventMessage) {
	for _, pl := range p.Plugins() {
		if h, ok := pl.(BeforeEventExecutionHook); ok {
			if err := h.BeforeEventExecution(ctx, client, msg); err != nil {
				p.logHookError(ctx, client, "before_event_execution", pl.Name(), err)
			}
		}
	}
}

// AfterEventExecution runs every plugin's AfterEventExecution hook in priority order.
func (p *Pipeline) AfterEventExecution(ctx context.Context, client ClientHandle, msg message.EventMessage, handlerErr error) {
	for _, pl := range p.Plugins() {
		if h, ok := pl.(AfterEventExecutionHook); ok {
			if err := h.AfterEventExecution(ctx, client, msg, handlerErr); err != nil {
				p.logHookError(ctx, client, "after_event_execution", pl.Name(), err)
			}
		}
	}
}

// BeforeServerStart runs every plugin's BeforeServerStart hook in priority
// order. Unlike the other hooks, a failure here is returned to the caller
// (Client.Open) rather than merely logged: a plugin that cannot start up
// should be able to abort setup.
func (p *Pipeline) BeforeServerStart(ctx context.Context, client ClientHandle) error {
	for _, pl := range p.Plugins() {
		if h, ok := pl.(BeforeServerStartHook); ok {
			if err := h.BeforeServerStart(ctx, client); err != nil {
				return err
			}
		}
	}
	return nil
}

// AfterServerStopped runs every plugin's AfterServerStopped hook in
// priority order, logging (not aborting on) failures since shutdown must
// complete regardless.
func (p *Pipeline) AfterServerStopped(ctx context.Context, client ClientHandle) {
	for _, pl := range p.Plugins() {
		if h, ok := pl.(AfterServerStoppedHook); ok {
			if err := h.AfterServerStopped(ctx, client); err != nil {
				p.logHookError(ctx, client, "after_server_stopped", pl.Name(), err)
			}
		}
	}
}

// ReceiveArgs runs every plugin's ReceiveArgs hook in priority order,
// returning the first error encountered (a plugin rejecting the call stops
// the pipeline, since this hook's contract is observe-or-reject rather
// than observe-only).
func (p *Pipeline) ReceiveArgs(ctx context.Context, client ClientHandle, apiName, memberName string, kwargs message.KwArgs) error {
	for _, pl := range p.Plugins() {
		if h, ok := pl.(ReceiveArgsHook); ok {
			if err := h.ReceiveArgs(ctx, client, apiName, memberName, kwargs); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExecuteException runs every plugin's OnException hook in priority order.
// Hooks here must not themselves raise; any panic is recovered and logged
// so one broken exception-hook plugin cannot blind the others.
func (p *Pipeline) ExecuteException(ctx context.Context, client ClientHandle, cause error) {
	for _, pl := range p.Plugins() {
		h, ok := pl.(ExceptionHook)
		if !ok {
			continue
		}
		p.runExceptionHookSafely(ctx, client, pl.Name(), h, cause)
	}
}

func (p *Pipeline) runExceptionHookSafely(ctx context.Context, client ClientHandle, name string, h ExceptionHook, cause error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("exception hook panicked", zap.String("plugin", name), zap.Any("panic", r))
		}
	}()
	h.OnException(ctx, client, cause)
}
