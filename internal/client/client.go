// Package client implements the bus client runtime: the lifecycle state
// machine, RPC call/dispatch, event fire/listen, and the supervised
// consume loops that drive them. Generalizes internal/dispatcher/
// service.go's Service (zap-logged, WaitGroup-supervised, stopCh/stopOnce
// shutdown, SIGINT/SIGTERM handling) from "one event consumer forwarding
// to one observability backend" into the full
// Created→Open→Running→ShuttingDown→Closed lifecycle, dispatching both RPC
// calls and events across however many transports the registry resolves.
package client

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/busrelay/busrelay/internal/buserrors"
	"github.com/busrelay/busrelay/internal/busapi"
	"github.com/busrelay/busrelay/internal/config"
	"github.com/busrelay/busrelay/internal/message"
	"github.com/busrelay/busrelay/internal/plugin"
	"github.com/busrelay/busrelay/internal/registry"
	"github.com/busrelay/busrelay/internal/schema"
	"github.com/busrelay/busrelay/internal/transport"
)

// State is one stage of the client's lifecycle. Transitions only ever move
// forward: Created -> Open -> Running -> ShuttingDown -> Closed.
type State int

const (
	StateCreated State = iota
	StateOpen
	StateRunning
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpen:
		return "open"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventHandler processes one delivered event. Returning an error leaves the
// message unacknowledged so it is retried by reclaim: log and do not ack.
type EventHandler func(ctx context.Context, msg message.EventMessage) error

// listener is one registered Listen() call, driven by RunForever.
type listener struct {
	listenFor []transport.ListenFor
	name      string
	since     string
	handler   EventHandler
}

// Client is the bus runtime: it owns the transport registry, schema
// registry, and plugin pipeline outright (see plugin.ClientHandle's
// doc comment on why plugins only ever see a non-owning handle), tracks
// every locally-served API, and drives RPC dispatch and event delivery.
type Client struct {
	serviceName string
	processName string
	logger      *zap.Logger

	registry  *registry.Registry
	schema    *schema.Registry
	pipeline  *plugin.Pipeline
	apiConfig func(apiName string) config.APIConfig

	mu        sync.Mutex
	state     State
	apis      map[string]*busapi.Api
	listeners []listener

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	exitCode int
}

// New builds a Client in StateCreated. apiConfig resolves per-API timeouts
// and validation toggles; pass config.Config.APIConfigFor when wiring from
// a loaded YAML document.
func New(serviceName, processName string, reg *registry.Registry, schemaReg *schema.Registry, pipeline *plugin.Pipeline, apiConfig func(string) config.APIConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if apiConfig == nil {
		apiConfig = func(string) config.APIConfig { return config.APIConfig{} }
	}
	return &Client{
		serviceName: serviceName,
		processName: processName,
		logger:      logger,
		registry:    reg,
		schema:      schemaReg,
		pipeline:    pipeline,
		apiConfig:   apiConfig,
		apis:        map[string]*busapi.Api{},
		stopCh:      make(chan struct{}),
	}
}

// ServiceName implements plugin.ClientHandle.
func (c *Client) ServiceName() string { return c.serviceName }

// ProcessName implements plugin.ClientHandle.
func (c *Client) ProcessName() string { return c.processName }

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ExitCode returns the code a CLI front-end should exit the process with:
// the exitCode given to the first ShutdownServer call (RunForever passes
// 0). A consume loop that fails to start runs the exception hook but does
// not shut the client down or set a non-zero exit code.
func (c *Client) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

// RegisterAPI declares api as served locally: its schema is derived and
// pushed to the schema transport, and its procedures become dispatchable
// by ConsumeRpcs once RunForever starts.
func (c *Client) RegisterAPI(ctx context.Context, api *busapi.Api) error {
	c.mu.Lock()
	c.apis[api.Name] = api
	c.mu.Unlock()
	return c.schema.AddAPI(ctx, api)
}

// Listen registers an event handler for listenFor, to be started by
// RunForever under listenerName. Must be called before RunForever.
func (c *Client) Listen(listenFor []transport.ListenFor, listenerName, since string, handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener{listenFor: listenFor, name: listenerName, since: since, handler: handler})
}

// Run is the entry point a CLI front-end calls: it loads schemaSource (if
// given) over whatever the schema transport would otherwise provide, opens
// every transport, and blocks in RunForever until shutdown. eventsOnly
// suppresses RPC dispatch, serving only event listeners. Ported from
// lightbus/commands/run.py's `handle()`.
func (c *Client) Run(ctx context.Context, eventsOnly bool, schemaSource string) error {
	if schemaSource != "" {
		if err := c.loadSchemaSource(schemaSource); err != nil {
			return fmt.Errorf("load schema from %s: %w", schemaSource, err)
		}
	}

	if err := c.Open(ctx); err != nil {
		return err
	}

	return c.RunForever(ctx, !eventsOnly)
}

func (c *Client) loadSchemaSource(source string) error {
	if source == "-" {
		return c.schema.LoadLocal(os.Stdin)
	}

	info, err := os.Stat(source)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return c.schema.LoadLocalDirectory(source)
	}

	f, err := os.Open(source)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.schema.LoadLocal(f)
}

// Open transitions Created -> Open: runs the before_server_start hook, then
// opens every transport the registry knows about.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateCreated {
		c.mu.Unlock()
		return fmt.Errorf("client: Open called in state %s, expected %s", c.state, StateCreated)
	}
	c.mu.Unlock()

	if err := c.pipeline.BeforeServerStart(ctx, c); err != nil {
		return fmt.Errorf("before_server_start hook: %w", err)
	}

	for _, t := range c.registry.GetAllTransports() {
		if err := t.Open(ctx); err != nil {
			return fmt.Errorf("open transport: %w", err)
		}
	}

	c.mu.Lock()
	c.state = StateOpen
	c.mu.Unlock()
	return nil
}

// Call performs an RPC: validates parameters (if enabled for apiName),
// publishes the call, blocks for the result, and validates the response.
// A handler-side error comes back as a *buserrors.BusError of kind
// HandlerError rather than a Go error from the transport itself.
func (c *Client) Call(ctx context.Context, apiName, procedureName string, kwargs message.KwArgs) (interface{}, error) {
	cfg := c.apiConfig(apiName)

	if cfg.Validate.IncomingEnabled() {
		if err := c.schema.ValidateParameters(apiName, procedureName, kwargs); err != nil {
			return nil, err
		}
	}

	rpcTransport, err := c.registry.GetRPCTransport(apiName)
	if err != nil {
		return nil, err
	}
	resultTransport, err := c.registry.GetResultTransport(apiName)
	if err != nil {
		return nil, err
	}

	msg := message.NewRpcMessage(apiName, procedureName, kwargs)
	returnPath, err := resultTransport.GetReturnPath(msg)
	if err != nil {
		return nil, fmt.Errorf("mint return path: %w", err)
	}
	msg = msg.WithReturnPath(returnPath)

	c.pipeline.BeforeRPCCall(ctx, c, msg)

	options := transport.CallOptions{}
	timeout := cfg.RPCTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	options["rpc_timeout"] = timeout

	if err := rpcTransport.CallRpc(ctx, msg, options); err != nil {
		return nil, fmt.Errorf("call rpc %s.%s: %w", apiName, procedureName, err)
	}

	result, err := resultTransport.ReceiveResult(ctx, msg, returnPath, options)
	if err != nil {
		return nil, err
	}

	c.pipeline.AfterRPCCall(ctx, c, msg, result)

	if result.IsError() {
		return nil, buserrors.New(buserrors.Kind(result.ErrorKind), result.ErrorMessage)
	}

	if cfg.Validate.OutgoingEnabled() {
		if err := c.schema.ValidateResponse(apiName, procedureName, result.Result); err != nil {
			return nil, err
		}
	}

	return result.Result, nil
}

// Fire publishes an event: validates parameters (if enabled), runs the
// before/after_event_sent hooks around the publish.
func (c *Client) Fire(ctx context.Context, apiName, eventName string, kwargs message.KwArgs) error {
	cfg := c.apiConfig(apiName)

	if cfg.Validate.OutgoingEnabled() {
		if err := c.schema.ValidateParameters(apiName, eventName, kwargs); err != nil {
			return err
		}
	}

	eventTransport, err := c.registry.GetEventTransport(apiName)
	if err != nil {
		return err
	}

	msg := message.NewEventMessage(apiName, eventName, kwargs)
	c.pipeline.BeforeEventSent(ctx, c, msg)

	options := transport.CallOptions{}
	if cfg.EventFireTimeout > 0 {
		options["event_fire_timeout"] = cfg.EventFireTimeout
	}

	if err := eventTransport.SendEvent(ctx, msg, options); err != nil {
		return fmt.Errorf("fire event %s.%s: %w", apiName, eventName, err)
	}

	c.pipeline.AfterEventSent(ctx, c, msg)
	return nil
}

// RunForever transitions Open -> Running and blocks until a shutdown
// signal (SIGINT/SIGTERM) or ctx is cancelled: one supervised dispatch loop
// per distinct RPC transport (when consumeRPCs is true), one per
// registered event listener, plus the schema registry's monitor loop.
func (c *Client) RunForever(ctx context.Context, consumeRPCs bool) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return fmt.Errorf("client: RunForever called in state %s, expected %s", c.state, StateOpen)
	}
	c.state = StateRunning
	apis := make([]string, 0, len(c.apis))
	for name := range c.apis {
		apis = append(apis, name)
	}
	listeners := make([]listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if consumeRPCs && len(apis) > 0 {
		groups, err := c.registry.GetRPCTransports(apis)
		if err != nil {
			return err
		}
		for t, groupAPIs := range groups {
			c.wg.Add(1)
			go c.runRPCConsumeLoop(runCtx, t, groupAPIs)
		}
	}

	for _, l := range listeners {
		c.wg.Add(1)
		go c.runEventConsumeLoop(runCtx, l)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.schema.Monitor(runCtx); err != nil {
			c.logger.Warn("schema monitor exited", zap.Error(err))
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-sigs:
		c.logger.Info("received shutdown signal")
	case <-ctx.Done():
		c.logger.Info("context cancelled")
	case <-c.stopCh:
	}

	return c.ShutdownServer(ctx, 0)
}

func (c *Client) runRPCConsumeLoop(ctx context.Context, t transport.RpcTransport, apis []string) {
	defer c.wg.Done()

	calls, err := t.ConsumeRpcs(ctx, apis)
	if err != nil {
		c.logger.Error("failed to start rpc consume loop", zap.Error(err))
		c.pipeline.ExecuteException(ctx, c, err)
		return
	}

	for {
		select {
		case msg, ok := <-calls:
			if !ok {
				return
			}
			c.dispatchRPC(ctx, msg)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) dispatchRPC(ctx context.Context, msg message.RpcMessage) {
	c.mu.Lock()
	api, ok := c.apis[msg.APIName]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("received rpc call for unregistered api", zap.String("api", msg.APIName))
		return
	}

	proc, ok := api.Procedures[msg.ProcedureName]
	if !ok {
		c.sendErrorResult(ctx, msg, "InvalidParameters", fmt.Sprintf("api %q has no procedure %q", msg.APIName, msg.ProcedureName))
		return
	}

	cfg := c.apiConfig(msg.APIName)
	if cfg.Validate.IncomingEnabled() {
		if err := c.schema.ValidateParameters(msg.APIName, msg.ProcedureName, msg.Kwargs); err != nil {
			c.sendErrorResult(ctx, msg, "ValidationError", err.Error())
			return
		}
	}

	c.pipeline.BeforeRPCExecution(ctx, c, msg)

	value, err := proc.Handler(ctx, msg.Kwargs)

	var result message.ResultMessage
	if err != nil {
		result = message.NewErrorResultMessage(msg.ID, "HandlerError", err.Error(), nil)
	} else {
		result = message.NewResultMessage(msg.ID, value)
	}

	c.pipeline.AfterRPCExecution(ctx, c, msg, result)
	c.sendResult(ctx, msg, result)
}

func (c *Client) sendErrorResult(ctx context.Context, msg message.RpcMessage, kind, errMsg string) {
	c.sendResult(ctx, msg, message.NewErrorResultMessage(msg.ID, kind, errMsg, nil))
}

func (c *Client) sendResult(ctx context.Context, msg message.RpcMessage, result message.ResultMessage) {
	resultTransport, err := c.registry.GetResultTransport(msg.APIName)
	if err != nil {
		c.logger.Error("no result transport to send result on", zap.String("api", msg.APIName), zap.Error(err))
		return
	}
	if err := resultTransport.SendResult(ctx, msg, result, msg.ReturnPath); err != nil {
		c.logger.Error("failed to send rpc result", zap.String("api", msg.APIName), zap.String("procedure", msg.ProcedureName), zap.Error(err))
	}
}

func (c *Client) runEventConsumeLoop(ctx context.Context, l listener) {
	defer c.wg.Done()

	if len(l.listenFor) == 0 {
		c.logger.Error("listener registered with nothing to listen for", zap.String("listener", l.name))
		c.pipeline.ExecuteException(ctx, c, buserrors.New(buserrors.KindNothingToListenFor, l.name))
		return
	}

	apiName := l.listenFor[0].APIName
	eventTransport, err := c.registry.GetEventTransport(apiName)
	if err != nil {
		c.logger.Error("failed to resolve event transport for listener", zap.String("listener", l.name), zap.Error(err))
		c.pipeline.ExecuteException(ctx, c, err)
		return
	}

	batches, err := eventTransport.Consume(ctx, l.listenFor, l.name, l.since)
	if err != nil {
		c.logger.Error("failed to start event consume loop", zap.String("listener", l.name), zap.Error(err))
		c.pipeline.ExecuteException(ctx, c, err)
		return
	}

	for {
		select {
		case batch, ok := <-batches:
			if !ok {
				return
			}
			c.handleEventBatch(ctx, eventTransport, l, batch)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) handleEventBatch(ctx context.Context, t transport.EventTransport, l listener, batch []message.EventMessage) {
	var toAck []message.EventMessage
	for _, evt := range batch {
		c.pipeline.BeforeEventExecution(ctx, c, evt)
		err := l.handler(ctx, evt)
		c.pipeline.AfterEventExecution(ctx, c, evt, err)
		if err != nil {
			c.logger.Warn("event handler failed; leaving unacked for reclaim",
				zap.String("listener", l.name), zap.String("event", evt.EventName), zap.Error(err))
			continue
		}
		toAck = append(toAck, evt)
	}
	if len(toAck) > 0 {
		if err := t.Acknowledge(ctx, toAck...); err != nil {
			c.logger.Warn("failed to acknowledge processed events", zap.String("listener", l.name), zap.Error(err))
		}
	}
}

// ShutdownServer transitions Running -> ShuttingDown -> Closed: stops every
// supervised loop, closes every transport, runs after_server_stopped, and
// records exitCode for the CLI front-end to surface on process exit.
func (c *Client) ShutdownServer(ctx context.Context, exitCode int) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil // BusAlreadyClosed: idempotent, just return
	}
	c.state = StateShuttingDown
	c.exitCode = exitCode
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	for _, t := range c.registry.GetAllTransports() {
		if err := t.Close(ctx); err != nil {
			c.logger.Warn("error closing transport during shutdown", zap.Error(err))
		}
	}

	c.pipeline.AfterServerStopped(ctx, c)

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return nil
}
