// Package registry implements the transport registry: per-API bindings of
// up to three transports (rpc, result, event) plus a process-level schema
// transport, with `default`-name fallback. Ported from lightbus's
// transports/base.py TransportRegistry, generalizing the original
// single-backend wiring (one Redis client for the whole proxy) into
// per-API resolution rules.
package registry

import (
	"github.com/busrelay/busrelay/internal/buserrors"
	"github.com/busrelay/busrelay/internal/transport"
)

// defaultAPIName is the fallback entry every capability resolution checks
// once an API-specific binding is absent.
const defaultAPIName = "default"

// entry holds, for one API name, up to one transport per capability. A nil
// field means "not set for this API"; resolution falls back to the
// `default` entry's field.
type entry struct {
	rpc    transport.RpcTransport
	result transport.ResultTransport
	event  transport.EventTransport
}

// Registry is read-mostly after LoadConfig: mutator methods (SetXTransport)
// are meant to run during setup, before any consume loop starts. It does
// not itself enforce that ordering; the client runtime never calls Set*,
// so all bindings are made by LoadConfig or the caller before Open.
type Registry struct {
	entries         map[string]*entry
	schemaTransport transport.SchemaTransport
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

func (r *Registry) entryFor(apiName string) *entry {
	e, ok := r.entries[apiName]
	if !ok {
		e = &entry{}
		r.entries[apiName] = e
	}
	return e
}

// SetRPCTransport binds t as the RPC transport for apiName ("default" is a
// valid API name and establishes the fallback).
func (r *Registry) SetRPCTransport(apiName string, t transport.RpcTransport) {
	r.entryFor(apiName).rpc = t
}

// SetResultTransport binds t as the result transport for apiName.
func (r *Registry) SetResultTransport(apiName string, t transport.ResultTransport) {
	r.entryFor(apiName).result = t
}

// SetEventTransport binds t as the event transport for apiName.
func (r *Registry) SetEventTransport(apiName string, t transport.EventTransport) {
	r.entryFor(apiName).event = t
}

// SetSchemaTransport sets the single process-level schema transport.
func (r *Registry) SetSchemaTransport(t transport.SchemaTransport) {
	r.schemaTransport = t
}

// GetRPCTransport resolves apiName's RPC transport: its own entry, falling
// back to "default", or a TransportNotFound error.
func (r *Registry) GetRPCTransport(apiName string) (transport.RpcTransport, error) {
	if e, ok := r.entries[apiName]; ok && e.rpc != nil {
		return e.rpc, nil
	}
	if e, ok := r.entries[defaultAPIName]; ok && e.rpc != nil {
		return e.rpc, nil
	}
	return nil, buserrors.New(buserrors.KindTransportNotFound,
		"no rpc transport configured for API "+apiName+" and no default is set")
}

// GetResultTransport resolves apiName's result transport the same way.
func (r *Registry) GetResultTransport(apiName string) (transport.ResultTransport, error) {
	if e, ok := r.entries[apiName]; ok && e.result != nil {
		return e.result, nil
	}
	if e, ok := r.entries[defaultAPIName]; ok && e.result != nil {
		return e.result, nil
	}
	return nil, buserrors.New(buserrors.KindTransportNotFound,
		"no result transport configured for API "+apiName+" and no default is set")
}

// GetEventTransport resolves apiName's event transport the same way.
func (r *Registry) GetEventTransport(apiName string) (transport.EventTransport, error) {
	if e, ok := r.entries[apiName]; ok && e.event != nil {
		return e.event, nil
	}
	if e, ok := r.entries[defaultAPIName]; ok && e.event != nil {
		return e.event, nil
	}
	return nil, buserrors.New(buserrors.KindTransportNotFound,
		"no event transport configured for API "+apiName+" and no default is set")
}

// GetSchemaTransport returns the process-level schema transport, or a
// TransportNotFound error if none was configured.
func (r *Registry) GetSchemaTransport() (transport.SchemaTransport, error) {
	if r.schemaTransport == nil {
		return nil, buserrors.New(buserrors.KindTransportNotFound, "no schema transport configured")
	}
	return r.schemaTransport, nil
}

// GetRPCTransports groups apis by the (possibly shared) RpcTransport
// instance each resolves to, so a client can start one ConsumeRpcs loop
// per distinct transport rather than one per API.
func (r *Registry) GetRPCTransports(apis []string) (map[transport.RpcTransport][]string, error) {
	out := map[transport.RpcTransport][]string{}
	for _, api := range apis {
		t, err := r.GetRPCTransport(api)
		if err != nil {
			return nil, err
		}
		out[t] = append(out[t], api)
	}
	return out, nil
}

// GetEventTransports groups apis by the event transport instance each
// resolves to.
func (r *Registry) GetEventTransports(apis []string) (map[transport.EventTransport][]string, error) {
	out := map[transport.EventTransport][]string{}
	for _, api := range apis {
		t, err := r.GetEventTransport(api)
		if err != nil {
			return nil, err
		}
		out[t] = append(out[t], api)
	}
	return out, nil
}

// GetAllTransports returns every distinct transport instance registered,
// across all capabilities and APIs, deduplicated by identity. The client
// runtime uses this to open/close every backend exactly once regardless of
// how many APIs share it.
func (r *Registry) GetAllTransports() []transport.Transport {
	seen := map[transport.Transport]bool{}
	var out []transport.Transport

	add := func(t transport.Transport) {
		if t == nil {
			return
		}
		// A nil-valued typed pointer boxed into an interface is non-nil by
		// ==, so it passes the check above and is returned like any other
		// transport; transports built via their New* factory are never nil.
		if seen[t] {
			return
		}
		seen[t] = true
		out = append(out, t)
	}

	for _, e := range r.entries {
		if e.rpc != nil {
			add(e.rpc)
		}
		if e.result != nil {
			add(e.result)
		}
		if e.event != nil {
			add(e.event)
		}
	}
	if r.schemaTransport != nil {
		add(r.schemaTransport)
	}
	return out
}

// APINames returns every API name with at least one explicit transport
// binding, excluding the synthetic "default" entry.
func (r *Registry) APINames() []string {
	var names []string
	for name := range r.entries {
		if name == defaultAPIName {
			continue
		}
		names = append(names, name)
	}
	return names
}
