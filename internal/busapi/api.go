// Package busapi describes a named API: the RPC procedures and events it
// exposes, and the handlers that serve them locally. This is the Go
// equivalent of a lightbus Api class instance (lightbus/schema/schema.py's
// api_to_schema walks exactly this shape via reflection; here it is
// declared explicitly since Go has no runtime introspection of methods).
package busapi

import "context"

// Handler is a local RPC procedure implementation. It receives the
// caller's kwargs and returns either a result value or an error; a
// returned error becomes a ResultMessage with ErrorKind "HandlerError".
type Handler func(ctx context.Context, kwargs map[string]interface{}) (interface{}, error)

// Procedure describes one RPC procedure: its handler and the JSON-Schema
// fragments used to validate its parameters and response.
type Procedure struct {
	Name             string
	Handler          Handler
	ParametersSchema map[string]interface{}
	ResponseSchema   map[string]interface{}
}

// Event describes one event an API can fire: just its parameter schema,
// since events have no return value.
type Event struct {
	Name             string
	ParametersSchema map[string]interface{}
}

// Api is a named collection of procedures and events, the unit APIs are
// registered, resolved by the transport registry, and served by the
// client under.
type Api struct {
	Name       string
	Procedures map[string]Procedure
	Events     map[string]Event
}

// New creates an empty Api with the given name.
func New(name string) *Api {
	return &Api{
		Name:       name,
		Procedures: map[string]Procedure{},
		Events:     map[string]Event{},
	}
}

// AddProcedure registers a procedure on the API, returning the API for
// chaining.
func (a *Api) AddProcedure(p Procedure) *Api {
	a.Procedures[p.Name] = p
	return a
}

// AddEvent registers an event on the API, returning the API for chaining.
func (a *Api) AddEvent(e Event) *Api {
	a.Events[e.Name] = e
	return a
}

// ToSchemaDocument derives the `{"rpcs": ..., "events": ...}` JSON-Schema
// document describing this API's procedures and events, mirroring
// lightbus/schema/schema.py's api_to_schema().
func (a *Api) ToSchemaDocument() map[string]interface{} {
	rpcs := map[string]interface{}{}
	for name, proc := range a.Procedures {
		rpcs[name] = map[string]interface{}{
			"parameters": orEmptySchema(proc.ParametersSchema),
			"response":   orEmptySchema(proc.ResponseSchema),
		}
	}

	events := map[string]interface{}{}
	for name, evt := range a.Events {
		events[name] = map[string]interface{}{
			"parameters": orEmptySchema(evt.ParametersSchema),
		}
	}

	return map[string]interface{}{"rpcs": rpcs, "events": events}
}

func orEmptySchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{}
	}
	return schema
}
