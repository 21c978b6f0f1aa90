// Package buspath provides a small dotted-path convenience layer over
// client.Client: `buspath.Path("auth", "login")` reads the way lightbus's
// `bus.auth.login` attribute access does, without the reflection or dynamic
// attribute machinery that would take to build in Go. This is ergonomics
// sugar, not a core concern — every method just delegates to the Client it
// was built from.
package buspath

import (
	"context"
	"strings"

	"github.com/busrelay/busrelay/internal/buserrors"
	"github.com/busrelay/busrelay/internal/client"
	"github.com/busrelay/busrelay/internal/message"
	"github.com/busrelay/busrelay/internal/transport"
)

// Caller is the subset of *client.Client a Path needs. Declared as an
// interface so tests can exercise Path without a live Client.
type Caller interface {
	Call(ctx context.Context, apiName, procedureName string, kwargs message.KwArgs) (interface{}, error)
	Fire(ctx context.Context, apiName, eventName string, kwargs message.KwArgs) error
	Listen(listenFor []transport.ListenFor, listenerName, since string, handler client.EventHandler)
}

// Path names one (api, member) pair and binds it to the client that will
// serve it.
type Path struct {
	client  Caller
	apiName string
	member  string
}

// New builds a Path for "apiName.member" against c from the two names
// given separately; Parse below builds the same Path from the combined
// "api.member" string.
func New(c Caller, apiName, member string) Path {
	return Path{client: c, apiName: apiName, member: member}
}

// Parse splits a "api.member" dotted string into a Path bound to c at its
// first dot (any further dots stay in the member half), failing with
// KindInvalidBusPathConfiguration if dotted has no dot or either half is
// empty.
func Parse(c Caller, dotted string) (Path, error) {
	parts := strings.SplitN(dotted, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Path{}, buserrors.New(buserrors.KindInvalidBusPathConfiguration,
			"expected \"api.member\", got "+dotted)
	}
	return New(c, parts[0], parts[1]), nil
}

// String renders the path back in "api.member" form.
func (p Path) String() string { return p.apiName + "." + p.member }

// Call invokes this path as an RPC procedure.
func (p Path) Call(ctx context.Context, kwargs message.KwArgs) (interface{}, error) {
	return p.client.Call(ctx, p.apiName, p.member, kwargs)
}

// Fire publishes this path as an event.
func (p Path) Fire(ctx context.Context, kwargs message.KwArgs) error {
	return p.client.Fire(ctx, p.apiName, p.member, kwargs)
}

// Listen registers handler for this path's event under listenerName,
// starting from since (parsed the same way the event transport parses any
// other `since` value).
func (p Path) Listen(listenerName, since string, handler client.EventHandler) {
	p.client.Listen([]transport.ListenFor{{APIName: p.apiName, EventName: p.member}}, listenerName, since, handler)
}
