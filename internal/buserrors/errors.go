// Package buserrors defines the closed set of error kinds the bus runtime
// raises, following lightbus's exception hierarchy (lightbus/exceptions.py,
// as referenced from transports/base.py) and the existing pattern of a
// small custom error type per failure domain
// (internal/dispatcher/errors.go's PermanentBackendError).
package buserrors

import "fmt"

// Kind identifies one of the error kinds named in the bus runtime's
// error-handling design. Kinds are compared by value, not by type, so
// hooks and logs can name them directly.
type Kind string

const (
	// KindTransportNotFound: no transport resolves for an API/capability.
	KindTransportNotFound Kind = "TransportNotFound"
	// KindNothingToListenFor: consume called with an empty selector.
	KindNothingToListenFor Kind = "NothingToListenFor"
	// KindInvalidSchema: a schema document failed to parse or validate.
	KindInvalidSchema Kind = "InvalidSchema"
	// KindSchemaNotFound: no schema is known for the requested API/member.
	KindSchemaNotFound Kind = "SchemaNotFound"
	// KindInvalidAPIForSchemaCreation: schema derivation was given something
	// that isn't a usable API instance.
	KindInvalidAPIForSchemaCreation Kind = "InvalidApiForSchemaCreation"
	// KindValidationError: parameters or a response failed JSON-Schema validation.
	KindValidationError Kind = "ValidationError"
	// KindInvalidParameters: caller-supplied parameters are malformed.
	KindInvalidParameters Kind = "InvalidParameters"
	// KindInvalidBusPathConfiguration: a dotted bus path could not be resolved.
	KindInvalidBusPathConfiguration Kind = "InvalidBusPathConfiguration"
	// KindShutdownInProgress: cooperative cancellation sentinel, swallowed by supervisors.
	KindShutdownInProgress Kind = "LightbusShutdownInProgress"
	// KindCannotBlockHere: a synchronous API was used from within the event loop.
	KindCannotBlockHere Kind = "CannotBlockHere"
	// KindFailedToImportBusModule: startup failure locating the bus module.
	KindFailedToImportBusModule Kind = "FailedToImportBusModule"
	// KindBusAlreadyClosed: idempotent close attempted on an already-closed client.
	KindBusAlreadyClosed Kind = "BusAlreadyClosed"
	// KindTimeout: an RPC call, event fire, listener setup, or ack deadline elapsed.
	KindTimeout Kind = "Timeout"
	// KindHandlerError: a local RPC handler raised rather than returning a result.
	KindHandlerError Kind = "HandlerError"
)

// BusError is the concrete error type carrying one of the Kind values above,
// a human-readable message, and an optional wrapped cause.
type BusError struct {
	Kind    Kind
	Message string
	Cause   error
}

// New constructs a BusError of the given kind.
func New(kind Kind, message string) *BusError {
	return &BusError{Kind: kind, Message: message}
}

// Wrap constructs a BusError of the given kind, wrapping cause.
func Wrap(kind Kind, message string, cause error) *BusError {
	return &BusError{Kind: kind, Message: message, Cause: cause}
}

func (e *BusError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *BusError) Unwrap() error { return e.Cause }

// Is reports whether err is a *BusError carrying the given Kind, e.g.
// `buserrors.Is(err, buserrors.KindTimeout)`. Only err itself is checked:
// a *BusError wrapped inside another error is not unwrapped.
func Is(err error, kind Kind) bool {
	be, ok := err.(*BusError)
	if !ok {
		return false
	}
	return be.Kind == kind
}
