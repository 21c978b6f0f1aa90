// Package message defines the immutable value types passed between a bus
// client and its transports: RPC calls, their results, and events.
package message

import "github.com/google/uuid"

// KwArgs is the string-keyed argument bag carried by RPC calls and events.
// Values are whatever the serializer can encode — typically anything
// encoding/json can marshal.
type KwArgs map[string]interface{}

// RpcMessage is an immutable request to invoke a procedure on a remote API.
// ReturnPath is a transport-specific addressing token minted by the
// ResultTransport at call time; the server includes it unchanged when
// routing the ResultMessage back.
type RpcMessage struct {
	ID            string
	APIName       string
	ProcedureName string
	Kwargs        KwArgs
	ReturnPath    string
}

// NewRpcMessage builds an RpcMessage with a freshly minted id. ReturnPath is
// set separately (WithReturnPath) once the result transport has minted it.
func NewRpcMessage(apiName, procedureName string, kwargs KwArgs) RpcMessage {
	if kwargs == nil {
		kwargs = KwArgs{}
	}
	return RpcMessage{
		ID:            uuid.NewString(),
		APIName:       apiName,
		ProcedureName: procedureName,
		Kwargs:        kwargs,
	}
}

// WithReturnPath returns a copy of msg with ReturnPath set.
func (m RpcMessage) WithReturnPath(returnPath string) RpcMessage {
	m.ReturnPath = returnPath
	return m
}

// ResultMessage is an immutable response to an RpcMessage: either a result
// value, or an error descriptor naming the error kind, a message, and an
// optional structured payload.
type ResultMessage struct {
	RpcMessageID string
	Result       interface{}
	ErrorKind    string
	ErrorMessage string
	ErrorPayload interface{}
}

// IsError reports whether this result carries an error rather than a value.
func (m ResultMessage) IsError() bool {
	return m.ErrorKind != ""
}

// NewResultMessage builds a successful ResultMessage.
func NewResultMessage(rpcMessageID string, result interface{}) ResultMessage {
	return ResultMessage{RpcMessageID: rpcMessageID, Result: result}
}

// NewErrorResultMessage builds a failed ResultMessage.
func NewErrorResultMessage(rpcMessageID, errorKind, errorMessage string, payload interface{}) ResultMessage {
	return ResultMessage{
		RpcMessageID: rpcMessageID,
		ErrorKind:    errorKind,
		ErrorMessage: errorMessage,
		ErrorPayload: payload,
	}
}

// CurrentEventVersion is the event envelope version this runtime produces
// and the maximum version it knows how to consume. A consumer skips (and
// logs) any event whose Version exceeds this.
const CurrentEventVersion = 1

// EventMessage is an immutable broadcast message on an API. NativeID is
// assigned exactly once, by the transport, at receive time (e.g. the Redis
// stream entry id); it is empty on messages that have not yet been
// delivered by a transport.
type EventMessage struct {
	ID        string
	APIName   string
	EventName string
	Kwargs    KwArgs
	Version   int
	NativeID  string
}

// NewEventMessage builds an EventMessage with a freshly minted id and the
// current envelope version.
func NewEventMessage(apiName, eventName string, kwargs KwArgs) EventMessage {
	if kwargs == nil {
		kwargs = KwArgs{}
	}
	return EventMessage{
		ID:        uuid.NewString(),
		APIName:   apiName,
		EventName: eventName,
		Kwargs:    kwargs,
		Version:   CurrentEventVersion,
	}
}

// WithNativeID returns a copy of m with NativeID set. Transports call this
// exactly once, when a message is received off the wire.
func (m EventMessage) WithNativeID(nativeID string) EventMessage {
	m.NativeID = nativeID
	return m
}
