// Package serializer encodes and decodes EventMessages to and from the
// string-keyed field dictionaries a Redis stream entry is made of. It
// generalizes the single `data` field the original internal/eventbus
// Redis-streams implementation used into two selectable strategies: one
// field per kwarg (by-field), or one JSON blob (blob).
package serializer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/busrelay/busrelay/internal/message"
)

// Fields is the wire representation of one stream entry: a flat
// string-to-string map, matching what redis.XAddArgs.Values / XMessage.Values
// ultimately round-trip through Redis as.
type Fields map[string]string

const (
	fieldAPIName   = "api_name"
	fieldEventName = "event_name"
	fieldID        = "id"
	fieldVersion   = "version"
	kwargPrefix    = ":"
	blobField      = ":payload"
)

// Serializer converts between EventMessage and the Fields a stream entry
// carries. ByField and Blob are the two supported wire strategies; a
// Deserializer only needs to read whichever one the producer used. The
// streams transport builds a single codec for both directions from its
// serializer name, falling back to the deserializer name when that is
// empty, so the two config knobs do not select different strategies.
type Serializer interface {
	Serialize(evt message.EventMessage) (Fields, error)
}

// Deserializer reconstructs an EventMessage from Fields. NativeID is not
// set here — that is assigned by the transport once it knows the stream
// entry id.
type Deserializer interface {
	Deserialize(fields Fields) (message.EventMessage, error)
}

// ByField stores one field per user kwarg, each JSON-encoded and prefixed
// with ":", alongside the envelope fields. This is the default layout.
type ByField struct{}

// Serialize implements Serializer.
func (ByField) Serialize(evt message.EventMessage) (Fields, error) {
	fields := Fields{
		fieldAPIName:   evt.APIName,
		fieldEventName: evt.EventName,
		fieldID:        evt.ID,
		fieldVersion:   strconv.Itoa(evt.Version),
	}
	for k, v := range evt.Kwargs {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode kwarg %q: %w", k, err)
		}
		fields[kwargPrefix+k] = string(data)
	}
	return fields, nil
}

// Deserialize implements Deserializer.
func (ByField) Deserialize(fields Fields) (message.EventMessage, error) {
	evt, err := envelopeFromFields(fields)
	if err != nil {
		return message.EventMessage{}, err
	}

	kwargs := message.KwArgs{}
	for k, v := range fields {
		if !strings.HasPrefix(k, kwargPrefix) || k == blobField {
			continue
		}
		name := strings.TrimPrefix(k, kwargPrefix)
		var decoded interface{}
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			return message.EventMessage{}, fmt.Errorf("decode kwarg %q: %w", name, err)
		}
		kwargs[name] = decoded
	}
	evt.Kwargs = kwargs
	return evt, nil
}

// Blob stores the entire kwargs map as a single JSON-encoded field. This
// trades per-field introspection (e.g. via redis-cli) for a single
// marshal/unmarshal call and no per-kwarg field name collisions.
type Blob struct{}

// Serialize implements Serializer.
func (Blob) Serialize(evt message.EventMessage) (Fields, error) {
	data, err := json.Marshal(evt.Kwargs)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return Fields{
		fieldAPIName:   evt.APIName,
		fieldEventName: evt.EventName,
		fieldID:        evt.ID,
		fieldVersion:   strconv.Itoa(evt.Version),
		blobField:      string(data),
	}, nil
}

// Deserialize implements Deserializer.
func (Blob) Deserialize(fields Fields) (message.EventMessage, error) {
	evt, err := envelopeFromFields(fields)
	if err != nil {
		return message.EventMessage{}, err
	}

	raw, ok := fields[blobField]
	if !ok {
		return message.EventMessage{}, fmt.Errorf("missing %q field", blobField)
	}
	var kwargs message.KwArgs
	if err := json.Unmarshal([]byte(raw), &kwargs); err != nil {
		return message.EventMessage{}, fmt.Errorf("decode payload: %w", err)
	}
	evt.Kwargs = kwargs
	return evt, nil
}

func envelopeFromFields(fields Fields) (message.EventMessage, error) {
	apiName, ok := fields[fieldAPIName]
	if !ok {
		return message.EventMessage{}, fmt.Errorf("missing %q field", fieldAPIName)
	}
	eventName, ok := fields[fieldEventName]
	if !ok {
		return message.EventMessage{}, fmt.Errorf("missing %q field", fieldEventName)
	}
	id, ok := fields[fieldID]
	if !ok {
		return message.EventMessage{}, fmt.Errorf("missing %q field", fieldID)
	}
	versionStr, ok := fields[fieldVersion]
	if !ok {
		versionStr = "1"
	}
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		return message.EventMessage{}, fmt.Errorf("invalid %q field %q: %w", fieldVersion, versionStr, err)
	}

	return message.EventMessage{
		ID:        id,
		APIName:   apiName,
		EventName: eventName,
		Version:   version,
	}, nil
}

// ForName resolves the "by_field" / "blob" config names used in
// RedisTransportConfig.Serializer / Deserializer to a concrete strategy.
// An empty or unrecognized name falls back to ByField, the default.
func ForName(name string) interface{ Serializer; Deserializer } {
	switch name {
	case "blob":
		return blobCodec{}
	default:
		return byFieldCodec{}
	}
}

type byFieldCodec struct{ ByField }
type blobCodec struct{ Blob }

// KwargNames returns the sorted kwarg field names present in fields,
// stripped of their ":" prefix. Useful for logging and tests.
func KwargNames(fields Fields) []string {
	var names []string
	for k := range fields {
		if strings.HasPrefix(k, kwargPrefix) && k != blobField {
			names = append(names, strings.TrimPrefix(k, kwargPrefix))
		}
	}
	sort.Strings(names)
	return names
}
