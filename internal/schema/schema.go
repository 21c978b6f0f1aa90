// Package schema implements the bus' schema registry: deriving a
// JSON-Schema document per API, sharing it with peers through a
// SchemaTransport with a TTL, validating RPC/event parameters and RPC
// responses against it, and saving/loading schemas to local files for
// offline validation. Ported from lightbus/schema/schema.py's Schema
// class.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/busrelay/busrelay/internal/buserrors"
	"github.com/busrelay/busrelay/internal/busapi"
	"github.com/busrelay/busrelay/internal/transport"
)

// Registry holds schemas for every API known to this process: ones
// declared locally (and pushed to the transport) and ones retrieved from
// peers. It is safe for concurrent use.
type Registry struct {
	transport     transport.SchemaTransport
	maxAgeSeconds int
	humanReadable bool
	logger        *zap.Logger

	mu            sync.RWMutex
	localSchemas  map[string]map[string]interface{}
	remoteSchemas map[string]map[string]interface{}
}

// New builds a schema registry. st may be nil for a process that only
// validates against locally loaded schemas and never shares its own.
func New(st transport.SchemaTransport, maxAgeSeconds int, humanReadable bool, logger *zap.Logger) *Registry {
	if maxAgeSeconds <= 0 {
		maxAgeSeconds = 60
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		transport:     st,
		maxAgeSeconds: maxAgeSeconds,
		humanReadable: humanReadable,
		logger:        logger,
		localSchemas:  map[string]map[string]interface{}{},
		remoteSchemas: map[string]map[string]interface{}{},
	}
}

// AddAPI derives api's schema document and registers it locally, pushing
// it to the schema transport (if configured) with this registry's TTL.
func (r *Registry) AddAPI(ctx context.Context, api *busapi.Api) error {
	doc := api.ToSchemaDocument()

	r.mu.Lock()
	r.localSchemas[api.Name] = doc
	r.mu.Unlock()

	if r.transport == nil {
		return nil
	}
	return r.transport.Store(ctx, api.Name, doc, r.maxAgeSeconds)
}

// GetAPISchema returns the schema document for apiName, preferring a
// locally-declared schema over one retrieved from a peer.
func (r *Registry) GetAPISchema(apiName string) (map[string]interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.localSchemas[apiName]; ok {
		return s, nil
	}
	if s, ok := r.remoteSchemas[apiName]; ok {
		return s, nil
	}
	return nil, buserrors.New(buserrors.KindSchemaNotFound,
		fmt.Sprintf("no schema found for API %q; it may not yet be served by any process on the bus", apiName))
}

func (r *Registry) getMemberSchema(apiName, section, memberName string) (map[string]interface{}, error) {
	apiSchema, err := r.GetAPISchema(apiName)
	if err != nil {
		return nil, err
	}
	members, _ := apiSchema[section].(map[string]interface{})
	entry, ok := members[memberName]
	if !ok {
		return nil, buserrors.New(buserrors.KindSchemaNotFound,
			fmt.Sprintf("found schema for API %q, but it has no %s named %q", apiName, strings.TrimSuffix(section, "s"), memberName))
	}
	member, _ := entry.(map[string]interface{})
	return member, nil
}

// GetEventSchema returns the `{"parameters": ...}` entry for one event.
func (r *Registry) GetEventSchema(apiName, eventName string) (map[string]interface{}, error) {
	return r.getMemberSchema(apiName, "events", eventName)
}

// GetRPCSchema returns the `{"parameters": ..., "response": ...}` entry
// for one procedure.
func (r *Registry) GetRPCSchema(apiName, procedureName string) (map[string]interface{}, error) {
	return r.getMemberSchema(apiName, "rpcs", procedureName)
}

// GetEventOrRPCSchema tries an event first, then a procedure, matching
// lightbus's lookup used when validating an arbitrary bus member by name.
func (r *Registry) GetEventOrRPCSchema(apiName, memberName string) (map[string]interface{}, error) {
	if s, err := r.GetEventSchema(apiName, memberName); err == nil {
		return s, nil
	}
	return r.GetRPCSchema(apiName, memberName)
}

// ValidateParameters validates parameters against the "parameters" schema
// of the named event or RPC.
func (r *Registry) ValidateParameters(apiName, memberName string, parameters interface{}) error {
	entry, err := r.GetEventOrRPCSchema(apiName, memberName)
	if err != nil {
		return err
	}
	paramSchema, _ := entry["parameters"].(map[string]interface{})
	return validateAgainst(paramSchema, parameters, fmt.Sprintf("parameters for %s.%s", apiName, memberName))
}

// ValidateResponse validates response against the "response" schema of
// the named RPC. Events have no response schema.
func (r *Registry) ValidateResponse(apiName, procedureName string, response interface{}) error {
	entry, err := r.GetRPCSchema(apiName, procedureName)
	if err != nil {
		return err
	}
	responseSchema, _ := entry["response"].(map[string]interface{})
	return validateAgainst(responseSchema, response, fmt.Sprintf("response from RPC %s.%s", apiName, procedureName))
}

// validateAgainst compiles rawSchema fresh on every call — schemas change
// rarely and validation is not on a hot path tight enough to warrant a
// compiled-schema cache here.
func validateAgainst(rawSchema map[string]interface{}, data interface{}, context string) error {
	if len(rawSchema) == 0 {
		return nil
	}

	encoded, err := json.Marshal(rawSchema)
	if err != nil {
		return buserrors.Wrap(buserrors.KindInvalidSchema, "failed to encode schema for "+context, err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(context, strings.NewReader(string(encoded))); err != nil {
		return buserrors.Wrap(buserrors.KindInvalidSchema, "failed to load schema for "+context, err)
	}
	compiled, err := compiler.Compile(context)
	if err != nil {
		return buserrors.Wrap(buserrors.KindInvalidSchema, "failed to compile schema for "+context, err)
	}

	if err := compiled.Validate(data); err != nil {
		return buserrors.Wrap(buserrors.KindValidationError, validationMessage(context, err), err)
	}
	return nil
}

// validationMessage mirrors Schema.validate_parameters's three-way
// message (no path / single field / nested path), built from the
// jsonschema library's deepest reported instance location instead of
// Python's absolute_path.
func validationMessage(context string, err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return fmt.Sprintf("validation error for %s: %v", context, err)
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}

	segments := strings.Split(strings.Trim(leaf.InstanceLocation, "/"), "/")
	if len(segments) == 1 && segments[0] == "" {
		segments = nil
	}

	switch len(segments) {
	case 0:
		return fmt.Sprintf("validation error for %s: %s", context, leaf.Message)
	case 1:
		return fmt.Sprintf("validation error for %s: invalid value for parameter %q: %s", context, segments[0], leaf.Message)
	default:
		return fmt.Sprintf("validation error for %s: invalid nested value at '<root>.%s': %s", context, strings.Join(segments, "."), leaf.Message)
	}
}

// Monitor runs until ctx is cancelled, periodically re-pinging every
// locally-declared schema's TTL and reloading remote schemas from the
// transport. The interval defaults to 0.8x the TTL, matching lightbus so
// a schema is refreshed well before it could expire from a momentary
// delay.
func (r *Registry) Monitor(ctx context.Context) error {
	if r.transport == nil {
		return nil
	}

	interval := time.Duration(float64(r.maxAgeSeconds)*0.8) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.mu.RLock()
			local := make(map[string]map[string]interface{}, len(r.localSchemas))
			for k, v := range r.localSchemas {
				local[k] = v
			}
			r.mu.RUnlock()

			for apiName, apiSchema := range local {
				if err := r.transport.Ping(ctx, apiName, apiSchema, r.maxAgeSeconds); err != nil {
					r.logger.Warn("failed to ping schema ttl", zap.String("api", apiName), zap.Error(err))
				}
			}

			remote, err := r.transport.Load(ctx)
			if err != nil {
				r.logger.Warn("failed to reload remote schemas", zap.Error(err))
				continue
			}
			r.mu.Lock()
			r.remoteSchemas = remote
			r.mu.Unlock()
		}
	}
}

// apiNames returns every API name known locally or remotely, deduplicated.
func (r *Registry) apiNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var names []string
	for k := range r.localSchemas {
		if !seen[k] {
			seen[k] = true
			names = append(names, k)
		}
	}
	for k := range r.remoteSchemas {
		if !seen[k] {
			seen[k] = true
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// SaveLocal writes every known schema (local and remote) as one JSON
// object to w, indented when humanReadable is set.
func (r *Registry) SaveLocal(w io.Writer) error {
	combined := map[string]interface{}{}
	for _, name := range r.apiNames() {
		s, err := r.GetAPISchema(name)
		if err != nil {
			return err
		}
		combined[name] = s
	}

	enc := json.NewEncoder(w)
	if r.humanReadable {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(combined)
}

// SaveLocalToDirectory writes one file per API into dir, named after a
// filesystem-safe transliteration of the API name and holding a
// `{api_name: schema}` document that LoadLocalDirectory reads back.
func (r *Registry) SaveLocalToDirectory(dir string) error {
	for _, name := range r.apiNames() {
		s, err := r.GetAPISchema(name)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(map[string]interface{}{name: s}, "", "  ")
		if err != nil {
			return fmt.Errorf("encode schema for %s: %w", name, err)
		}
		path := filepath.Join(dir, fileSafeAPIName(name)+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write schema file %s: %w", path, err)
		}
	}
	return nil
}

// LoadLocal reads a single JSON document of `{api_name: schema}` entries
// from r and registers them as local schemas. Like schemas added with
// AddAPI, they are not stored on the schema transport here but are
// re-pinged to it by Monitor.
func (r *Registry) LoadLocal(src io.Reader) error {
	var loaded map[string]map[string]interface{}
	if err := json.NewDecoder(src).Decode(&loaded); err != nil {
		return buserrors.Wrap(buserrors.KindInvalidSchema, "could not parse schema document", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, s := range loaded {
		r.localSchemas[name] = s
	}
	return nil
}

// LoadLocalDirectory reads every *.json file in dir and registers them as
// local schemas. Files are processed in lexical order; where two files
// declare the same API name, the later file wins.
func (r *Registry) LoadLocalDirectory(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return fmt.Errorf("glob %s: %w", dir, err)
	}
	sort.Strings(matches)

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read schema file %s: %w", path, err)
		}
		var loaded map[string]map[string]interface{}
		if err := json.Unmarshal(data, &loaded); err != nil {
			return buserrors.Wrap(buserrors.KindInvalidSchema, "could not parse schema file "+path, err)
		}
		r.mu.Lock()
		for name, s := range loaded {
			r.localSchemas[name] = s
		}
		r.mu.Unlock()
	}
	return nil
}

func fileSafeAPIName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}
